package target

import "strings"

// NormalizeValue reduces a debugger-reported value to its bare form:
//
//	"2 '\\002'"        -> "2"     (char literals)
//	"0x0304 <my_func>" -> "0x0304" (function pointers)
//	"0x65 \"hi\""      -> "0x65"  (character pointers)
//
// Anything else passes through unchanged.
func NormalizeValue(s string) string {
	if i := strings.Index(s, " '"); i >= 0 {
		s = s[:i]
	}
	if strings.HasPrefix(s, "0x") {
		if i := strings.Index(s, " <"); i >= 0 {
			return s[:i]
		}
		if i := strings.Index(s, ` "`); i >= 0 {
			return s[:i]
		}
	}
	return s
}
