package target

import (
	"fmt"
	"strconv"
	"strings"
)

// xPSR IT-state bit groups of an Arm Cortex-M core.
const (
	xpsrITLoMask = 0b11 << 25     // IT[1:0]
	xpsrITHiMask = 0b111111 << 10 // IT[7:2]
)

// XPSRInITBlock reports whether an xPSR value indicates the core is
// executing an if/then block. Obtain the value with EvalUint("$xpsr").
func XPSRInITBlock(xpsr uint32) bool {
	return xpsr&xpsrITLoMask != 0 || xpsr&xpsrITHiMask != 0
}

// XPSRString decodes an xPSR value into a multi-line human-readable
// description, ready for logging.
func XPSRString(xpsr uint32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "xPSR: 0b%032b (0x%08x)\n", xpsr, xpsr)
	fmt.Fprintf(&b, "negative (N): ...... %d\n", (xpsr>>31)&0b1)
	fmt.Fprintf(&b, "zero (Z): .......... %d\n", (xpsr>>30)&0b1)
	fmt.Fprintf(&b, "carry (C): ......... %d\n", (xpsr>>29)&0b1)
	fmt.Fprintf(&b, "overflow (V): ...... %d\n", (xpsr>>28)&0b1)
	fmt.Fprintf(&b, "cumulative sat. (Q): %d\n", (xpsr>>27)&0b1)
	fmt.Fprintf(&b, "if/then/else (IT): . %02b     (IT[1:0])\n", (xpsr>>25)&0b11)
	fmt.Fprintf(&b, "thumb state (T): ... %d\n", (xpsr>>24)&0b1)
	fmt.Fprintf(&b, "gt or equal (GE): .. %d\n", (xpsr>>16)&0b1111)
	fmt.Fprintf(&b, "if/then/else (IT): . %06b (IT[7:2])\n", (xpsr>>10)&0b111111)
	return b.String()
}

// RegNames returns the debugger's register names, indexed by register
// number. Passing numbers restricts the answer to those registers.
func (t *Target) RegNames(regs ...int) ([]string, error) {
	rec, err := t.Exec("-data-list-register-names"+regArgs(regs), 0)
	if err != nil {
		return nil, err
	}
	return parseQuotedList(listBody(rec.Payload, "register-names")), nil
}

// RegValues returns register contents keyed by register number. format is
// a debugger format letter such as "x" or "d"; passing numbers restricts
// the answer to those registers.
func (t *Target) RegValues(format string, regs ...int) (map[int]string, error) {
	rec, err := t.Exec(fmt.Sprintf("-data-list-register-values --skip-unavailable %s%s", format, regArgs(regs)), 0)
	if err != nil {
		return nil, err
	}

	vals := make(map[int]string)
	payload := rec.Payload
	for {
		numStr, next, ok := scanQuoted(payload, "number")
		if !ok {
			break
		}
		payload = payload[next:]
		val, next, ok := scanQuoted(payload, "value")
		if !ok {
			break
		}
		payload = payload[next:]

		num, err := strconv.Atoi(numStr)
		if err != nil {
			continue
		}
		vals[num] = val
	}
	return vals, nil
}

// RegChanged returns the numbers of registers changed since the last fetch.
func (t *Target) RegChanged() ([]int, error) {
	rec, err := t.Exec("-data-list-changed-registers", 0)
	if err != nil {
		return nil, err
	}

	var nums []int
	for _, s := range parseQuotedList(listBody(rec.Payload, "changed-registers")) {
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	return nums, nil
}

// RegFlushCache drops the debugger's register cache, needed after the
// target state changed outside the debugger's awareness.
func (t *Target) RegFlushCache() error {
	_, err := t.CliExec("flushregs", 0)
	return err
}

func regArgs(regs []int) string {
	if len(regs) == 0 {
		return ""
	}
	var b strings.Builder
	for _, r := range regs {
		fmt.Fprintf(&b, " %d", r)
	}
	return b.String()
}

// listBody extracts the bracketed body of name=[...] from a result payload.
func listBody(payload, name string) string {
	key := name + "=["
	i := strings.Index(payload, key)
	if i < 0 {
		return ""
	}
	body := payload[i+len(key):]
	if j := strings.IndexByte(body, ']'); j >= 0 {
		return body[:j]
	}
	return body
}

// parseQuotedList collects the quoted strings of a list body, honoring
// backslash escapes.
func parseQuotedList(s string) []string {
	var out []string
	for {
		i := strings.IndexByte(s, '"')
		if i < 0 {
			return out
		}
		s = s[i+1:]

		var b strings.Builder
		closed := false
		for j := 0; j < len(s); j++ {
			c := s[j]
			if c == '\\' && j+1 < len(s) {
				b.WriteByte(s[j+1])
				j++
				continue
			}
			if c == '"' {
				out = append(out, b.String())
				s = s[j+1:]
				closed = true
				break
			}
			b.WriteByte(c)
		}
		if !closed {
			return out
		}
	}
}

// scanQuoted finds the first key="value" occurrence in s, returning the
// unescaped value and the offset just past its closing quote.
func scanQuoted(s, key string) (string, int, bool) {
	pat := key + `="`
	i := strings.Index(s, pat)
	if i < 0 {
		return "", 0, false
	}
	i += len(pat)

	var b strings.Builder
	for j := i; j < len(s); j++ {
		c := s[j]
		if c == '\\' && j+1 < len(s) {
			b.WriteByte(s[j+1])
			j++
			continue
		}
		if c == '"' {
			return b.String(), j + 1, true
		}
		b.WriteByte(c)
	}
	return "", 0, false
}
