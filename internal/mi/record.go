package mi

import (
	"strings"
)

// Kind classifies a parsed MI output record.
type Kind int

const (
	// KindResult is a synchronous command result ("^done", "^error", ...).
	KindResult Kind = iota
	// KindConsole is console text emitted by the debugger ("~").
	KindConsole
	// KindNotify is an asynchronous notification ("=" and "*" records).
	KindNotify
	// KindTarget is raw output from the target ("@").
	KindTarget
	// KindLog is debugger-internal log text ("&").
	KindLog
	// KindOutput is any unclassified line.
	KindOutput
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindResult:
		return "result"
	case KindConsole:
		return "console"
	case KindNotify:
		return "notify"
	case KindTarget:
		return "target"
	case KindLog:
		return "log"
	case KindOutput:
		return "output"
	default:
		return "unknown"
	}
}

// Record is one parsed MI output record. The attribute payload is kept as
// raw text; Field extracts the few attributes the core needs. Everything
// else in the MI grammar is treated as opaque.
type Record struct {
	// Kind is the record class.
	Kind Kind

	// Token is the numeric request token of a result record, 0 if absent.
	Token int64

	// Message is the result class ("done", "error", "running", "stopped")
	// or the notification event name.
	Message string

	// Reason is the notification reason attribute, empty if none.
	Reason string

	// Payload is the raw attribute text after the message, or the unquoted
	// console/target/log text.
	Payload string
}

// ParseRecord parses one line of debugger output. It returns nil for blank
// lines and the "(gdb)" prompt separator.
func ParseRecord(line string) *Record {
	line = strings.TrimRight(line, "\r\n")
	if line == "" || strings.HasPrefix(line, "(gdb)") {
		return nil
	}

	// Leading digits are the request token.
	var token int64
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		token = token*10 + int64(line[i]-'0')
		i++
	}
	if i == len(line) {
		return &Record{Kind: KindOutput, Payload: line}
	}

	rest := line[i+1:]
	switch line[i] {
	case '^':
		rec := &Record{Kind: KindResult, Token: token}
		rec.Message, rec.Payload = splitMessage(rest)
		return rec
	case '*', '=':
		rec := &Record{Kind: KindNotify, Token: token}
		rec.Message, rec.Payload = splitMessage(rest)
		rec.Reason = rec.Field("reason")
		return rec
	case '~':
		return &Record{Kind: KindConsole, Payload: unquote(rest)}
	case '@':
		return &Record{Kind: KindTarget, Payload: unquote(rest)}
	case '&':
		return &Record{Kind: KindLog, Payload: unquote(rest)}
	default:
		return &Record{Kind: KindOutput, Payload: line}
	}
}

// Field extracts the value of a top-level or nested attribute of the form
// name="value" from the record payload. It returns the first occurrence,
// or "" if the attribute is absent.
func (r *Record) Field(name string) string {
	needle := name + `="`
	payload := r.Payload
	for from := 0; from < len(payload); {
		idx := strings.Index(payload[from:], needle)
		if idx < 0 {
			return ""
		}
		idx += from
		// Reject partial matches such as "no" inside "bkptno".
		if idx > 0 {
			prev := payload[idx-1]
			if prev != ',' && prev != '{' && prev != '[' {
				from = idx + len(needle)
				continue
			}
		}
		start := idx + len(needle)
		var sb strings.Builder
		for j := start; j < len(payload); j++ {
			c := payload[j]
			if c == '\\' && j+1 < len(payload) {
				sb.WriteByte(payload[j+1])
				j++
				continue
			}
			if c == '"' {
				return sb.String()
			}
			sb.WriteByte(c)
		}
		return sb.String()
	}
	return ""
}

// splitMessage splits "class,attrs..." into the message class and the raw
// attribute text.
func splitMessage(s string) (msg, payload string) {
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// unquote strips the surrounding quotes of an MI c-string and resolves the
// common escapes. Malformed input is returned as-is, sans quotes.
func unquote(s string) string {
	s = strings.TrimPrefix(s, `"`)
	s = strings.TrimSuffix(s, `"`)
	if !strings.ContainsRune(s, '\\') {
		return s
	}
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '\\' || i+1 == len(s) {
			sb.WriteByte(c)
			continue
		}
		i++
		switch s[i] {
		case 'n':
			sb.WriteByte('\n')
		case 't':
			sb.WriteByte('\t')
		case 'r':
			sb.WriteByte('\r')
		case '"':
			sb.WriteByte('"')
		case '\\':
			sb.WriteByte('\\')
		default:
			sb.WriteByte('\\')
			sb.WriteByte(s[i])
		}
	}
	return sb.String()
}
