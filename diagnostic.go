package spf

import "strings"

// Diagnostic summarizes a Result in the shape of an RFC 5451-style
// Received-SPF header value, for callers embedding this engine in a
// mail pipeline. It carries no dependency on any particular MTA or
// mail-parsing framework; String returns only the header's value part,
// not the "Received-SPF:" field name.
type Diagnostic struct {
	Result   Result
	Request  *Request
	Receiver string // hostname of the receiving server, if known

	// Problem, when non-empty, is a short human-readable note about an
	// internal error that produced permerror/temperror.
	Problem string
}

// NewDiagnostic builds a Diagnostic from a completed Process call.
func NewDiagnostic(res Result, req *Request, receiver string) Diagnostic {
	return Diagnostic{Result: res, Request: req, Receiver: receiver}
}

// String renders the diagnostic in the same key=value; shape as a
// Received-SPF header value (RFC 5451 section 2.4), without the leading
// field name.
func (d Diagnostic) String() string {
	var b strings.Builder
	b.WriteString(string(d.Result.Kind))

	if d.Result.Explanation != "" {
		b.WriteString(" (")
		b.WriteString(d.Result.Explanation)
		b.WriteString(")")
	}

	if d.Request != nil {
		b.WriteString(" client-ip=")
		b.WriteString(encodeHeaderValue(d.Request.ClientIP.String()))
		b.WriteByte(';')

		b.WriteString(" envelope-from=")
		b.WriteString(encodeHeaderValue(d.Request.Identity))
		b.WriteByte(';')

		if d.Request.HELO != "" {
			b.WriteString(" helo=")
			b.WriteString(encodeHeaderValue(d.Request.HELO))
			b.WriteByte(';')
		}
	}

	if d.Problem != "" {
		problem := d.Problem
		if len(problem) > 60 {
			problem = problem[:60]
		}
		b.WriteString(" problem=")
		b.WriteString(encodeHeaderValue(problem))
		b.WriteByte(';')
	}

	if d.Receiver != "" {
		b.WriteString(" receiver=")
		b.WriteString(encodeHeaderValue(d.Receiver))
	}

	return b.String()
}

// encodeHeaderValue quotes s if it contains characters not safe as a
// bare RFC 5451 header value token.
func encodeHeaderValue(s string) string {
	if s == "" {
		return `""`
	}
	needsQuote := false
	for _, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.ContainsRune("!#$%&'*+-/=?^_`{|}~.:", c):
		default:
			needsQuote = true
		}
		if needsQuote {
			break
		}
	}
	if !needsQuote {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}
