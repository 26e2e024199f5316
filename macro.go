package spf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// macroPart is one element of a tokenized MacroString: either a literal
// run of text, or a single %{...} expansion.
type macroPart struct {
	literal string // valid when !isExpr

	isExpr  bool
	letter  byte
	digits  int    // 0 means "no truncation"
	reverse bool
	delims  string // empty means "."
	upper   bool
}

// MacroString is a domain-spec or explanation template: raw text plus a
// precomputed token stream. Expansion is a pure function of the tokens
// and the (server, request) pair it is expanded against; two
// MacroStrings with equal raw text always expand identically in the
// same context.
type MacroString struct {
	raw   string
	parts []macroPart
}

// letters valid outside explanation context.
const macroLettersCommon = "slodipvh"

// letters valid only inside explanation context.
const macroLettersExplanation = "crt"

// NewMacroString tokenizes raw into a MacroString, validating macro
// expression syntax (letter, digit count, delimiter set) but not the
// context-dependent legality of c/r/t, which depends on how the result
// is later expanded.
func NewMacroString(raw string) (*MacroString, error) {
	m := &MacroString{raw: raw}
	i := 0
	var lit strings.Builder
	flush := func() {
		if lit.Len() > 0 {
			m.parts = append(m.parts, macroPart{literal: lit.String()})
			lit.Reset()
		}
	}
	for i < len(raw) {
		c := raw[i]
		if c != '%' {
			lit.WriteByte(c)
			i++
			continue
		}
		if i+1 >= len(raw) {
			return nil, permErr(fmt.Errorf("%w: trailing %%", ErrInvalidMacro))
		}
		switch raw[i+1] {
		case '%':
			lit.WriteByte('%')
			i += 2
			continue
		case '_':
			lit.WriteByte(' ')
			i += 2
			continue
		case '-':
			lit.WriteString("%20")
			i += 2
			continue
		case '{':
			flush()
			part, n, err := parseMacroExpr(raw[i:])
			if err != nil {
				return nil, err
			}
			m.parts = append(m.parts, part)
			i += n
			continue
		default:
			return nil, permErr(fmt.Errorf("%w: bare %%", ErrInvalidMacro))
		}
	}
	flush()
	return m, nil
}

// parseMacroExpr parses a single "%{...}" expression starting at s[0],
// returning the resulting part and the number of bytes consumed.
func parseMacroExpr(s string) (macroPart, int, error) {
	end := strings.IndexByte(s, '}')
	if end < 0 || s[1] != '{' {
		return macroPart{}, 0, permErr(fmt.Errorf("%w: unterminated expression", ErrInvalidMacro))
	}
	body := s[2:end]
	if body == "" {
		return macroPart{}, 0, permErr(fmt.Errorf("%w: empty expression", ErrInvalidMacro))
	}

	letter := body[0]
	lower := letter | 0x20
	if !strings.ContainsRune(macroLettersCommon+macroLettersExplanation, rune(lower)) {
		return macroPart{}, 0, permErr(fmt.Errorf("%w: unknown letter %q", ErrInvalidMacro, letter))
	}
	part := macroPart{isExpr: true, letter: lower, upper: letter != lower}

	rest := body[1:]
	// Optional decimal digit count.
	j := 0
	for j < len(rest) && rest[j] >= '0' && rest[j] <= '9' {
		j++
	}
	if j > 0 {
		n, err := strconv.Atoi(rest[:j])
		if err != nil || n < 1 || n > 128 {
			return macroPart{}, 0, permErr(fmt.Errorf("%w: digit count out of range", ErrInvalidMacro))
		}
		part.digits = n
		rest = rest[j:]
	}
	// Optional "r"/"R" reverse flag.
	if len(rest) > 0 && (rest[0] == 'r' || rest[0] == 'R') {
		part.reverse = true
		rest = rest[1:]
	}
	// Optional delimiter set.
	const validDelims = ".-+,/_="
	for _, r := range rest {
		if !strings.ContainsRune(validDelims, r) {
			return macroPart{}, 0, permErr(fmt.Errorf("%w: invalid delimiter %q", ErrInvalidMacro, r))
		}
	}
	part.delims = rest

	return part, end + 1, nil
}

// Expand renders m against srv and req. explanation selects whether c/r/t
// are legal (true only while expanding an installed exp= template).
func (m *MacroString) Expand(ctx context.Context, srv *Server, req *Request, explanation bool) (string, error) {
	var out strings.Builder
	for _, p := range m.parts {
		if !p.isExpr {
			out.WriteString(p.literal)
			continue
		}
		val, err := expandLetter(ctx, srv, req, p.letter, explanation)
		if err != nil {
			return "", err
		}
		val = transformMacroValue(val, p)
		if p.upper {
			val = url.QueryEscape(val)
		}
		out.WriteString(val)
	}
	return out.String(), nil
}

// transformMacroValue applies the optional split/truncate/reverse
// transformation described by RFC 4408 section 8.1 to a macro letter's
// raw value.
func transformMacroValue(val string, p macroPart) string {
	delims := p.delims
	if delims == "" {
		delims = "."
	}
	labels := splitAny(val, delims)
	if p.reverse {
		reverseSlice(labels)
	}
	if p.digits > 0 && p.digits < len(labels) {
		labels = labels[len(labels)-p.digits:]
	}
	return strings.Join(labels, ".")
}

// splitAny splits s on any byte present in delims.
func splitAny(s, delims string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return strings.ContainsRune(delims, r)
	})
}

func reverseSlice(s []string) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// expandLetter resolves a single macro letter to its raw (untransformed,
// non-URL-encoded) value.
func expandLetter(ctx context.Context, srv *Server, req *Request, letter byte, explanation bool) (string, error) {
	switch letter {
	case 's':
		return req.sender(), nil
	case 'l':
		return req.senderLocal, nil
	case 'o':
		return req.senderDomain, nil
	case 'd':
		return req.domain, nil
	case 'i':
		return macroClientIP(req.ClientIP), nil
	case 'p':
		return srv.validatedPTRDomain(ctx, req)
	case 'v':
		if _, ok := req.ip4(); ok {
			return "in-addr", nil
		}
		return "ip6", nil
	case 'h':
		if req.HELO == "" {
			return "unknown", nil
		}
		return req.HELO, nil
	case 'c', 'r', 't':
		if !explanation {
			return "", permErr(fmt.Errorf("%w: %%{%c} only valid in explanation", ErrInvalidMacro, letter))
		}
		return expandExplanationLetter(srv, req, letter), nil
	default:
		return "", permErr(fmt.Errorf("%w: unknown letter %q", ErrInvalidMacro, letter))
	}
}

func expandExplanationLetter(srv *Server, req *Request, letter byte) string {
	switch letter {
	case 'c':
		return req.ClientIP.String()
	case 'r':
		if srv.receivingHostname != "" {
			return srv.receivingHostname
		}
		return "unknown"
	case 't':
		return strconv.FormatInt(srv.now().Unix(), 10)
	}
	return "unknown"
}

// macroClientIP renders the client address for %{i}: dotted-quad for
// IPv4, reverse-nibble dot-separated for IPv6.
func macroClientIP(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return v4.String()
	}
	v6 := ip.To16()
	if v6 == nil {
		return "unknown"
	}
	nibbles := make([]string, 0, 32)
	for i := len(v6) - 1; i >= 0; i-- {
		b := v6[i]
		nibbles = append(nibbles, fmt.Sprintf("%x", b&0xf), fmt.Sprintf("%x", b>>4))
	}
	return strings.Join(nibbles, ".")
}

// now is overridable in tests via Server.nowFunc; defaults to time.Now.
var defaultNow = time.Now
