package spf

import (
	"fmt"
	"net"
	"strings"
)

// parseError is the panic payload used to unwind out of the recursive
// term parser back to ParseRecord, in the same panic/recover idiom the
// teacher uses (parser.xerrorf + recover in ParseRecord): syntax errors
// are common enough, and nested deeply enough in per-mechanism parsing,
// that explicit error returns at every call site would bury the actual
// term-dispatch logic in plumbing.
type parseError struct{ err error }

func fail(cause error) {
	panic(parseError{permErr(cause)})
}

// ParseRecord parses text as a v=spf1 or spf2.0/scopelist policy. If text
// does not begin with a recognized version tag, ParseRecord returns
// (nil, nil): the text is simply not an SPF record, which is not itself
// an error — a domain's TXT records may carry unrelated data. Once a
// version tag is recognized, any further problem is a permanent syntax
// error.
func ParseRecord(text string) (rec *Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			if pe, ok := r.(parseError); ok {
				rec, err = nil, pe.err
				return
			}
			panic(r)
		}
	}()

	version, scopes, rest, ok := splitVersionTag(text)
	if !ok {
		return nil, nil
	}

	r := &Record{Version: version, Scopes: scopes}
	seen := map[string]bool{}
	for _, tok := range strings.Fields(rest) {
		parseTerm(r, tok, seen)
	}
	return r, nil
}

// splitVersionTag recognizes the "v=spf1" and "spf2.0/scopelist" record
// prefixes. ok is false when text is not an SPF record at all.
func splitVersionTag(text string) (version int, scopes map[Scope]bool, rest string, ok bool) {
	lower := strings.ToLower(text)
	switch {
	case lower == "v=spf1" || strings.HasPrefix(lower, "v=spf1 "):
		return 1, map[Scope]bool{ScopeHELO: true, ScopeMFrom: true}, strings.TrimPrefix(text, text[:6]), true

	case strings.HasPrefix(lower, "spf2.0/"):
		afterSlash := text[len("spf2.0/"):]
		i := strings.IndexByte(afterSlash, ' ')
		scopeList := afterSlash
		remainder := ""
		if i >= 0 {
			scopeList = afterSlash[:i]
			remainder = afterSlash[i:]
		}
		scopes = map[Scope]bool{}
		for _, s := range strings.Split(scopeList, ",") {
			switch Scope(strings.ToLower(s)) {
			case ScopeMFrom:
				scopes[ScopeMFrom] = true
			case ScopePRA:
				scopes[ScopePRA] = true
			default:
				fail(fmt.Errorf("%w: unrecognized scope %q", ErrInvalidRecord, s))
			}
		}
		if len(scopes) == 0 {
			fail(fmt.Errorf("%w: empty scope list", ErrInvalidRecord))
		}
		return 2, scopes, remainder, true

	default:
		return 0, nil, "", false
	}
}

// parseTerm parses one whitespace-delimited token as a modifier or a
// mechanism and appends it to r.
func parseTerm(r *Record, tok string, seen map[string]bool) {
	if name, value, ok := splitModifier(tok); ok {
		parseModifier(r, name, value, seen)
		return
	}
	parseMechanism(r, tok)
}

// splitModifier recognizes "NAME=VALUE" where NAME is a letter followed
// by letters, digits, '-', '_' or '.'.
func splitModifier(tok string) (name, value string, ok bool) {
	eq := strings.IndexByte(tok, '=')
	if eq <= 0 {
		return "", "", false
	}
	n := tok[:eq]
	if !isAlpha(n[0]) {
		return "", "", false
	}
	for i := 1; i < len(n); i++ {
		c := n[i]
		if !isAlpha(c) && !isDigit(c) && c != '-' && c != '_' && c != '.' {
			return "", "", false
		}
	}
	return n, tok[eq+1:], true
}

func parseModifier(r *Record, name, value string, seen map[string]bool) {
	key := strings.ToLower(name)
	if seen[key] {
		fail(fmt.Errorf("%w: %s", ErrDuplicateModifier, name))
	}
	seen[key] = true

	switch key {
	case "redirect":
		ms, err := NewMacroString(value)
		if err != nil {
			panic(parseError{err})
		}
		r.Redirect = ms
	case "exp":
		ms, err := NewMacroString(value)
		if err != nil {
			panic(parseError{err})
		}
		r.Exp = ms
	default:
		r.Other = append(r.Other, Modifier{Name: name, Value: value})
	}
}

func parseMechanism(r *Record, tok string) {
	q := Pass
	if len(tok) > 0 {
		if k, ok := qualifierKind[tok[0]]; ok {
			q = k
			tok = tok[1:]
		} else if !isAlpha(tok[0]) {
			fail(fmt.Errorf("%w: %q", ErrUnknownQualifier, tok[0]))
		}
	}
	if tok == "" {
		fail(fmt.Errorf("%w: empty term", ErrMissingTerm))
	}

	i := 0
	for i < len(tok) && isAlpha(tok[i]) {
		i++
	}
	// ip4/ip6 carry their address family as a trailing digit that the
	// alpha-only scan above stops short of; the teacher matches these two
	// keywords literally rather than scanning them (spf.go's
	// strings.HasPrefix(lfield, "ip4:")/"ip6:" checks).
	if i < len(tok) && (tok[i] == '4' || tok[i] == '6') && strings.EqualFold(tok[:i], "ip") {
		i++
	}
	name := strings.ToLower(tok[:i])
	suffix := tok[i:]

	variant, ok := mechNames[name]
	if !ok {
		fail(fmt.Errorf("%w: %q", ErrUnknownMechanism, name))
	}

	m := &Mechanism{Result: q, variant: variant}
	switch variant {
	case mechAll:
		if suffix != "" {
			fail(fmt.Errorf("%w: %q", ErrJunkInTerm, suffix))
		}
	case mechInclude:
		m.domain = requireDomainSpec(suffix)
	case mechExists:
		m.domain = requireDomainSpec(suffix)
	case mechPTR:
		m.domain = optionalDomainSpec(suffix)
	case mechA, mechMX:
		domainPart, cidrPart := splitDomainAndCIDR(suffix)
		m.domain = optionalDomainSpec(domainPart)
		ip4Len, ip6Len, err := parseCIDRLens(cidrPart)
		if err != nil {
			panic(parseError{err})
		}
		m.ip4Len, m.ip6Len = ip4Len, ip6Len
	case mechIP4:
		m.network = requireIPNetwork(suffix, false)
	case mechIP6:
		m.network = requireIPNetwork(suffix, true)
	}

	r.Mechanisms = append(r.Mechanisms, m)
}

// splitDomainAndCIDR splits an a/mx suffix like ":example.com/24//64" into
// its optional leading ":domain" part and trailing "/L4[//L6]" part.
func splitDomainAndCIDR(suffix string) (domainPart, cidrPart string) {
	if suffix == "" {
		return "", ""
	}
	if suffix[0] == '/' {
		return "", suffix
	}
	// suffix starts with ':'
	i := strings.IndexByte(suffix, '/')
	if i < 0 {
		return suffix, ""
	}
	return suffix[:i], suffix[i:]
}

func requireDomainSpec(suffix string) *MacroString {
	if len(suffix) == 0 || suffix[0] != ':' {
		fail(fmt.Errorf("%w: missing domain-spec", ErrMissingTerm))
	}
	ms, err := NewMacroString(suffix[1:])
	if err != nil {
		panic(parseError{err})
	}
	if ms.raw == "" {
		fail(fmt.Errorf("%w: empty domain-spec", ErrMissingTerm))
	}
	return ms
}

func optionalDomainSpec(suffix string) *MacroString {
	if suffix == "" {
		return nil
	}
	if suffix[0] != ':' {
		fail(fmt.Errorf("%w: %q", ErrJunkInTerm, suffix))
	}
	ms, err := NewMacroString(suffix[1:])
	if err != nil {
		panic(parseError{err})
	}
	return ms
}

func requireIPNetwork(suffix string, v6 bool) *net.IPNet {
	if len(suffix) == 0 || suffix[0] != ':' {
		fail(fmt.Errorf("%w: missing address", ErrMissingTerm))
	}
	body := suffix[1:]
	addr, cidr := body, ""
	if i := strings.IndexByte(body, '/'); i >= 0 {
		addr, cidr = body[:i], body[i+1:]
	}
	ip := net.ParseIP(addr)
	if ip == nil {
		fail(fmt.Errorf("%w: %q", ErrInvalidIP, addr))
	}
	maxLen := 32
	if v6 {
		maxLen = 128
		if ip.To4() != nil {
			fail(fmt.Errorf("%w: ip6 given IPv4 literal %q", ErrInvalidIP, addr))
		}
	} else if ip.To4() == nil {
		fail(fmt.Errorf("%w: ip4 given IPv6 literal %q", ErrInvalidIP, addr))
	}
	length := maxLen
	if cidr != "" {
		n, err := parseLen(cidr, maxLen)
		if err != nil {
			panic(parseError{err})
		}
		length = n
	}
	if v6 {
		return &net.IPNet{IP: ip.To16(), Mask: net.CIDRMask(length, 128)}
	}
	return &net.IPNet{IP: ip.To4(), Mask: net.CIDRMask(length, 32)}
}

func isAlpha(c byte) bool { return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') }
func isDigit(c byte) bool { return c >= '0' && c <= '9' }
