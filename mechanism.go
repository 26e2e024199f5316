package spf

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// mechVariant is the tag of the eight-way Mechanism sum.
type mechVariant int

// The eight mechanism variants, per spec.md section 4.3.
const (
	mechAll mechVariant = iota
	mechInclude
	mechA
	mechMX
	mechPTR
	mechIP4
	mechIP6
	mechExists
)

var mechNames = map[string]mechVariant{
	"all":     mechAll,
	"include": mechInclude,
	"a":       mechA,
	"mx":      mechMX,
	"ptr":     mechPTR,
	"ip4":     mechIP4,
	"ip6":     mechIP6,
	"exists":  mechExists,
}

// Mechanism is one term of a Record: a qualifier plus a variant-specific
// payload. All eight variants share the single match capability;
// dispatch happens over variant in match, not via a type hierarchy.
type Mechanism struct {
	Result  Kind // Pass/Fail/SoftFail/Neutral, from the qualifier
	variant mechVariant

	domain  *MacroString // nil means "default to the request's current domain"
	ip4Len  int          // IPv4 prefix length for a/mx, default 32
	ip6Len  int          // IPv6 prefix length for a/mx, default 128
	network *net.IPNet   // parsed literal, ip4/ip6 only
}

// dnsInteractive reports whether this mechanism requires countDnsInteractiveTerm.
func (m *Mechanism) dnsInteractive() bool {
	switch m.variant {
	case mechInclude, mechA, mechMX, mechPTR, mechExists:
		return true
	default:
		return false
	}
}

// match evaluates the mechanism against req using srv's resolver and
// limits. It never returns a Result directly (spec.md's design notes:
// mechanisms return a tagged bool/error, not a thrown Result); the only
// exception is include, whose sub-evaluation Table 1 mapping is encoded
// as engine errors that Record.evaluate/Server.Process classify exactly
// like any other internal error.
func (m *Mechanism) match(ctx context.Context, srv *Server, req *Request) (bool, error) {
	if m.dnsInteractive() {
		if err := srv.countDnsInteractiveTerm(req); err != nil {
			return false, err
		}
	}
	switch m.variant {
	case mechAll:
		return true, nil
	case mechIP4:
		v4, ok := req.ip4()
		if !ok {
			return false, nil
		}
		return m.network.Contains(v4), nil
	case mechIP6:
		return m.network.Contains(req.ip6()), nil
	case mechA:
		return m.matchA(ctx, srv, req)
	case mechMX:
		return m.matchMX(ctx, srv, req)
	case mechPTR:
		return m.matchPTR(ctx, srv, req)
	case mechExists:
		return m.matchExists(ctx, srv, req)
	case mechInclude:
		return m.matchInclude(ctx, srv, req)
	default:
		return false, permErr(fmt.Errorf("%w: variant %d", ErrUnknownMechanism, m.variant))
	}
}

func (m *Mechanism) effectiveDomain(ctx context.Context, srv *Server, req *Request) (string, error) {
	if m.domain == nil {
		return req.domain, nil
	}
	domain, err := m.domain.Expand(ctx, srv, req, false)
	if err != nil {
		return "", err
	}
	if err := validateDomainName(domain); err != nil {
		return "", err
	}
	return domain, nil
}

func (m *Mechanism) matchA(ctx context.Context, srv *Server, req *Request) (bool, error) {
	domain, err := m.effectiveDomain(ctx, srv, req)
	if err != nil {
		return false, err
	}
	return srv.matchDomainAddress(ctx, domain, req, m.ip4Len, m.ip6Len)
}

func (m *Mechanism) matchMX(ctx context.Context, srv *Server, req *Request) (bool, error) {
	domain, err := m.effectiveDomain(ctx, srv, req)
	if err != nil {
		return false, err
	}
	exchanges, err := srv.lookupMX(ctx, domain)
	if err != nil {
		return false, err
	}
	if len(exchanges) > srv.maxNameLookupsPerMX {
		// Per spec.md 4.3: exceeding the per-mechanism cap terminates
		// without match, not an error.
		return false, nil
	}
	for _, ex := range exchanges {
		ok, err := srv.matchDomainAddress(ctx, ex, req, m.ip4Len, m.ip6Len)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mechanism) matchPTR(ctx context.Context, srv *Server, req *Request) (bool, error) {
	domain, err := m.effectiveDomain(ctx, srv, req)
	if err != nil {
		return false, err
	}
	names, err := srv.validatedPTRNames(ctx, req)
	if err != nil {
		return false, err
	}
	for _, name := range names {
		if isSubdomainOrEqual(name, domain) {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mechanism) matchExists(ctx context.Context, srv *Server, req *Request) (bool, error) {
	domain, err := m.effectiveDomain(ctx, srv, req)
	if err != nil {
		return false, err
	}
	pkt, err := srv.dnsLookup(ctx, domain, RRTypeA)
	if err != nil {
		return false, err
	}
	for _, a := range pkt.Answers() {
		if a.Type == RRTypeA {
			return true, nil
		}
	}
	return false, nil
}

func (m *Mechanism) matchInclude(ctx context.Context, srv *Server, req *Request) (bool, error) {
	domain, err := m.effectiveDomain(ctx, srv, req)
	if err != nil {
		return false, err
	}
	if !req.pushFrame(domain) {
		return false, permErr(fmt.Errorf("%w: %s", ErrIncludeLoop, domain))
	}
	defer req.popFrame()

	sub := req.withDomain(domain)
	res, err := srv.evaluateDomain(ctx, sub)
	if err != nil {
		return false, err
	}
	switch res.Kind {
	case Pass:
		return true, nil
	case Fail, SoftFail, Neutral:
		return false, nil
	case TempError:
		return false, tempErr(fmt.Errorf("include %q: sub-result temperror", domain))
	default: // PermError, None
		return false, permErr(fmt.Errorf("include %q: sub-result %s", domain, res.Kind))
	}
}

// isSubdomainOrEqual reports whether name is dns-equal to domain or a
// (possibly multi-label) subdomain of it.
func isSubdomainOrEqual(name, domain string) bool {
	name = strings.ToLower(strings.TrimSuffix(name, "."))
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if name == domain {
		return true
	}
	return strings.HasSuffix(name, "."+domain)
}

// parseCIDRLens parses an optional "/L4" and "//L6" suffix, returning
// defaults (32, 128) when absent.
func parseCIDRLens(s string) (ip4Len, ip6Len int, err error) {
	ip4Len, ip6Len = 32, 128
	if s == "" {
		return ip4Len, ip6Len, nil
	}
	if strings.HasPrefix(s, "//") {
		ip6Len, err = parseLen(s[2:], 128)
		return ip4Len, ip6Len, err
	}
	parts := strings.SplitN(s[1:], "//", 2)
	ip4Len, err = parseLen(parts[0], 32)
	if err != nil {
		return 0, 0, err
	}
	if len(parts) == 2 {
		ip6Len, err = parseLen(parts[1], 128)
		if err != nil {
			return 0, 0, err
		}
	}
	return ip4Len, ip6Len, nil
}

func parseLen(s string, max int) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 || n > max {
		return 0, permErr(fmt.Errorf("%w: %q", ErrInvalidCIDR, s))
	}
	return n, nil
}
