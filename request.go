package spf

import (
	"net"
	"strings"
)

// Scope identifies which mail identity a request is checking a policy
// against.
type Scope string

// The three identity scopes spec.md's data model names. RFC 4408 only
// gives helo and mfrom mechanism semantics of their own; pra is carried
// for parity with the data model. A v=spf1 record never covers pra; once
// a record covering pra is selected, it evaluates identically to mfrom.
const (
	ScopeHELO  Scope = "helo"
	ScopeMFrom Scope = "mfrom"
	ScopePRA   Scope = "pra"
)

// evalState is the per-evaluation mutable state shared, by reference,
// between a root Request and every sub-request derived from it via
// include or redirect. Limits and cycle detection must stay global to
// the root evaluation no matter how deep the recursion goes.
type evalState struct {
	dnsInteractiveTerms int
	frames              []string // root domain plus domains of the includes currently being evaluated
	explanation         *MacroString
}

// Request is the evaluation context passed to Server.Process. Construct
// one with NewRequest; the identity-derived fields (local part, sender
// domain, authority domain) are computed at construction time and are
// read-only from then on. Only the per-evaluation state, reached via the
// unexported state pointer, is mutated during Process.
type Request struct {
	Identity string
	Scope    Scope
	ClientIP net.IP
	HELO     string

	// Versions lists the SPF record versions this request will accept, in
	// any order; they are tried from highest to lowest. A nil slice
	// defaults to {1} at Process time.
	Versions []int

	senderLocal  string
	senderDomain string
	domain       string // authority/current domain; changes across include/redirect

	state *evalState
}

// NewRequest builds a Request for the given scope, identity and client
// address. helo is the secondary HELO/EHLO identity, used only for the
// %{h} macro; it may be empty.
func NewRequest(scope Scope, identity string, clientIP net.IP, helo string) *Request {
	local, domain := splitIdentity(identity)
	r := &Request{
		Identity:     identity,
		Scope:        scope,
		ClientIP:     clientIP,
		HELO:         helo,
		senderLocal:  local,
		senderDomain: domain,
		domain:       domain,
		state:        &evalState{},
	}
	if scope == ScopeHELO {
		// The HELO identity has no local part; %{s} still needs one, so
		// postmaster is used exactly as for an @-less mfrom identity.
		r.senderLocal = "postmaster"
		r.senderDomain = identity
		r.domain = identity
	}
	return r
}

// splitIdentity splits "local@domain" into its parts, defaulting the
// local part to postmaster when no "@" is present at all.
func splitIdentity(identity string) (local, domain string) {
	if i := strings.LastIndexByte(identity, '@'); i >= 0 {
		return identity[:i], identity[i+1:]
	}
	return "postmaster", identity
}

// AuthorityDomain returns the domain currently under evaluation: the
// request's original authority domain at the root, or the rebound
// target domain inside an include or redirect sub-evaluation.
func (r *Request) AuthorityDomain() string { return r.domain }

// sender returns the local-part@domain string used by the %{s} macro.
func (r *Request) sender() string { return r.senderLocal + "@" + r.senderDomain }

// withDomain returns a shallow clone of r with domain rebound, sharing
// r's evaluation state by reference. Used by include and redirect.
func (r *Request) withDomain(domain string) *Request {
	clone := *r
	clone.domain = domain
	return &clone
}

// acceptedVersions returns the request's accepted record versions,
// descending, defaulting to version 1 only.
func (r *Request) acceptedVersions() []int {
	if len(r.Versions) == 0 {
		return []int{1}
	}
	versions := append([]int(nil), r.Versions...)
	sortDescending(versions)
	return versions
}

func sortDescending(v []int) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] < v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

// ip4 returns the request's client address in 4-byte form, and whether
// one is available (either a native IPv4 address or an IPv4-mapped
// IPv6 address).
func (r *Request) ip4() (net.IP, bool) {
	if v4 := r.ClientIP.To4(); v4 != nil {
		return v4, true
	}
	return nil, false
}

// ip6 returns the request's client address in 16-byte form. Every valid
// net.IP has a 16-byte form, including plain IPv4 addresses (mapped),
// so this is always available.
func (r *Request) ip6() net.IP {
	return r.ClientIP.To16()
}

// pushFrame records domain as being on the include stack, returning
// false (without modifying the stack) if it is already there. Redirect
// does not push a frame; redirect chains are bounded by the
// DNS-interactive-term limit.
func (r *Request) pushFrame(domain string) bool {
	domain = strings.ToLower(domain)
	for _, f := range r.state.frames {
		if f == domain {
			return false
		}
	}
	r.state.frames = append(r.state.frames, domain)
	return true
}

func (r *Request) popFrame() {
	r.state.frames = r.state.frames[:len(r.state.frames)-1]
}
