// Package dnstest provides an in-memory spf.Resolver fixture for tests,
// adapted from albertito-spf's internal/dnstest package to the
// packet-based Resolver contract: records are set per (name, rrtype)
// pair, an unconfigured pair resolves as NXDOMAIN rather than an error,
// and a specific error (e.g. spf.ErrDNSTimeout) can be injected per pair.
package dnstest

import (
	"context"
	"fmt"
	"strings"

	"github.com/mailauth/spf"
)

type key struct {
	name   string
	rrtype spf.RRType
}

// Resolver is a fixture spf.Resolver backed by in-memory maps.
type Resolver struct {
	answers map[key][]spf.Answer
	errors  map[key]error
	cname   map[string]string
}

// New returns an empty Resolver fixture.
func New() *Resolver {
	return &Resolver{
		answers: map[key][]spf.Answer{},
		errors:  map[key]error{},
		cname:   map[string]string{},
	}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// SetTXT registers TXT records for name.
func (r *Resolver) SetTXT(name string, texts ...string) *Resolver {
	return r.set(name, spf.RRTypeTXT, txtAnswers(name, spf.RRTypeTXT, texts))
}

// SetSPF registers SPF (type 99) records for name.
func (r *Resolver) SetSPF(name string, texts ...string) *Resolver {
	return r.set(name, spf.RRTypeSPF, txtAnswers(name, spf.RRTypeSPF, texts))
}

func txtAnswers(name string, rrtype spf.RRType, texts []string) []spf.Answer {
	out := make([]spf.Answer, len(texts))
	for i, t := range texts {
		out[i] = spf.Answer{Name: name, Type: rrtype, Value: t}
	}
	return out
}

// SetA registers A records for name, given dotted-quad addresses.
func (r *Resolver) SetA(name string, addrs ...string) *Resolver {
	return r.set(name, spf.RRTypeA, addrAnswers(name, spf.RRTypeA, addrs))
}

// SetAAAA registers AAAA records for name.
func (r *Resolver) SetAAAA(name string, addrs ...string) *Resolver {
	return r.set(name, spf.RRTypeAAAA, addrAnswers(name, spf.RRTypeAAAA, addrs))
}

func addrAnswers(name string, rrtype spf.RRType, addrs []string) []spf.Answer {
	out := make([]spf.Answer, len(addrs))
	for i, a := range addrs {
		out[i] = spf.Answer{Name: name, Type: rrtype, Value: a}
	}
	return out
}

// SetMX registers MX records for name. Each exchange is "preference host".
func (r *Resolver) SetMX(name string, exchanges ...string) *Resolver {
	out := make([]spf.Answer, len(exchanges))
	for i, e := range exchanges {
		out[i] = spf.Answer{Name: name, Type: spf.RRTypeMX, Value: e}
	}
	return r.set(name, spf.RRTypeMX, out)
}

// SetMXHost is a convenience for the common single-preference case.
func (r *Resolver) SetMXHost(name string, preference int, host string) *Resolver {
	return r.SetMX(name, fmt.Sprintf("%d %s", preference, host))
}

// SetPTR registers PTR records for the reverse name (e.g.
// "5.2.0.192.in-addr.arpa").
func (r *Resolver) SetPTR(name string, ptrs ...string) *Resolver {
	out := make([]spf.Answer, len(ptrs))
	for i, p := range ptrs {
		out[i] = spf.Answer{Name: name, Type: spf.RRTypePTR, Value: p}
	}
	return r.set(name, spf.RRTypePTR, out)
}

// SetCNAME makes lookups for name transparently redirect to target,
// mimicking a resolver that follows a CNAME chain.
func (r *Resolver) SetCNAME(name, target string) *Resolver {
	r.cname[normalize(name)] = normalize(target)
	return r
}

// SetError forces Lookup(name, rrtype) to fail with err, e.g.
// spf.ErrDNSTimeout to exercise timeout-specific handling.
func (r *Resolver) SetError(name string, rrtype spf.RRType, err error) *Resolver {
	r.errors[key{normalize(name), rrtype}] = err
	return r
}

func (r *Resolver) set(name string, rrtype spf.RRType, answers []spf.Answer) *Resolver {
	r.answers[key{normalize(name), rrtype}] = answers
	return r
}

// Lookup implements spf.Resolver.
func (r *Resolver) Lookup(ctx context.Context, name string, rrtype spf.RRType) (spf.Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name = normalize(name)
	if target, ok := r.cname[name]; ok && target != name {
		return r.Lookup(ctx, target, rrtype)
	}

	k := key{name, rrtype}
	if err, ok := r.errors[k]; ok {
		return nil, err
	}
	answers, ok := r.answers[k]
	if !ok {
		return &packet{rcode: spf.RcodeNXDomain}, nil
	}
	return &packet{rcode: spf.RcodeSuccess, answers: answers}, nil
}

type packet struct {
	rcode   spf.Rcode
	answers []spf.Answer
}

func (p *packet) Rcode() spf.Rcode      { return p.rcode }
func (p *packet) Answers() []spf.Answer { return p.answers }
