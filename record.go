package spf

import (
	"context"
	"fmt"
	"strings"
)

// Record is a parsed SPF policy: a version tag, the scopes it covers, an
// ordered mechanism sequence and a keyed modifier collection. Record
// values are immutable once returned by ParseRecord.
type Record struct {
	Version int // 1 or 2
	Scopes  map[Scope]bool

	Mechanisms []*Mechanism

	Redirect *MacroString
	Exp      *MacroString
	Other    []Modifier // unknown modifiers, retained but never evaluated
}

// Modifier is a parsed but semantically inert name=value pair, kept only
// so a Record round-trips through String.
type Modifier struct {
	Name  string
	Value string
}

// coversScope reports whether the record applies to scope.
func (r *Record) coversScope(scope Scope) bool {
	if r.Version == 1 {
		return scope == ScopeHELO || scope == ScopeMFrom
	}
	return r.Scopes[scope]
}

// evaluate walks the record's mechanisms in declaration order against
// req, applying redirect/exp per spec.md section 4.2 when nothing
// matches. A matching mechanism whose result is fail takes its
// explanation from this record's exp= modifier when one is present and
// resolvable, else from the explanation already bound. It never resets req's per-evaluation state; Server.Process
// does that once, at the root, before the first evaluate call.
func (r *Record) evaluate(ctx context.Context, srv *Server, req *Request) (Result, error) {
	for _, m := range r.Mechanisms {
		matched, err := m.match(ctx, srv, req)
		if err != nil {
			return Result{}, err
		}
		if !matched {
			continue
		}
		res := Result{Kind: m.Result}
		if res.Kind == Fail {
			prev := req.state.explanation
			if r.Exp != nil {
				srv.installExplanation(ctx, req, r.Exp)
			}
			res.Explanation = srv.explain(ctx, req)
			req.state.explanation = prev
		}
		return res, nil
	}

	if r.Exp != nil {
		srv.installExplanation(ctx, req, r.Exp)
	}

	if r.Redirect != nil {
		if err := srv.countDnsInteractiveTerm(req); err != nil {
			return Result{}, err
		}
		target, err := r.Redirect.Expand(ctx, srv, req, false)
		if err != nil {
			return Result{}, err
		}
		if err := validateDomainName(target); err != nil {
			return Result{}, err
		}
		sub := req.withDomain(target)
		res, err := srv.evaluateDomain(ctx, sub)
		if err != nil {
			return Result{}, err
		}
		if res.Kind == None {
			return Result{}, permErr(fmt.Errorf("%w: redirect target %q has no record", ErrInvalidRecord, target))
		}
		return res, nil
	}

	return result(Neutral), nil
}

// String reconstructs record text equivalent to what ParseRecord would
// accept, modulo redundant "+" qualifiers and inter-token whitespace.
func (r *Record) String() string {
	var b strings.Builder
	if r.Version == 1 {
		b.WriteString("v=spf1")
	} else {
		b.WriteString("spf2.0/")
		var scopes []string
		for _, s := range []Scope{ScopeMFrom, ScopePRA} {
			if r.Scopes[s] {
				scopes = append(scopes, string(s))
			}
		}
		b.WriteString(strings.Join(scopes, ","))
	}
	for _, m := range r.Mechanisms {
		b.WriteByte(' ')
		b.WriteString(m.String())
	}
	if r.Redirect != nil {
		fmt.Fprintf(&b, " redirect=%s", r.Redirect.raw)
	}
	if r.Exp != nil {
		fmt.Fprintf(&b, " exp=%s", r.Exp.raw)
	}
	for _, mod := range r.Other {
		fmt.Fprintf(&b, " %s=%s", mod.Name, mod.Value)
	}
	return b.String()
}

// String reconstructs mechanism text equivalent to what the parser
// accepted for m, dropping a redundant "+" qualifier.
func (m *Mechanism) String() string {
	var b strings.Builder
	if m.Result != Pass {
		b.WriteByte(qualifierChar(m.Result))
	}
	for name, v := range mechNames {
		if v == m.variant {
			b.WriteString(name)
			break
		}
	}
	switch m.variant {
	case mechAll:
		// no payload
	case mechIP4, mechIP6:
		b.WriteByte(':')
		b.WriteString(m.network.IP.String())
		ones, bits := m.network.Mask.Size()
		def := 32
		if m.variant == mechIP6 {
			def = 128
		}
		if ones != bits && ones != def {
			fmt.Fprintf(&b, "/%d", ones)
		}
	case mechInclude, mechExists:
		b.WriteByte(':')
		b.WriteString(m.domain.raw)
	case mechPTR:
		if m.domain != nil {
			b.WriteByte(':')
			b.WriteString(m.domain.raw)
		}
	case mechA, mechMX:
		if m.domain != nil {
			b.WriteByte(':')
			b.WriteString(m.domain.raw)
		}
		if m.ip4Len != 32 {
			fmt.Fprintf(&b, "/%d", m.ip4Len)
		}
		if m.ip6Len != 128 {
			fmt.Fprintf(&b, "//%d", m.ip6Len)
		}
	}
	return b.String()
}

func qualifierChar(k Kind) byte {
	for c, kind := range qualifierKind {
		if kind == k {
			return c
		}
	}
	return '+'
}
