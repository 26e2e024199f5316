// Package spf implements SPF (Sender Policy Framework) evaluation as
// specified by RFC 4408.
//
// Given an envelope sender identity, the connecting client's IP address,
// and optionally a HELO identity, Server.Process retrieves the
// authoritative domain's published policy via DNS and evaluates it,
// returning an authoritative Result: Pass, Fail, SoftFail, Neutral,
// None, PermError, or TempError. Fail results carry a macro-expanded
// explanation string.
//
// The package is a small interpreter over an externally-supplied
// grammar (the SPF record), driven by resource-bounded DNS lookups. It
// supports all eight mechanisms (all, include, a, mx, ptr, ip4, ip6,
// exists), both modifiers (redirect, exp), the full macro-expansion
// language, and both v=spf1 and spf2.0/scope record versions.
//
// DNS resolution is a collaborator: package spf never talks to the
// network directly. Callers supply a Resolver, typically the one in
// the resolver subpackage (backed by github.com/miekg/dns), or a
// fixture for testing (see internal/dnstest for the one used by this
// package's own tests).
//
// This package does not implement command-line drivers, network
// services, DNS caching, or RFC 4406 (Sender ID) semantics beyond what
// is shared with RFC 4408; see cmd/spfcheck for a minimal CLI built on
// top of it.
//
// References:
//
//	https://tools.ietf.org/html/rfc4408
//	https://tools.ietf.org/html/rfc7208
package spf
