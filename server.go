package spf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TraceFunc receives a formatted diagnostic line when a record is
// selected for a domain (at the root and inside every include or
// redirect) and when Process completes, with the final result and any
// internal error. The engine never logs on its own;
// callers that want visibility supply one via WithTraceFunc. The default
// is a no-op.
type TraceFunc func(format string, args ...interface{})

func noopTrace(string, ...interface{}) {}

const (
	defaultMaxDNSInteractiveTerms = 10
	defaultMaxNameLookupsPerTerm  = 10
	defaultExplanationTemplate    = "Please see http://www.openspf.org/why.html?sender=%{S}&ip=%{I}&receiver=%{R}"
)

// Server is the SPF policy engine: immutable configuration plus a
// resolver reference, safe for concurrent use across independent
// Process calls (spec.md section 5). Construct one with NewServer.
type Server struct {
	resolver Resolver
	trace    TraceFunc

	maxDNSInteractiveTerms int
	maxNameLookupsPerTerm  int
	maxNameLookupsPerMX    int
	maxNameLookupsPerPTR   int

	defaultExplanation *MacroString
	receivingHostname  string

	nowFunc func() time.Time
}

// Option configures a Server at construction time.
type Option func(*serverConfig)

type serverConfig struct {
	resolver              Resolver
	trace                 TraceFunc
	maxDNSInteractiveTerms int
	maxNameLookupsPerTerm  int
	maxNameLookupsPerMX    *int
	maxNameLookupsPerPTR   *int
	defaultExplanation     string
	receivingHostname      string
}

// WithResolver sets the DNS resolver collaborator. Required.
func WithResolver(r Resolver) Option {
	return func(c *serverConfig) { c.resolver = r }
}

// WithTraceFunc sets the diagnostic trace hook. Optional.
func WithTraceFunc(fn TraceFunc) Option {
	return func(c *serverConfig) { c.trace = fn }
}

// WithMaxDNSInteractiveTerms overrides max_dns_interactive_terms (default 10).
func WithMaxDNSInteractiveTerms(n int) Option {
	return func(c *serverConfig) { c.maxDNSInteractiveTerms = n }
}

// WithMaxNameLookupsPerTerm overrides max_name_lookups_per_term (default 10).
func WithMaxNameLookupsPerTerm(n int) Option {
	return func(c *serverConfig) { c.maxNameLookupsPerTerm = n }
}

// WithMaxNameLookupsPerMX overrides max_name_lookups_per_mx_mech
// (defaults to max_name_lookups_per_term).
func WithMaxNameLookupsPerMX(n int) Option {
	return func(c *serverConfig) { c.maxNameLookupsPerMX = &n }
}

// WithMaxNameLookupsPerPTR overrides max_name_lookups_per_ptr_mech
// (defaults to max_name_lookups_per_term).
func WithMaxNameLookupsPerPTR(n int) Option {
	return func(c *serverConfig) { c.maxNameLookupsPerPTR = &n }
}

// WithDefaultExplanation overrides default_explanation, a macro-string
// template used when no exp= modifier is present or resolvable.
func WithDefaultExplanation(raw string) Option {
	return func(c *serverConfig) { c.defaultExplanation = raw }
}

// WithReceivingHostname sets the value substituted for %{r} in
// explanation expansion. Optional; defaults to "unknown".
func WithReceivingHostname(name string) Option {
	return func(c *serverConfig) { c.receivingHostname = name }
}

// NewServer builds a Server from opts. WithResolver is mandatory; every
// other option has an RFC 4408-mandated default.
func NewServer(opts ...Option) (*Server, error) {
	cfg := serverConfig{
		maxDNSInteractiveTerms: defaultMaxDNSInteractiveTerms,
		maxNameLookupsPerTerm:  defaultMaxNameLookupsPerTerm,
		defaultExplanation:     defaultExplanationTemplate,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.resolver == nil {
		return nil, fmt.Errorf("spf: NewServer: WithResolver is required")
	}

	maxMX := cfg.maxNameLookupsPerTerm
	if cfg.maxNameLookupsPerMX != nil {
		maxMX = *cfg.maxNameLookupsPerMX
	}
	maxPTR := cfg.maxNameLookupsPerTerm
	if cfg.maxNameLookupsPerPTR != nil {
		maxPTR = *cfg.maxNameLookupsPerPTR
	}

	exp, err := NewMacroString(cfg.defaultExplanation)
	if err != nil {
		return nil, fmt.Errorf("spf: default explanation: %w", err)
	}

	trace := cfg.trace
	if trace == nil {
		trace = noopTrace
	}

	return &Server{
		resolver:               cfg.resolver,
		trace:                  trace,
		maxDNSInteractiveTerms: cfg.maxDNSInteractiveTerms,
		maxNameLookupsPerTerm:  cfg.maxNameLookupsPerTerm,
		maxNameLookupsPerMX:    maxMX,
		maxNameLookupsPerPTR:   maxPTR,
		defaultExplanation:     exp,
		receivingHostname:      cfg.receivingHostname,
		nowFunc:                defaultNow,
	}, nil
}

// Process evaluates req and returns the authoritative Result. It resets
// req's per-evaluation state before starting, so a Request may be
// reused across successive Process calls as long as they don't overlap
// (spec.md section 5: a single Request must not be evaluated
// concurrently by multiple callers).
func (srv *Server) Process(ctx context.Context, req *Request) Result {
	req.state.dnsInteractiveTerms = 0
	req.state.frames = req.state.frames[:0]
	req.state.explanation = srv.defaultExplanation
	req.pushFrame(req.domain)

	res, err := srv.evaluateDomain(ctx, req)
	if err != nil {
		res = srv.classify(err)
		srv.trace("process %s scope=%s domain=%s -> %s (%v)", req.Identity, req.Scope, req.domain, res.Kind, err)
		return res
	}
	srv.trace("process %s scope=%s domain=%s -> %s", req.Identity, req.Scope, req.domain, res.Kind)
	return res
}

// evaluateDomain fetches and evaluates the record for req's current
// domain, without touching per-evaluation state. It is the shared core
// between the root Process call and every include/redirect descent.
func (srv *Server) evaluateDomain(ctx context.Context, req *Request) (Result, error) {
	rec, err := srv.fetchRecord(ctx, req)
	if err != nil {
		return Result{}, err
	}
	if rec == nil {
		return result(None), nil
	}
	srv.trace("selected record at %s: %s", req.domain, rec)
	return rec.evaluate(ctx, srv, req)
}

// fetchRecord implements spec.md section 4.1 steps 3-5: query the
// SPF RR-type, fall back to TXT if empty, then return a nil record if
// the candidate set is empty and a permanent error if it is ambiguous.
func (srv *Server) fetchRecord(ctx context.Context, req *Request) (*Record, error) {
	candidates, err := srv.queryCandidates(ctx, req, RRTypeSPF)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		candidates, err = srv.queryCandidates(ctx, req, RRTypeTXT)
		if err != nil {
			return nil, err
		}
	}
	switch len(candidates) {
	case 0:
		return nil, nil
	case 1:
		return candidates[0], nil
	default:
		return nil, permErr(fmt.Errorf("%w: %d candidates at %s", ErrInvalidRecord, len(candidates), req.domain))
	}
}

func (srv *Server) queryCandidates(ctx context.Context, req *Request, rrtype RRType) ([]*Record, error) {
	pkt, err := srv.dnsLookup(ctx, req.domain, rrtype)
	if err != nil {
		if rrtype == RRTypeSPF && errors.Is(err, ErrDNSTimeout) {
			// Many authoritative servers mishandle SPF-type queries;
			// a timeout here is silently treated as an empty answer.
			return nil, nil
		}
		return nil, err
	}
	var texts []string
	for _, a := range pkt.Answers() {
		if a.Type == rrtype {
			texts = append(texts, a.Value)
		}
	}
	return selectRecords(texts, req)
}

// selectRecords implements the version/scope selection spec.md's
// design notes call out as the teacher's principal unimplemented TODO:
// try each accepted version from highest to lowest, and within a
// version, collect every text that parses as that version and covers
// the request's scope.
func selectRecords(texts []string, req *Request) ([]*Record, error) {
	for _, v := range req.acceptedVersions() {
		var found []*Record
		for _, txt := range texts {
			rec, err := ParseRecord(txt)
			if err != nil {
				return nil, err
			}
			if rec == nil || rec.Version != v || !rec.coversScope(req.Scope) {
				continue
			}
			found = append(found, rec)
		}
		if len(found) > 0 {
			return found, nil
		}
	}
	return nil, nil
}

// countDnsInteractiveTerm increments req's root DNS-interactive-term
// counter and raises a permanent error if the configured ceiling is
// exceeded. Called once by include, a, mx, ptr, exists and redirect,
// before any DNS work of their own.
func (srv *Server) countDnsInteractiveTerm(req *Request) error {
	req.state.dnsInteractiveTerms++
	if req.state.dnsInteractiveTerms > srv.maxDNSInteractiveTerms {
		return permErr(fmt.Errorf("%w: %d", ErrLookupLimit, srv.maxDNSInteractiveTerms))
	}
	return nil
}

// dnsLookup normalizes name, delegates to the resolver, and classifies
// any failure as a temporary engine error. NXDOMAIN is not a failure at
// this layer: the resolver is contracted to return it as a successful
// empty (or near-empty) packet.
func (srv *Server) dnsLookup(ctx context.Context, name string, rrtype RRType) (Packet, error) {
	name = normalizeName(name)
	pkt, err := srv.resolver.Lookup(ctx, name, rrtype)
	if err != nil {
		if errors.Is(err, ErrDNSTimeout) {
			return nil, tempErr(fmt.Errorf("%w: %s %s", ErrDNSTimeout, rrtype, name))
		}
		return nil, tempErr(fmt.Errorf("%w: %s %s: %v", ErrDNSFailure, rrtype, name, err))
	}
	return pkt, nil
}

// matchDomainAddress resolves domain's A or AAAA records, depending on
// which address family req's client IP has, and reports whether that
// address falls within any answer's /ip4Len or /ip6Len network. This is
// the shared address-lookup-and-compare logic behind both a and mx.
func (srv *Server) matchDomainAddress(ctx context.Context, domain string, req *Request, ip4Len, ip6Len int) (bool, error) {
	if v4, ok := req.ip4(); ok {
		pkt, err := srv.dnsLookup(ctx, domain, RRTypeA)
		if err != nil {
			return false, err
		}
		return anyAnswerContains(pkt.Answers(), RRTypeA, v4, ip4Len), nil
	}
	pkt, err := srv.dnsLookup(ctx, domain, RRTypeAAAA)
	if err != nil {
		return false, err
	}
	return anyAnswerContains(pkt.Answers(), RRTypeAAAA, req.ip6(), ip6Len), nil
}

func anyAnswerContains(answers []Answer, rrtype RRType, target net.IP, prefixLen int) bool {
	bits := 32
	if rrtype == RRTypeAAAA {
		bits = 128
	}
	for _, a := range answers {
		if a.Type != rrtype {
			continue
		}
		ip := net.ParseIP(a.Value)
		if ip == nil {
			continue
		}
		network := &net.IPNet{IP: ip.Mask(net.CIDRMask(prefixLen, bits)), Mask: net.CIDRMask(prefixLen, bits)}
		if network.Contains(target) {
			return true
		}
	}
	return false
}

type mxExchange struct {
	preference int
	exchange   string
}

// lookupMX returns domain's MX exchanges in preference order.
func (srv *Server) lookupMX(ctx context.Context, domain string) ([]string, error) {
	pkt, err := srv.dnsLookup(ctx, domain, RRTypeMX)
	if err != nil {
		return nil, err
	}
	var records []mxExchange
	for _, a := range pkt.Answers() {
		if a.Type != RRTypeMX {
			continue
		}
		parts := strings.SplitN(a.Value, " ", 2)
		if len(parts) != 2 {
			continue
		}
		pref, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}
		records = append(records, mxExchange{pref, strings.TrimSuffix(parts[1], ".")})
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].preference < records[j].preference })
	exchanges := make([]string, len(records))
	for i, r := range records {
		exchanges[i] = r.exchange
	}
	return exchanges, nil
}

// validatedPTRNames performs the ptr mechanism's validated-name search:
// reverse-resolve the client IP, then forward-resolve each candidate
// name and keep only those whose forward answer includes the client IP
// back. Capped at maxNameLookupsPerPTR candidates.
func (srv *Server) validatedPTRNames(ctx context.Context, req *Request) ([]string, error) {
	pkt, err := srv.dnsLookup(ctx, reverseDNSName(req.ClientIP), RRTypePTR)
	if err != nil {
		return nil, err
	}

	var candidates []string
	for _, a := range pkt.Answers() {
		if a.Type == RRTypePTR {
			candidates = append(candidates, strings.TrimSuffix(a.Value, "."))
		}
	}
	if len(candidates) > srv.maxNameLookupsPerPTR {
		candidates = candidates[:srv.maxNameLookupsPerPTR]
	}

	var validated []string
	for _, name := range candidates {
		ok, err := srv.forwardMatchesClient(ctx, name, req)
		if err != nil {
			return nil, err
		}
		if ok {
			validated = append(validated, name)
		}
	}
	return validated, nil
}

func (srv *Server) forwardMatchesClient(ctx context.Context, name string, req *Request) (bool, error) {
	rrtype := RRTypeA
	target := net.IP(nil)
	if v4, ok := req.ip4(); ok {
		target = v4
	} else {
		rrtype = RRTypeAAAA
		target = req.ip6()
	}
	pkt, err := srv.dnsLookup(ctx, name, rrtype)
	if err != nil {
		return false, err
	}
	for _, a := range pkt.Answers() {
		if a.Type != rrtype {
			continue
		}
		if ip := net.ParseIP(a.Value); ip != nil && ip.Equal(target) {
			return true, nil
		}
	}
	return false, nil
}

// validatedPTRDomain resolves the %{p} macro: a validated PTR name that
// is equal to or a subdomain of req's current domain, else any
// validated name, else "unknown".
func (srv *Server) validatedPTRDomain(ctx context.Context, req *Request) (string, error) {
	names, err := srv.validatedPTRNames(ctx, req)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "unknown", nil
	}
	for _, n := range names {
		if isSubdomainOrEqual(n, req.domain) {
			return n, nil
		}
	}
	return names[0], nil
}

// reverseDNSName computes the in-addr.arpa/ip6.arpa query name for ip.
func reverseDNSName(ip net.IP) string {
	if v4 := ip.To4(); v4 != nil {
		return fmt.Sprintf("%d.%d.%d.%d.in-addr.arpa.", v4[3], v4[2], v4[1], v4[0])
	}
	v6 := ip.To16()
	var b strings.Builder
	for i := len(v6) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "%x.%x.", v6[i]&0xf, v6[i]>>4)
	}
	b.WriteString("ip6.arpa.")
	return b.String()
}

// explain expands req's currently bound explanation MacroString,
// capturing it at throw-time as spec.md section 3 requires. Expansion
// failures yield an empty explanation rather than changing the result.
func (srv *Server) explain(ctx context.Context, req *Request) string {
	if req.state.explanation == nil {
		return ""
	}
	text, err := req.state.explanation.Expand(ctx, srv, req, true)
	if err != nil {
		return ""
	}
	return text
}

// installExplanation implements the exp= half of spec.md section 4.2:
// expand the modifier's domain-spec, look up its TXT record, and if
// exactly one is present, bind it as req's new explanation. Any failure
// along the way is silent — explanation lookup never changes the result.
func (srv *Server) installExplanation(ctx context.Context, req *Request, expSpec *MacroString) {
	domain, err := expSpec.Expand(ctx, srv, req, false)
	if err != nil {
		return
	}
	if err := validateDomainName(domain); err != nil {
		return
	}
	pkt, err := srv.dnsLookup(ctx, domain, RRTypeTXT)
	if err != nil {
		return
	}
	var texts []string
	for _, a := range pkt.Answers() {
		if a.Type == RRTypeTXT {
			texts = append(texts, a.Value)
		}
	}
	if len(texts) != 1 {
		return
	}
	ms, err := NewMacroString(texts[0])
	if err != nil {
		return
	}
	req.state.explanation = ms
}

// classify maps an internal engine error to its result kind, per
// spec.md section 7: unwrapped engineError values carry their own
// temporary/permanent classification; anything else is treated as
// temporary, the conservative choice for an unclassified failure.
func (srv *Server) classify(err error) Result {
	var ee *engineError
	if errors.As(err, &ee) {
		if ee.temporary {
			return result(TempError)
		}
		return result(PermError)
	}
	return result(TempError)
}

func (srv *Server) now() time.Time {
	if srv.nowFunc != nil {
		return srv.nowFunc()
	}
	return time.Now()
}
