// Package resolver implements spf.Resolver on top of github.com/miekg/dns,
// issuing wire-level queries against a configurable set of nameservers.
// It is grounded on the retry/timeout/rcode-classification pattern of
// synqronlabs-raven's dns package, adapted to spf's single-operation
// Resolver contract: NXDOMAIN is a successful, empty-answer packet, not
// an error, so package spf can implement its own "treat NXDOMAIN as
// empty" step uniformly regardless of which resolver backs it.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"

	"github.com/mailauth/spf"
)

// Config configures a DNSResolver.
type Config struct {
	// Nameservers to query, e.g. "8.8.8.8:53". If empty, servers are
	// read from /etc/resolv.conf, falling back to public resolvers.
	Nameservers []string

	// Timeout is the per-query timeout. Default 5s.
	Timeout time.Duration

	// Retries is the number of extra passes over the nameserver list
	// after a first pass in which every exchange failed. The zero value
	// means each nameserver is tried once.
	Retries int
}

// DNSResolver implements spf.Resolver using github.com/miekg/dns.
type DNSResolver struct {
	config Config
	client *mdns.Client
}

// New builds a DNSResolver, filling in unset Config fields with defaults.
func New(config Config) *DNSResolver {
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Second
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

func systemNameservers() []string {
	cfg, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cfg.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		if !strings.Contains(s, ":") {
			s += ":53"
		}
		servers = append(servers, s)
	}
	return servers
}

var rrtypeToWire = map[spf.RRType]uint16{
	spf.RRTypeA:    mdns.TypeA,
	spf.RRTypeAAAA: mdns.TypeAAAA,
	spf.RRTypeMX:   mdns.TypeMX,
	spf.RRTypeTXT:  mdns.TypeTXT,
	spf.RRTypePTR:  mdns.TypePTR,
	spf.RRTypeSPF:  mdns.TypeSPF,
}

// packet is the DNSResolver's spf.Packet implementation.
type packet struct {
	rcode   spf.Rcode
	answers []spf.Answer
}

func (p *packet) Rcode() spf.Rcode      { return p.rcode }
func (p *packet) Answers() []spf.Answer { return p.answers }

// Lookup implements spf.Resolver.
func (r *DNSResolver) Lookup(ctx context.Context, name string, rrtype spf.RRType) (spf.Packet, error) {
	wireType, ok := rrtypeToWire[rrtype]
	if !ok {
		return nil, fmt.Errorf("resolver: unsupported rrtype %s", rrtype)
	}

	msg := new(mdns.Msg)
	msg.SetQuestion(mdns.Fqdn(name), wireType)
	msg.RecursionDesired = true

	var lastErr error
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			default:
			}

			resp, _, err := r.client.ExchangeContext(ctx, msg, server)
			if err != nil {
				if isTimeout(err) {
					lastErr = fmt.Errorf("%w: %s %s via %s: %v", spf.ErrDNSTimeout, rrtype, name, server, err)
				} else {
					lastErr = fmt.Errorf("%w: %s %s via %s: %v", spf.ErrDNSFailure, rrtype, name, server, err)
				}
				continue
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return &packet{rcode: spf.RcodeSuccess, answers: convertAnswers(resp.Answer)}, nil
			case mdns.RcodeNameError:
				return &packet{rcode: spf.RcodeNXDomain}, nil
			default:
				lastErr = fmt.Errorf("%w: rcode %s for %s %s via %s", spf.ErrDNSFailure,
					mdns.RcodeToString[resp.Rcode], rrtype, name, server)
			}
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no reachable nameservers for %s %s", spf.ErrDNSFailure, rrtype, name)
	}
	return nil, lastErr
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// convertAnswers extracts the record types the engine consumes from a
// DNS answer section, dropping CNAMEs and anything else — the resolving
// nameserver has already followed CNAME chains within the same section.
func convertAnswers(rrs []mdns.RR) []spf.Answer {
	var out []spf.Answer
	for _, rr := range rrs {
		switch rec := rr.(type) {
		case *mdns.A:
			out = append(out, spf.Answer{Name: rec.Hdr.Name, Type: spf.RRTypeA, Value: rec.A.String()})
		case *mdns.AAAA:
			out = append(out, spf.Answer{Name: rec.Hdr.Name, Type: spf.RRTypeAAAA, Value: rec.AAAA.String()})
		case *mdns.TXT:
			out = append(out, spf.Answer{Name: rec.Hdr.Name, Type: spf.RRTypeTXT, Value: strings.Join(rec.Txt, "")})
		case *mdns.SPF:
			out = append(out, spf.Answer{Name: rec.Hdr.Name, Type: spf.RRTypeSPF, Value: strings.Join(rec.Txt, "")})
		case *mdns.MX:
			out = append(out, spf.Answer{
				Name:  rec.Hdr.Name,
				Type:  spf.RRTypeMX,
				Value: fmt.Sprintf("%d %s", rec.Preference, strings.TrimSuffix(rec.Mx, ".")),
			})
		case *mdns.PTR:
			out = append(out, spf.Answer{Name: rec.Hdr.Name, Type: spf.RRTypePTR, Value: strings.TrimSuffix(rec.Ptr, ".")})
		}
	}
	return out
}
