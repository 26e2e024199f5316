package spf

import (
	"context"
	"net"
	"testing"
)

// mapResolver is a tiny in-package test double (dnstest lives in a
// separate package to avoid an import cycle, since dnstest imports spf).
type mapResolver struct {
	txt map[string][]string
}

func (r mapResolver) Lookup(ctx context.Context, name string, rrtype RRType) (Packet, error) {
	if rrtype != RRTypeTXT && rrtype != RRTypeSPF {
		return nxdomainPacket{}, nil
	}
	texts, ok := r.txt[name]
	if !ok {
		return nxdomainPacket{}, nil
	}
	answers := make([]Answer, len(texts))
	for i, t := range texts {
		answers[i] = Answer{Name: name, Type: rrtype, Value: t}
	}
	return mapPacket{answers: answers}, nil
}

type mapPacket struct{ answers []Answer }

func (mapPacket) Rcode() Rcode          { return RcodeSuccess }
func (p mapPacket) Answers() []Answer   { return p.answers }

func TestRecordEvaluateDefaultNeutral(t *testing.T) {
	srv, err := NewServer(WithResolver(fakeResolver{}))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := ParseRecord("v=spf1 ip4:198.51.100.0/24")
	if err != nil {
		t.Fatal(err)
	}
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	res, err := rec.evaluate(context.Background(), srv, req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if res.Kind != Neutral {
		t.Errorf("got %v, want neutral", res.Kind)
	}
}

func TestRecordEvaluateStopsAtFirstMatch(t *testing.T) {
	srv, err := NewServer(WithResolver(fakeResolver{}))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := ParseRecord("v=spf1 ip4:192.0.2.0/24 -all")
	if err != nil {
		t.Fatal(err)
	}
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	res, err := rec.evaluate(context.Background(), srv, req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Kind != Pass {
		t.Errorf("got %v, want pass (ip4 should match before -all runs)", res.Kind)
	}
}

func TestRecordEvaluateRedirectToEmptyIsPermError(t *testing.T) {
	srv, err := NewServer(WithResolver(mapResolver{txt: map[string][]string{}}))
	if err != nil {
		t.Fatal(err)
	}
	rec, err := ParseRecord("v=spf1 redirect=nowhere.example")
	if err != nil {
		t.Fatal(err)
	}
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	_, err = rec.evaluate(context.Background(), srv, req)
	if !isPermanent(t, err) {
		t.Fatalf("expected a permanent error, got %v", err)
	}
}

func TestParseCIDRLensDefaults(t *testing.T) {
	ip4, ip6, err := parseCIDRLens("")
	if err != nil || ip4 != 32 || ip6 != 128 {
		t.Fatalf("got %d/%d, %v", ip4, ip6, err)
	}
}

func TestParseCIDRLensBoth(t *testing.T) {
	ip4, ip6, err := parseCIDRLens("/24//64")
	if err != nil || ip4 != 24 || ip6 != 64 {
		t.Fatalf("got %d/%d, %v", ip4, ip6, err)
	}
}

func TestParseCIDRLensIP6Only(t *testing.T) {
	ip4, ip6, err := parseCIDRLens("//64")
	if err != nil || ip4 != 32 || ip6 != 64 {
		t.Fatalf("got %d/%d, %v", ip4, ip6, err)
	}
}

func TestParseCIDRLensOutOfRange(t *testing.T) {
	if _, _, err := parseCIDRLens("/99"); err == nil {
		t.Fatalf("expected error for out-of-range ip4 length")
	}
}
