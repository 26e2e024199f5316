package spf

import (
	"net"
	"testing"
)

func TestNewRequestMFromSplitsIdentity(t *testing.T) {
	req := NewRequest(ScopeMFrom, "alice@example.com", net.ParseIP("192.0.2.1"), "")
	if req.senderLocal != "alice" || req.senderDomain != "example.com" || req.domain != "example.com" {
		t.Errorf("got local=%q domain=%q authority=%q", req.senderLocal, req.senderDomain, req.domain)
	}
}

func TestNewRequestMFromDefaultsLocalPart(t *testing.T) {
	req := NewRequest(ScopeMFrom, "example.com", net.ParseIP("192.0.2.1"), "")
	if req.senderLocal != "postmaster" || req.senderDomain != "example.com" {
		t.Errorf("got local=%q domain=%q, want postmaster/example.com", req.senderLocal, req.senderDomain)
	}
}

func TestNewRequestHELOScope(t *testing.T) {
	req := NewRequest(ScopeHELO, "mail.example.com", net.ParseIP("192.0.2.1"), "")
	if req.senderLocal != "postmaster" || req.senderDomain != "mail.example.com" || req.domain != "mail.example.com" {
		t.Errorf("got local=%q domain=%q authority=%q", req.senderLocal, req.senderDomain, req.domain)
	}
}

func TestRequestIP4Availability(t *testing.T) {
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	v4, ok := req.ip4()
	if !ok || v4.String() != "192.0.2.1" {
		t.Errorf("got %v, %v", v4, ok)
	}

	req6 := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("2001:db8::1"), "")
	if _, ok := req6.ip4(); ok {
		t.Errorf("expected no IPv4 form for a pure IPv6 address")
	}
	if req6.ip6().String() != "2001:db8::1" {
		t.Errorf("got %v", req6.ip6())
	}
}

func TestRequestIPv4MappedIPv6(t *testing.T) {
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("::ffff:192.0.2.1"), "")
	v4, ok := req.ip4()
	if !ok || v4.String() != "192.0.2.1" {
		t.Errorf("expected IPv4-mapped address to resolve to plain IPv4, got %v, %v", v4, ok)
	}
}

func TestRequestAcceptedVersionsDefaultsAndSort(t *testing.T) {
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	if got := req.acceptedVersions(); len(got) != 1 || got[0] != 1 {
		t.Errorf("default versions = %v, want [1]", got)
	}
	req.Versions = []int{1, 2}
	if got := req.acceptedVersions(); len(got) != 2 || got[0] != 2 || got[1] != 1 {
		t.Errorf("sorted versions = %v, want [2 1]", got)
	}
}

func TestRequestPushFrameDetectsCycle(t *testing.T) {
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	if !req.pushFrame("example.com") {
		t.Fatalf("first push should succeed")
	}
	if req.pushFrame("example.com") {
		t.Fatalf("second push of same domain should fail")
	}
	if !req.pushFrame("EXAMPLE.NET") {
		t.Fatalf("push of a different domain should succeed")
	}
}

func TestRequestWithDomainSharesState(t *testing.T) {
	req := NewRequest(ScopeMFrom, "a@example.com", net.ParseIP("192.0.2.1"), "")
	req.pushFrame(req.domain)
	sub := req.withDomain("included.example")
	if sub.state != req.state {
		t.Fatalf("sub-request should share evaluation state by reference")
	}
	sub.state.dnsInteractiveTerms = 5
	if req.state.dnsInteractiveTerms != 5 {
		t.Fatalf("counter mutation on sub-request not visible on root")
	}
	if sub.domain != "included.example" || req.domain != "example.com" {
		t.Fatalf("domain should differ between root and sub-request")
	}
}
