package protocols

import "testing"

func TestResolveUpstreamValidatesHostPort(t *testing.T) {
	if err := ResolveUpstream("1.1.1.1:53"); err != nil {
		t.Fatalf("expected valid upstream to pass, got %v", err)
	}
	if err := ResolveUpstream("1.1.1.1"); err == nil {
		t.Fatalf("expected missing port to be rejected")
	}
}

func TestDNSProxyRejectsMalformedQuery(t *testing.T) {
	p := NewDNSProxy(nil, "1.1.1.1:53")
	resp := make([]byte, 512)
	if _, err := p.HandlePort([]byte{0x00, 0x01}, resp); err == nil {
		t.Fatalf("expected malformed dns query to fail to unpack")
	}
}
