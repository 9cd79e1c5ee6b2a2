package protocols

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/miekg/dns"
)

// DNSProxy answers UDP traffic on port 53 by forwarding the query to an
// upstream resolver over a real UDP socket and relaying the answer back
// into the guest, per SPEC_FULL.md §5.7 (a feature with no oathgate
// equivalent, recovered to round out the appliance's DHCP-adjacent
// services). Built on github.com/miekg/dns rather than a hand-rolled
// DNS codec, since the pack ships that library and nothing in oathgate
// parses DNS itself.
type DNSProxy struct {
	log      *slog.Logger
	upstream string
	timeout  time.Duration
}

// NewDNSProxy builds a proxy that forwards queries to upstream
// (host:port, typically "1.1.1.1:53").
func NewDNSProxy(log *slog.Logger, upstream string) *DNSProxy {
	return &DNSProxy{log: log, upstream: upstream, timeout: 2 * time.Second}
}

// HandlePort implements PortHandler.
func (p *DNSProxy) HandlePort(payload []byte, resp []byte) (int, error) {
	var req dns.Msg
	if err := req.Unpack(payload); err != nil {
		return 0, fmt.Errorf("protocols: unpack dns query: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	client := dns.Client{Net: "udp", Timeout: p.timeout}
	reply, _, err := client.ExchangeContext(ctx, &req, p.upstream)
	if err != nil {
		if p.log != nil {
			p.log.Warn("protocols: dns upstream exchange failed", "upstream", p.upstream, "err", err)
		}
		reply = new(dns.Msg)
		reply.SetRcode(&req, dns.RcodeServerFailure)
	}

	out, err := reply.PackBuffer(resp)
	if err != nil {
		return 0, fmt.Errorf("protocols: pack dns reply: %w", err)
	}
	if len(out) > len(resp) {
		return 0, fmt.Errorf("protocols: dns reply too large for response buffer")
	}
	return len(out), nil
}

// Port implements PortHandler.
func (p *DNSProxy) Port() uint16 { return 53 }

// ResolveUpstream validates the configured upstream address eagerly so
// misconfiguration surfaces at startup rather than on the first query.
// Called from config.Config.Validate.
func ResolveUpstream(upstream string) error {
	_, _, err := net.SplitHostPort(upstream)
	if err != nil {
		return fmt.Errorf("protocols: invalid dns upstream %q: %w", upstream, err)
	}
	return nil
}
