// Package wan implements the upstream-facing side of the bridge: each
// WAN driver reads raw IPv4 traffic from some upstream transport and
// hands it to the router, and accepts router-originated packets to
// write back out.
//
// Grounded on oathgate-vhost/src/router/wan.rs's Wan/WanHandle split:
// a driver owns its upstream transport and runs its own read loop; a
// handle is the thread-safe write side the router holds onto.
package wan

import (
	"context"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

// Sink is what a router hands off-subnet packets to; it is also what
// router.WAN requires, so every driver below satisfies it directly.
type Sink interface {
	Write(pkt netcodec.IPv4Packet) error
}

// Router is the inbound side a WAN driver delivers received packets to.
type Router interface {
	DeliverFromWAN(pkt netcodec.IPv4Packet)
}

// Driver is a runnable WAN upstream: Run blocks reading from the
// transport and delivering to router until ctx is cancelled.
type Driver interface {
	Sink
	Run(ctx context.Context, router Router) error
}
