// Package switchnet implements the learning L2 switch: a MAC-learning
// table multiplexing guest ports, with optional pcap capture.
//
// Grounded on original_source/oathgate-bridge/src/router/switch.rs's
// VirtioSwitch: append-only port vector, MAC-to-port cache updated
// only on mismatch, broadcast-flood-except-ingress, unknown-unicast
// drop (never flood).
package switchnet

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
	"github.com/tinyrange/vhostbridge/internal/pcap"
)

// Port is a sink a switch can enqueue frames onto. Implementations
// must be safe to call from any goroutine.
type Port interface {
	Enqueue(frame []byte)
}

// PortFunc adapts a plain function to the Port interface.
type PortFunc func(frame []byte)

// Enqueue implements Port.
func (f PortFunc) Enqueue(frame []byte) { f(frame) }

// Switch is the shared L2 switch structure, safe for concurrent use
// from every connected port's goroutine and the router's goroutine.
// Two locks guard it per spec.md §5: portsMu (write-rare, append-only)
// and macMu (write-often, freely overwritten).
type Switch struct {
	log *slog.Logger

	portsMu sync.RWMutex
	ports   []Port

	macMu sync.RWMutex
	macs  map[netcodec.MAC]int

	capture chan capturedFrame
	done    chan struct{}
}

type capturedFrame struct {
	data []byte
	ts   time.Time
}

// New creates an empty switch with no ports and no capture; call
// EnablePcap to capture every frame it processes.
func New(log *slog.Logger) *Switch {
	return &Switch{
		log:  log,
		macs: make(map[netcodec.MAC]int),
	}
}

// EnablePcap starts a dedicated capture goroutine writing frames to w
// through a bounded channel; see SPEC_FULL.md §5 for why the channel
// is bounded rather than unbounded as in the original Rust PcapLogger.
func (s *Switch) EnablePcap(w *pcap.Writer, snapLen uint32) error {
	if err := w.WriteFileHeader(snapLen, pcap.LinkTypeEthernet); err != nil {
		return err
	}
	s.capture = make(chan capturedFrame, 256)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		for cf := range s.capture {
			if err := w.WriteFrame(cf.ts, cf.data); err != nil && s.log != nil {
				s.log.Warn("switchnet: pcap write failed", slog.Any("error", err))
				return
			}
		}
	}()
	return nil
}

// Close stops the capture goroutine, if running.
func (s *Switch) Close() {
	if s.capture != nil {
		close(s.capture)
		<-s.done
	}
}

// Connect appends a new port and returns its stable, monotonically
// increasing id.
func (s *Switch) Connect(p Port) int {
	s.portsMu.Lock()
	defer s.portsMu.Unlock()
	s.ports = append(s.ports, p)
	return len(s.ports) - 1
}

// Process handles one frame arriving at sourcePort: it captures it (if
// enabled), learns the source MAC, and routes by destination MAC per
// spec.md §4.3.
func (s *Switch) Process(sourcePort int, frame []byte) {
	if s.capture != nil {
		cp := make([]byte, len(frame))
		copy(cp, frame)
		cf := capturedFrame{data: cp, ts: captureNow()}
		select {
		case s.capture <- cf:
		default:
			select {
			case <-s.capture:
			default:
			}
			select {
			case s.capture <- cf:
			default:
			}
			if s.log != nil {
				s.log.Debug("switchnet: capture channel full, dropping oldest pending frame")
			}
		}
	}

	eth, err := netcodec.DecodeEthernet(frame)
	if err != nil {
		if s.log != nil {
			s.log.Warn("switchnet: malformed frame, dropping", slog.Any("error", err))
		}
		return
	}

	s.learn(eth.Src, sourcePort)

	if eth.Dst.IsBroadcast() {
		s.flood(sourcePort, frame)
		return
	}

	if port, ok := s.lookup(eth.Dst); ok {
		s.enqueue(port, frame)
		return
	}

	if s.log != nil {
		s.log.Warn("switchnet: unknown unicast destination, dropping", slog.Any("dst", eth.Dst.String()))
	}
}

// learn updates the MAC table only when the port has actually changed,
// matching the original's associate_port (avoids unnecessary writer
// lock churn under the read-mostly discipline).
func (s *Switch) learn(mac netcodec.MAC, port int) {
	s.macMu.RLock()
	cur, ok := s.macs[mac]
	s.macMu.RUnlock()
	if ok && cur == port {
		return
	}

	s.macMu.Lock()
	s.macs[mac] = port
	s.macMu.Unlock()

	if ok && s.log != nil {
		s.log.Debug("switchnet: mac moved", slog.Any("mac", mac.String()), slog.Int("from", cur), slog.Int("to", port))
	}
}

func (s *Switch) lookup(mac netcodec.MAC) (int, bool) {
	s.macMu.RLock()
	defer s.macMu.RUnlock()
	port, ok := s.macs[mac]
	return port, ok
}

func (s *Switch) flood(sourcePort int, frame []byte) {
	s.portsMu.RLock()
	defer s.portsMu.RUnlock()
	for i, p := range s.ports {
		if i == sourcePort {
			continue
		}
		p.Enqueue(frame)
	}
}

func (s *Switch) enqueue(port int, frame []byte) {
	s.portsMu.RLock()
	defer s.portsMu.RUnlock()
	if port < 0 || port >= len(s.ports) {
		return
	}
	s.ports[port].Enqueue(frame)
}

// captureNow is split out so tests can be deterministic about the
// rest of Process without depending on wall-clock time.
var captureNow = func() time.Time { return time.Now() }
