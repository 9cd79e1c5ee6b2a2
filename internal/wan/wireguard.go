package wan

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/tinyrange/vhostbridge/internal/netcodec"
)

const wireguardReadBufSize = 2048

// WireGuardPeer is a simplified, single-peer encrypted WAN tunnel: a
// static X25519 key exchange derives one shared AEAD key (no
// Noise_IK handshake, no rekeying, no cookie/DoS mitigation), and every
// datagram is chacha20poly1305-sealed with an incrementing 96-bit
// nonce. This is deliberately NOT a WireGuard-protocol-compatible
// implementation — it borrows WireGuard's primitive choices to add an
// encrypted WAN option to the bridge, recovered as a SPEC_FULL.md
// supplemental feature with no oathgate precedent. See DESIGN.md for
// the full rationale.
type WireGuardPeer struct {
	log  *slog.Logger
	conn *net.UDPConn
	peer *net.UDPAddr
	aead cipher.AEAD // immutable after construction; Seal/Open are safe for concurrent use
	send uint64
}

// NewWireGuardPeer derives a shared key from (privateKey, peerPublicKey)
// via X25519 + SHA-256, and binds a UDP socket to exchange sealed
// packets with peerAddr.
func NewWireGuardPeer(log *slog.Logger, privateKey, peerPublicKey [32]byte, peerAddr string) (*WireGuardPeer, error) {
	shared, err := curve25519.X25519(privateKey[:], peerPublicKey[:])
	if err != nil {
		return nil, fmt.Errorf("wan: wireguard x25519: %w", err)
	}
	key := sha256.Sum256(shared)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("wan: wireguard build aead: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		return nil, fmt.Errorf("wan: wireguard resolve peer %q: %w", peerAddr, err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("wan: wireguard listen udp: %w", err)
	}

	return &WireGuardPeer{log: log, conn: conn, peer: addr, aead: aead}, nil
}

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.LittleEndian.PutUint64(nonce[4:], counter)
	return nonce
}

// Run reads sealed datagrams from the peer, opens them, and delivers
// the resulting IPv4 packet to router.
func (w *WireGuardPeer) Run(ctx context.Context, router Router) error {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		w.conn.Close()
		close(done)
	}()

	buf := make([]byte, wireguardReadBufSize)
	aead := w.aead
	for {
		n, peer, err := w.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return fmt.Errorf("wan: wireguard read: %w", err)
		}
		if n < aead.NonceSize() {
			continue
		}
		nonce, ciphertext := buf[:aead.NonceSize()], buf[aead.NonceSize():n]
		plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			if w.log != nil {
				w.log.Warn("wan: wireguard decrypt failed, dropping", "peer", peer, "error", err)
			}
			continue
		}
		if len(plaintext) == 0 || plaintext[0]>>4 != 4 {
			continue
		}
		pkt, err := netcodec.ParseIPv4Packet(plaintext)
		if err != nil {
			if w.log != nil {
				w.log.Debug("wan: malformed ipv4 from wireguard peer, dropping", "error", err)
			}
			continue
		}
		router.DeliverFromWAN(pkt)
	}
}

// Write implements Sink: seals pkt's bytes and sends them to the peer.
func (w *WireGuardPeer) Write(pkt netcodec.IPv4Packet) error {
	aead := w.aead
	counter := atomic.AddUint64(&w.send, 1)
	nonce := nonceFor(counter)

	sealed := make([]byte, 0, len(nonce)+len(pkt.Data)+aead.Overhead())
	sealed = append(sealed, nonce...)
	sealed = aead.Seal(sealed, nonce, pkt.Data, nil)

	if _, err := w.conn.WriteToUDP(sealed, w.peer); err != nil {
		return fmt.Errorf("wan: wireguard write: %w", err)
	}
	return nil
}
