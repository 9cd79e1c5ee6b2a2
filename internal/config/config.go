// Package config loads the bridge's YAML configuration, shaped per
// spec.md §6: a wan section (tagged by type), a router section, and a
// virtio section.
package config

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vhostbridge/internal/protocols"
)

// Config is the top-level bridge configuration.
type Config struct {
	Socket string       `yaml:"socket"`
	PCAP   string        `yaml:"pcap,omitempty"`
	WAN    WANConfig    `yaml:"wan"`
	Router RouterConfig `yaml:"router"`
	Virtio VirtioConfig `yaml:"virtio"`
}

// WANConfig is tagged by Type; only the fields for that type are read.
type WANConfig struct {
	Type string `yaml:"type"` // "tap", "udp", "wireguard", or "" (no WAN)

	// tap
	Device string `yaml:"device,omitempty"`

	// udp
	Endpoint string `yaml:"endpoint,omitempty"`

	// wireguard
	Key  string `yaml:"key,omitempty"`  // base64 private key
	IPv4 string `yaml:"ipv4,omitempty"` // local tunnel address, informational
	Peer string `yaml:"peer,omitempty"` // base64 peer public key
}

// RouterConfig describes the bridge's own interface and services.
type RouterConfig struct {
	IPv4      string    `yaml:"ipv4"`
	PrefixLen int       `yaml:"prefix_len,omitempty"`
	DHCP      DHCPRange `yaml:"dhcp"`
	DNS       bool      `yaml:"dns"`
	DNSUpstream string  `yaml:"dns_upstream,omitempty"`
}

// DHCPRange is the DHCP server's address pool.
type DHCPRange struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// VirtioConfig is the virtio-net device's queue count.
type VirtioConfig struct {
	Queues int `yaml:"queues"`
}

// Load reads and parses a config file from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if cfg.Virtio.Queues == 0 {
		cfg.Virtio.Queues = 2
	}
	if cfg.Router.PrefixLen == 0 {
		cfg.Router.PrefixLen = 24
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent,
// per spec.md §7's "configuration errors surface at load" requirement.
func (c Config) Validate() error {
	if c.Socket == "" {
		return fmt.Errorf("config: socket path is required")
	}
	if net.ParseIP(c.Router.IPv4) == nil {
		return fmt.Errorf("config: router.ipv4 %q is not a valid IPv4 address", c.Router.IPv4)
	}
	if c.Router.PrefixLen < 0 || c.Router.PrefixLen > 32 {
		return fmt.Errorf("config: router.prefix_len %d out of range", c.Router.PrefixLen)
	}
	if c.Router.DHCP.Start != "" {
		if net.ParseIP(c.Router.DHCP.Start) == nil {
			return fmt.Errorf("config: router.dhcp.start %q is not a valid IPv4 address", c.Router.DHCP.Start)
		}
		if net.ParseIP(c.Router.DHCP.End) == nil {
			return fmt.Errorf("config: router.dhcp.end %q is not a valid IPv4 address", c.Router.DHCP.End)
		}
	}
	if c.Router.DNS && c.Router.DNSUpstream == "" {
		return fmt.Errorf("config: router.dns is enabled but router.dns_upstream is not set")
	}
	if c.Router.DNS {
		if err := protocols.ResolveUpstream(c.Router.DNSUpstream); err != nil {
			return fmt.Errorf("config: %w", err)
		}
	}

	switch c.WAN.Type {
	case "":
		// no WAN configured; the bridge is LAN-only.
	case "tap":
		if c.WAN.Device == "" {
			return fmt.Errorf("config: wan.device is required for wan.type=tap")
		}
	case "udp":
		if c.WAN.Endpoint == "" {
			return fmt.Errorf("config: wan.endpoint is required for wan.type=udp")
		}
	case "wireguard":
		if c.WAN.Key == "" || c.WAN.Peer == "" || c.WAN.Endpoint == "" {
			return fmt.Errorf("config: wan.key, wan.peer, and wan.endpoint are all required for wan.type=wireguard")
		}
	default:
		return fmt.Errorf("config: unknown wan.type %q", c.WAN.Type)
	}

	if c.Virtio.Queues <= 0 {
		return fmt.Errorf("config: virtio.queues must be positive, got %d", c.Virtio.Queues)
	}
	return nil
}

// ParseIPv4 parses a dotted-quad string into the 4-byte form used
// throughout internal/netcodec.
func ParseIPv4(s string) ([4]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return [4]byte{}, fmt.Errorf("config: %q is not a valid IP address", s)
	}
	v4 := ip.To4()
	if v4 == nil {
		return [4]byte{}, fmt.Errorf("config: %q is not an IPv4 address", s)
	}
	return [4]byte(v4), nil
}
