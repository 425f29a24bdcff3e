// Package wgconfig parses and serializes WireGuard interface configs and
// drives short-lived userspace tunnels built from them, so the worker
// scorer (C8) can dial through a lease end-to-end without touching the
// host's network namespace.
package wgconfig

import (
	"bufio"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Config is a parsed single-peer WireGuard interface configuration:
// exactly the shape a lease row's wireguard_config column holds.
type Config struct {
	PrivateKey string
	Address    netip.Prefix
	ListenPort int

	PublicKey           string
	PresharedKey        string
	Endpoint            string
	AllowedIPs          []netip.Prefix
	PersistentKeepalive int
}

// ParseConfigString parses a WireGuard config from a string.
func ParseConfigString(data string) (*Config, error) {
	return ParseConfigReader(bufio.NewScanner(strings.NewReader(data)))
}

// ParseConfigReader parses a WireGuard config from a scanner.
func ParseConfigReader(scanner *bufio.Scanner) (*Config, error) {
	cfg := &Config{}
	section := ""

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.ToLower(strings.Trim(line, "[]"))
			continue
		}

		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		val = strings.TrimSpace(val)

		switch section {
		case "interface":
			switch key {
			case "PrivateKey":
				cfg.PrivateKey = val
			case "Address":
				prefix, err := netip.ParsePrefix(val)
				if err != nil {
					return nil, fmt.Errorf("parse address %q: %w", val, err)
				}
				cfg.Address = prefix
			case "ListenPort":
				n, err := strconv.Atoi(val)
				if err != nil {
					return nil, fmt.Errorf("parse listen port %q: %w", val, err)
				}
				cfg.ListenPort = n
			}
		case "peer":
			switch key {
			case "PublicKey":
				cfg.PublicKey = val
			case "PresharedKey":
				cfg.PresharedKey = val
			case "Endpoint":
				cfg.Endpoint = val
			case "AllowedIPs":
				for _, cidr := range strings.Split(val, ",") {
					cidr = strings.TrimSpace(cidr)
					prefix, err := netip.ParsePrefix(cidr)
					if err != nil {
						return nil, fmt.Errorf("parse allowed IP %q: %w", cidr, err)
					}
					cfg.AllowedIPs = append(cfg.AllowedIPs, prefix)
				}
			case "PersistentKeepalive":
				n, err := strconv.Atoi(val)
				if err != nil {
					return nil, fmt.Errorf("parse keepalive %q: %w", val, err)
				}
				cfg.PersistentKeepalive = n
			}
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if cfg.PrivateKey == "" {
		return nil, fmt.Errorf("missing PrivateKey in [Interface]")
	}
	if cfg.PublicKey == "" {
		return nil, fmt.Errorf("missing PublicKey in [Peer]")
	}

	return cfg, nil
}

// Serialize renders cfg back to .conf text. ParseConfigString(Serialize(cfg))
// reproduces cfg field-for-field; only whitespace is free to vary.
func (cfg *Config) Serialize() string {
	var b strings.Builder

	b.WriteString("[Interface]\n")
	fmt.Fprintf(&b, "PrivateKey = %s\n", cfg.PrivateKey)
	if cfg.Address.IsValid() {
		fmt.Fprintf(&b, "Address = %s\n", cfg.Address.String())
	}
	if cfg.ListenPort != 0 {
		fmt.Fprintf(&b, "ListenPort = %d\n", cfg.ListenPort)
	}

	b.WriteString("\n[Peer]\n")
	fmt.Fprintf(&b, "PublicKey = %s\n", cfg.PublicKey)
	if cfg.PresharedKey != "" {
		fmt.Fprintf(&b, "PresharedKey = %s\n", cfg.PresharedKey)
	}
	if cfg.Endpoint != "" {
		fmt.Fprintf(&b, "Endpoint = %s\n", cfg.Endpoint)
	}
	if len(cfg.AllowedIPs) > 0 {
		ips := make([]string, len(cfg.AllowedIPs))
		for i, p := range cfg.AllowedIPs {
			ips[i] = p.String()
		}
		fmt.Fprintf(&b, "AllowedIPs = %s\n", strings.Join(ips, ", "))
	}
	if cfg.PersistentKeepalive != 0 {
		fmt.Fprintf(&b, "PersistentKeepalive = %d\n", cfg.PersistentKeepalive)
	}

	return b.String()
}
