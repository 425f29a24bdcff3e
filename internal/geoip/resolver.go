// Package geoip resolves an IP address to coarse geodata — country
// code and whether the address belongs to a datacenter or residential
// network — from disk-backed source files, with an in-memory LRU in
// front so repeated lookups during a scoring pass don't re-hit disk.
package geoip

import (
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"gopkg.in/yaml.v3"

	"github.com/taofu-labs/tpn-core/internal/model"
)

// Geodata is the typed result of resolving one IP.
type Geodata struct {
	CountryCode    string
	ConnectionType model.ConnectionType
	Datacenter     bool
}

// SourceManifest lists the static geodata source files to load, as
// configured in a YAML manifest (one entry per provider/range-file).
type SourceManifest struct {
	Sources []SourceEntry `yaml:"sources"`
}

type SourceEntry struct {
	Path string `yaml:"path"`
	Kind string `yaml:"kind"` // "country" or "datacenter"
}

type Resolver struct {
	mu      sync.RWMutex
	cache   *lru.Cache[string, Geodata]
	ranges  []rangeEntry
}

type rangeEntry struct {
	network     *net.IPNet
	countryCode string
	datacenter  bool
}

func New(cacheSize int) (*Resolver, error) {
	if cacheSize <= 0 {
		cacheSize = 4096
	}
	cache, err := lru.New[string, Geodata](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create geoip lru: %w", err)
	}
	return &Resolver{cache: cache}, nil
}

// LoadManifest reads a YAML source manifest and its referenced CIDR
// range files (one "cidr,country_code" line each; further fields are
// ignored). Every range of a source whose kind is "datacenter" is
// marked as datacenter.
func (r *Resolver) LoadManifest(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read geoip manifest %s: %w", path, err)
	}

	var manifest SourceManifest
	if err := yaml.Unmarshal(raw, &manifest); err != nil {
		return fmt.Errorf("parse geoip manifest: %w", err)
	}

	var ranges []rangeEntry
	for _, src := range manifest.Sources {
		entries, err := loadRangeFile(src.Path, src.Kind == "datacenter")
		if err != nil {
			return fmt.Errorf("load geoip source %s: %w", src.Path, err)
		}
		ranges = append(ranges, entries...)
	}

	r.mu.Lock()
	r.ranges = ranges
	r.mu.Unlock()
	return nil
}

func loadRangeFile(path string, datacenter bool) ([]rangeEntry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var entries []rangeEntry
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 2 {
			continue
		}
		_, network, err := net.ParseCIDR(strings.TrimSpace(parts[0]))
		if err != nil {
			continue
		}
		entries = append(entries, rangeEntry{
			network:     network,
			countryCode: strings.ToUpper(strings.TrimSpace(parts[1])),
			datacenter:  datacenter,
		})
	}
	return entries, nil
}

// IPGeodata resolves one IP, consulting the LRU before scanning ranges.
func (r *Resolver) IPGeodata(ip string) (Geodata, error) {
	if cached, ok := r.cache.Get(ip); ok {
		return cached, nil
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return Geodata{}, fmt.Errorf("invalid ip %q", ip)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	result := Geodata{CountryCode: "", ConnectionType: model.ConnectionUnknown}
	for _, entry := range r.ranges {
		if entry.network.Contains(parsed) {
			result.CountryCode = entry.countryCode
			if entry.datacenter {
				result.Datacenter = true
				result.ConnectionType = model.ConnectionDatacenter
			} else if result.ConnectionType == model.ConnectionUnknown {
				result.ConnectionType = model.ConnectionResidential
			}
		}
	}

	r.cache.Add(ip, result)
	return result, nil
}

// MapIPsToGeodata batch-warms the cache for a set of IPs. cachePrefix
// is prepended to each key of the returned map; the LRU itself is keyed
// by the bare IP. IPs that fail to resolve are left out.
func (r *Resolver) MapIPsToGeodata(ips []string, cachePrefix string) (map[string]Geodata, error) {
	out := make(map[string]Geodata, len(ips))
	for _, ip := range ips {
		data, err := r.IPGeodata(ip)
		if err != nil {
			continue
		}
		out[cachePrefix+ip] = data
	}
	return out, nil
}
