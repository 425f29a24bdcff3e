// Package validatorreg maintains the last-known validator list pushed
// down from the upstream neuron, with a hard-coded fallback for
// bootstrap, and validates inbound requests against unspoofable remote
// addresses.
package validatorreg

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"gopkg.in/yaml.v3"

	"github.com/taofu-labs/tpn-core/internal/model"
)

// DB is the subset of *pgxpool.Pool this registry uses to persist the
// last-known validator set as a durable cache across restarts.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Registry struct {
	db         DB
	mu         sync.RWMutex
	validators []model.ValidatorDescriptor
	fallback   []model.ValidatorDescriptor
}

func New(db DB, fallback []model.ValidatorDescriptor) *Registry {
	return &Registry{db: db, fallback: fallback, validators: fallback}
}

// LoadPersisted seeds the registry from the last broadcast validator set
// recorded in validator_descriptors, so a restart doesn't forget every
// mainnet validator learned since the fallback list was written.
func (r *Registry) LoadPersisted(ctx context.Context) error {
	rows, err := r.db.Query(ctx, `SELECT ip, uid FROM validator_descriptors`)
	if err != nil {
		return fmt.Errorf("load persisted validators: %w", err)
	}
	defer rows.Close()

	var persisted []model.ValidatorDescriptor
	for rows.Next() {
		var v model.ValidatorDescriptor
		if err := rows.Scan(&v.IP, &v.UID); err != nil {
			return fmt.Errorf("scan validator descriptor row: %w", err)
		}
		persisted = append(persisted, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if len(persisted) > 0 {
		r.mu.Lock()
		r.validators = persisted
		r.mu.Unlock()
	}
	return nil
}

// persist mirrors the in-memory validator set into validator_descriptors,
// best-effort: a failed write doesn't block the broadcast path, since the
// in-memory set is already authoritative until the next restart.
func (r *Registry) persist(ctx context.Context, validators []model.ValidatorDescriptor) error {
	for _, v := range validators {
		if _, err := r.db.Exec(ctx, `
			INSERT INTO validator_descriptors (ip, uid, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (ip) DO UPDATE SET uid = EXCLUDED.uid, updated_at = now()
		`, v.IP, v.UID); err != nil {
			return fmt.Errorf("persist validator %s: %w", v.IP, err)
		}
	}
	return nil
}

// fallbackFile is the YAML shape of FALLBACK_VALIDATORS_PATH: a flat
// list of uid/ip pairs used to bootstrap validator recognition before
// the neuron broadcast has ever run.
type fallbackFile struct {
	Validators []struct {
		UID *int64 `yaml:"uid"`
		IP  string `yaml:"ip"`
	} `yaml:"validators"`
}

// LoadFallback reads the fallback validator list from a YAML file.
func LoadFallback(path string) ([]model.ValidatorDescriptor, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fallback validators %s: %w", path, err)
	}

	var parsed fallbackFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse fallback validators: %w", err)
	}

	out := make([]model.ValidatorDescriptor, 0, len(parsed.Validators))
	for _, v := range parsed.Validators {
		out = append(out, model.ValidatorDescriptor{UID: v.UID, IP: v.IP})
	}
	return out, nil
}

// Update replaces the known validator set, patching any entry whose ip
// is 0.0.0.0 (not yet resolved by the neuron) from the fallback list by
// matching uid, then mirrors the result to the durable cache.
func (r *Registry) Update(ctx context.Context, validators []model.ValidatorDescriptor) {
	fallbackByUID := map[int64]string{}
	for _, f := range r.fallback {
		if f.UID != nil {
			fallbackByUID[*f.UID] = f.IP
		}
	}

	patched := make([]model.ValidatorDescriptor, len(validators))
	for i, v := range validators {
		if v.IP == "0.0.0.0" && v.UID != nil {
			if ip, ok := fallbackByUID[*v.UID]; ok {
				v.IP = ip
			}
		}
		patched[i] = v
	}

	r.mu.Lock()
	r.validators = patched
	r.mu.Unlock()

	r.persist(ctx, patched)
}

// ValidatorIPs returns the ip of every known validator, mainnet and
// testnet alike.
func (r *Registry) ValidatorIPs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ips := make([]string, 0, len(r.validators))
	for _, v := range r.validators {
		ips = append(ips, v.IP)
	}
	return ips
}

// ValidatorCount counts mainnet validators only: testnet fallback
// entries (nil uid) are retained for IsValidator but excluded here.
func (r *Registry) ValidatorCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, v := range r.validators {
		if v.IsMainnet() {
			n++
		}
	}
	return n
}

// IsValidator extracts the unspoofable remote address from req and
// matches it exactly against the known validator set; X-Forwarded-For
// is never consulted, since it is trivially spoofable.
func (r *Registry) IsValidator(req *http.Request) (model.ValidatorDescriptor, bool) {
	remoteIP := unspoofableRemoteAddr(req)
	if remoteIP == "" {
		return model.ValidatorDescriptor{}, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.validators {
		if v.IP == remoteIP {
			return v, true
		}
	}
	return model.ValidatorDescriptor{}, false
}

// unspoofableRemoteAddr strips the port and any IPv4-mapped IPv6
// prefix from req.RemoteAddr, which net/http populates from the TCP
// connection itself and which a client cannot forge via headers.
func unspoofableRemoteAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	host = strings.TrimPrefix(host, "::ffff:")
	return host
}
