// Package sockslease allocates and reclaims SOCKS5 credential leases
// from two disjoint pools: a shared priority pool (the first P rows by
// id, never marked unavailable) and an exclusive standard pool (the
// remainder).
package sockslease

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/model"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Regenerator is the subset of the Dante driver used to roll a
// credential's password during reclamation.
type Regenerator interface {
	Regenerate(ctx context.Context, username string) (string, error)
}

const lockGetSocksConfig = "get_socks5_config"

type Store struct {
	db          DB
	locks       *lock.Registry
	regenerator Regenerator
	passwordDir string
}

func New(db DB, locks *lock.Registry, regenerator Regenerator, passwordDir string) *Store {
	return &Store{db: db, locks: locks, regenerator: regenerator, passwordDir: passwordDir}
}

// GetConfig leases one credential and returns its "socks5://user:pass@ip:port" form.
func (s *Store) GetConfig(ctx context.Context, leaseFor time.Duration, priority bool, prioritySlots int) (model.SOCKS5Config, error) {
	var cred model.SOCKS5Credential
	var err error

	if priority {
		cred, err = s.leasePriority(ctx, leaseFor, prioritySlots)
	} else {
		cred, err = s.leaseStandard(ctx, leaseFor, prioritySlots)
	}
	if err != nil {
		return model.SOCKS5Config{}, err
	}

	sock := fmt.Sprintf("socks5://%s:%s@%s:%d", cred.Username, cred.Password, cred.IPAddress, cred.Port)
	return model.SOCKS5Config{Sock: sock}, nil
}

// leasePriority picks a random row from the shared priority pool
// without taking the lock or flipping availability — the pool is
// intentionally shareable across concurrent requests.
func (s *Store) leasePriority(ctx context.Context, leaseFor time.Duration, prioritySlots int) (model.SOCKS5Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ip_address, port, username, password
		FROM worker_socks5_configs
		WHERE available = TRUE
		ORDER BY id ASC
		LIMIT $1
	`, prioritySlots)
	if err != nil {
		return model.SOCKS5Credential{}, fmt.Errorf("query priority pool: %w", err)
	}
	defer rows.Close()

	var pool []model.SOCKS5Credential
	for rows.Next() {
		var c model.SOCKS5Credential
		if err := rows.Scan(&c.ID, &c.IPAddress, &c.Port, &c.Username, &c.Password); err != nil {
			return model.SOCKS5Credential{}, err
		}
		pool = append(pool, c)
	}
	if err := rows.Err(); err != nil {
		return model.SOCKS5Credential{}, err
	}
	if len(pool) == 0 {
		return model.SOCKS5Credential{}, fmt.Errorf("priority socks5 pool is empty")
	}

	chosen := pool[rand.Intn(len(pool))]
	expiresAt := time.Now().Add(leaseFor).UnixMilli()
	if _, err := s.db.Exec(ctx, `UPDATE worker_socks5_configs SET expires_at = $1 WHERE id = $2`, expiresAt, chosen.ID); err != nil {
		return model.SOCKS5Credential{}, fmt.Errorf("bump priority lease expiry: %w", err)
	}
	return chosen, nil
}

func (s *Store) leaseStandard(ctx context.Context, leaseFor time.Duration, prioritySlots int) (model.SOCKS5Credential, error) {
	cred, err := s.tryLeaseStandard(ctx, leaseFor, prioritySlots)
	if err != nil {
		return model.SOCKS5Credential{}, err
	}
	if cred != nil {
		return *cred, nil
	}

	if err := s.CleanupExpired(ctx); err != nil {
		return model.SOCKS5Credential{}, fmt.Errorf("cleanup expired socks5 configs: %w", err)
	}

	cred, err = s.tryLeaseStandard(ctx, leaseFor, prioritySlots)
	if err != nil {
		return model.SOCKS5Credential{}, err
	}
	if cred == nil {
		soonest, _ := s.soonestExpiry(ctx, prioritySlots)
		return model.SOCKS5Credential{}, fmt.Errorf("no standard socks5 credential available, soonest expiring at %s", soonest)
	}
	return *cred, nil
}

func (s *Store) tryLeaseStandard(ctx context.Context, leaseFor time.Duration, prioritySlots int) (*model.SOCKS5Credential, error) {
	var result *model.SOCKS5Credential
	err := s.locks.WithLock(ctx, lockGetSocksConfig, 10*time.Second, func() error {
		row := s.db.QueryRow(ctx, `
			SELECT id, ip_address, port, username, password
			FROM worker_socks5_configs
			WHERE available = TRUE
			ORDER BY id ASC
			OFFSET $1 LIMIT 1
		`, prioritySlots)

		var c model.SOCKS5Credential
		if err := row.Scan(&c.ID, &c.IPAddress, &c.Port, &c.Username, &c.Password); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("select standard credential: %w", err)
		}

		expiresAt := time.Now().Add(leaseFor).UnixMilli()
		updatedAt := time.Now().UnixMilli()
		if _, err := s.db.Exec(ctx, `
			UPDATE worker_socks5_configs SET available = FALSE, expires_at = $1, updated_at_unix = $2 WHERE id = $3
		`, expiresAt, updatedAt, c.ID); err != nil {
			return fmt.Errorf("lease standard credential %d: %w", c.ID, err)
		}

		if err := os.WriteFile(filepath.Join(s.passwordDir, c.Username+".password.used"), []byte(strconv.FormatInt(expiresAt, 10)), 0o600); err != nil {
			return fmt.Errorf("write used marker for %s: %w", c.Username, err)
		}

		result = &c
		return nil
	})
	return result, err
}

func (s *Store) soonestExpiry(ctx context.Context, prioritySlots int) (time.Time, error) {
	row := s.db.QueryRow(ctx, `
		SELECT expires_at FROM worker_socks5_configs
		WHERE available = FALSE ORDER BY expires_at ASC LIMIT 1
	`)
	var ms int64
	if err := row.Scan(&ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// WriteSocks replaces the credential set in-place: upsert every entry by
// username, then delete any row whose username is not in the incoming
// set. An empty input deletes everything.
func (s *Store) WriteSocks(ctx context.Context, creds []model.SOCKS5Credential) error {
	usernames := make([]string, 0, len(creds))
	seen := map[string]bool{}
	for _, c := range creds {
		if seen[c.Username] {
			continue
		}
		seen[c.Username] = true
		usernames = append(usernames, c.Username)

		if _, err := s.db.Exec(ctx, `
			INSERT INTO worker_socks5_configs (ip_address, port, username, password, available, expires_at, updated_at_unix)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (username) DO UPDATE SET password = EXCLUDED.password, updated_at_unix = EXCLUDED.updated_at_unix
		`, c.IPAddress, c.Port, c.Username, c.Password, c.Available, c.ExpiresAt, time.Now().UnixMilli()); err != nil {
			return fmt.Errorf("upsert socks5 config for %s: %w", c.Username, err)
		}
	}

	if len(usernames) == 0 {
		_, err := s.db.Exec(ctx, `DELETE FROM worker_socks5_configs`)
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM worker_socks5_configs WHERE username != ALL($1)`, usernames)
	return err
}

// CleanupExpired regenerates the password for each row past its TTL;
// rows whose regeneration fails are deleted, successes are returned to
// the available pool with a fresh password.
func (s *Store) CleanupExpired(ctx context.Context) error {
	rows, err := s.db.Query(ctx, `SELECT username FROM worker_socks5_configs WHERE expires_at > 0 AND expires_at <= $1`, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("list expired socks5 configs: %w", err)
	}
	var usernames []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return err
		}
		usernames = append(usernames, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, username := range usernames {
		newPassword, err := s.regenerator.Regenerate(ctx, username)
		if err != nil {
			if _, delErr := s.db.Exec(ctx, `DELETE FROM worker_socks5_configs WHERE username = $1`, username); delErr != nil {
				return fmt.Errorf("delete unregenerable credential %s: %w", username, delErr)
			}
			continue
		}
		if _, err := s.db.Exec(ctx, `
			UPDATE worker_socks5_configs SET available = TRUE, expires_at = 0, password = $1 WHERE username = $2
		`, newPassword, username); err != nil {
			return fmt.Errorf("refresh credential %s: %w", username, err)
		}
		os.Remove(filepath.Join(s.passwordDir, username+".password.used"))
	}
	return nil
}

// ListLeased returns every credential currently marked unavailable, for
// operator inspection (`tpnctl lease status`).
func (s *Store) ListLeased(ctx context.Context) ([]model.SOCKS5Credential, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, ip_address, port, username, password, available, expires_at, updated_at_unix
		FROM worker_socks5_configs WHERE available = FALSE ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list leased socks5 configs: %w", err)
	}
	defer rows.Close()

	var creds []model.SOCKS5Credential
	for rows.Next() {
		var c model.SOCKS5Credential
		if err := rows.Scan(&c.ID, &c.IPAddress, &c.Port, &c.Username, &c.Password, &c.Available, &c.ExpiresAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan socks5 config row: %w", err)
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// CountAvailable counts available rows by id, after skipping skipSlots
// (used to count only the standard pool's availability).
func (s *Store) CountAvailable(ctx context.Context, skipSlots int) (int, error) {
	row := s.db.QueryRow(ctx, `
		SELECT count(*) FROM (
			SELECT id FROM worker_socks5_configs WHERE available = TRUE ORDER BY id ASC OFFSET $1
		) t
	`, skipSlots)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
