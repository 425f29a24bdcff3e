// Package wgleases allocates and reclaims WireGuard peer-id leases.
// A lease row's mere presence marks its id as taken; the on-disk
// peerK.conf file and the live interface peer table are kept in sync
// by internal/wgdriver.
package wgleases

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/model"
)

// DB is the subset of *pgxpool.Pool this store needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const lockRegisterLease = "register_wireguard_lease"

// Driver is the subset of the WG container driver this store calls back
// into for readiness waits and rotation-on-cleanup.
type Driver interface {
	WaitReady(ctx context.Context, peerID int) error
	ReplaceConfigs(ctx context.Context, peerIDs []int) error
	DeleteConfigs(ctx context.Context, peerIDs []int) error
	RestartContainer(ctx context.Context) error
}

type Store struct {
	db      DB
	locks   *lock.Registry
	driver  Driver
	refresh bool // BETA_REFRESH_LEASE_INSTEAD_OF_DELETE
}

func New(db DB, locks *lock.Registry, driver Driver, refreshOnCleanup bool) *Store {
	return &Store{db: db, locks: locks, driver: driver, refresh: refreshOnCleanup}
}

// RegisterLease picks the smallest free id in [startID..endID] and leases
// it for the given duration. A single set-difference query avoids probing
// every candidate id individually.
func (s *Store) RegisterLease(ctx context.Context, startID, endID int, leaseFor time.Duration) (int, error) {
	peerID, err := s.tryRegister(ctx, startID, endID, leaseFor)
	if err != nil {
		return 0, err
	}
	if peerID != 0 {
		if err := s.driver.WaitReady(ctx, peerID); err != nil {
			return 0, fmt.Errorf("wait for peer %d ready: %w", peerID, err)
		}
		return peerID, nil
	}

	if err := s.CleanupExpired(ctx); err != nil {
		return 0, fmt.Errorf("cleanup expired leases: %w", err)
	}

	peerID, err = s.tryRegister(ctx, startID, endID, leaseFor)
	if err != nil {
		return 0, err
	}
	if peerID == 0 {
		soonest, _ := s.soonestExpiry(ctx)
		return 0, fmt.Errorf("no free wireguard peer id in [%d..%d], soonest expiry %s", startID, endID, soonest)
	}

	if err := s.driver.WaitReady(ctx, peerID); err != nil {
		return 0, fmt.Errorf("wait for peer %d ready: %w", peerID, err)
	}
	return peerID, nil
}

func (s *Store) tryRegister(ctx context.Context, startID, endID int, leaseFor time.Duration) (int, error) {
	var peerID int
	err := s.locks.WithLock(ctx, lockRegisterLease, 10*time.Second, func() error {
		row := s.db.QueryRow(ctx, `
			SELECT gs.id FROM generate_series($1::int, $2::int) AS gs(id)
			LEFT JOIN worker_wireguard_configs c ON c.id = gs.id
			WHERE c.id IS NULL
			ORDER BY gs.id ASC
			LIMIT 1
		`, startID, endID)

		var candidate int
		if err := row.Scan(&candidate); err != nil {
			if err == pgx.ErrNoRows {
				return nil
			}
			return fmt.Errorf("select free peer id: %w", err)
		}

		expiresAt := time.Now().Add(leaseFor).UnixMilli()
		if _, err := s.db.Exec(ctx, `
			INSERT INTO worker_wireguard_configs (id, expires_at) VALUES ($1, $2)
		`, candidate, expiresAt); err != nil {
			return fmt.Errorf("insert lease row %d: %w", candidate, err)
		}
		peerID = candidate
		return nil
	})
	return peerID, err
}

func (s *Store) soonestExpiry(ctx context.Context) (time.Time, error) {
	row := s.db.QueryRow(ctx, `SELECT expires_at FROM worker_wireguard_configs ORDER BY expires_at ASC LIMIT 1`)
	var ms int64
	if err := row.Scan(&ms); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// CleanupExpired reclaims lease rows whose TTL has passed. In delete
// mode (default) the on-disk config is removed and the container is
// restarted only if no other lease remains open. In refresh mode the
// config is rotated in place instead, avoiding disruption of open
// leases.
func (s *Store) CleanupExpired(ctx context.Context) error {
	ids, err := s.expiredIDs(ctx)
	if err != nil {
		return fmt.Errorf("list expired leases: %w", err)
	}
	if len(ids) == 0 {
		return nil
	}

	if s.refresh {
		if err := s.driver.ReplaceConfigs(ctx, ids); err != nil {
			return fmt.Errorf("rotate expired configs: %w", err)
		}
	} else {
		if err := s.driver.DeleteConfigs(ctx, ids); err != nil {
			return fmt.Errorf("delete expired configs: %w", err)
		}
		open, err := s.CheckOpenLeases(ctx)
		if err != nil {
			return fmt.Errorf("check open leases: %w", err)
		}
		if !open {
			if err := s.driver.RestartContainer(ctx); err != nil {
				return fmt.Errorf("restart wg container: %w", err)
			}
		}
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM worker_wireguard_configs WHERE id = ANY($1)`, ids); err != nil {
		return fmt.Errorf("delete expired lease rows: %w", err)
	}
	return nil
}

func (s *Store) expiredIDs(ctx context.Context) ([]int, error) {
	rows, err := s.db.Query(ctx, `SELECT id FROM worker_wireguard_configs WHERE expires_at < $1`, time.Now().UnixMilli())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CheckOpenLeases reports whether any lease row remains after a cleanup pass.
func (s *Store) CheckOpenLeases(ctx context.Context) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM worker_wireguard_configs)`)
	var open bool
	if err := row.Scan(&open); err != nil {
		return false, err
	}
	return open, nil
}

// ListOpen returns every currently leased peer id and its expiry, for
// operator inspection (`tpnctl lease status`).
func (s *Store) ListOpen(ctx context.Context) ([]model.WireGuardLease, error) {
	rows, err := s.db.Query(ctx, `SELECT id, expires_at FROM worker_wireguard_configs ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list open wireguard leases: %w", err)
	}
	defer rows.Close()

	var leases []model.WireGuardLease
	for rows.Next() {
		var l model.WireGuardLease
		if err := rows.Scan(&l.PeerID, &l.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan wireguard lease row: %w", err)
		}
		leases = append(leases, l)
	}
	return leases, rows.Err()
}

// MarkConfigAsFree deletes a lease row outright, e.g. when a losing
// worker in a federation fan-out concedes the race.
func (s *Store) MarkConfigAsFree(ctx context.Context, peerID int) error {
	_, err := s.db.Exec(ctx, `DELETE FROM worker_wireguard_configs WHERE id = $1`, peerID)
	return err
}
