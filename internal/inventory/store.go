// Package inventory persists and queries worker records: the
// federation's view of who exists, where they are, and whether they
// are currently reachable.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taofu-labs/tpn-core/internal/model"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db DB
}

func New(db DB) *Store {
	return &Store{db: db}
}

// Filter narrows GetWorkers; zero-value fields are not applied.
type Filter struct {
	CountryCode    string
	Status         model.WorkerStatus
	MiningPoolUID  string
	ConnectionType model.ConnectionType
	Randomize      bool
	Limit          int
}

func (s *Store) GetWorkers(ctx context.Context, f Filter) ([]model.Worker, error) {
	var conds []string
	var args []any

	add := func(clause string, val any) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(clause, len(args)))
	}
	if f.CountryCode != "" {
		add("country_code = $%d", f.CountryCode)
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.MiningPoolUID != "" {
		add("mining_pool_uid = $%d", f.MiningPoolUID)
	}
	if f.ConnectionType != "" {
		add("connection_type = $%d", f.ConnectionType)
	}

	query := "SELECT ip, public_port, country_code, connection_type, mining_pool_url, mining_pool_uid, payment_address_evm, payment_address_bittensor, status, last_tested_at, wireguard_config, socks5_config, datacenter, version, created_at, updated_at FROM workers"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	if f.Randomize {
		query += " ORDER BY random()"
	} else {
		query += " ORDER BY ip ASC"
	}
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workers: %w", err)
	}
	defer rows.Close()

	var workers []model.Worker
	for rows.Next() {
		var w model.Worker
		if err := rows.Scan(&w.IP, &w.PublicPort, &w.CountryCode, &w.ConnectionType, &w.MiningPoolURL, &w.MiningPoolUID,
			&w.PaymentAddressEVM, &w.PaymentAddressBittensor, &w.Status, &w.LastTestedAt, &w.WireGuardConfig, &w.SOCKS5Config,
			&w.Datacenter, &w.Version, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker row: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// RegisterWorker upserts a single worker's self-registration against a
// mining pool uid, without touching any other worker's row.
func (s *Store) RegisterWorker(ctx context.Context, w model.Worker, miningPoolUID string) error {
	return s.upsertWorker(ctx, w, miningPoolUID)
}

func (s *Store) upsertWorker(ctx context.Context, w model.Worker, miningPoolUID string) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO workers (ip, public_port, country_code, connection_type, mining_pool_url, mining_pool_uid,
			payment_address_evm, payment_address_bittensor, status, datacenter, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (ip, mining_pool_uid) DO UPDATE SET
			public_port = EXCLUDED.public_port,
			country_code = EXCLUDED.country_code,
			connection_type = EXCLUDED.connection_type,
			mining_pool_url = EXCLUDED.mining_pool_url,
			payment_address_evm = EXCLUDED.payment_address_evm,
			payment_address_bittensor = EXCLUDED.payment_address_bittensor,
			datacenter = EXCLUDED.datacenter,
			version = EXCLUDED.version,
			updated_at = now()
	`, w.IP, w.PublicPort, w.CountryCode, w.ConnectionType, w.MiningPoolURL, miningPoolUID,
		w.PaymentAddressEVM, w.PaymentAddressBittensor, model.StatusTBD, w.Datacenter, w.Version)
	if err != nil {
		return fmt.Errorf("upsert worker %s: %w", w.IP, err)
	}
	return nil
}

// WriteWorkers replaces the worker set for a mining pool in place by
// natural key (ip, mining_pool_uid): upsert every incoming worker, then
// delete any existing row for the pool whose ip was not re-broadcast.
func (s *Store) WriteWorkers(ctx context.Context, workers []model.Worker, miningPoolUID, miningPoolIP string) error {
	ips := make([]string, 0, len(workers))
	for _, w := range workers {
		ips = append(ips, w.IP)
		if err := s.upsertWorker(ctx, w, miningPoolUID); err != nil {
			return err
		}
	}

	if len(ips) == 0 {
		_, err := s.db.Exec(ctx, `DELETE FROM workers WHERE mining_pool_uid = $1`, miningPoolUID)
		return err
	}
	_, err := s.db.Exec(ctx, `DELETE FROM workers WHERE mining_pool_uid = $1 AND ip != ALL($2)`, miningPoolUID, ips)
	return err
}

// WorkerPerformance is one scoring result to persist.
type WorkerPerformance struct {
	IP            string
	MiningPoolUID string
	Status        model.WorkerStatus
	CountryCode   string
	Datacenter    *bool
}

// WriteWorkerPerformance persists scorer results: status and refreshed
// geodata for each probed worker.
func (s *Store) WriteWorkerPerformance(ctx context.Context, results []WorkerPerformance) error {
	for _, r := range results {
		if _, err := s.db.Exec(ctx, `
			UPDATE workers SET status = $1, country_code = $2, datacenter = $3, last_tested_at = now(), updated_at = now()
			WHERE ip = $4 AND mining_pool_uid = $5
		`, r.Status, r.CountryCode, r.Datacenter, r.IP, r.MiningPoolUID); err != nil {
			return fmt.Errorf("write performance for %s: %w", r.IP, err)
		}
	}
	return nil
}
