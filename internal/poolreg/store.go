// Package poolreg persists mining pool records: metadata self-reported
// by miners when they register with a validator, and the scores the
// pool scorer (C9) computes for them.
package poolreg

import (
	"context"
	"fmt"

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

// Register upserts a mining pool's self-reported identity, as received
// by `POST /validator/broadcast/mining_pool`.
func (s *Store) Register(ctx context.Context, pool model.MiningPool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO mining_pools (mining_pool_uid, url, ip, last_known_worker_pool_size)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mining_pool_uid) DO UPDATE SET
			url = EXCLUDED.url,
			ip = EXCLUDED.ip,
			updated_at = now()
	`, pool.MiningPoolUID, pool.URL, pool.IP, pool.LastKnownWorkerPoolSize)
	if err != nil {
		return fmt.Errorf("register mining pool %s: %w", pool.MiningPoolUID, err)
	}
	return nil
}

func (s *Store) ListMiningPools(ctx context.Context) ([]model.MiningPool, error) {
	rows, err := s.db.Query(ctx, `
		SELECT mining_pool_uid, url, ip, last_known_worker_pool_size, last_scored_at,
			score_stability, score_size, score_performance, score_geo, score_composite,
			created_at, updated_at
		FROM mining_pools
	`)
	if err != nil {
		return nil, fmt.Errorf("query mining pools: %w", err)
	}
	defer rows.Close()

	var pools []model.MiningPool
	for rows.Next() {
		var p model.MiningPool
		if err := rows.Scan(&p.MiningPoolUID, &p.URL, &p.IP, &p.LastKnownWorkerPoolSize, &p.LastScoredAt,
			&p.Score.Stability, &p.Score.Size, &p.Score.Performance, &p.Score.Geo, &p.Score.Composite,
			&p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan mining pool row: %w", err)
		}
		pools = append(pools, p)
	}
	return pools, rows.Err()
}

func (s *Store) GetByUID(ctx context.Context, uid string) (model.MiningPool, error) {
	var p model.MiningPool
	err := s.db.QueryRow(ctx, `
		SELECT mining_pool_uid, url, ip, last_known_worker_pool_size, last_scored_at,
			score_stability, score_size, score_performance, score_geo, score_composite,
			created_at, updated_at
		FROM mining_pools WHERE mining_pool_uid = $1
	`, uid).Scan(&p.MiningPoolUID, &p.URL, &p.IP, &p.LastKnownWorkerPoolSize, &p.LastScoredAt,
		&p.Score.Stability, &p.Score.Size, &p.Score.Performance, &p.Score.Geo, &p.Score.Composite,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return model.MiningPool{}, fmt.Errorf("get mining pool %s: %w", uid, err)
	}
	return p, nil
}

// MinerUIDToIP satisfies scorer.NeuronDirectory using the pool's own
// self-reported IP as a stand-in for the upstream neuron's attested
// record. Real on-chain miner/IP attestation is out of scope (spec.md
// treats the neuron as a typed interface only); until that client
// exists, a pool is scored against the IP it registered itself with.
func (s *Store) MinerUIDToIP(uid string) (string, bool) {
	pool, err := s.GetByUID(context.Background(), uid)
	if err != nil {
		return "", false
	}
	return pool.IP, true
}

// WritePoolScore persists one pool scorer (C9) result.
func (s *Store) WritePoolScore(ctx context.Context, uid string, score model.PoolScore, lastKnownWorkerPoolSize int) error {
	_, err := s.db.Exec(ctx, `
		UPDATE mining_pools SET
			score_stability = $1, score_size = $2, score_performance = $3, score_geo = $4, score_composite = $5,
			last_known_worker_pool_size = $6, last_scored_at = now(), updated_at = now()
		WHERE mining_pool_uid = $7
	`, score.Stability, score.Size, score.Performance, score.Geo, score.Composite, lastKnownWorkerPoolSize, uid)
	if err != nil {
		return fmt.Errorf("write pool score for %s: %w", uid, err)
	}
	return nil
}
