package scorer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/model"
)

const lockScorePools = "score_mining_pools"

// PoolDB is the narrow persistence surface the pool scorer needs beyond
// what internal/inventory already provides for worker rows.
type PoolDB interface {
	ListMiningPools(ctx context.Context) ([]model.MiningPool, error)
	WritePoolScore(ctx context.Context, uid string, score model.PoolScore, lastKnownWorkerPoolSize int) error
}

// NeuronDirectory is the upstream blockchain neuron's view of which IP
// currently backs a mining pool uid; pools whose self-reported IP
// doesn't match are excluded from scoring as stale/unverified.
type NeuronDirectory interface {
	MinerUIDToIP(uid string) (string, bool)
}

type PoolScorer struct {
	logger    zerolog.Logger
	locks     *lock.Registry
	pools     PoolDB
	inventory *inventory.Store
	neuron    NeuronDirectory
}

func NewPoolScorer(logger zerolog.Logger, locks *lock.Registry, pools PoolDB, inv *inventory.Store, neuron NeuronDirectory) *PoolScorer {
	return &PoolScorer{
		logger:    logger.With().Str("component", "pool_scorer").Logger(),
		locks:     locks,
		pools:     pools,
		inventory: inv,
		neuron:    neuron,
	}
}

// ScoreAll runs one scoring pass over every mining pool whose
// self-reported IP matches the upstream neuron's records, skipping
// entirely if a previous pass is still in flight.
func (s *PoolScorer) ScoreAll(ctx context.Context, maxDuration time.Duration) error {
	release, ok := s.locks.TryAcquireLock(lockScorePools)
	if !ok {
		s.logger.Debug().Msg("score_mining_pools already running, skipping this tick")
		return nil
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, maxDuration)
	defer cancel()

	pools, err := s.pools.ListMiningPools(ctx)
	if err != nil {
		return fmt.Errorf("list mining pools: %w", err)
	}

	for _, pool := range pools {
		chainIP, known := s.neuron.MinerUIDToIP(pool.MiningPoolUID)
		if !known || chainIP != pool.IP {
			s.logger.Debug().Str("pool", pool.MiningPoolUID).Msg("pool ip does not match upstream neuron, skipping")
			continue
		}

		workers, err := s.inventory.GetWorkers(ctx, inventory.Filter{MiningPoolUID: pool.MiningPoolUID})
		if err != nil {
			s.logger.Warn().Str("pool", pool.MiningPoolUID).Err(err).Msg("failed to load workers for pool")
			continue
		}

		score := model.PoolScore{
			Size:        sizeScore(len(workers)),
			Geo:         geoScore(workers),
			Performance: performanceScore(workers),
			Stability:   stabilityScore(workers),
		}
		score.Composite = computeCompositeScore(score)

		if err := s.pools.WritePoolScore(ctx, pool.MiningPoolUID, score, len(workers)); err != nil {
			s.logger.Warn().Str("pool", pool.MiningPoolUID).Err(err).Msg("failed to persist pool score")
		}
	}
	return nil
}

// sizeScore grows monotonically with worker count but flattens off,
// so a pool cannot dominate purely by running more (low-quality) nodes.
func sizeScore(count int) float64 {
	if count <= 0 {
		return 0
	}
	return math.Min(1, math.Log1p(float64(count))/math.Log1p(1000))
}

// geoScore rewards pools whose workers span many distinct countries,
// normalized against a practically-achievable ceiling.
func geoScore(workers []model.Worker) float64 {
	if len(workers) == 0 {
		return 0
	}
	seen := make(map[string]bool)
	for _, w := range workers {
		if w.CountryCode != "" {
			seen[w.CountryCode] = true
		}
	}
	const diverseCeiling = 40.0
	return math.Min(1, float64(len(seen))/diverseCeiling)
}

// performanceScore is the fraction of the pool's workers currently up.
func performanceScore(workers []model.Worker) float64 {
	if len(workers) == 0 {
		return 0
	}
	up := 0
	for _, w := range workers {
		if w.Status == model.StatusUp {
			up++
		}
	}
	return float64(up) / float64(len(workers))
}

// stabilityScore returns the same value as performanceScore: the
// fraction of the pool's workers up at the latest observation.
// Status from earlier scoring cycles is not retained per worker, so
// no average over past cycles is taken.
func stabilityScore(workers []model.Worker) float64 {
	return performanceScore(workers)
}

// computeCompositeScore blends the four sub-scores. The exact
// weighting is a tunable policy; callers needing a different blend
// should route through this single seam rather than reimplement it.
func computeCompositeScore(score model.PoolScore) float64 {
	const (
		weightSize        = 0.2
		weightGeo         = 0.2
		weightPerformance = 0.35
		weightStability   = 0.25
	)
	return score.Size*weightSize + score.Geo*weightGeo +
		score.Performance*weightPerformance + score.Stability*weightStability
}
