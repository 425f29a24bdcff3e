package scorer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/lock"
	"github.com/taofu-labs/tpn-core/internal/model"
)

type fakePoolDB struct {
	pools   []model.MiningPool
	scores  map[string]model.PoolScore
}

func (f *fakePoolDB) ListMiningPools(ctx context.Context) ([]model.MiningPool, error) {
	return f.pools, nil
}

func (f *fakePoolDB) WritePoolScore(ctx context.Context, uid string, score model.PoolScore, size int) error {
	if f.scores == nil {
		f.scores = map[string]model.PoolScore{}
	}
	f.scores[uid] = score
	return nil
}

type fakeNeuron struct {
	mapping map[string]string
}

func (f *fakeNeuron) MinerUIDToIP(uid string) (string, bool) {
	ip, ok := f.mapping[uid]
	return ip, ok
}

func TestScoreAll_SkipsPoolsWithMismatchedIP(t *testing.T) {
	db := &fakePoolDB{pools: []model.MiningPool{
		{MiningPoolUID: "pool-a", IP: "1.1.1.1"},
		{MiningPoolUID: "pool-b", IP: "2.2.2.2"},
	}}
	neuron := &fakeNeuron{mapping: map[string]string{"pool-a": "9.9.9.9", "pool-b": "9.9.9.9"}}

	s := NewPoolScorer(zerolog.Nop(), lock.NewRegistry(), db, inventory.New(nil), neuron)
	err := s.ScoreAll(context.Background(), 5*time.Second)
	require.NoError(t, err)

	_, scoredA := db.scores["pool-a"]
	_, scoredB := db.scores["pool-b"]
	assert.False(t, scoredA, "ip mismatch against upstream neuron must exclude the pool from scoring")
	assert.False(t, scoredB)
}

func TestSizeScore_MonotonicAndBounded(t *testing.T) {
	assert.Equal(t, 0.0, sizeScore(0))
	assert.Less(t, sizeScore(1), sizeScore(100))
	assert.LessOrEqual(t, sizeScore(100000), 1.0)
}

func TestGeoScore_CountsDistinctCountries(t *testing.T) {
	workers := []model.Worker{{CountryCode: "US"}, {CountryCode: "US"}, {CountryCode: "DE"}}
	assert.InDelta(t, 2.0/40.0, geoScore(workers), 0.0001)
}

func TestPerformanceScore_FractionUp(t *testing.T) {
	workers := []model.Worker{{Status: model.StatusUp}, {Status: model.StatusDown}}
	assert.Equal(t, 0.5, performanceScore(workers))
}

func TestComputeCompositeScore_WeightsSumToOne(t *testing.T) {
	score := model.PoolScore{Size: 1, Geo: 1, Performance: 1, Stability: 1}
	assert.InDelta(t, 1.0, computeCompositeScore(score), 0.0001)
}
