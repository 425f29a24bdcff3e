package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/inventory"
	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/poolreg"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

type mockFederationDB struct{ mock.Mock }

func (m *mockFederationDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}
func (m *mockFederationDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}
func (m *mockFederationDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func newFederationHandler(db *mockFederationDB) *Federation {
	return NewFederation(poolreg.New(db), inventory.New(db), validatorreg.New(db, nil))
}

func TestFederation_BroadcastMiningPool_RejectsInvalidJSON(t *testing.T) {
	h := newFederationHandler(&mockFederationDB{})

	req := httptest.NewRequest(http.MethodPost, "/validator/broadcast/mining_pool", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()

	h.BroadcastMiningPool(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFederation_BroadcastMiningPool_RegistersOnValidPayload(t *testing.T) {
	db := &mockFederationDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	h := newFederationHandler(db)

	body, err := json.Marshal(model.MiningPool{MiningPoolUID: "pool-1", URL: "http://pool", IP: "1.2.3.4"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/validator/broadcast/mining_pool", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.BroadcastMiningPool(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	db.AssertExpectations(t)
}

func TestFederation_BroadcastWorkers_RejectsInvalidJSON(t *testing.T) {
	h := newFederationHandler(&mockFederationDB{})

	req := httptest.NewRequest(http.MethodPost, "/validator/broadcast/workers", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()

	h.BroadcastWorkers(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFederation_BroadcastWorkers_WritesWorkerSetOnValidPayload(t *testing.T) {
	db := &mockFederationDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	h := newFederationHandler(db)

	body, err := json.Marshal(BroadcastWorkersRequest{
		MiningPoolUID: "pool-1",
		MiningPoolIP:  "1.2.3.4",
		Workers:       []model.Worker{{IP: "10.0.0.1", PublicPort: 51820}},
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/validator/broadcast/workers", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.BroadcastWorkers(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestFederation_BroadcastNeurons_RejectsInvalidJSON(t *testing.T) {
	h := newFederationHandler(&mockFederationDB{})

	req := httptest.NewRequest(http.MethodPost, "/protocol/broadcast/neurons", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()

	h.BroadcastNeurons(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFederation_BroadcastNeurons_UpdatesValidatorSet(t *testing.T) {
	db := &mockFederationDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	h := newFederationHandler(db)

	uid := int64(7)
	body, err := json.Marshal([]model.ValidatorDescriptor{{UID: &uid, IP: "9.9.9.9"}})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/protocol/broadcast/neurons", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.BroadcastNeurons(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Contains(t, h.validators.ValidatorIPs(), "9.9.9.9")
}
