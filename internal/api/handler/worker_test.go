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
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

type mockWorkerDB struct{ mock.Mock }

func (m *mockWorkerDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}
func (m *mockWorkerDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}
func (m *mockWorkerDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

func newWorkerHandler(db *mockWorkerDB, knownValidatorIP string) *Worker {
	var fallback []model.ValidatorDescriptor
	if knownValidatorIP != "" {
		fallback = []model.ValidatorDescriptor{{IP: knownValidatorIP}}
	}
	return NewWorker(inventory.New(db), "pool-1", validatorreg.New(db, fallback))
}

func TestWorker_Register_RejectsInvalidJSON(t *testing.T) {
	h := newWorkerHandler(&mockWorkerDB{}, "")

	req := httptest.NewRequest(http.MethodPost, "/worker", bytes.NewBufferString("not json"))
	rec := httptest.NewRecorder()

	h.Register(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorker_Register_UpsertsWorkerOnValidPayload(t *testing.T) {
	db := &mockWorkerDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	h := newWorkerHandler(db, "")

	body, err := json.Marshal(model.Worker{IP: "10.0.0.5", PublicPort: 51820, CountryCode: "US"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/worker", bytes.NewBuffer(body))
	rec := httptest.NewRecorder()

	h.Register(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	db.AssertExpectations(t)
}

func TestWorker_Feedback_RejectsInvalidJSON(t *testing.T) {
	h := newWorkerHandler(&mockWorkerDB{}, "203.0.113.9")

	req := httptest.NewRequest(http.MethodPost, "/worker/feedback", bytes.NewBufferString("not json"))
	req.RemoteAddr = "203.0.113.9:4321"
	rec := httptest.NewRecorder()

	h.Feedback(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWorker_Feedback_RejectsNonValidatorOrigin(t *testing.T) {
	h := newWorkerHandler(&mockWorkerDB{}, "203.0.113.9")

	payload := []FeedbackPayload{{IP: "10.0.0.1", Status: model.StatusUp}}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/worker/feedback", bytes.NewBuffer(body))
	req.RemoteAddr = "198.51.100.1:4321"
	req.Header.Set("X-Forwarded-For", "203.0.113.9")
	rec := httptest.NewRecorder()

	h.Feedback(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWorker_Feedback_WritesPerformanceForEachEntry(t *testing.T) {
	db := &mockWorkerDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	h := newWorkerHandler(db, "203.0.113.9")

	payload := []FeedbackPayload{
		{IP: "10.0.0.1", Status: model.StatusUp},
		{IP: "10.0.0.2", Status: model.StatusDown},
	}
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/worker/feedback", bytes.NewBuffer(body))
	req.RemoteAddr = "203.0.113.9:4321"
	rec := httptest.NewRecorder()

	h.Feedback(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	db.AssertNumberOfCalls(t, "Exec", 2)
}
