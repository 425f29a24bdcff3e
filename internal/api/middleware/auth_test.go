package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/validatorreg"
)

type mockAuthDB struct{ mock.Mock }

func (m *mockAuthDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}
func (m *mockAuthDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func TestRequireAdminKey_RejectsMissingKey(t *testing.T) {
	validators := validatorreg.New(&mockAuthDB{}, nil)
	handler := RequireAdminKey("secret", validators)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequireAdminKey_AcceptsCorrectKey(t *testing.T) {
	validators := validatorreg.New(&mockAuthDB{}, nil)
	handler := RequireAdminKey("secret", validators)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/stats?api_key=secret", nil)
	req.RemoteAddr = "203.0.113.9:1234"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAdminKey_AcceptsKnownValidatorOrigin(t *testing.T) {
	db := &mockAuthDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	validators := validatorreg.New(db, nil)
	validators.Update(context.Background(), []model.ValidatorDescriptor{{UID: int64Ptr(1), IP: "198.51.100.4"}})

	handler := RequireAdminKey("secret", validators)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/api/stats", nil)
	req.RemoteAddr = "198.51.100.4:9999"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func int64Ptr(v int64) *int64 { return &v }
