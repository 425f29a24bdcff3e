package validatorreg

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/model"
)

func uid(n int64) *int64 { return &n }

type mockDB struct{ mock.Mock }

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}
func (m *mockDB) Query(ctx context.Context, sql string, arguments ...any) (pgx.Rows, error) {
	args := m.Called(ctx, sql, arguments)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(pgx.Rows), args.Error(1)
}

func newTestRegistry(fallback []model.ValidatorDescriptor) (*Registry, *mockDB) {
	db := &mockDB{}
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)
	return New(db, fallback), db
}

func TestUpdate_PatchesUnresolvedFallbackEntries(t *testing.T) {
	fallback := []model.ValidatorDescriptor{{UID: uid(5), IP: "203.0.113.1"}}
	r, _ := newTestRegistry(fallback)

	r.Update(context.Background(), []model.ValidatorDescriptor{{UID: uid(5), IP: "0.0.0.0"}, {UID: uid(9), IP: "198.51.100.2"}})

	ips := r.ValidatorIPs()
	assert.Contains(t, ips, "203.0.113.1")
	assert.Contains(t, ips, "198.51.100.2")
}

func TestValidatorCount_ExcludesTestnetEntries(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Update(context.Background(), []model.ValidatorDescriptor{
		{UID: uid(1), IP: "1.1.1.1"},
		{IP: "2.2.2.2"}, // testnet fallback, nil uid
	})
	assert.Equal(t, 1, r.ValidatorCount())
	assert.Len(t, r.ValidatorIPs(), 2)
}

func TestIsValidator_MatchesUnspoofableRemoteAddr(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Update(context.Background(), []model.ValidatorDescriptor{{UID: uid(1), IP: "198.51.100.7"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:54321"

	desc, ok := r.IsValidator(req)
	require.True(t, ok)
	assert.Equal(t, int64(1), *desc.UID)
}

func TestIsValidator_IgnoresForwardedForHeader(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Update(context.Background(), []model.ValidatorDescriptor{{UID: uid(1), IP: "198.51.100.7"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.7")

	_, ok := r.IsValidator(req)
	assert.False(t, ok, "spoofable X-Forwarded-For must never grant validator status")
}

func TestIsValidator_StripsV4MappedV6Prefix(t *testing.T) {
	r, _ := newTestRegistry(nil)
	r.Update(context.Background(), []model.ValidatorDescriptor{{UID: uid(1), IP: "10.1.2.3"}})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::ffff:10.1.2.3]:443"

	_, ok := r.IsValidator(req)
	assert.True(t, ok)
}

func TestLoadPersisted_SeedsFromDurableCacheWhenPresent(t *testing.T) {
	db := &mockDB{}
	db.On("Query", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&oneValidatorRow{uid: uid(3), ip: "192.0.2.9"}, nil)

	r := New(db, nil)
	require.NoError(t, r.LoadPersisted(context.Background()))
	assert.Contains(t, r.ValidatorIPs(), "192.0.2.9")
}

type oneValidatorRow struct {
	uid    *int64
	ip     string
	served bool
}

func (r *oneValidatorRow) Next() bool {
	if r.served {
		return false
	}
	r.served = true
	return true
}
func (r *oneValidatorRow) Scan(dest ...any) error {
	*dest[0].(*string) = r.ip
	*dest[1].(**int64) = r.uid
	return nil
}
func (r *oneValidatorRow) Err() error                                 { return nil }
func (r *oneValidatorRow) Close()                                     {}
func (r *oneValidatorRow) CommandTag() pgconn.CommandTag               { return pgconn.CommandTag{} }
func (r *oneValidatorRow) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *oneValidatorRow) RawValues() [][]byte                         { return nil }
func (r *oneValidatorRow) Values() ([]any, error)                      { return nil, nil }
func (r *oneValidatorRow) Conn() *pgx.Conn                             { return nil }
