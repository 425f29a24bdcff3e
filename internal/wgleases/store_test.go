package wgleases

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/taofu-labs/tpn-core/internal/lock"
)

type mockDB struct {
	mock.Mock
}

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

func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct {
	scan func(dest ...any) error
}

func (r *mockRow) Scan(dest ...any) error { return r.scan(dest...) }

type mockRows struct {
	callIndex int
	scanFuncs []func(dest ...any) error
}

func newMockRows(scanFuncs ...func(dest ...any) error) *mockRows {
	return &mockRows{scanFuncs: scanFuncs}
}

func (m *mockRows) Next() bool {
	return m.callIndex < len(m.scanFuncs)
}
func (m *mockRows) Scan(dest ...any) error {
	fn := m.scanFuncs[m.callIndex]
	m.callIndex++
	return fn(dest...)
}
func (m *mockRows) Err() error                                   { return nil }
func (m *mockRows) Close()                                       {}
func (m *mockRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *mockRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *mockRows) RawValues() [][]byte                          { return nil }
func (m *mockRows) Values() ([]any, error)                       { return nil, nil }
func (m *mockRows) Conn() *pgx.Conn                              { return nil }

type mockDriver struct {
	mock.Mock
}

func (d *mockDriver) WaitReady(ctx context.Context, peerID int) error {
	return d.Called(ctx, peerID).Error(0)
}
func (d *mockDriver) ReplaceConfigs(ctx context.Context, peerIDs []int) error {
	return d.Called(ctx, peerIDs).Error(0)
}
func (d *mockDriver) DeleteConfigs(ctx context.Context, peerIDs []int) error {
	return d.Called(ctx, peerIDs).Error(0)
}
func (d *mockDriver) RestartContainer(ctx context.Context) error {
	return d.Called(ctx).Error(0)
}

func TestRegisterLease_FreeSlotFoundImmediately(t *testing.T) {
	db := &mockDB{}
	driver := &mockDriver{}
	s := New(db, lock.NewRegistry(), driver, false)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scan: func(dest ...any) error {
			*(dest[0].(*int)) = 7
			return nil
		},
	}).Once()
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil).Once()
	driver.On("WaitReady", ctx, 7).Return(nil)

	id, err := s.RegisterLease(ctx, 1, 254, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 7, id)
	db.AssertExpectations(t)
	driver.AssertExpectations(t)
}

func TestRegisterLease_RetriesAfterCleanup(t *testing.T) {
	db := &mockDB{}
	driver := &mockDriver{}
	s := New(db, lock.NewRegistry(), driver, false)
	ctx := context.Background()

	noRows := &mockRow{scan: func(dest ...any) error { return pgx.ErrNoRows }}
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(noRows).Once()

	db.On("Query", ctx, mock.AnythingOfType("string"), mock.Anything).
		Return(newMockRows(func(dest ...any) error {
			*(dest[0].(*int)) = 3
			return nil
		}), nil).Once()
	driver.On("DeleteConfigs", ctx, []int{3}).Return(nil)
	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scan: func(dest ...any) error { *(dest[0].(*bool)) = false; return nil },
	}).Once()
	driver.On("RestartContainer", ctx).Return(nil)
	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scan: func(dest ...any) error { *(dest[0].(*int)) = 9; return nil },
	}).Once()
	driver.On("WaitReady", ctx, 9).Return(nil)

	id, err := s.RegisterLease(ctx, 1, 254, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 9, id)
}

func TestMarkConfigAsFree(t *testing.T) {
	db := &mockDB{}
	s := New(db, lock.NewRegistry(), &mockDriver{}, false)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	err := s.MarkConfigAsFree(ctx, 42)
	require.NoError(t, err)
	db.AssertExpectations(t)
}
