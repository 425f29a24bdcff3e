package challenge

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockDB struct{ mock.Mock }

func (m *mockDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgconn.CommandTag), args.Error(1)
}
func (m *mockDB) QueryRow(ctx context.Context, sql string, arguments ...any) pgx.Row {
	args := m.Called(ctx, sql, arguments)
	return args.Get(0).(pgx.Row)
}

type mockRow struct{ scan func(dest ...any) error }

func (r *mockRow) Scan(dest ...any) error { return r.scan(dest...) }

func TestIssue_PersistsChallenge(t *testing.T) {
	db := &mockDB{}
	s := New(db)
	ctx := context.Background()

	db.On("Exec", ctx, mock.AnythingOfType("string"), mock.Anything).Return(pgconn.CommandTag{}, nil)

	cs, err := s.Issue(ctx, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, cs.Challenge)
	assert.NotEmpty(t, cs.Solution)
	assert.NotEqual(t, cs.Challenge, cs.Solution)
}

func TestVerify_CorrectSolutionWithinTTL(t *testing.T) {
	db := &mockDB{}
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scan: func(dest ...any) error {
			*(dest[0].(*string)) = "expected-solution"
			*(dest[1].(*time.Time)) = time.Now()
			return nil
		},
	})

	ok, err := s.Verify(ctx, "some-challenge", "expected-solution")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_ExpiredChallengeFails(t *testing.T) {
	db := &mockDB{}
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scan: func(dest ...any) error {
			*(dest[0].(*string)) = "expected-solution"
			*(dest[1].(*time.Time)) = time.Now().Add(-time.Hour)
			return nil
		},
	})

	ok, err := s.Verify(ctx, "some-challenge", "expected-solution")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_UnknownChallengeReturnsFalse(t *testing.T) {
	db := &mockDB{}
	s := New(db)
	ctx := context.Background()

	db.On("QueryRow", ctx, mock.AnythingOfType("string"), mock.Anything).Return(&mockRow{
		scan: func(dest ...any) error { return pgx.ErrNoRows },
	})

	ok, err := s.Verify(ctx, "missing", "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}
