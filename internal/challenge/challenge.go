// Package challenge anchors cross-node authenticity probes: a verifier
// mints a challenge/solution pair and expects the matching solution
// back from the node under test within a short TTL.
package challenge

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/taofu-labs/tpn-core/internal/model"
	"github.com/taofu-labs/tpn-core/internal/platform"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const defaultTTL = 2 * time.Minute

type Store struct {
	db  DB
	ttl time.Duration
}

func New(db DB) *Store {
	return &Store{db: db, ttl: defaultTTL}
}

// Issue mints a new challenge/solution pair tagged with an optional
// caller-supplied label, and persists it for later verification.
func (s *Store) Issue(ctx context.Context, tag *string) (model.ChallengeSolution, error) {
	cs := model.ChallengeSolution{
		Challenge: platform.NewID(),
		Solution:  platform.NewID(),
		Tag:       tag,
		CreatedAt: time.Now(),
	}
	if _, err := s.db.Exec(ctx, `
		INSERT INTO challenge_response (challenge, solution, tag, created_at) VALUES ($1, $2, $3, $4)
	`, cs.Challenge, cs.Solution, cs.Tag, cs.CreatedAt); err != nil {
		return model.ChallengeSolution{}, fmt.Errorf("persist challenge: %w", err)
	}
	return cs, nil
}

// Verify reports whether solution is the correct answer to challenge
// and that it was issued within the TTL window.
func (s *Store) Verify(ctx context.Context, challengeID, solution string) (bool, error) {
	row := s.db.QueryRow(ctx, `SELECT solution, created_at FROM challenge_response WHERE challenge = $1`, challengeID)

	var want string
	var createdAt time.Time
	if err := row.Scan(&want, &createdAt); err != nil {
		if err == pgx.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("lookup challenge %s: %w", challengeID, err)
	}

	if time.Since(createdAt) > s.ttl {
		return false, nil
	}
	return want == solution, nil
}

// Sweep deletes challenge rows past the TTL, keeping the table small.
func (s *Store) Sweep(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `DELETE FROM challenge_response WHERE created_at < $1`, time.Now().Add(-s.ttl))
	return err
}
