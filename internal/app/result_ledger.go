package app

import (
	"context"
	"fmt"
	"time"

	"eduquest-engine/internal/domain"
)

// ResultMutation computes the next row from the current one. write=false leaves the row untouched.
type ResultMutation func(current domain.QuizAttemptResult, found bool) (next domain.QuizAttemptResult, write bool)

// ResultStore persists one best attempt per (user, quiz). UpdateResult must run
// mutate and the resulting write as a single transaction on that key.
type ResultStore interface {
	GetResult(ctx context.Context, userID, quizID string) (domain.QuizAttemptResult, bool, error)
	UpdateResult(ctx context.Context, userID, quizID string, mutate ResultMutation) (domain.QuizAttemptResult, error)
	CountResults(ctx context.Context, userID string) (int, error)
}

// RecordOutcome describes what a Record call did.
type RecordOutcome struct {
	Result   domain.QuizAttemptResult `json:"result"`
	Created  bool                     `json:"created"`
	Improved bool                     `json:"improved"`
	// CompletedQuizzes is the number of distinct quizzes the user has a result for, read after the merge.
	CompletedQuizzes int `json:"completedQuizzes"`
}

// ResultLedger applies the best-score merge policy.
type ResultLedger struct {
	store ResultStore
	now   func() time.Time
}

func NewResultLedger(store ResultStore) *ResultLedger {
	return &ResultLedger{store: store, now: time.Now}
}

// NewResultLedgerWithClock is used by tests for deterministic timestamps.
func NewResultLedgerWithClock(store ResultStore, now func() time.Time) *ResultLedger {
	return &ResultLedger{store: store, now: now}
}

// Record stores score for (userID, quizID) if it beats the stored best. A lower or equal
// score is not an error; the stored row is returned unchanged.
func (l *ResultLedger) Record(ctx context.Context, userID, quizID string, score int) (RecordOutcome, error) {
	now := l.now()
	var created, improved bool

	result, err := l.store.UpdateResult(ctx, userID, quizID, func(current domain.QuizAttemptResult, found bool) (domain.QuizAttemptResult, bool) {
		created, improved = false, false
		switch {
		case !found:
			created = true
			return domain.QuizAttemptResult{UserID: userID, QuizID: quizID, Score: score, CompletedAt: now}, true
		case score > current.Score:
			improved = true
			current.Score = score
			current.CompletedAt = now
			return current, true
		default:
			return current, false
		}
	})
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("record result %s/%s: %w", userID, quizID, err)
	}

	completed, err := l.store.CountResults(ctx, userID)
	if err != nil {
		return RecordOutcome{}, fmt.Errorf("count results for %s: %w", userID, err)
	}

	return RecordOutcome{
		Result:           result,
		Created:          created,
		Improved:         improved,
		CompletedQuizzes: completed,
	}, nil
}

// Best returns the stored best result, if any.
func (l *ResultLedger) Best(ctx context.Context, userID, quizID string) (domain.QuizAttemptResult, bool, error) {
	return l.store.GetResult(ctx, userID, quizID)
}
