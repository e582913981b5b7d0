package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"github.com/uptrace/bun"
)

type resultRow struct {
	bun.BaseModel `bun:"table:quiz_attempt_results"`

	UserID      string    `bun:"user_id,pk"`
	QuizID      string    `bun:"quiz_id,pk"`
	Score       int       `bun:"score,notnull"`
	CompletedAt time.Time `bun:"completed_at,notnull"`
}

type definitionRow struct {
	bun.BaseModel `bun:"table:achievement_definitions"`

	ID          string `bun:"id,pk"`
	Title       string `bun:"title,notnull"`
	Description string `bun:"description,notnull"`
	Type        string `bun:"type,notnull"`
	Points      int    `bun:"points,notnull"`
	Target      int    `bun:"target,notnull"`
}

type progressRow struct {
	bun.BaseModel `bun:"table:achievement_progress"`

	UserID        string     `bun:"user_id,pk"`
	AchievementID string     `bun:"achievement_id,pk"`
	Progress      int        `bun:"progress,notnull"`
	CompletedAt   *time.Time `bun:"completed_at,nullzero"`
}

// LedgerStore persists results and achievements with bun. Every read-modify-write runs in
// a transaction holding an advisory lock on the row key, so concurrent updates of the
// same row queue up while different rows proceed in parallel.
type LedgerStore struct {
	db *bun.DB
}

var (
	_ app.ResultStore      = (*LedgerStore)(nil)
	_ app.AchievementStore = (*LedgerStore)(nil)
)

func NewLedgerStore(db *bun.DB) *LedgerStore {
	return &LedgerStore{db: db}
}

// abortError carries a mutation's own error out of RunInTx untouched.
type abortError struct{ err error }

func (e abortError) Error() string { return e.err.Error() }

func storeErr(op string, err error) error {
	var abort abortError
	if errors.As(err, &abort) {
		return abort.err
	}
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func lockKey(ctx context.Context, tx bun.Tx, key string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext(?))", key)
	return err
}

func (s *LedgerStore) GetResult(ctx context.Context, userID, quizID string) (domain.QuizAttemptResult, bool, error) {
	var row resultRow
	err := s.db.NewSelect().Model(&row).
		Where("user_id = ?", userID).
		Where("quiz_id = ?", quizID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QuizAttemptResult{}, false, nil
	}
	if err != nil {
		return domain.QuizAttemptResult{}, false, storeErr("get result", err)
	}
	return row.toDomain(), true, nil
}

func (s *LedgerStore) UpdateResult(ctx context.Context, userID, quizID string, mutate app.ResultMutation) (domain.QuizAttemptResult, error) {
	var out domain.QuizAttemptResult
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockKey(ctx, tx, "result:"+userID+":"+quizID); err != nil {
			return err
		}
		var row resultRow
		err := tx.NewSelect().Model(&row).
			Where("user_id = ?", userID).
			Where("quiz_id = ?", quizID).
			Scan(ctx)
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var current domain.QuizAttemptResult
		if found {
			current = row.toDomain()
		}
		next, write := mutate(current, found)
		if !write {
			out = current
			return nil
		}
		row = resultRow{UserID: userID, QuizID: quizID, Score: next.Score, CompletedAt: next.CompletedAt.UTC()}
		if _, err := tx.NewInsert().Model(&row).
			On("CONFLICT (user_id, quiz_id) DO UPDATE").
			Set("score = EXCLUDED.score").
			Set("completed_at = EXCLUDED.completed_at").
			Exec(ctx); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return domain.QuizAttemptResult{}, storeErr("update result", err)
	}
	return out, nil
}

func (s *LedgerStore) CountResults(ctx context.Context, userID string) (int, error) {
	n, err := s.db.NewSelect().Model((*resultRow)(nil)).Where("user_id = ?", userID).Count(ctx)
	if err != nil {
		return 0, storeErr("count results", err)
	}
	return n, nil
}

func (s *LedgerStore) ListDefinitions(ctx context.Context) ([]domain.AchievementDefinition, error) {
	var rows []definitionRow
	if err := s.db.NewSelect().Model(&rows).Order("id ASC").Scan(ctx); err != nil {
		return nil, storeErr("list definitions", err)
	}
	out := make([]domain.AchievementDefinition, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.AchievementDefinition{
			ID:          row.ID,
			Title:       row.Title,
			Description: row.Description,
			Type:        row.Type,
			Points:      row.Points,
			Target:      row.Target,
		})
	}
	return out, nil
}

func (s *LedgerStore) UpsertDefinition(ctx context.Context, def domain.AchievementDefinition) error {
	row := definitionRow{
		ID:          def.ID,
		Title:       def.Title,
		Description: def.Description,
		Type:        def.Type,
		Points:      def.Points,
		Target:      def.Target,
	}
	_, err := s.db.NewInsert().Model(&row).
		On("CONFLICT (id) DO UPDATE").
		Set("title = EXCLUDED.title").
		Set("description = EXCLUDED.description").
		Set("type = EXCLUDED.type").
		Set("points = EXCLUDED.points").
		Set("target = EXCLUDED.target").
		Exec(ctx)
	if err != nil {
		return storeErr("upsert definition", err)
	}
	return nil
}

func (s *LedgerStore) ListProgress(ctx context.Context, userID string) ([]domain.AchievementProgress, error) {
	var rows []progressRow
	if err := s.db.NewSelect().Model(&rows).Where("user_id = ?", userID).Order("achievement_id ASC").Scan(ctx); err != nil {
		return nil, storeErr("list progress", err)
	}
	out := make([]domain.AchievementProgress, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (s *LedgerStore) GetProgress(ctx context.Context, userID, achievementID string) (domain.AchievementProgress, bool, error) {
	var row progressRow
	err := s.db.NewSelect().Model(&row).
		Where("user_id = ?", userID).
		Where("achievement_id = ?", achievementID).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AchievementProgress{}, false, nil
	}
	if err != nil {
		return domain.AchievementProgress{}, false, storeErr("get progress", err)
	}
	return row.toDomain(), true, nil
}

func (s *LedgerStore) UpdateProgress(ctx context.Context, userID, achievementID string, mutate app.ProgressMutation) (domain.AchievementProgress, bool, error) {
	var (
		out     domain.AchievementProgress
		written bool
	)
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := lockKey(ctx, tx, "progress:"+userID+":"+achievementID); err != nil {
			return err
		}
		var row progressRow
		err := tx.NewSelect().Model(&row).
			Where("user_id = ?", userID).
			Where("achievement_id = ?", achievementID).
			Scan(ctx)
		found := err == nil
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}

		var current domain.AchievementProgress
		if found {
			current = row.toDomain()
		}
		next, write, err := mutate(current, found)
		if err != nil {
			return abortError{err}
		}
		if !write {
			out = current
			return nil
		}
		row = progressRow{UserID: userID, AchievementID: achievementID, Progress: next.Progress, CompletedAt: next.CompletedAt}
		if _, err := tx.NewInsert().Model(&row).
			On("CONFLICT (user_id, achievement_id) DO UPDATE").
			Set("progress = EXCLUDED.progress").
			Set("completed_at = EXCLUDED.completed_at").
			Exec(ctx); err != nil {
			return err
		}
		out, written = next, true
		return nil
	})
	if err != nil {
		return domain.AchievementProgress{}, false, storeErr("update progress", err)
	}
	return out, written, nil
}

func (r resultRow) toDomain() domain.QuizAttemptResult {
	return domain.QuizAttemptResult{UserID: r.UserID, QuizID: r.QuizID, Score: r.Score, CompletedAt: r.CompletedAt}
}

func (r progressRow) toDomain() domain.AchievementProgress {
	return domain.AchievementProgress{UserID: r.UserID, AchievementID: r.AchievementID, Progress: r.Progress, CompletedAt: r.CompletedAt}
}
