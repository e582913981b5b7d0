package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS quiz_attempt_results (
    user_id      TEXT NOT NULL,
    quiz_id      TEXT NOT NULL,
    score        INTEGER NOT NULL,
    completed_at TIMESTAMP NOT NULL,
    PRIMARY KEY (user_id, quiz_id)
);
CREATE TABLE IF NOT EXISTS achievement_definitions (
    id          TEXT PRIMARY KEY,
    title       TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT '',
    type        TEXT NOT NULL,
    points      INTEGER NOT NULL DEFAULT 0,
    target      INTEGER NOT NULL DEFAULT 1
);
CREATE TABLE IF NOT EXISTS achievement_progress (
    user_id        TEXT NOT NULL,
    achievement_id TEXT NOT NULL,
    progress       INTEGER NOT NULL DEFAULT 0,
    completed_at   TIMESTAMP NULL,
    PRIMARY KEY (user_id, achievement_id)
);`

// LedgerStore keeps the ledgers in an embedded SQLite file for single-device installs.
// Transactions start with BEGIN IMMEDIATE, so writers take the database lock before
// reading and read-modify-write sequences never interleave.
type LedgerStore struct {
	db *sql.DB
}

var (
	_ app.ResultStore      = (*LedgerStore)(nil)
	_ app.AchievementStore = (*LedgerStore)(nil)
)

// Open opens (creating if needed) the database at path and applies the schema.
// Use ":memory:" for a throwaway database.
func Open(path string) (*LedgerStore, error) {
	dsn := "file:" + path + "?_txlock=immediate&_busy_timeout=5000&_foreign_keys=on"
	if path == ":memory:" {
		dsn = "file::memory:?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// one writer at a time; the single pooled connection also keeps an in-memory database alive
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &LedgerStore{db: db}, nil
}

func (s *LedgerStore) Close() error {
	return s.db.Close()
}

func storeErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStoreUnavailable, err)
}

func (s *LedgerStore) GetResult(ctx context.Context, userID, quizID string) (domain.QuizAttemptResult, bool, error) {
	result, found, err := getResult(ctx, s.db, userID, quizID)
	if err != nil {
		return domain.QuizAttemptResult{}, false, storeErr("get result", err)
	}
	return result, found, nil
}

func (s *LedgerStore) UpdateResult(ctx context.Context, userID, quizID string, mutate app.ResultMutation) (domain.QuizAttemptResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.QuizAttemptResult{}, storeErr("update result", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, found, err := getResult(ctx, tx, userID, quizID)
	if err != nil {
		return domain.QuizAttemptResult{}, storeErr("update result", err)
	}
	next, write := mutate(current, found)
	if !write {
		return current, nil
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO quiz_attempt_results (user_id, quiz_id, score, completed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, quiz_id) DO UPDATE SET score = excluded.score, completed_at = excluded.completed_at`,
		userID, quizID, next.Score, next.CompletedAt.UTC())
	if err != nil {
		return domain.QuizAttemptResult{}, storeErr("update result", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.QuizAttemptResult{}, storeErr("update result", err)
	}
	return next, nil
}

func (s *LedgerStore) CountResults(ctx context.Context, userID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quiz_attempt_results WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, storeErr("count results", err)
	}
	return n, nil
}

func (s *LedgerStore) ListDefinitions(ctx context.Context) ([]domain.AchievementDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description, type, points, target FROM achievement_definitions ORDER BY id`)
	if err != nil {
		return nil, storeErr("list definitions", err)
	}
	defer rows.Close()

	var out []domain.AchievementDefinition
	for rows.Next() {
		var def domain.AchievementDefinition
		if err := rows.Scan(&def.ID, &def.Title, &def.Description, &def.Type, &def.Points, &def.Target); err != nil {
			return nil, storeErr("list definitions", err)
		}
		out = append(out, def)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list definitions", err)
	}
	return out, nil
}

func (s *LedgerStore) UpsertDefinition(ctx context.Context, def domain.AchievementDefinition) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO achievement_definitions (id, title, description, type, points, target) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET title = excluded.title, description = excluded.description,
			type = excluded.type, points = excluded.points, target = excluded.target`,
		def.ID, def.Title, def.Description, def.Type, def.Points, def.Target)
	if err != nil {
		return storeErr("upsert definition", err)
	}
	return nil
}

func (s *LedgerStore) ListProgress(ctx context.Context, userID string) ([]domain.AchievementProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, achievement_id, progress, completed_at FROM achievement_progress
		WHERE user_id = ? ORDER BY achievement_id`, userID)
	if err != nil {
		return nil, storeErr("list progress", err)
	}
	defer rows.Close()

	var out []domain.AchievementProgress
	for rows.Next() {
		row, err := scanProgress(rows)
		if err != nil {
			return nil, storeErr("list progress", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list progress", err)
	}
	return out, nil
}

func (s *LedgerStore) GetProgress(ctx context.Context, userID, achievementID string) (domain.AchievementProgress, bool, error) {
	row, found, err := getProgress(ctx, s.db, userID, achievementID)
	if err != nil {
		return domain.AchievementProgress{}, false, storeErr("get progress", err)
	}
	return row, found, nil
}

func (s *LedgerStore) UpdateProgress(ctx context.Context, userID, achievementID string, mutate app.ProgressMutation) (domain.AchievementProgress, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.AchievementProgress{}, false, storeErr("update progress", err)
	}
	defer tx.Rollback() //nolint:errcheck

	current, found, err := getProgress(ctx, tx, userID, achievementID)
	if err != nil {
		return domain.AchievementProgress{}, false, storeErr("update progress", err)
	}
	next, write, err := mutate(current, found)
	if err != nil {
		return domain.AchievementProgress{}, false, err
	}
	if !write {
		return current, false, nil
	}

	var completedAt sql.NullTime
	if next.CompletedAt != nil {
		completedAt = sql.NullTime{Time: next.CompletedAt.UTC(), Valid: true}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO achievement_progress (user_id, achievement_id, progress, completed_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, achievement_id) DO UPDATE SET progress = excluded.progress, completed_at = excluded.completed_at`,
		userID, achievementID, next.Progress, completedAt)
	if err != nil {
		return domain.AchievementProgress{}, false, storeErr("update progress", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.AchievementProgress{}, false, storeErr("update progress", err)
	}
	return next, true, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func getResult(ctx context.Context, q queryer, userID, quizID string) (domain.QuizAttemptResult, bool, error) {
	result := domain.QuizAttemptResult{UserID: userID, QuizID: quizID}
	err := q.QueryRowContext(ctx, `SELECT score, completed_at FROM quiz_attempt_results WHERE user_id = ? AND quiz_id = ?`, userID, quizID).
		Scan(&result.Score, &result.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.QuizAttemptResult{}, false, nil
	}
	if err != nil {
		return domain.QuizAttemptResult{}, false, err
	}
	return result, true, nil
}

func getProgress(ctx context.Context, q queryer, userID, achievementID string) (domain.AchievementProgress, bool, error) {
	row, err := scanProgress(q.QueryRowContext(ctx, `
		SELECT user_id, achievement_id, progress, completed_at FROM achievement_progress
		WHERE user_id = ? AND achievement_id = ?`, userID, achievementID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AchievementProgress{}, false, nil
	}
	if err != nil {
		return domain.AchievementProgress{}, false, err
	}
	return row, true, nil
}

func scanProgress(s scanner) (domain.AchievementProgress, error) {
	var (
		row         domain.AchievementProgress
		completedAt sql.NullTime
	)
	if err := s.Scan(&row.UserID, &row.AchievementID, &row.Progress, &completedAt); err != nil {
		return domain.AchievementProgress{}, err
	}
	if completedAt.Valid {
		at := completedAt.Time
		row.CompletedAt = &at
	}
	return row, nil
}
