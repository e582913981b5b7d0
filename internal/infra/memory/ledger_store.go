package memory

import (
	"context"
	"sort"
	"sync"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
)

type resultKey struct {
	userID string
	quizID string
}

type progressKey struct {
	userID        string
	achievementID string
}

// LedgerStore keeps quiz results, achievement definitions and progress in memory.
// Read-modify-write sequences are serialized per row key.
type LedgerStore struct {
	keys keyLocks

	mu          sync.RWMutex
	results     map[resultKey]domain.QuizAttemptResult
	definitions map[string]domain.AchievementDefinition
	progress    map[progressKey]domain.AchievementProgress
}

var (
	_ app.ResultStore      = (*LedgerStore)(nil)
	_ app.AchievementStore = (*LedgerStore)(nil)
)

func NewLedgerStore() *LedgerStore {
	return &LedgerStore{
		results:     make(map[resultKey]domain.QuizAttemptResult),
		definitions: make(map[string]domain.AchievementDefinition),
		progress:    make(map[progressKey]domain.AchievementProgress),
	}
}

func (s *LedgerStore) GetResult(_ context.Context, userID, quizID string) (domain.QuizAttemptResult, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[resultKey{userID, quizID}]
	return result, ok, nil
}

func (s *LedgerStore) UpdateResult(_ context.Context, userID, quizID string, mutate app.ResultMutation) (domain.QuizAttemptResult, error) {
	key := resultKey{userID, quizID}
	unlock := s.keys.lock("result\x00" + userID + "\x00" + quizID)
	defer unlock()

	s.mu.RLock()
	current, found := s.results[key]
	s.mu.RUnlock()

	next, write := mutate(current, found)
	if !write {
		return current, nil
	}
	s.mu.Lock()
	s.results[key] = next
	s.mu.Unlock()
	return next, nil
}

func (s *LedgerStore) CountResults(_ context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for key := range s.results {
		if key.userID == userID {
			n++
		}
	}
	return n, nil
}

func (s *LedgerStore) ListDefinitions(_ context.Context) ([]domain.AchievementDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AchievementDefinition, 0, len(s.definitions))
	for _, def := range s.definitions {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *LedgerStore) UpsertDefinition(_ context.Context, def domain.AchievementDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = def
	return nil
}

func (s *LedgerStore) ListProgress(_ context.Context, userID string) ([]domain.AchievementProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.AchievementProgress
	for key, row := range s.progress {
		if key.userID == userID {
			out = append(out, copyProgress(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AchievementID < out[j].AchievementID })
	return out, nil
}

func (s *LedgerStore) GetProgress(_ context.Context, userID, achievementID string) (domain.AchievementProgress, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.progress[progressKey{userID, achievementID}]
	return copyProgress(row), ok, nil
}

func (s *LedgerStore) UpdateProgress(_ context.Context, userID, achievementID string, mutate app.ProgressMutation) (domain.AchievementProgress, bool, error) {
	key := progressKey{userID, achievementID}
	unlock := s.keys.lock("progress\x00" + userID + "\x00" + achievementID)
	defer unlock()

	s.mu.RLock()
	current, found := s.progress[key]
	s.mu.RUnlock()

	next, write, err := mutate(copyProgress(current), found)
	if err != nil {
		return domain.AchievementProgress{}, false, err
	}
	if !write {
		return copyProgress(current), false, nil
	}
	s.mu.Lock()
	s.progress[key] = copyProgress(next)
	s.mu.Unlock()
	return next, true, nil
}

func copyProgress(row domain.AchievementProgress) domain.AchievementProgress {
	if row.CompletedAt != nil {
		at := *row.CompletedAt
		row.CompletedAt = &at
	}
	return row
}
