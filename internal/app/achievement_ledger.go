package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"eduquest-engine/internal/domain"
	"golang.org/x/sync/singleflight"
)

// ProgressMutation computes the next progress row. Returning an error aborts the
// transaction and the store hands that error back unchanged.
type ProgressMutation func(current domain.AchievementProgress, found bool) (next domain.AchievementProgress, write bool, err error)

// AchievementStore persists achievement definitions and per-user progress.
// UpdateProgress must serialize read-modify-write per (user, achievement).
type AchievementStore interface {
	ListDefinitions(ctx context.Context) ([]domain.AchievementDefinition, error)
	UpsertDefinition(ctx context.Context, def domain.AchievementDefinition) error
	ListProgress(ctx context.Context, userID string) ([]domain.AchievementProgress, error)
	GetProgress(ctx context.Context, userID, achievementID string) (domain.AchievementProgress, bool, error)
	UpdateProgress(ctx context.Context, userID, achievementID string, mutate ProgressMutation) (domain.AchievementProgress, bool, error)
}

// ChangeFeed carries definition and progress changes to live views.
// Definition changes reach every subscriber; progress changes only the owner's.
type ChangeFeed interface {
	Publish(ctx context.Context, change domain.AchievementChange) error
	Subscribe(userID string, handle func(domain.AchievementChange)) (cancel func(), err error)
}

// ProgressUpdate is one row touched by IncrementProgress.
type ProgressUpdate struct {
	Progress domain.AchievementProgress `json:"progress"`
	Unlocked bool                       `json:"unlocked"`
}

type viewKey struct {
	userID     string
	filterType string
}

func (k viewKey) String() string { return k.userID + "\x00" + k.filterType }

// AchievementLedger maintains per-user progress and the live aggregated views.
type AchievementLedger struct {
	store AchievementStore
	feed  ChangeFeed
	now   func() time.Time

	mu    sync.Mutex
	views map[viewKey]*AggregatedView
	sf    singleflight.Group
}

func NewAchievementLedger(store AchievementStore, feed ChangeFeed) *AchievementLedger {
	return NewAchievementLedgerWithClock(store, feed, time.Now)
}

// NewAchievementLedgerWithClock is used by tests for deterministic unlock timestamps.
func NewAchievementLedgerWithClock(store AchievementStore, feed ChangeFeed, now func() time.Time) *AchievementLedger {
	return &AchievementLedger{
		store: store,
		feed:  feed,
		now:   now,
		views: make(map[viewKey]*AggregatedView),
	}
}

// Define upserts definitions and announces them to live views.
func (l *AchievementLedger) Define(ctx context.Context, defs ...domain.AchievementDefinition) error {
	for _, def := range defs {
		if err := l.store.UpsertDefinition(ctx, def); err != nil {
			return fmt.Errorf("define achievement %s: %w", def.ID, err)
		}
		def := def
		l.publish(ctx, domain.AchievementChange{Definition: &def})
	}
	return nil
}

// Definitions lists every known definition.
func (l *AchievementLedger) Definitions(ctx context.Context) ([]domain.AchievementDefinition, error) {
	return l.store.ListDefinitions(ctx)
}

// Initialize creates a zero progress row for every definition the user has no row for.
// Existing rows are never touched. It returns the number of rows created.
func (l *AchievementLedger) Initialize(ctx context.Context, userID string) (int, error) {
	defs, err := l.store.ListDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("initialize achievements for %s: %w", userID, err)
	}

	created := 0
	for _, def := range defs {
		row, written, err := l.store.UpdateProgress(ctx, userID, def.ID, func(current domain.AchievementProgress, found bool) (domain.AchievementProgress, bool, error) {
			if found {
				return current, false, nil
			}
			return domain.AchievementProgress{UserID: userID, AchievementID: def.ID}, true, nil
		})
		if err != nil {
			return created, fmt.Errorf("initialize achievement %s for %s: %w", def.ID, userID, err)
		}
		if written {
			created++
			l.publishProgress(ctx, row)
		}
	}
	return created, nil
}

// IncrementProgress adds delta to every achievement of achievementType. Crossing the
// target unlocks the achievement, once. Progress saturates at math.MaxInt.
func (l *AchievementLedger) IncrementProgress(ctx context.Context, userID, achievementType string, delta int) ([]ProgressUpdate, error) {
	return l.IncrementProgressExcept(ctx, userID, achievementType, delta, nil)
}

// IncrementProgressExcept is IncrementProgress without the achievements listed in skip.
// Every row is attempted even when an earlier one fails; the returned updates are exactly
// the rows that committed.
func (l *AchievementLedger) IncrementProgressExcept(ctx context.Context, userID, achievementType string, delta int, skip []string) ([]ProgressUpdate, error) {
	if delta < 0 {
		return nil, domain.ErrInvalidDelta
	}
	defs, err := l.store.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("increment %s for %s: %w", achievementType, userID, err)
	}

	var (
		updates []ProgressUpdate
		errs    []error
	)
	for _, def := range defs {
		if def.Type != achievementType || delta == 0 || contains(skip, def.ID) {
			continue
		}
		def := def
		now := l.now()
		var unlocked bool
		row, _, err := l.store.UpdateProgress(ctx, userID, def.ID, func(current domain.AchievementProgress, found bool) (domain.AchievementProgress, bool, error) {
			unlocked = false
			if !found {
				current = domain.AchievementProgress{UserID: userID, AchievementID: def.ID}
			}
			current.Progress = addProgress(current.Progress, delta)
			if current.CompletedAt == nil && current.Progress >= def.Target {
				at := now
				current.CompletedAt = &at
				unlocked = true
			}
			return current, true, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("increment %s for %s: %w", def.ID, userID, err))
			continue
		}
		if unlocked {
			log.Printf("achievements: user %s unlocked %s (%d/%d)", userID, def.ID, row.Progress, def.Target)
		}
		l.publishProgress(ctx, row)
		updates = append(updates, ProgressUpdate{Progress: row, Unlocked: unlocked})
	}
	return updates, errors.Join(errs...)
}

func addProgress(current, delta int) int {
	if delta > math.MaxInt-current {
		return math.MaxInt
	}
	return current + delta
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// Unlock completes a binary achievement. It returns ErrAlreadyUnlocked, together with the
// stored row, when the achievement was unlocked before.
func (l *AchievementLedger) Unlock(ctx context.Context, userID, achievementID string) (domain.AchievementProgress, error) {
	def, err := l.definition(ctx, achievementID)
	if err != nil {
		return domain.AchievementProgress{}, err
	}

	now := l.now()
	var existing domain.AchievementProgress
	row, _, err := l.store.UpdateProgress(ctx, userID, achievementID, func(current domain.AchievementProgress, found bool) (domain.AchievementProgress, bool, error) {
		if found && current.CompletedAt != nil {
			existing = current
			return current, false, domain.ErrAlreadyUnlocked
		}
		if !found {
			current = domain.AchievementProgress{UserID: userID, AchievementID: achievementID}
		}
		if current.Progress < def.Target {
			current.Progress = def.Target
		}
		at := now
		current.CompletedAt = &at
		return current, true, nil
	})
	if errors.Is(err, domain.ErrAlreadyUnlocked) {
		return existing, err
	}
	if err != nil {
		return domain.AchievementProgress{}, fmt.Errorf("unlock %s for %s: %w", achievementID, userID, err)
	}

	log.Printf("achievements: user %s unlocked %s", userID, achievementID)
	l.publishProgress(ctx, row)
	return row, nil
}

// Progress lists the stored progress rows of a user.
func (l *AchievementLedger) Progress(ctx context.Context, userID string) ([]domain.AchievementProgress, error) {
	return l.store.ListProgress(ctx, userID)
}

// View returns the live aggregated view for (userID, filterType). An empty filterType
// means every definition. Views are created once per key and stay subscribed until they
// are evicted as idle or the ledger is closed.
func (l *AchievementLedger) View(ctx context.Context, userID, filterType string) (*AggregatedView, error) {
	key := viewKey{userID: userID, filterType: filterType}
	if v, ok := l.cachedView(key); ok {
		return v, nil
	}

	result, err, _ := l.sf.Do(key.String(), func() (interface{}, error) {
		if v, ok := l.cachedView(key); ok {
			return v, nil
		}
		v, err := newAggregatedView(ctx, l.store, l.feed, userID, filterType, l.now)
		if err != nil {
			return nil, err
		}
		l.mu.Lock()
		l.views[key] = v
		l.mu.Unlock()
		return v, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*AggregatedView), nil
}

// Watch subscribes to the live view of (userID, filterType). Unlike View().Subscribe(),
// it never hands out a view that was evicted in between.
func (l *AchievementLedger) Watch(ctx context.Context, userID, filterType string) (<-chan []domain.AchievementEntry, func(), error) {
	for {
		v, err := l.View(ctx, userID, filterType)
		if err != nil {
			return nil, nil, err
		}
		if ch, cancel, ok := v.subscribe(); ok {
			return ch, cancel, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
	}
}

// EvictIdle closes and forgets every cached view that has had no subscriber and no
// snapshot read for maxIdle. It returns the number of views evicted.
func (l *AchievementLedger) EvictIdle(maxIdle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for key, v := range l.views {
		if v.closeIfIdle(maxIdle) {
			delete(l.views, key)
			evicted++
		}
	}
	return evicted
}

// EvictIdleEvery runs EvictIdle every interval until ctx is done.
func (l *AchievementLedger) EvictIdleEvery(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := l.EvictIdle(maxIdle); n > 0 {
				log.Printf("achievements: evicted %d idle views", n)
			}
		}
	}
}

// Close tears down every cached view.
func (l *AchievementLedger) Close() {
	l.mu.Lock()
	views := l.views
	l.views = make(map[viewKey]*AggregatedView)
	l.mu.Unlock()
	for _, v := range views {
		v.Close()
	}
}

func (l *AchievementLedger) cachedView(key viewKey) (*AggregatedView, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.views[key]
	return v, ok
}

func (l *AchievementLedger) definition(ctx context.Context, achievementID string) (domain.AchievementDefinition, error) {
	defs, err := l.store.ListDefinitions(ctx)
	if err != nil {
		return domain.AchievementDefinition{}, fmt.Errorf("load achievement %s: %w", achievementID, err)
	}
	found := false
	var def domain.AchievementDefinition
	for _, d := range defs {
		if d.ID == achievementID {
			// last one wins when ids repeat
			def, found = d, true
		}
	}
	if !found {
		return domain.AchievementDefinition{}, domain.ErrAchievementNotFound
	}
	return def, nil
}

func (l *AchievementLedger) publishProgress(ctx context.Context, row domain.AchievementProgress) {
	l.publish(ctx, domain.AchievementChange{UserID: row.UserID, Progress: &row})
}

// publish is best effort: the mutation has already committed.
func (l *AchievementLedger) publish(ctx context.Context, change domain.AchievementChange) {
	if l.feed == nil {
		return
	}
	if err := l.feed.Publish(ctx, change); err != nil {
		log.Printf("achievements: publishing change for %q failed: %v", change.UserID, err)
	}
}
