package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"eduquest-engine/internal/domain"
)

// AggregatedView is the live join of achievement definitions with one user's progress,
// optionally restricted to one achievement type. It is updated incrementally per
// achievement id as changes arrive on the feed.
type AggregatedView struct {
	userID     string
	filterType string
	now        func() time.Time

	mu       sync.Mutex
	lastUsed time.Time
	entries  []domain.AchievementEntry
	index    map[string]int
	progress map[string]domain.AchievementProgress
	// loading is set until the initial snapshot is merged; fresh marks definitions seen on the feed meanwhile.
	loading     bool
	fresh       map[string]struct{}
	subscribers map[chan []domain.AchievementEntry]struct{}
	unsubscribe func()
	closed      bool
}

func newAggregatedView(ctx context.Context, store AchievementStore, feed ChangeFeed, userID, filterType string, now func() time.Time) (*AggregatedView, error) {
	v := &AggregatedView{
		userID:      userID,
		filterType:  filterType,
		now:         now,
		lastUsed:    now(),
		index:       make(map[string]int),
		progress:    make(map[string]domain.AchievementProgress),
		loading:     true,
		fresh:       make(map[string]struct{}),
		subscribers: make(map[chan []domain.AchievementEntry]struct{}),
		unsubscribe: func() {},
	}

	// Subscribe before loading so nothing committed in between is missed.
	if feed != nil {
		cancel, err := feed.Subscribe(userID, v.apply)
		if err != nil {
			return nil, fmt.Errorf("subscribe achievements for %s: %w", userID, err)
		}
		v.unsubscribe = cancel
	}

	defs, err := store.ListDefinitions(ctx)
	if err != nil {
		v.unsubscribe()
		return nil, fmt.Errorf("load achievement definitions: %w", err)
	}
	rows, err := store.ListProgress(ctx, userID)
	if err != nil {
		v.unsubscribe()
		return nil, fmt.Errorf("load achievement progress for %s: %w", userID, err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, row := range rows {
		v.mergeProgressLocked(row)
	}
	for _, def := range defs {
		if _, ok := v.fresh[def.ID]; ok {
			continue
		}
		v.putDefinitionLocked(def)
	}
	v.loading = false
	v.fresh = nil
	return v, nil
}

// UserID returns the user the view belongs to.
func (v *AggregatedView) UserID() string { return v.userID }

// FilterType returns the achievement type the view is restricted to, or "".
func (v *AggregatedView) FilterType() string { return v.filterType }

// Snapshot returns a copy of the current entries.
func (v *AggregatedView) Snapshot() []domain.AchievementEntry {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lastUsed = v.now()
	return v.snapshotLocked()
}

// Subscribe returns a channel that receives the current snapshot and every later one.
// Slow readers only miss intermediate snapshots, never the latest.
// The caller must invoke the returned cancel function to avoid leaks.
// On a closed view the channel is already closed.
func (v *AggregatedView) Subscribe() (<-chan []domain.AchievementEntry, func()) {
	ch, cancel, _ := v.subscribe()
	return ch, cancel
}

func (v *AggregatedView) subscribe() (<-chan []domain.AchievementEntry, func(), bool) {
	ch := make(chan []domain.AchievementEntry, 4)

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		close(ch)
		return ch, func() {}, false
	}
	v.subscribers[ch] = struct{}{}
	v.lastUsed = v.now()
	ch <- v.snapshotLocked()
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		if _, ok := v.subscribers[ch]; ok {
			delete(v.subscribers, ch)
			v.lastUsed = v.now()
			close(ch)
		}
		v.mu.Unlock()
	}
	return ch, cancel, true
}

// closeIfIdle closes the view when nobody is subscribed and it has not been used for
// maxIdle.
func (v *AggregatedView) closeIfIdle(maxIdle time.Duration) bool {
	v.mu.Lock()
	if v.closed || len(v.subscribers) > 0 || v.now().Sub(v.lastUsed) < maxIdle {
		v.mu.Unlock()
		return false
	}
	v.closed = true
	unsubscribe := v.unsubscribe
	v.mu.Unlock()
	unsubscribe()
	return true
}

// Close detaches the view from the feed and closes every subscriber channel.
func (v *AggregatedView) Close() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	for ch := range v.subscribers {
		delete(v.subscribers, ch)
		close(ch)
	}
	unsubscribe := v.unsubscribe
	v.mu.Unlock()
	unsubscribe()
}

func (v *AggregatedView) apply(change domain.AchievementChange) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}

	changed := false
	if change.Definition != nil {
		if v.loading {
			v.fresh[change.Definition.ID] = struct{}{}
		}
		changed = v.putDefinitionLocked(*change.Definition) || changed
	}
	if change.Progress != nil && change.Progress.UserID == v.userID {
		changed = v.mergeProgressLocked(*change.Progress) || changed
	}
	if changed && !v.loading {
		v.broadcastLocked()
	}
}

// putDefinitionLocked inserts or replaces the entry for def.ID (last seen wins) and
// drops it when it no longer matches the filter.
func (v *AggregatedView) putDefinitionLocked(def domain.AchievementDefinition) bool {
	i, present := v.index[def.ID]
	if v.filterType != "" && def.Type != v.filterType {
		if !present {
			return false
		}
		v.entries = append(v.entries[:i], v.entries[i+1:]...)
		delete(v.index, def.ID)
		for j := i; j < len(v.entries); j++ {
			v.index[v.entries[j].Definition.ID] = j
		}
		return true
	}

	entry := domain.AchievementEntry{Definition: def}
	if row, ok := v.progress[def.ID]; ok {
		fillEntry(&entry, row)
	}
	if present {
		v.entries[i] = entry
		return true
	}
	v.index[def.ID] = len(v.entries)
	v.entries = append(v.entries, entry)
	return true
}

// mergeProgressLocked keeps the highest progress and the first completion time seen for
// an achievement, so late or reordered deliveries never move the view backwards.
func (v *AggregatedView) mergeProgressLocked(row domain.AchievementProgress) bool {
	current, ok := v.progress[row.AchievementID]
	next := row
	if ok {
		next = current
		if row.Progress > next.Progress {
			next.Progress = row.Progress
		}
		if next.CompletedAt == nil && row.CompletedAt != nil {
			next.CompletedAt = row.CompletedAt
		}
		if next.Progress == current.Progress && next.CompletedAt == current.CompletedAt {
			return false
		}
	}
	v.progress[row.AchievementID] = next

	i, present := v.index[row.AchievementID]
	if !present {
		return false
	}
	fillEntry(&v.entries[i], next)
	return true
}

func (v *AggregatedView) broadcastLocked() {
	snapshot := v.snapshotLocked()
	for ch := range v.subscribers {
		select {
		case ch <- snapshot:
		default:
			// drop the oldest pending snapshot; the newest supersedes it
			select {
			case <-ch:
			default:
			}
			ch <- snapshot
		}
	}
}

func (v *AggregatedView) snapshotLocked() []domain.AchievementEntry {
	out := make([]domain.AchievementEntry, len(v.entries))
	copy(out, v.entries)
	return out
}

func fillEntry(entry *domain.AchievementEntry, row domain.AchievementProgress) {
	entry.Progress = row.Progress
	entry.Completed = row.CompletedAt != nil
	entry.CompletedAt = row.CompletedAt
}
