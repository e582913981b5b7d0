package memory

import (
	"context"
	"sync"

	"eduquest-engine/internal/domain"
)

// ChangeFeed delivers achievement changes to in-process subscribers synchronously,
// in the order Publish is called.
type ChangeFeed struct {
	mu   sync.RWMutex
	next uint64
	subs map[uint64]feedSubscriber
}

type feedSubscriber struct {
	userID string
	handle func(domain.AchievementChange)
}

func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subs: make(map[uint64]feedSubscriber)}
}

func (f *ChangeFeed) Publish(_ context.Context, change domain.AchievementChange) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sub := range f.subs {
		if change.UserID == "" || change.UserID == sub.userID {
			sub.handle(change)
		}
	}
	return nil
}

func (f *ChangeFeed) Subscribe(userID string, handle func(domain.AchievementChange)) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = feedSubscriber{userID: userID, handle: handle}
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
		})
	}, nil
}
