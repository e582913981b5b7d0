package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"eduquest-engine/internal/domain"
	"github.com/redis/go-redis/v9"
)

const definitionsChannel = "achievements:definitions"

// ChangeFeed fans achievement changes out over Redis pub/sub so every instance holding a
// live view for a user sees that user's progress. Redis delivers messages of one
// connection in publish order.
type ChangeFeed struct {
	client *redis.Client
}

func NewChangeFeed(client *redis.Client) *ChangeFeed {
	return &ChangeFeed{client: client}
}

func (f *ChangeFeed) Publish(ctx context.Context, change domain.AchievementChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("encode achievement change: %w", err)
	}
	channel := definitionsChannel
	if change.UserID != "" {
		channel = progressChannel(change.UserID)
	}
	return f.client.Publish(ctx, channel, payload).Err()
}

// Subscribe listens to definition changes and to the progress channel of userID.
func (f *ChangeFeed) Subscribe(userID string, handle func(domain.AchievementChange)) (func(), error) {
	ctx := context.Background()
	pubsub := f.client.Subscribe(ctx, definitionsChannel, progressChannel(userID))
	// Wait for the confirmation so nothing published after Subscribe returns is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe achievement changes: %w", err)
	}

	messages := pubsub.Channel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range messages {
			var change domain.AchievementChange
			if err := json.Unmarshal([]byte(msg.Payload), &change); err != nil {
				log.Printf("achievement feed: dropping malformed message on %s: %v", msg.Channel, err)
				continue
			}
			handle(change)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			_ = pubsub.Close()
			<-done
		})
	}, nil
}

func progressChannel(userID string) string {
	return "achievements:progress:" + userID
}
