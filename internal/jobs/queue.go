package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"eduquest-engine/internal/app"
	"github.com/hibiken/asynq"
)

const (
	// TypeEvaluateAchievements re-runs trigger rules that failed after a quiz completion.
	TypeEvaluateAchievements = "achievements:evaluate"

	DefaultQueue    = "achievements"
	DefaultMaxRetry = 5
	DefaultTimeout  = 30 * time.Second
)

// QueueConfig tunes how evaluation retries are enqueued.
type QueueConfig struct {
	Queue    string
	MaxRetry int
	Timeout  time.Duration
}

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Queue == "" {
		c.Queue = DefaultQueue
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Queue enqueues trigger evaluations on asynq. It implements app.Retrier.
type Queue struct {
	client *asynq.Client
	cfg    QueueConfig
}

var _ app.Retrier = (*Queue)(nil)

// RedisOpt builds the asynq connection options from the same settings the go-redis
// client uses.
func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

func NewQueue(redis asynq.RedisConnOpt, cfg QueueConfig) *Queue {
	return &Queue{
		client: asynq.NewClient(redis),
		cfg:    cfg.withDefaults(),
	}
}

func (q *Queue) EnqueueEvaluation(ctx context.Context, e app.Event) error {
	return q.EnqueueWithRetry(ctx, e, q.cfg.MaxRetry)
}

// EnqueueWithRetry enqueues e allowing at most maxRetry retries.
func (q *Queue) EnqueueWithRetry(ctx context.Context, e app.Event, maxRetry int) error {
	task, err := NewEvaluationTask(e)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, task,
		asynq.Queue(q.cfg.Queue),
		asynq.MaxRetry(maxRetry),
		asynq.Timeout(q.cfg.Timeout),
	)
	if err != nil {
		return fmt.Errorf("enqueue achievement evaluation: %w", err)
	}
	log.Printf("jobs: queued %s id=%s user=%s rules=%v", TypeEvaluateAchievements, info.ID, e.UserID, e.Rules)
	return nil
}

func (q *Queue) Close() error {
	return q.client.Close()
}

// NewEvaluationTask encodes e as an asynq task.
func NewEvaluationTask(e app.Event) (*asynq.Task, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode evaluation payload: %w", err)
	}
	return asynq.NewTask(TypeEvaluateAchievements, payload), nil
}
