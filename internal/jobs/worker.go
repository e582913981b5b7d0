package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"eduquest-engine/internal/app"
	"github.com/hibiken/asynq"
)

// Evaluator runs trigger rules and returns the event to retry when some of them fail.
type Evaluator interface {
	Evaluate(ctx context.Context, e app.Event) (*app.Event, error)
}

// Requeuer accepts a narrowed event carrying a reduced retry budget.
type Requeuer interface {
	EnqueueWithRetry(ctx context.Context, e app.Event, maxRetry int) error
}

// HandleEvaluation re-runs the rules named by the task. When a retry made partial
// progress, the narrowed event is re-queued in place of the task so nothing that just
// committed is applied twice.
func HandleEvaluation(evaluator Evaluator, requeue Requeuer) asynq.HandlerFunc {
	return func(ctx context.Context, task *asynq.Task) error {
		var e app.Event
		if err := json.Unmarshal(task.Payload(), &e); err != nil {
			return fmt.Errorf("decode evaluation payload: %v: %w", err, asynq.SkipRetry)
		}

		retry, err := evaluator.Evaluate(ctx, e)
		if err == nil {
			log.Printf("jobs: achievements re-evaluated for user %s", e.UserID)
			return nil
		}
		if retry == nil || unchanged(e, *retry) {
			return err
		}

		retried, _ := asynq.GetRetryCount(ctx)
		maxRetry, ok := asynq.GetMaxRetry(ctx)
		if !ok {
			maxRetry = DefaultMaxRetry
		}
		remaining := maxRetry - retried - 1
		if remaining < 0 {
			return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
		}
		if qerr := requeue.EnqueueWithRetry(ctx, *retry, remaining); qerr != nil {
			return fmt.Errorf("%w (requeue failed: %v)", err, qerr)
		}
		return nil
	}
}

// unchanged reports whether retrying e as-is is equivalent to retrying next: the same
// rules failed and nothing new committed.
func unchanged(e, next app.Event) bool {
	return len(e.Rules) > 0 && len(next.Rules) == len(e.Rules) && appliedCount(next) == appliedCount(e)
}

func appliedCount(e app.Event) int {
	n := 0
	for _, ids := range e.Applied {
		n += len(ids)
	}
	return n
}

// Worker consumes evaluation tasks.
type Worker struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

func NewWorker(redis asynq.RedisConnOpt, concurrency int, evaluator Evaluator, queue *Queue) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: concurrency,
		Queues:      map[string]int{queue.cfg.Queue: 1},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			log.Printf("jobs: task %s failed: %v", task.Type(), err)
		}),
		Logger: &asynqLogger{},
	})
	mux := asynq.NewServeMux()
	mux.Handle(TypeEvaluateAchievements, HandleEvaluation(evaluator, queue))
	return &Worker{server: server, mux: mux}
}

// Run blocks until the worker receives a termination signal.
func (w *Worker) Run() error {
	log.Printf("jobs: starting achievement evaluation worker")
	return w.server.Run(w.mux)
}

func (w *Worker) Start() error {
	return w.server.Start(w.mux)
}

func (w *Worker) Shutdown() {
	log.Printf("jobs: stopping achievement evaluation worker")
	w.server.Shutdown()
}

// asynqLogger routes asynq's internal logging to the standard logger.
type asynqLogger struct{}

func (l *asynqLogger) Debug(args ...interface{}) {}

func (l *asynqLogger) Info(args ...interface{}) {
	log.Printf("asynq: %s", fmt.Sprint(args...))
}

func (l *asynqLogger) Warn(args ...interface{}) {
	log.Printf("asynq warn: %s", fmt.Sprint(args...))
}

func (l *asynqLogger) Error(args ...interface{}) {
	log.Printf("asynq error: %s", fmt.Sprint(args...))
}

func (l *asynqLogger) Fatal(args ...interface{}) {
	log.Fatalf("asynq fatal: %s", fmt.Sprint(args...))
}
