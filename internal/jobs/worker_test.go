package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
)

type stubEvaluator struct {
	retry *app.Event
	err   error
	seen  []app.Event
}

func (s *stubEvaluator) Evaluate(_ context.Context, e app.Event) (*app.Event, error) {
	s.seen = append(s.seen, e)
	return s.retry, s.err
}

type recordingRequeuer struct {
	events   []app.Event
	maxRetry []int
}

func (r *recordingRequeuer) EnqueueWithRetry(_ context.Context, e app.Event, maxRetry int) error {
	r.events = append(r.events, e)
	r.maxRetry = append(r.maxRetry, maxRetry)
	return nil
}

func completionEvent(rules ...string) app.Event {
	return app.Event{
		Kind:       app.EventQuizCompleted,
		UserID:     "u1",
		Completion: &domain.Completion{UserID: "u1", QuizID: "quiz-1", Score: 2, Total: 2},
		Record:     &app.RecordOutcome{Created: true, CompletedQuizzes: 1},
		Rules:      rules,
	}
}

func TestEvaluationTaskRoundTrip(t *testing.T) {
	task, err := NewEvaluationTask(completionEvent("first-quiz"))
	require.NoError(t, err)
	require.Equal(t, TypeEvaluateAchievements, task.Type())

	var decoded app.Event
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, []string{"first-quiz"}, decoded.Rules)
	require.True(t, decoded.Completion.Perfect())
}

func TestHandleEvaluationSucceeds(t *testing.T) {
	evaluator := &stubEvaluator{}
	requeue := &recordingRequeuer{}
	task, err := NewEvaluationTask(completionEvent("first-quiz", "quiz-counter"))
	require.NoError(t, err)

	require.NoError(t, HandleEvaluation(evaluator, requeue)(context.Background(), task))
	require.Len(t, evaluator.seen, 1)
	require.Equal(t, []string{"first-quiz", "quiz-counter"}, evaluator.seen[0].Rules)
	require.Empty(t, requeue.events)
}

func TestHandleEvaluationRetriesWhenEverythingFails(t *testing.T) {
	storeDown := errors.New("store down")
	retry := completionEvent("first-quiz")
	evaluator := &stubEvaluator{retry: &retry, err: storeDown}
	requeue := &recordingRequeuer{}
	task, err := NewEvaluationTask(completionEvent("first-quiz"))
	require.NoError(t, err)

	err = HandleEvaluation(evaluator, requeue)(context.Background(), task)
	require.ErrorIs(t, err, storeDown)
	require.Empty(t, requeue.events)
}

func TestHandleEvaluationNarrowsPartialFailures(t *testing.T) {
	retry := completionEvent("five-quizzes")
	evaluator := &stubEvaluator{retry: &retry, err: errors.New("timeout")}
	requeue := &recordingRequeuer{}
	task, err := NewEvaluationTask(completionEvent("quiz-counter", "five-quizzes"))
	require.NoError(t, err)

	require.NoError(t, HandleEvaluation(evaluator, requeue)(context.Background(), task))
	require.Len(t, requeue.events, 1)
	require.Equal(t, []string{"five-quizzes"}, requeue.events[0].Rules)
	require.Equal(t, DefaultMaxRetry-1, requeue.maxRetry[0])
}

func TestHandleEvaluationRequeuesCommittedRows(t *testing.T) {
	retry := completionEvent("quiz-counter")
	retry.Applied = map[string][]string{"quiz-counter": {"quiz_marathon"}}
	evaluator := &stubEvaluator{retry: &retry, err: errors.New("timeout")}
	requeue := &recordingRequeuer{}
	task, err := NewEvaluationTask(completionEvent("quiz-counter"))
	require.NoError(t, err)

	// the same rule failed, but one row committed: the original payload would count it again
	require.NoError(t, HandleEvaluation(evaluator, requeue)(context.Background(), task))
	require.Len(t, requeue.events, 1)
	require.Equal(t, []string{"quiz_marathon"}, requeue.events[0].Applied["quiz-counter"])
}

func TestEvaluationTaskCarriesAppliedRows(t *testing.T) {
	e := completionEvent("quiz-counter")
	e.Applied = map[string][]string{"quiz-counter": {"quiz_marathon"}}
	task, err := NewEvaluationTask(e)
	require.NoError(t, err)

	var decoded app.Event
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	require.Equal(t, e.Applied, decoded.Applied)
}

func TestHandleEvaluationSkipsRetryOnBadPayload(t *testing.T) {
	task := asynq.NewTask(TypeEvaluateAchievements, []byte("{"))
	err := HandleEvaluation(&stubEvaluator{}, &recordingRequeuer{})(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestRedisOptCarriesCredentials(t *testing.T) {
	opt := RedisOpt("redis:6379", "secret", 3)
	require.Equal(t, asynq.RedisClientOpt{Addr: "redis:6379", Password: "secret", DB: 3}, opt)
}
