package app_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"eduquest-engine/internal/infra/memory"
	"github.com/stretchr/testify/require"
)

func progressByID(t *testing.T, h *harness, userID string) map[string]domain.AchievementProgress {
	t.Helper()
	rows, err := h.ledger.Progress(context.Background(), userID)
	require.NoError(t, err)
	out := make(map[string]domain.AchievementProgress, len(rows))
	for _, row := range rows {
		out[row.AchievementID] = row
	}
	return out
}

func playQuiz(t *testing.T, h *harness, userID, quizID string, answers ...string) {
	t.Helper()
	ctx := context.Background()
	session, err := h.service.StartQuiz(ctx, userID, quizID)
	require.NoError(t, err)
	for i, option := range answers {
		_, _, err := h.service.SubmitAnswer(ctx, session.ID(), userID, domain.AnswerSubmission{QuestionID: fmt.Sprintf("q%d", i+1), OptionID: option})
		require.NoError(t, err)
	}
}

func TestPerfectFirstQuizUnlocksMilestones(t *testing.T) {
	h := newHarness(map[string]domain.Quiz{"quiz-1": twoQuestionQuiz("quiz-1")})
	playQuiz(t, h, "u1", "quiz-1", "b", "a")

	progress := progressByID(t, h, "u1")
	require.True(t, progress["first_quiz"].Completed())
	require.True(t, progress["perfect_score"].Completed())
	require.False(t, progress["five_quizzes"].Completed())
	require.Equal(t, 1, progress["quiz_marathon"].Progress)
}

func TestReplayingAQuizDoesNotCountTwice(t *testing.T) {
	h := newHarness(map[string]domain.Quiz{"quiz-1": twoQuestionQuiz("quiz-1")})
	playQuiz(t, h, "u1", "quiz-1", "a", "a")
	progress := progressByID(t, h, "u1")
	require.False(t, progress["perfect_score"].Completed())
	require.Equal(t, 1, progress["quiz_marathon"].Progress)

	// improving to a perfect score on the same quiz earns perfect_score only
	playQuiz(t, h, "u1", "quiz-1", "b", "a")
	progress = progressByID(t, h, "u1")
	require.True(t, progress["perfect_score"].Completed())
	require.Equal(t, 1, progress["quiz_marathon"].Progress)
}

func TestFiveDistinctQuizzesUnlockExplorer(t *testing.T) {
	quizzes := map[string]domain.Quiz{}
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("quiz-%d", i)
		quizzes[id] = twoQuestionQuiz(id)
	}
	h := newHarness(quizzes)

	for i := 1; i <= 5; i++ {
		playQuiz(t, h, "u1", fmt.Sprintf("quiz-%d", i), "a", "b")
		progress := progressByID(t, h, "u1")
		require.Equal(t, i == 5, progress["five_quizzes"].Completed(), "after quiz %d", i)
		require.Equal(t, i, progress["quiz_marathon"].Progress)
	}
	// the same quiz again adds nothing
	playQuiz(t, h, "u1", "quiz-1", "a", "b")
	require.Equal(t, 5, progressByID(t, h, "u1")["quiz_marathon"].Progress)
}

func TestActionsFeedTypedAchievements(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	require.NoError(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionRead, 3))
	require.NoError(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionComment, 1))
	require.NoError(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionRead, 2))
	// no definition of that type: nothing to do
	require.NoError(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionBookmark, 1))

	require.ErrorIs(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionKind("dance"), 1), domain.ErrUnknownAction)
	require.ErrorIs(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionRead, -1), domain.ErrInvalidDelta)

	progress := progressByID(t, h, "u1")
	require.Equal(t, 5, progress["bookworm"].Progress)
	require.True(t, progress["bookworm"].Completed())
	require.Equal(t, 1, progress["chatterbox"].Progress)
}

type recordingRetrier struct {
	events []app.Event
}

func (r *recordingRetrier) EnqueueEvaluation(_ context.Context, e app.Event) error {
	r.events = append(r.events, e)
	return nil
}

func TestFailedRulesAreQueuedAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	boom := errors.New("boom")
	rules := append(app.DefaultRules(app.DefaultTriggerConfig()), app.Rule{
		Name:  "flaky",
		On:    app.EventQuizCompleted,
		When:  func(app.Event) bool { return true },
		Apply: func(context.Context, *app.AchievementLedger, app.Event) ([]string, error) { return nil, boom },
	})
	evaluator := app.NewTriggerEvaluator(h.ledger, rules)
	retrier := &recordingRetrier{}
	evaluator.SetRetrier(retrier)

	completion := domain.Completion{UserID: "u1", QuizID: "quiz-1", Score: 1, Total: 2}
	record, err := h.results.Record(ctx, "u1", "quiz-1", 1)
	require.NoError(t, err)

	err = evaluator.QuizCompleted(ctx, completion, record)
	require.ErrorIs(t, err, boom)
	require.Len(t, retrier.events, 1)
	require.Equal(t, []string{"flaky"}, retrier.events[0].Rules)

	// the successful rules already ran exactly once
	require.True(t, progressByID(t, h, "u1")["first_quiz"].Completed())
	require.Equal(t, 1, progressByID(t, h, "u1")["quiz_marathon"].Progress)

	// re-running only the failed rule leaves the counter alone
	next, err := evaluator.Evaluate(ctx, retrier.events[0])
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"flaky"}, next.Rules)
	require.Empty(t, next.Applied)
	require.Equal(t, 1, progressByID(t, h, "u1")["quiz_marathon"].Progress)
}

func TestAlreadyUnlockedIsNotAFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)
	_, err := h.ledger.Unlock(ctx, "u1", "first_quiz")
	require.NoError(t, err)

	record, err := h.results.Record(ctx, "u1", "quiz-1", 0)
	require.NoError(t, err)
	require.NoError(t, h.triggers.QuizCompleted(ctx, domain.Completion{UserID: "u1", QuizID: "quiz-1", Total: 2}, record))
}

// failOnceStore fails the first progress write of each listed achievement.
type failOnceStore struct {
	*memory.LedgerStore
	mu       sync.Mutex
	failures map[string]int
}

func (s *failOnceStore) UpdateProgress(ctx context.Context, userID, achievementID string, mutate app.ProgressMutation) (domain.AchievementProgress, bool, error) {
	s.mu.Lock()
	fail := s.failures[achievementID] > 0
	if fail {
		s.failures[achievementID]--
	}
	s.mu.Unlock()
	if fail {
		return domain.AchievementProgress{}, false, fmt.Errorf("%w: write timeout", domain.ErrStoreUnavailable)
	}
	return s.LedgerStore.UpdateProgress(ctx, userID, achievementID, mutate)
}

func TestRetriedCounterSkipsCommittedRows(t *testing.T) {
	ctx := context.Background()
	store := &failOnceStore{LedgerStore: memory.NewLedgerStore(), failures: map[string]int{"quiz_sprint": 1}}
	ledger := app.NewAchievementLedger(store, nil)
	require.NoError(t, ledger.Define(ctx,
		domain.AchievementDefinition{ID: "quiz_marathon", Type: domain.TypeQuizzesCompleted, Target: 10},
		domain.AchievementDefinition{ID: "quiz_sprint", Type: domain.TypeQuizzesCompleted, Target: 3},
	))
	results := app.NewResultLedger(store)
	evaluator := app.NewTriggerEvaluator(ledger, app.DefaultRules(app.DefaultTriggerConfig()))
	retrier := &recordingRetrier{}
	evaluator.SetRetrier(retrier)

	record, err := results.Record(ctx, "u1", "quiz-1", 1)
	require.NoError(t, err)
	err = evaluator.QuizCompleted(ctx, domain.Completion{UserID: "u1", QuizID: "quiz-1", Score: 1, Total: 2}, record)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)

	require.Len(t, retrier.events, 1)
	retry := retrier.events[0]
	require.Equal(t, []string{"quiz-counter"}, retry.Rules)
	require.Equal(t, []string{"quiz_marathon"}, retry.Applied["quiz-counter"])

	next, err := evaluator.Evaluate(ctx, retry)
	require.NoError(t, err)
	require.Nil(t, next)

	rows, err := ledger.Progress(ctx, "u1")
	require.NoError(t, err)
	progress := map[string]int{}
	for _, row := range rows {
		progress[row.AchievementID] = row.Progress
	}
	require.Equal(t, map[string]int{"quiz_marathon": 1, "quiz_sprint": 1}, progress)
}

func TestRetryThatFailsAgainKeepsCommittedRows(t *testing.T) {
	ctx := context.Background()
	store := &failOnceStore{LedgerStore: memory.NewLedgerStore(), failures: map[string]int{"bookworm": 2}}
	ledger := app.NewAchievementLedger(store, nil)
	require.NoError(t, ledger.Define(ctx,
		domain.AchievementDefinition{ID: "bookworm", Type: domain.TypeReadEntries, Target: 5},
		domain.AchievementDefinition{ID: "scholar", Type: domain.TypeReadEntries, Target: 50},
	))
	evaluator := app.NewTriggerEvaluator(ledger, app.DefaultRules(app.DefaultTriggerConfig()))

	e := app.Event{Kind: app.EventAction, UserID: "u1", Action: app.ActionRead, Count: 2}
	retry, err := evaluator.Evaluate(ctx, e)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, []string{"scholar"}, retry.Applied["action-read"])

	retry, err = evaluator.Evaluate(ctx, *retry)
	require.ErrorIs(t, err, domain.ErrStoreUnavailable)
	require.Equal(t, []string{"scholar"}, retry.Applied["action-read"])

	retry, err = evaluator.Evaluate(ctx, *retry)
	require.NoError(t, err)
	require.Nil(t, retry)

	rows, err := ledger.Progress(ctx, "u1")
	require.NoError(t, err)
	for _, row := range rows {
		require.Equal(t, 2, row.Progress, row.AchievementID)
	}
}

func TestHugeActionCountSaturates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(nil)

	require.NoError(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionRead, math.MaxInt))
	require.NoError(t, h.triggers.ActionPerformed(ctx, "u1", app.ActionRead, 1))

	bookworm := progressByID(t, h, "u1")["bookworm"]
	require.Equal(t, math.MaxInt, bookworm.Progress)
	require.True(t, bookworm.Completed())
}

func TestUndefinedAchievementIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	ledger := app.NewAchievementLedger(store, nil)
	evaluator := app.NewTriggerEvaluator(ledger, app.DefaultRules(app.DefaultTriggerConfig()))
	retrier := &recordingRetrier{}
	evaluator.SetRetrier(retrier)

	record, err := app.NewResultLedger(store).Record(ctx, "u1", "quiz-1", 2)
	require.NoError(t, err)
	require.NoError(t, evaluator.QuizCompleted(ctx, domain.Completion{UserID: "u1", QuizID: "quiz-1", Score: 2, Total: 2}, record))
	require.Empty(t, retrier.events)
}

func TestLateDefinedMilestoneUnlocksOnNextNewQuiz(t *testing.T) {
	ctx := context.Background()
	store := memory.NewLedgerStore()
	ledger := app.NewAchievementLedger(store, nil)
	results := app.NewResultLedger(store)
	evaluator := app.NewTriggerEvaluator(ledger, app.DefaultRules(app.DefaultTriggerConfig()))

	complete := func(quizID string) {
		t.Helper()
		record, err := results.Record(ctx, "u1", quizID, 1)
		require.NoError(t, err)
		require.NoError(t, evaluator.QuizCompleted(ctx, domain.Completion{UserID: "u1", QuizID: quizID, Score: 1, Total: 2}, record))
	}
	for i := 1; i <= 5; i++ {
		complete(fmt.Sprintf("quiz-%d", i))
	}

	require.NoError(t, ledger.Define(ctx, domain.AchievementDefinition{ID: "five_quizzes", Type: domain.TypeQuizMilestone, Target: 1}))
	// replaying a completed quiz is not a new result
	complete("quiz-1")
	rows, err := ledger.Progress(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, rows)

	complete("quiz-6")
	rows, err = ledger.Progress(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.True(t, rows[0].Completed())
}
