package app_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"eduquest-engine/internal/infra/memory"
)

// fakeClock fires timers only when Advance moves past their deadline.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 15, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) app.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Set moves time without firing anything, like a timer goroutine that has not run yet.
func (c *fakeClock) Set(now time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Advance moves time forward and runs due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		t := c.nextDue()
		if t == nil {
			return
		}
		t.f()
	}
}

func (c *fakeClock) nextDue() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()
	sort.SliceStable(c.timers, func(i, j int) bool { return c.timers[i].at.Before(c.timers[j].at) })
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			return t
		}
	}
	return nil
}

func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			n++
		}
	}
	return n
}

type harness struct {
	clock    *fakeClock
	store    *memory.LedgerStore
	results  *app.ResultLedger
	ledger   *app.AchievementLedger
	triggers *app.TriggerEvaluator
	service  *app.QuizService
}

func newHarness(quizzes map[string]domain.Quiz) *harness {
	clock := newFakeClock()
	store := memory.NewLedgerStore()
	results := app.NewResultLedgerWithClock(store, clock.Now)
	ledger := app.NewAchievementLedgerWithClock(store, memory.NewChangeFeed(), clock.Now)
	_ = ledger.Define(context.Background(), testDefinitions()...)
	triggers := app.NewTriggerEvaluator(ledger, app.DefaultRules(app.DefaultTriggerConfig()))
	repo := memory.NewQuizRepository(memory.NewStaticQuizLoader(quizzes), time.Hour)
	service := app.NewQuizService(memory.NewSessionStore(), repo, results,
		app.WithClock(clock),
		app.WithQuestionTimeout(30*time.Second),
		app.WithTriggers(triggers),
	)
	return &harness{clock: clock, store: store, results: results, ledger: ledger, triggers: triggers, service: service}
}

func testDefinitions() []domain.AchievementDefinition {
	return []domain.AchievementDefinition{
		{ID: "first_quiz", Title: "First Steps", Type: domain.TypeQuizMilestone, Points: 10, Target: 1},
		{ID: "five_quizzes", Title: "Explorer", Type: domain.TypeQuizMilestone, Points: 50, Target: 1},
		{ID: "perfect_score", Title: "Flawless", Type: domain.TypeQuizMilestone, Points: 25, Target: 1},
		{ID: "quiz_marathon", Title: "Marathon", Type: domain.TypeQuizzesCompleted, Points: 100, Target: 10},
		{ID: "bookworm", Title: "Bookworm", Type: domain.TypeReadEntries, Points: 20, Target: 5},
		{ID: "chatterbox", Title: "Chatterbox", Type: domain.TypeComments, Points: 20, Target: 3},
	}
}

func twoQuestionQuiz(id string) domain.Quiz {
	return domain.Quiz{
		ID:    id,
		Title: "Quiz " + id,
		Questions: []domain.Question{
			{
				ID:     "q1",
				Prompt: "What is 2 + 2?",
				Options: []domain.Option{
					{ID: "a", Text: "3"},
					{ID: "b", Text: "4", Correct: true},
				},
			},
			{
				ID:     "q2",
				Prompt: "What is the capital of France?",
				Options: []domain.Option{
					{ID: "a", Text: "Paris", Correct: true},
					{ID: "b", Text: "Lyon"},
				},
			},
		},
	}
}

func drainStates(s *app.Session) []domain.SessionState {
	var out []domain.SessionState
	for {
		select {
		case st, ok := <-s.States():
			if !ok {
				return out
			}
			out = append(out, st)
		default:
			return out
		}
	}
}
