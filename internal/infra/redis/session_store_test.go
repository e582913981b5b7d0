package redis

import (
	"context"
	"testing"
	"time"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"eduquest-engine/internal/infra/memory"
	miniredis "github.com/alicebob/miniredis/v2"
)

func TestSessionStoreSetsAndClearsKeys(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	store := NewSessionStore(newClient(mr), time.Minute)
	quizzes := memory.NewQuizRepository(memory.NewStaticQuizLoader(map[string]domain.Quiz{"quiz-1": sampleQuiz()}), time.Minute)
	service := app.NewQuizService(store, quizzes, app.NewResultLedger(memory.NewLedgerStore()), app.WithQuestionTimeout(time.Hour))
	defer service.Shutdown()

	session, err := service.StartQuiz(context.Background(), "u1", "quiz-1")
	if err != nil {
		t.Fatalf("start quiz: %v", err)
	}
	key := "quiz:session:" + session.ID()
	if !mr.Exists(key) {
		t.Fatalf("expected redis key to be set")
	}
	if got := mr.HGet(key, "user"); got != "u1" {
		t.Fatalf("expected user u1, got %q", got)
	}
	if _, ok := store.Get(session.ID()); !ok {
		t.Fatalf("expected session tracked locally")
	}

	// answering the only question completes the session and drops it
	if _, _, err := service.SubmitAnswer(context.Background(), session.ID(), "u1", domain.AnswerSubmission{QuestionID: "q1", OptionID: "o2"}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if mr.Exists(key) {
		t.Fatalf("expected redis key to be removed")
	}
	if len(store.All()) != 0 {
		t.Fatalf("expected no live sessions")
	}
}
