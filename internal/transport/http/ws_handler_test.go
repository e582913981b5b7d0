package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"eduquest-engine/internal/infra/memory"
	"github.com/gorilla/websocket"
)

type testEnv struct {
	server  *httptest.Server
	service *app.QuizService
	ledger  *app.AchievementLedger
	results *app.ResultLedger
}

func newTestEnv(t *testing.T, questionTimeout time.Duration) *testEnv {
	t.Helper()
	store := memory.NewLedgerStore()
	ledger := app.NewAchievementLedger(store, memory.NewChangeFeed())
	if err := ledger.Define(context.Background(), []domain.AchievementDefinition{
		{ID: "first_quiz", Title: "First Steps", Type: domain.TypeQuizMilestone, Target: 1},
		{ID: "bookworm", Title: "Bookworm", Type: domain.TypeReadEntries, Target: 2},
	}...); err != nil {
		t.Fatalf("define: %v", err)
	}
	results := app.NewResultLedger(store)
	triggers := app.NewTriggerEvaluator(ledger, app.DefaultRules(app.DefaultTriggerConfig()))
	quizRepo := memory.NewQuizRepository(memory.NewStaticQuizLoader(sampleQuiz()), time.Minute)
	service := app.NewQuizService(memory.NewSessionStore(), quizRepo, results,
		app.WithQuestionTimeout(questionTimeout),
		app.WithTriggers(triggers),
	)

	router := NewRouter(NewWSHandler(service), NewAchievementsWSHandler(ledger), NewAPIHandler(ledger, results, triggers))
	server := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		service.Shutdown()
		ledger.Close()
	})
	return &testEnv{server: server, service: service, ledger: ledger, results: results}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWebSocketAnswerFlow(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	conn := env.dial(t, "/ws/quiz?quizId=quiz-1&userId=u1")

	// The first question arrives as a state.
	_, payload := readNext(conn, t, "state")
	question, _ := payload["question"].(map[string]any)
	if question == nil || question["id"] != "q1" {
		t.Fatalf("expected first question q1, got %v", payload)
	}
	for _, opt := range question["options"].([]any) {
		if _, leaked := opt.(map[string]any)["correct"]; leaked {
			t.Fatalf("option correctness must not be sent to clients")
		}
	}

	sendAnswer(t, conn, "q1", "o2")
	seen := map[string]map[string]any{}
	for i := 0; i < 2; i++ {
		typ, p := readNext(conn, t, "")
		seen[typ] = p
	}
	if seen["state"] == nil || seen["state"]["question"].(map[string]any)["id"] != "q2" {
		t.Fatalf("expected state for q2, got %v", seen["state"])
	}
	if seen["answerResult"] == nil || seen["answerResult"]["correct"] != true {
		t.Fatalf("expected correct answerResult, got %v", seen["answerResult"])
	}

	sendAnswer(t, conn, "q2", "o1")
	var completed map[string]any
	var final map[string]any
	deadline := time.Now().Add(5 * time.Second)
	for (completed == nil || final == nil) && time.Now().Before(deadline) {
		typ, p := readNext(conn, t, "")
		switch typ {
		case "completed":
			completed = p
		case "answerResult":
			final = p
		}
	}
	if completed == nil || completed["score"] != float64(1) || completed["total"] != float64(2) {
		t.Fatalf("expected completion 1/2, got %v", completed)
	}
	if final["completed"] != true || final["best"] == nil {
		t.Fatalf("expected final answer to report the recorded best, got %v", final)
	}

	best, ok, err := env.results.Best(context.Background(), "u1", "quiz-1")
	if err != nil || !ok || best.Score != 1 {
		t.Fatalf("expected stored best 1, got %+v ok=%v err=%v", best, ok, err)
	}
}

func TestWebSocketRejectsUnknownQuestion(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	conn := env.dial(t, "/ws/quiz?quizId=quiz-1&userId=u1")
	readNext(conn, t, "state")

	sendAnswer(t, conn, "nope", "o1")
	_, payload := readNext(conn, t, "error")
	if payload["code"] != "invalid_answer" {
		t.Fatalf("expected invalid_answer, got %v", payload)
	}
}

func TestWebSocketTimeoutCompletesQuiz(t *testing.T) {
	env := newTestEnv(t, 30*time.Millisecond)
	conn := env.dial(t, "/ws/quiz?quizId=quiz-1&userId=u1")

	var completed map[string]any
	for completed == nil {
		typ, p := readNext(conn, t, "")
		if typ == "completed" {
			completed = p
		}
	}
	if completed["score"] != float64(0) {
		t.Fatalf("expected zero score after timeouts, got %v", completed)
	}
}

func TestWebSocketUnknownQuiz(t *testing.T) {
	env := newTestEnv(t, time.Minute)
	conn := env.dial(t, "/ws/quiz?quizId=missing&userId=u1")
	_, payload := readNext(conn, t, "error")
	if payload["code"] != "quiz_not_found" {
		t.Fatalf("expected quiz_not_found, got %v", payload)
	}
}

func sendAnswer(t *testing.T, conn *websocket.Conn, questionID, optionID string) {
	t.Helper()
	answer := map[string]any{
		"type": "answer",
		"payload": map[string]any{
			"questionId": questionID,
			"optionId":   optionID,
		},
	}
	if err := conn.WriteJSON(answer); err != nil {
		t.Fatalf("write answer: %v", err)
	}
}

func readNext(conn *websocket.Conn, t *testing.T, expect string) (string, map[string]any) {
	t.Helper()
	var msg struct {
		Type    string         `json:"type"`
		Payload map[string]any `json:"payload"`
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read json: %v", err)
	}
	if expect != "" && msg.Type != expect {
		t.Fatalf("expected type %s, got %s", expect, msg.Type)
	}
	return msg.Type, msg.Payload
}

func sampleQuiz() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:    "quiz-1",
			Title: "Arithmetic",
			Questions: []domain.Question{
				{
					ID:     "q1",
					Prompt: "What is 2 + 2?",
					Options: []domain.Option{
						{ID: "o1", Text: "3", Correct: false},
						{ID: "o2", Text: "4", Correct: true},
						{ID: "o3", Text: "5", Correct: false},
					},
				},
				{
					ID:     "q2",
					Prompt: "What is 3 * 3?",
					Options: []domain.Option{
						{ID: "o1", Text: "6", Correct: false},
						{ID: "o2", Text: "9", Correct: true},
					},
				},
			},
		},
	}
}
