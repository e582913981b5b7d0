package http

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/domain"
	"github.com/gorilla/websocket"
)

// WSHandler runs one quiz session per websocket connection.
type WSHandler struct {
	service  *app.QuizService
	upgrader websocket.Upgrader
}

func NewWSHandler(service *app.QuizService) *WSHandler {
	return &WSHandler{
		service:  service,
		upgrader: newUpgrader(),
	}
}

func newUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerResult struct {
	QuestionID string                    `json:"questionId"`
	Correct    bool                      `json:"correct"`
	Score      int                       `json:"score"`
	Completed  bool                      `json:"completed"`
	Best       *domain.QuizAttemptResult `json:"best,omitempty"`
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorMessage(err error) outboundMessage[any] {
	return outboundMessage[any]{Type: "error", Payload: errorPayload{Code: errorCode(err), Message: err.Error()}}
}

// ServeWS upgrades the request, starts a session and streams its states. Closing the
// connection before the quiz ends abandons the session.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	quizID := r.URL.Query().Get("quizId")
	userID := r.URL.Query().Get("userId")
	if quizID == "" || userID == "" {
		http.Error(w, "missing quizId or userId", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	session, err := h.service.StartQuiz(ctx, userID, quizID)
	if err != nil {
		_ = conn.WriteJSON(errorMessage(err))
		return
	}

	send := make(chan outboundMessage[any], 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	eventsDone := make(chan struct{})

	// single writer: gorilla connections allow one concurrent writer
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		}
	}()

	go func() {
		defer close(eventsDone)
		forward := func(msg outboundMessage[any]) bool {
			select {
			case send <- msg:
				return true
			case <-closeSignals:
				return false
			}
		}
		for state := range session.States() {
			if !forward(outboundMessage[any]{Type: "state", Payload: state}) {
				return
			}
		}
		if completion, ok := <-session.Done(); ok {
			forward(outboundMessage[any]{Type: "completed", Payload: completion})
		}
	}()

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		var reply outboundMessage[any]
		switch inbound.Type {
		case "answer":
			reply = h.answer(ctx, session.ID(), userID, inbound.Payload)
		case "abandon":
			h.service.Abandon(ctx, session.ID())
			continue
		default:
			reply = outboundMessage[any]{Type: "error", Payload: errorPayload{Code: "unsupported", Message: "unsupported message type"}}
		}
		select {
		case send <- reply:
		case <-writerDone:
		}
	}

	// ends the state stream of a session still in progress
	h.service.Abandon(context.Background(), session.ID())
	close(closeSignals)
	<-eventsDone
	close(send)
	<-writerDone
}

func (h *WSHandler) answer(ctx context.Context, sessionID, userID string, raw json.RawMessage) outboundMessage[any] {
	var submission domain.AnswerSubmission
	if err := json.Unmarshal(raw, &submission); err != nil {
		return outboundMessage[any]{Type: "error", Payload: errorPayload{Code: "invalid_payload", Message: "invalid answer payload"}}
	}
	outcome, best, err := h.service.SubmitAnswer(ctx, sessionID, userID, submission)
	if err != nil && outcome.QuestionID == "" {
		return errorMessage(err)
	}
	if err != nil {
		// the answer counted but recording the result failed
		log.Printf("ws: session %s completed but result was not recorded: %v", sessionID, err)
	}
	return outboundMessage[any]{Type: "answerResult", Payload: answerResult{
		QuestionID: outcome.QuestionID,
		Correct:    outcome.Correct,
		Score:      outcome.Score,
		Completed:  outcome.Completion != nil,
		Best:       best,
	}}
}
