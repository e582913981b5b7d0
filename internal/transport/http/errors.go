package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"eduquest-engine/internal/domain"
)

var errorTable = []struct {
	err    error
	code   string
	status int
}{
	{domain.ErrQuizNotFound, "quiz_not_found", http.StatusNotFound},
	{domain.ErrEmptyQuiz, "empty_quiz", http.StatusUnprocessableEntity},
	{domain.ErrSessionNotFound, "session_not_found", http.StatusNotFound},
	{domain.ErrSessionClosed, "session_closed", http.StatusConflict},
	{domain.ErrStaleSubmission, "stale_submission", http.StatusConflict},
	{domain.ErrInvalidAnswerReference, "invalid_answer", http.StatusBadRequest},
	{domain.ErrAlreadyUnlocked, "already_unlocked", http.StatusConflict},
	{domain.ErrAchievementNotFound, "achievement_not_found", http.StatusNotFound},
	{domain.ErrInvalidDelta, "invalid_delta", http.StatusBadRequest},
	{domain.ErrUnknownAction, "invalid_action", http.StatusBadRequest},
	{domain.ErrStoreUnavailable, "store_unavailable", http.StatusServiceUnavailable},
}

func errorCode(err error) string {
	code, _ := classify(err)
	return code
}

func classify(err error) (string, int) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.code, e.status
		}
	}
	return "internal", http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, err error) {
	code, status := classify(err)
	writeJSON(w, status, errorPayload{Code: code, Message: err.Error()})
}
