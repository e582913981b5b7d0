package http

import (
	"encoding/json"
	"net/http"

	"eduquest-engine/internal/app"
	"github.com/go-chi/chi/v5"
)

// APIHandler serves the REST side of the ledgers.
type APIHandler struct {
	achievements *app.AchievementLedger
	results      *app.ResultLedger
	triggers     *app.TriggerEvaluator
}

func NewAPIHandler(achievements *app.AchievementLedger, results *app.ResultLedger, triggers *app.TriggerEvaluator) *APIHandler {
	return &APIHandler{achievements: achievements, results: results, triggers: triggers}
}

type actionRequest struct {
	Action app.ActionKind `json:"action"`
	Count  int            `json:"count"`
}

// InitAchievements creates zero progress rows for every achievement the user lacks.
func (h *APIHandler) InitAchievements(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	created, err := h.achievements.Initialize(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"created": created})
}

// ListAchievements returns the aggregated view, optionally filtered by ?type=.
func (h *APIHandler) ListAchievements(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	view, err := h.achievements.View(r.Context(), userID, r.URL.Query().Get("type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view.Snapshot())
}

// RecordAction feeds a content interaction (read, comment, bookmark) to the triggers.
func (h *APIHandler) RecordAction(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req actionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_payload", Message: "invalid request body"})
		return
	}
	if req.Count == 0 {
		req.Count = 1
	}
	if req.Count < 0 {
		writeJSON(w, http.StatusBadRequest, errorPayload{Code: "invalid_delta", Message: "count must be positive"})
		return
	}
	if err := h.triggers.ActionPerformed(r.Context(), userID, req.Action, req.Count); err != nil {
		writeError(w, err)
		return
	}
	rows, err := h.achievements.Progress(r.Context(), userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

// BestResult returns the stored best attempt of a user at a quiz.
func (h *APIHandler) BestResult(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	quizID := chi.URLParam(r, "quizID")
	result, ok, err := h.results.Best(r.Context(), userID, quizID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorPayload{Code: "result_not_found", Message: "no result for this quiz"})
		return
	}
	writeJSON(w, http.StatusOK, result)
}
