package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the websocket endpoints and the REST API.
func NewRouter(quiz *WSHandler, achievements *AchievementsWSHandler, api *APIHandler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/ws/quiz", quiz.ServeWS)
	r.Get("/ws/achievements", achievements.ServeWS)

	r.Route("/api/users/{userID}", func(r chi.Router) {
		r.Post("/achievements/init", api.InitAchievements)
		r.Get("/achievements", api.ListAchievements)
		r.Post("/actions", api.RecordAction)
		r.Get("/results/{quizID}", api.BestResult)
	})
	return r
}
