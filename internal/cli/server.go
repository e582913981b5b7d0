package cli

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/config"
	"eduquest-engine/internal/domain"
	transport "eduquest-engine/internal/transport/http"
	"github.com/spf13/cobra"
)

// NewStartCmd builds the CLI subcommand to start the server.
func NewStartCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the quiz and achievements server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	c, err := buildLedgers(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.close()

	service := app.NewQuizService(c.sessionStore(), c.quizRepository(), c.results,
		app.WithQuestionTimeout(config.Duration(cfg.Quiz.QuestionTimeout, app.DefaultQuestionTimeout)),
		app.WithTriggers(c.triggers),
	)
	defer service.Shutdown()

	viewIdle := config.Duration(cfg.Achievements.ViewIdleTimeout, 10*time.Minute)
	evictCtx, stopEvicting := context.WithCancel(ctx)
	defer stopEvicting()
	if viewIdle > 0 {
		go c.ledger.EvictIdleEvery(evictCtx, max(viewIdle/2, time.Second), viewIdle)
	}

	router := transport.NewRouter(
		transport.NewWSHandler(service),
		transport.NewAchievementsWSHandler(c.ledger),
		transport.NewAPIHandler(c.ledger, c.results, c.triggers),
	)

	server := &http.Server{
		Addr:              ":" + finalPort,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting eduquest engine on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// sampleQuizzes serves a demo quiz when no Postgres catalog is configured.
func sampleQuizzes() map[string]domain.Quiz {
	return map[string]domain.Quiz{
		"quiz-1": {
			ID:          "quiz-1",
			Title:       "Warm-up",
			Description: "Three quick questions",
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
					Prompt: "Which planet is known as the red planet?",
					Options: []domain.Option{
						{ID: "o1", Text: "Mars", Correct: true},
						{ID: "o2", Text: "Venus", Correct: false},
					},
				},
				{
					ID:     "q3",
					Prompt: "How many legs does a spider have?",
					Options: []domain.Option{
						{ID: "o1", Text: "6", Correct: false},
						{ID: "o2", Text: "8", Correct: true},
						{ID: "o3", Text: "10", Correct: false},
					},
				},
			},
		},
	}
}
