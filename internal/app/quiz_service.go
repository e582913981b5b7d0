package app

import (
	"context"
	"log"
	"time"

	"eduquest-engine/internal/domain"
	"github.com/google/uuid"
)

// SessionRepository abstracts how live quiz sessions are tracked (in-memory, Redis, etc).
type SessionRepository interface {
	Put(session *Session)
	Get(sessionID string) (*Session, bool)
	Delete(sessionID string)
	All() []*Session
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// QuizService runs quiz sessions and feeds their outcomes into the ledgers.
type QuizService struct {
	sessions SessionRepository
	quizzes  QuizRepository
	results  *ResultLedger
	triggers *TriggerEvaluator

	clock           Clock
	questionTimeout time.Duration
	newID           func() string
}

// ServiceOption customizes a QuizService.
type ServiceOption func(*QuizService)

// WithClock replaces the clock used for countdowns and timestamps.
func WithClock(clock Clock) ServiceOption {
	return func(s *QuizService) { s.clock = clock }
}

// WithQuestionTimeout sets how long each question stays open.
func WithQuestionTimeout(d time.Duration) ServiceOption {
	return func(s *QuizService) { s.questionTimeout = d }
}

// WithTriggers attaches the achievement trigger evaluator run after each recorded result.
func WithTriggers(t *TriggerEvaluator) ServiceOption {
	return func(s *QuizService) { s.triggers = t }
}

func NewQuizService(store SessionRepository, quizzes QuizRepository, results *ResultLedger, opts ...ServiceOption) *QuizService {
	s := &QuizService{
		sessions:        store,
		quizzes:         quizzes,
		results:         results,
		clock:           SystemClock,
		questionTimeout: DefaultQuestionTimeout,
		newID:           func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StartQuiz loads the quiz and opens a new session on its first question.
func (s *QuizService) StartQuiz(ctx context.Context, userID, quizID string) (*Session, error) {
	quiz, err := s.quizzes.GetQuiz(ctx, quizID)
	if err != nil {
		return nil, err
	}
	if len(quiz.Questions) == 0 {
		return nil, domain.ErrEmptyQuiz
	}

	session := newSession(s.newID(), userID, quiz.Clone(), s.clock, s.questionTimeout, func(c domain.Completion) {
		// Nobody is waiting on a timeout-driven completion, so failures can only be logged.
		if _, err := s.complete(context.Background(), c); err != nil {
			log.Printf("quiz session %s: recording timed-out completion failed: %v", c.SessionID, err)
		}
	})
	s.sessions.Put(session)
	session.begin()
	log.Printf("quiz session %s: user %s started quiz %s (%d questions)", session.ID(), userID, quizID, len(quiz.Questions))
	return session, nil
}

// Session returns a live session.
func (s *QuizService) Session(sessionID string) (*Session, bool) {
	return s.sessions.Get(sessionID)
}

// SubmitAnswer answers the current question of a session owned by userID.
// When the answer completes the quiz, the result is recorded before returning and
// a ledger failure is returned alongside the outcome.
func (s *QuizService) SubmitAnswer(ctx context.Context, sessionID, userID string, submission domain.AnswerSubmission) (domain.AnswerOutcome, *domain.QuizAttemptResult, error) {
	session, ok := s.sessions.Get(sessionID)
	if !ok || session.UserID() != userID {
		return domain.AnswerOutcome{}, nil, domain.ErrSessionNotFound
	}

	outcome, err := session.Submit(submission)
	if err != nil {
		return domain.AnswerOutcome{}, nil, err
	}
	if outcome.Completion == nil {
		return outcome, nil, nil
	}

	best, err := s.complete(ctx, *outcome.Completion)
	return outcome, best, err
}

// Abandon discards a session without recording anything.
func (s *QuizService) Abandon(_ context.Context, sessionID string) bool {
	session, ok := s.sessions.Get(sessionID)
	if !ok {
		return false
	}
	s.sessions.Delete(sessionID)
	abandoned := session.Abandon()
	if abandoned {
		log.Printf("quiz session %s: abandoned", sessionID)
	}
	return abandoned
}

// Shutdown abandons every live session so no countdown outlives the service.
func (s *QuizService) Shutdown() {
	for _, session := range s.sessions.All() {
		s.sessions.Delete(session.ID())
		session.Abandon()
	}
}

// complete records the result and then, strictly afterwards, evaluates achievements.
// Achievement failures never undo the recorded result.
func (s *QuizService) complete(ctx context.Context, c domain.Completion) (*domain.QuizAttemptResult, error) {
	s.sessions.Delete(c.SessionID)

	record, err := s.results.Record(ctx, c.UserID, c.QuizID, c.Score)
	if err != nil {
		return nil, err
	}
	log.Printf("quiz session %s: completed %d/%d (best %d)", c.SessionID, c.Score, c.Total, record.Result.Score)

	if s.triggers != nil {
		if err := s.triggers.QuizCompleted(ctx, c, record); err != nil {
			log.Printf("achievements: evaluation after session %s failed: %v", c.SessionID, err)
		}
	}
	return &record.Result, nil
}
