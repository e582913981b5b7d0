package app

import (
	"sync"
	"time"

	"eduquest-engine/internal/domain"
)

// DefaultQuestionTimeout is how long a question stays open when nothing else is configured.
const DefaultQuestionTimeout = 30 * time.Second

// Session is one timed attempt of a user at a quiz. All transitions are serialized
// by mu; the countdown timer is the only background activity.
type Session struct {
	id      string
	userID  string
	quiz    domain.Quiz
	clock   Clock
	timeout time.Duration
	// afterTimeout receives completions that were not produced by a caller's Submit.
	afterTimeout func(domain.Completion)

	mu         sync.Mutex
	phase      domain.Phase
	index      int
	score      int
	deadline   time.Time
	timer      Timer
	generation uint64
	states     chan domain.SessionState
	done       chan domain.Completion
}

func newSession(id, userID string, quiz domain.Quiz, clock Clock, timeout time.Duration, afterTimeout func(domain.Completion)) *Session {
	if timeout <= 0 {
		timeout = DefaultQuestionTimeout
	}
	return &Session{
		id:           id,
		userID:       userID,
		quiz:         quiz,
		clock:        clock,
		timeout:      timeout,
		afterTimeout: afterTimeout,
		phase:        domain.PhaseLoading,
		// one state per question plus the terminal one, so sends never block
		states: make(chan domain.SessionState, len(quiz.Questions)+1),
		done:   make(chan domain.Completion, 1),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// UserID returns the user playing the session.
func (s *Session) UserID() string { return s.userID }

// QuizID returns the quiz being played.
func (s *Session) QuizID() string { return s.quiz.ID }

// States streams one state per question followed by the terminal state, then closes.
func (s *Session) States() <-chan domain.SessionState { return s.states }

// Done yields the completion event once, or closes without a value when abandoned.
func (s *Session) Done() <-chan domain.Completion { return s.done }

// State returns the current snapshot.
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked()
}

// begin moves Loading -> AwaitingAnswer(0). The quiz must have at least one question.
func (s *Session) begin() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase != domain.PhaseLoading {
		return
	}
	s.phase = domain.PhaseAwaitingAnswer
	s.index = 0
	s.armLocked()
	s.emitLocked()
}

// Submit answers the current question. Rejections leave the session untouched,
// except that an answer arriving after the deadline first applies the pending timeout.
func (s *Session) Submit(sub domain.AnswerSubmission) (domain.AnswerOutcome, error) {
	s.mu.Lock()
	switch s.phase {
	case domain.PhaseAbandoned:
		s.mu.Unlock()
		return domain.AnswerOutcome{}, domain.ErrSessionClosed
	case domain.PhaseCompleted:
		known := s.questionIndexLocked(sub.QuestionID) >= 0
		s.mu.Unlock()
		if known {
			return domain.AnswerOutcome{}, domain.ErrStaleSubmission
		}
		return domain.AnswerOutcome{}, domain.ErrInvalidAnswerReference
	case domain.PhaseAwaitingAnswer:
	default:
		s.mu.Unlock()
		return domain.AnswerOutcome{}, domain.ErrInvalidAnswerReference
	}

	current := s.quiz.Questions[s.index]
	if sub.QuestionID != current.ID {
		idx := s.questionIndexLocked(sub.QuestionID)
		s.mu.Unlock()
		if idx >= 0 && idx < s.index {
			return domain.AnswerOutcome{}, domain.ErrStaleSubmission
		}
		return domain.AnswerOutcome{}, domain.ErrInvalidAnswerReference
	}

	if !s.clock.Now().Before(s.deadline) {
		// The timer has not run yet but the window is closed.
		completion := s.advanceLocked(false)
		s.mu.Unlock()
		s.notifyTimeout(completion)
		return domain.AnswerOutcome{}, domain.ErrStaleSubmission
	}

	option, ok := findOption(current, sub.OptionID)
	if !ok {
		s.mu.Unlock()
		return domain.AnswerOutcome{}, domain.ErrInvalidAnswerReference
	}

	completion := s.advanceLocked(option.Correct)
	outcome := domain.AnswerOutcome{
		QuestionID: current.ID,
		Correct:    option.Correct,
		Score:      s.score,
		Completion: completion,
	}
	s.mu.Unlock()
	return outcome, nil
}

// Abandon discards the session. It reports false when the session had already ended.
func (s *Session) Abandon() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	s.stopTimerLocked()
	s.phase = domain.PhaseAbandoned
	s.emitLocked()
	close(s.states)
	close(s.done)
	return true
}

// expire is the countdown callback. It acts only if the countdown that armed it is still current.
func (s *Session) expire(generation uint64, index int) {
	s.mu.Lock()
	if s.phase != domain.PhaseAwaitingAnswer || s.generation != generation || s.index != index {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	completion := s.advanceLocked(false)
	s.mu.Unlock()
	s.notifyTimeout(completion)
}

func (s *Session) notifyTimeout(completion *domain.Completion) {
	if completion != nil && s.afterTimeout != nil {
		s.afterTimeout(*completion)
	}
}

// advanceLocked scores the current question and moves to the next one or completes.
func (s *Session) advanceLocked(correct bool) *domain.Completion {
	s.stopTimerLocked()
	s.phase = domain.PhaseScoring
	if correct {
		s.score++
	}
	s.index++

	if s.index < len(s.quiz.Questions) {
		s.phase = domain.PhaseAwaitingAnswer
		s.armLocked()
		s.emitLocked()
		return nil
	}

	s.phase = domain.PhaseCompleted
	completion := domain.Completion{
		SessionID:  s.id,
		UserID:     s.userID,
		QuizID:     s.quiz.ID,
		Score:      s.score,
		Total:      len(s.quiz.Questions),
		FinishedAt: s.clock.Now(),
	}
	s.emitLocked()
	close(s.states)
	s.done <- completion
	close(s.done)
	return &completion
}

func (s *Session) armLocked() {
	s.stopTimerLocked()
	s.generation++
	generation, index := s.generation, s.index
	s.deadline = s.clock.Now().Add(s.timeout)
	s.timer = s.clock.AfterFunc(s.timeout, func() {
		s.expire(generation, index)
	})
}

func (s *Session) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Session) emitLocked() {
	select {
	case s.states <- s.stateLocked():
	default:
	}
}

func (s *Session) stateLocked() domain.SessionState {
	total := len(s.quiz.Questions)
	state := domain.SessionState{
		SessionID: s.id,
		QuizID:    s.quiz.ID,
		Phase:     s.phase,
		Index:     s.index,
		Ordinal:   s.index + 1,
		Total:     total,
		Score:     s.score,
	}
	if total > 0 {
		state.Progress = float64(s.index) / float64(total)
	}
	if s.phase == domain.PhaseAwaitingAnswer {
		q := domain.NewPublicQuestion(s.quiz.Questions[s.index])
		state.Question = &q
		state.Deadline = s.deadline
		if remaining := s.deadline.Sub(s.clock.Now()); remaining > 0 {
			state.Remaining = remaining
		}
	}
	if s.phase.Terminal() {
		state.Ordinal = state.Index
	}
	return state
}

func (s *Session) questionIndexLocked(questionID string) int {
	for i := range s.quiz.Questions {
		if s.quiz.Questions[i].ID == questionID {
			return i
		}
	}
	return -1
}

// findOption returns the first option with the given id.
func findOption(q domain.Question, optionID string) (domain.Option, bool) {
	for _, opt := range q.Options {
		if opt.ID == optionID {
			return opt, true
		}
	}
	return domain.Option{}, false
}
