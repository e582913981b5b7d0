package domain

import "time"

// Phase is the state of a quiz session.
type Phase string

const (
	PhaseLoading        Phase = "loading"
	PhaseAwaitingAnswer Phase = "awaiting_answer"
	PhaseScoring        Phase = "scoring"
	PhaseCompleted      Phase = "completed"
	PhaseAbandoned      Phase = "abandoned"
)

// Terminal reports whether no further transitions are possible.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseAbandoned
}

// PublicOption is an option with its correctness flag hidden.
type PublicOption struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// PublicQuestion is the client-facing view of a question.
type PublicQuestion struct {
	ID      string         `json:"id"`
	Prompt  string         `json:"prompt"`
	Options []PublicOption `json:"options"`
}

// NewPublicQuestion strips correctness flags from q.
func NewPublicQuestion(q Question) PublicQuestion {
	opts := make([]PublicOption, len(q.Options))
	for i, o := range q.Options {
		opts[i] = PublicOption{ID: o.ID, Text: o.Text}
	}
	return PublicQuestion{ID: q.ID, Prompt: q.Prompt, Options: opts}
}

// SessionState is a snapshot emitted to the UI on every question and on termination.
type SessionState struct {
	SessionID string          `json:"sessionId"`
	QuizID    string          `json:"quizId"`
	Phase     Phase           `json:"phase"`
	Index     int             `json:"index"`
	Ordinal   int             `json:"ordinal"`
	Total     int             `json:"total"`
	Score     int             `json:"score"`
	Question  *PublicQuestion `json:"question,omitempty"`
	Deadline  time.Time       `json:"deadline,omitempty"`
	Remaining time.Duration   `json:"remaining"`
	Progress  float64         `json:"progress"`
}

// AnswerOutcome summarizes one accepted submission.
type AnswerOutcome struct {
	QuestionID string      `json:"questionId"`
	Correct    bool        `json:"correct"`
	Score      int         `json:"score"`
	Completion *Completion `json:"completion,omitempty"`
}
