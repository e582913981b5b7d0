package domain

import "time"

// Option represents a possible answer for a question.
type Option struct {
	ID      string `json:"id"`
	Text    string `json:"text"`
	Correct bool   `json:"correct"`
}

// Question models an MCQ question. At least one option should be marked correct;
// when several share an id the first one wins.
type Question struct {
	ID      string   `json:"id"`
	Prompt  string   `json:"prompt"`
	Options []Option `json:"options"`
}

// Quiz is an ordered collection of questions.
type Quiz struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Questions   []Question `json:"questions"`
}

// Clone returns a deep copy so a running session keeps an immutable snapshot.
func (q Quiz) Clone() Quiz {
	out := q
	out.Questions = make([]Question, len(q.Questions))
	for i, question := range q.Questions {
		out.Questions[i] = question
		out.Questions[i].Options = append([]Option(nil), question.Options...)
	}
	return out
}

// AnswerSubmission models the answer signal from clients.
type AnswerSubmission struct {
	QuestionID string `json:"questionId"`
	OptionID   string `json:"optionId"`
}

// QuizAttemptResult is the best completed attempt of a user for a quiz.
type QuizAttemptResult struct {
	UserID      string    `json:"userId"`
	QuizID      string    `json:"quizId"`
	Score       int       `json:"score"`
	CompletedAt time.Time `json:"completedAt"`
}

// Completion is emitted once when a session answers (or times out) its last question.
type Completion struct {
	SessionID  string    `json:"sessionId"`
	UserID     string    `json:"userId"`
	QuizID     string    `json:"quizId"`
	Score      int       `json:"score"`
	Total      int       `json:"total"`
	FinishedAt time.Time `json:"finishedAt"`
}

// Perfect reports whether every question was answered correctly.
func (c Completion) Perfect() bool {
	return c.Total > 0 && c.Score == c.Total
}
