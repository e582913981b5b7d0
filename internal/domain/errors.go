package domain

import "errors"

var (
	// ErrQuizNotFound indicates the quiz content could not be loaded.
	ErrQuizNotFound = errors.New("quiz not found")
	// ErrEmptyQuiz is returned when a quiz has no questions to play.
	ErrEmptyQuiz = errors.New("quiz has no questions")
	// ErrSessionNotFound is returned when a quiz session does not exist (or already ended).
	ErrSessionNotFound = errors.New("quiz session not found")
	// ErrSessionClosed is returned for submissions against an abandoned session.
	ErrSessionClosed = errors.New("quiz session closed")
	// ErrStaleSubmission indicates an answer arrived after its question window closed.
	ErrStaleSubmission = errors.New("answer submitted after question window closed")
	// ErrInvalidAnswerReference indicates the answer does not belong to the current question.
	ErrInvalidAnswerReference = errors.New("answer does not belong to current question")
	// ErrAlreadyUnlocked is informational: the achievement was unlocked before.
	ErrAlreadyUnlocked = errors.New("achievement already unlocked")
	// ErrAchievementNotFound indicates an unknown achievement id.
	ErrAchievementNotFound = errors.New("achievement not found")
	// ErrInvalidDelta is returned for negative progress increments.
	ErrInvalidDelta = errors.New("progress delta must not be negative")
	// ErrUnknownAction is returned for content actions no trigger rule handles.
	ErrUnknownAction = errors.New("unknown action")
	// ErrStoreUnavailable wraps failures of the underlying persistence layer.
	ErrStoreUnavailable = errors.New("store unavailable")
)
