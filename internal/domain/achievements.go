package domain

import "time"

// Well-known achievement types used by the default trigger table.
const (
	TypeQuizzesCompleted = "QUIZZES_COMPLETED"
	TypeQuizMilestone    = "QUIZ_MILESTONE"
	TypeReadEntries      = "READ_ENTRIES"
	TypeComments         = "COMMENTS"
	TypeBookmarks        = "BOOKMARKS"
)

// AchievementDefinition describes something a user can earn.
type AchievementDefinition struct {
	ID          string `json:"id" yaml:"id"`
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Type        string `json:"type" yaml:"type"`
	Points      int    `json:"points" yaml:"points"`
	Target      int    `json:"target" yaml:"target"`
}

// AchievementProgress is the per-user counter for one achievement.
type AchievementProgress struct {
	UserID        string     `json:"userId"`
	AchievementID string     `json:"achievementId"`
	Progress      int        `json:"progress"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Completed reports whether the achievement has been unlocked.
func (p AchievementProgress) Completed() bool {
	return p.CompletedAt != nil
}

// AchievementEntry is one row of the aggregated achievement view.
type AchievementEntry struct {
	Definition  AchievementDefinition `json:"definition"`
	Progress    int                   `json:"progress"`
	Completed   bool                  `json:"completed"`
	CompletedAt *time.Time            `json:"completedAt,omitempty"`
}

// AchievementChange is published whenever a definition or a user's progress row changes.
// Definition changes carry no UserID and concern every user.
type AchievementChange struct {
	UserID     string                 `json:"userId,omitempty"`
	Definition *AchievementDefinition `json:"definition,omitempty"`
	Progress   *AchievementProgress   `json:"progress,omitempty"`
}
