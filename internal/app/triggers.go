package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"

	"eduquest-engine/internal/domain"
)

// EventKind identifies what happened.
type EventKind string

const (
	EventQuizCompleted EventKind = "quiz_completed"
	EventAction        EventKind = "action"
)

// ActionKind is a content interaction that earns progress.
type ActionKind string

const (
	ActionRead     ActionKind = "read"
	ActionComment  ActionKind = "comment"
	ActionBookmark ActionKind = "bookmark"
)

// Event is the input of the trigger table. Rules, when set, restricts evaluation to
// the named rules (used when retrying the ones that failed). Applied lists, per rule,
// the achievements that rule already committed for this event.
type Event struct {
	Kind       EventKind           `json:"kind"`
	UserID     string              `json:"userId"`
	Completion *domain.Completion  `json:"completion,omitempty"`
	Record     *RecordOutcome      `json:"record,omitempty"`
	Action     ActionKind          `json:"action,omitempty"`
	Count      int                 `json:"count,omitempty"`
	Rules      []string            `json:"rules,omitempty"`
	Applied    map[string][]string `json:"applied,omitempty"`
}

// Rule maps an event to a ledger mutation. Apply returns the achievements it committed,
// also on failure; a retried rule must skip the ones listed in e.Applied[Name].
type Rule struct {
	Name  string
	On    EventKind
	When  func(Event) bool
	Apply func(ctx context.Context, ledger *AchievementLedger, e Event) ([]string, error)
}

// TriggerConfig names the achievements the default rules act on.
type TriggerConfig struct {
	PerfectScoreID string
	FirstQuizID    string
	FiveQuizzesID  string
	Actions        map[ActionKind]string
}

// DefaultTriggerConfig matches the achievement ids seeded by default.
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		PerfectScoreID: "perfect_score",
		FirstQuizID:    "first_quiz",
		FiveQuizzesID:  "five_quizzes",
		Actions: map[ActionKind]string{
			ActionRead:     domain.TypeReadEntries,
			ActionComment:  domain.TypeComments,
			ActionBookmark: domain.TypeBookmarks,
		},
	}
}

// DefaultRules builds the trigger table.
func DefaultRules(cfg TriggerConfig) []Rule {
	rules := []Rule{
		{
			Name:  "perfect-score",
			On:    EventQuizCompleted,
			When:  firstPerfectScore,
			Apply: unlockRule(cfg.PerfectScoreID),
		},
		{
			Name:  "first-quiz",
			On:    EventQuizCompleted,
			When:  completedQuizzesReached(1),
			Apply: unlockRule(cfg.FirstQuizID),
		},
		{
			Name:  "five-quizzes",
			On:    EventQuizCompleted,
			When:  completedQuizzesReached(5),
			Apply: unlockRule(cfg.FiveQuizzesID),
		},
		{
			Name:  "quiz-counter",
			On:    EventQuizCompleted,
			When:  newQuizResult,
			Apply: incrementRule("quiz-counter", domain.TypeQuizzesCompleted, func(Event) int { return 1 }),
		},
	}

	kinds := make([]string, 0, len(cfg.Actions))
	for kind := range cfg.Actions {
		kinds = append(kinds, string(kind))
	}
	sort.Strings(kinds)
	for _, kind := range kinds {
		kind := ActionKind(kind)
		achievementType := cfg.Actions[kind]
		name := "action-" + string(kind)
		rules = append(rules, Rule{
			Name:  name,
			On:    EventAction,
			When:  func(e Event) bool { return e.Action == kind && e.Count > 0 },
			Apply: incrementRule(name, achievementType, func(e Event) int { return e.Count }),
		})
	}
	return rules
}

// firstPerfectScore holds when this attempt is the first perfect one for its quiz:
// a previous perfect result would have prevented both a new row and an improvement.
func firstPerfectScore(e Event) bool {
	if e.Completion == nil || e.Record == nil {
		return false
	}
	return e.Completion.Perfect() && (e.Record.Created || e.Record.Improved)
}

// completedQuizzesReached holds on the completion that brings the number of distinct
// completed quizzes to n. Concurrent completions may both observe a count past n, so
// the guard accepts any count >= n on a new result; the unlock itself is idempotent.
func completedQuizzesReached(n int) func(Event) bool {
	return func(e Event) bool {
		return e.Record != nil && e.Record.Created && e.Record.CompletedQuizzes >= n
	}
}

func newQuizResult(e Event) bool {
	return e.Record != nil && e.Record.Created
}

func unlockRule(achievementID string) func(context.Context, *AchievementLedger, Event) ([]string, error) {
	return func(ctx context.Context, ledger *AchievementLedger, e Event) ([]string, error) {
		if achievementID == "" {
			return nil, nil
		}
		if _, err := ledger.Unlock(ctx, e.UserID, achievementID); err != nil {
			return nil, err
		}
		return []string{achievementID}, nil
	}
}

// incrementRule bumps every achievement of achievementType that this rule has not
// already committed for the event.
func incrementRule(name, achievementType string, delta func(Event) int) func(context.Context, *AchievementLedger, Event) ([]string, error) {
	return func(ctx context.Context, ledger *AchievementLedger, e Event) ([]string, error) {
		updates, err := ledger.IncrementProgressExcept(ctx, e.UserID, achievementType, delta(e), e.Applied[name])
		applied := make([]string, 0, len(updates))
		for _, u := range updates {
			applied = append(applied, u.Progress.AchievementID)
		}
		return applied, err
	}
}

// Retrier re-runs failed evaluations out of band.
type Retrier interface {
	EnqueueEvaluation(ctx context.Context, e Event) error
}

// TriggerEvaluator applies the rule table to incoming events.
type TriggerEvaluator struct {
	ledger  *AchievementLedger
	rules   []Rule
	retrier Retrier
}

func NewTriggerEvaluator(ledger *AchievementLedger, rules []Rule) *TriggerEvaluator {
	return &TriggerEvaluator{ledger: ledger, rules: rules}
}

// SetRetrier enables re-queueing of failed quiz-completion rules.
func (t *TriggerEvaluator) SetRetrier(r Retrier) {
	t.retrier = r
}

// QuizCompleted evaluates completion rules. It must only be called after the result
// has been committed. Failed rules are handed to the retrier when one is set.
func (t *TriggerEvaluator) QuizCompleted(ctx context.Context, c domain.Completion, record RecordOutcome) error {
	e := Event{Kind: EventQuizCompleted, UserID: c.UserID, Completion: &c, Record: &record}
	retry, err := t.evaluate(ctx, e)
	if err == nil || t.retrier == nil {
		return err
	}
	if qerr := t.retrier.EnqueueEvaluation(ctx, *retry); qerr != nil {
		return errors.Join(err, fmt.Errorf("enqueue retry: %w", qerr))
	}
	log.Printf("achievements: queued retry of %v for user %s", retry.Rules, c.UserID)
	return err
}

// ActionPerformed applies action rules, e.g. three entries read. An action no rule
// handles is rejected with ErrUnknownAction.
func (t *TriggerEvaluator) ActionPerformed(ctx context.Context, userID string, action ActionKind, count int) error {
	if count < 0 {
		return domain.ErrInvalidDelta
	}
	if count == 0 {
		return nil
	}
	e := Event{Kind: EventAction, UserID: userID, Action: action, Count: count}
	if !t.handles(e) {
		return fmt.Errorf("%w: %q", domain.ErrUnknownAction, action)
	}
	_, err := t.evaluate(ctx, e)
	return err
}

func (t *TriggerEvaluator) handles(e Event) bool {
	for _, rule := range t.rules {
		if rule.On == e.Kind && rule.When(e) {
			return true
		}
	}
	return false
}

// Evaluate runs the rules matching e. When some fail, it returns their joined errors and
// the event to retry: only the failed rules, with everything they committed recorded in
// Applied.
func (t *TriggerEvaluator) Evaluate(ctx context.Context, e Event) (*Event, error) {
	return t.evaluate(ctx, e)
}

func (t *TriggerEvaluator) evaluate(ctx context.Context, e Event) (*Event, error) {
	var (
		failed  []string
		applied map[string][]string
		errs    []error
	)
	for _, rule := range t.rules {
		if rule.On != e.Kind || !selected(e.Rules, rule.Name) || !rule.When(e) {
			continue
		}
		done, err := rule.Apply(ctx, t.ledger, e)
		if err == nil || errors.Is(err, domain.ErrAlreadyUnlocked) {
			continue
		}
		if errors.Is(err, domain.ErrAchievementNotFound) {
			log.Printf("achievements: rule %s skipped for user %s: %v", rule.Name, e.UserID, err)
			continue
		}
		failed = append(failed, rule.Name)
		errs = append(errs, fmt.Errorf("rule %s: %w", rule.Name, err))
		if prior := e.Applied[rule.Name]; len(prior)+len(done) > 0 {
			if applied == nil {
				applied = make(map[string][]string)
			}
			applied[rule.Name] = append(append([]string(nil), prior...), done...)
		}
	}
	if len(errs) == 0 {
		return nil, nil
	}
	retry := e
	retry.Rules = failed
	retry.Applied = applied
	return &retry, errors.Join(errs...)
}

func selected(names []string, name string) bool {
	return len(names) == 0 || contains(names, name)
}
