package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"eduquest-engine/internal/domain"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		TTL      string `yaml:"ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	SQLite struct {
		Path string `yaml:"path"`
	} `yaml:"sqlite"`
	Quiz struct {
		TTL             string `yaml:"ttl"`
		QuestionTimeout string `yaml:"question_timeout"`
	} `yaml:"quiz"`
	Achievements struct {
		Definitions []domain.AchievementDefinition `yaml:"definitions"`
		// ViewIdleTimeout is how long an unwatched aggregated view stays cached.
		ViewIdleTimeout string `yaml:"view_idle_timeout"`
		Triggers    struct {
			PerfectScore string            `yaml:"perfect_score"`
			FirstQuiz    string            `yaml:"first_quiz"`
			FiveQuizzes  string            `yaml:"five_quizzes"`
			Actions      map[string]string `yaml:"actions"`
		} `yaml:"triggers"`
	} `yaml:"achievements"`
	Jobs struct {
		Queue       string `yaml:"queue"`
		MaxRetry    int    `yaml:"max_retry"`
		Timeout     string `yaml:"timeout"`
		Concurrency int    `yaml:"concurrency"`
	} `yaml:"jobs"`
}

// Load reads YAML config from path, then applies .env and environment overrides.
// A missing file is not an error: defaults and the environment still apply.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// .env is optional
	_ = godotenv.Load()
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("POSTGRES_URL"); v != "" {
		cfg.Postgres.URL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.SQLite.Path = v
	}
	if v := os.Getenv("QUESTION_TIMEOUT"); v != "" {
		cfg.Quiz.QuestionTimeout = v
	}
	if v := os.Getenv("JOBS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Jobs.Concurrency = n
		}
	}
}

func applyDefaults(cfg *Config) {
	if len(cfg.Achievements.Definitions) == 0 {
		cfg.Achievements.Definitions = DefaultDefinitions()
	}
	t := &cfg.Achievements.Triggers
	if t.PerfectScore == "" {
		t.PerfectScore = "perfect_score"
	}
	if t.FirstQuiz == "" {
		t.FirstQuiz = "first_quiz"
	}
	if t.FiveQuizzes == "" {
		t.FiveQuizzes = "five_quizzes"
	}
	if len(t.Actions) == 0 {
		t.Actions = map[string]string{
			"read":     domain.TypeReadEntries,
			"comment":  domain.TypeComments,
			"bookmark": domain.TypeBookmarks,
		}
	}
}

// DefaultDefinitions is the achievement catalog used when the config names none.
func DefaultDefinitions() []domain.AchievementDefinition {
	return []domain.AchievementDefinition{
		{ID: "first_quiz", Title: "First Steps", Description: "Complete your first quiz", Type: domain.TypeQuizMilestone, Points: 10, Target: 1},
		{ID: "five_quizzes", Title: "Quiz Explorer", Description: "Complete five different quizzes", Type: domain.TypeQuizMilestone, Points: 50, Target: 1},
		{ID: "perfect_score", Title: "Flawless", Description: "Answer every question of a quiz correctly", Type: domain.TypeQuizMilestone, Points: 25, Target: 1},
		{ID: "quiz_marathon", Title: "Quiz Marathon", Description: "Complete ten different quizzes", Type: domain.TypeQuizzesCompleted, Points: 100, Target: 10},
		{ID: "bookworm", Title: "Bookworm", Description: "Read five entries", Type: domain.TypeReadEntries, Points: 20, Target: 5},
		{ID: "chatterbox", Title: "Chatterbox", Description: "Leave ten comments", Type: domain.TypeComments, Points: 20, Target: 10},
		{ID: "collector", Title: "Collector", Description: "Bookmark three entries", Type: domain.TypeBookmarks, Points: 15, Target: 3},
	}
}

// Duration parses a duration string or returns the fallback if empty or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}

// SharedLedger reports whether the ledgers live in a store other processes can open.
// The in-memory store and an in-memory SQLite database are private to one process.
func (c Config) SharedLedger() bool {
	if c.Postgres.URL != "" {
		return true
	}
	return c.SQLite.Path != "" && c.SQLite.Path != ":memory:"
}
