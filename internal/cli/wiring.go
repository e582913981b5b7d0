package cli

import (
	"context"
	"fmt"
	"log"
	"time"

	"eduquest-engine/internal/app"
	"eduquest-engine/internal/config"
	"eduquest-engine/internal/infra/memory"
	"eduquest-engine/internal/infra/postgres"
	infraredis "eduquest-engine/internal/infra/redis"
	"eduquest-engine/internal/infra/sqlite"
	"eduquest-engine/internal/jobs"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
)

// ledgerStore is what both ledgers need from a backing store.
type ledgerStore interface {
	app.ResultStore
	app.AchievementStore
}

// components is the assembled engine. close releases every connection it opened.
type components struct {
	cfg      config.Config
	redis    *redis.Client
	pool     *pgxpool.Pool
	store    ledgerStore
	feed     app.ChangeFeed
	results  *app.ResultLedger
	ledger   *app.AchievementLedger
	triggers *app.TriggerEvaluator
	queue    *jobs.Queue
	closers  []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

// buildLedgers opens the stores named by cfg: Postgres when a URL is set, otherwise
// SQLite when a path is set, otherwise memory. Redis, when configured, carries the
// change feed and the retry queue.
func buildLedgers(ctx context.Context, cfg config.Config) (*components, error) {
	c := &components{cfg: cfg}

	if cfg.Redis.Addr != "" {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.closers = append(c.closers, func() { _ = c.redis.Close() })
	}

	switch {
	case cfg.Postgres.URL != "":
		if err := runMigrationsWithConfig(ctx, cfg); err != nil {
			c.close()
			return nil, err
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			c.close()
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		c.pool = pool
		c.closers = append(c.closers, pool.Close)
		db := openBun(cfg.Postgres.URL)
		c.closers = append(c.closers, func() { _ = db.Close() })
		c.store = postgres.NewLedgerStore(db)
		log.Printf("ledgers: using postgres")
	case cfg.SQLite.Path != "":
		store, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			c.close()
			return nil, err
		}
		c.closers = append(c.closers, func() { _ = store.Close() })
		c.store = store
		log.Printf("ledgers: using sqlite at %s", cfg.SQLite.Path)
	default:
		c.store = memory.NewLedgerStore()
		log.Printf("ledgers: using in-memory store")
	}

	if c.redis != nil {
		c.feed = infraredis.NewChangeFeed(c.redis)
	} else {
		c.feed = memory.NewChangeFeed()
	}

	c.results = app.NewResultLedger(c.store)
	c.ledger = app.NewAchievementLedger(c.store, c.feed)
	c.closers = append(c.closers, c.ledger.Close)
	if err := c.ledger.Define(ctx, cfg.Achievements.Definitions...); err != nil {
		c.close()
		return nil, err
	}
	c.triggers = app.NewTriggerEvaluator(c.ledger, app.DefaultRules(triggerConfig(cfg)))

	if c.redis != nil {
		c.queue = jobs.NewQueue(jobs.RedisOpt(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB), jobs.QueueConfig{
			Queue:    cfg.Jobs.Queue,
			MaxRetry: cfg.Jobs.MaxRetry,
			Timeout:  config.Duration(cfg.Jobs.Timeout, jobs.DefaultTimeout),
		})
		c.closers = append(c.closers, func() { _ = c.queue.Close() })
		c.triggers.SetRetrier(c.queue)
	}
	return c, nil
}

func (c *components) quizRepository() app.QuizRepository {
	var loader memory.QuizLoader = memory.NewStaticQuizLoader(sampleQuizzes())
	if c.pool != nil {
		loader = postgres.NewQuizLoader(c.pool)
	}
	quizTTL := config.Duration(c.cfg.Quiz.TTL, 10*time.Minute)
	if c.redis != nil {
		return infraredis.NewQuizRepository(c.redis, loader, quizTTL)
	}
	return memory.NewQuizRepository(loader, quizTTL)
}

func (c *components) sessionStore() app.SessionRepository {
	if c.redis != nil {
		return infraredis.NewSessionStore(c.redis, config.Duration(c.cfg.Redis.TTL, 10*time.Minute))
	}
	return memory.NewSessionStore()
}

func triggerConfig(cfg config.Config) app.TriggerConfig {
	t := cfg.Achievements.Triggers
	actions := make(map[app.ActionKind]string, len(t.Actions))
	for kind, achievementType := range t.Actions {
		actions[app.ActionKind(kind)] = achievementType
	}
	return app.TriggerConfig{
		PerfectScoreID: t.PerfectScore,
		FirstQuizID:    t.FirstQuiz,
		FiveQuizzesID:  t.FiveQuizzes,
		Actions:        actions,
	}
}
