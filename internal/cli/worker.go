package cli

import (
	"fmt"

	"eduquest-engine/internal/config"
	"eduquest-engine/internal/jobs"
	"github.com/spf13/cobra"
)

// NewWorkerCmd runs the achievement retry worker.
func NewWorkerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process queued achievement evaluations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Redis.Addr == "" {
				return fmt.Errorf("redis addr not configured")
			}
			if !cfg.SharedLedger() {
				return fmt.Errorf("worker needs a postgres url or a sqlite file: retries against a private in-memory ledger are never seen by the server")
			}
			c, err := buildLedgers(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer c.close()

			redisOpt := jobs.RedisOpt(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
			worker := jobs.NewWorker(redisOpt, cfg.Jobs.Concurrency, c.triggers, c.queue)
			return worker.Run()
		},
	}
}
