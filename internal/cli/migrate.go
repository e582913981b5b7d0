package cli

import (
	"context"
	"database/sql"
	"fmt"
	"log"

	"eduquest-engine/internal/config"
	pgmigrations "eduquest-engine/internal/infra/postgres/migrations"
	"eduquest-engine/internal/infra/sqlite"
	"github.com/spf13/cobra"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
	"github.com/uptrace/bun/migrate"
)

// NewMigrateCmd prepares the ledger schema: bun migrations on Postgres, or the
// embedded bootstrap when only a SQLite path is configured.
func NewMigrateCmd(configPath *string) *cobra.Command {
	var rollback bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the quiz catalog and ledger tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			switch {
			case cfg.Postgres.URL != "" && rollback:
				return rollbackLastGroup(cmd.Context(), cfg)
			case cfg.Postgres.URL != "":
				return runMigrationsWithConfig(cmd.Context(), cfg)
			case cfg.SQLite.Path != "" && !rollback:
				store, err := sqlite.Open(cfg.SQLite.Path)
				if err != nil {
					return err
				}
				log.Printf("migrations: sqlite ledger ready at %s", cfg.SQLite.Path)
				return store.Close()
			default:
				return fmt.Errorf("no postgres url configured")
			}
		},
	}
	cmd.Flags().BoolVar(&rollback, "rollback", false, "roll back the last applied postgres migration group")
	return cmd
}

func runMigrationsWithConfig(ctx context.Context, cfg config.Config) error {

	db := openBun(cfg.Postgres.URL)
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return err
	}
	group, err := migrator.Migrate(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		log.Printf("migrations: schema is up to date")
		return nil
	}
	log.Printf("migrations: applied %s", group)
	return nil
}

func rollbackLastGroup(ctx context.Context, cfg config.Config) error {
	db := openBun(cfg.Postgres.URL)
	defer db.Close()

	migrator := migrate.NewMigrator(db, pgmigrations.Migrations)
	if err := migrator.Init(ctx); err != nil {
		return err
	}
	group, err := migrator.Rollback(ctx)
	if err != nil {
		return err
	}
	if group.IsZero() {
		log.Printf("migrations: nothing to roll back")
		return nil
	}
	log.Printf("migrations: rolled back %s", group)
	return nil
}

func openBun(dsn string) *bun.DB {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	return bun.NewDB(sqldb, pgdialect.New())
}
