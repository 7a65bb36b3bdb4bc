package cmd

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"job-broker/core/repository"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Creates or updates the database schema",
		RunE:  migrate,
	}
}

func migrate(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	start := time.Now()
	log.Info("Beginning database migration")

	ctx := context.Background()
	db, err := repository.NewDB(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns)
	if err != nil {
		return errors.Wrap(err, "failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		return errors.Wrap(err, "failed to migrate database")
	}
	log.Infof("Database migrated in %s", time.Since(start))
	return nil
}
