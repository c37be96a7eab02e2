package main

import (
	"github.com/spf13/cobra"

	"github.com/lexisub/lexisub/pkg/config"
	"github.com/lexisub/lexisub/pkg/log"
	"github.com/lexisub/lexisub/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.Init(log.Config{Level: log.Level(cfg.LogLevel), JSONOutput: cfg.LogJSON})

	// Opening the store applies the schema migrations
	store, err := storage.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer store.Close()

	log.WithComponent("migrate").Info().Str("database", cfg.DatabasePath).Msg("migrations applied")
	return nil
}
