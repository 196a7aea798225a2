package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/proxmove/proxmove/internal/config"
	"github.com/proxmove/proxmove/internal/store"
	"github.com/proxmove/proxmove/pkg/log"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Migrate the db",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := log.InitLog(log.Level(cfg.Service.LogLevel))
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			return err
		}

		s := store.NewStore(db)
		defer s.Close()

		if err := s.InitialMigration(); err != nil {
			return err
		}

		zap.S().Info("Db migrated")
		return nil
	},
}
