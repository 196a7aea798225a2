package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	apiserver "github.com/proxmove/proxmove/internal/api_server"
	"github.com/proxmove/proxmove/internal/config"
	"github.com/proxmove/proxmove/internal/events"
	"github.com/proxmove/proxmove/internal/migration"
	"github.com/proxmove/proxmove/internal/migration/driver"
	"github.com/proxmove/proxmove/internal/service"
	"github.com/proxmove/proxmove/internal/store"
	"github.com/proxmove/proxmove/pkg/log"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the migration engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.New()
		if err != nil {
			return err
		}

		logger := log.InitLog(log.Level(cfg.Service.LogLevel))
		defer func() { _ = logger.Sync() }()
		undo := zap.ReplaceGlobals(logger)
		defer undo()

		zap.S().Info("Starting migration engine")
		defer zap.S().Info("Migration engine stopped")

		zap.S().Info("Initializing data store")
		db, err := store.InitDB(cfg)
		if err != nil {
			zap.S().Fatalf("initializing data store: %v", err)
		}
		s := store.NewStore(db)
		defer s.Close()

		if err := s.InitialMigration(); err != nil {
			zap.S().Fatalf("running initial migration: %v", err)
		}

		ep, err := newEventProducer(cfg)
		if err != nil {
			zap.S().Fatalf("initializing event producer: %v", err)
		}
		defer func() { _ = ep.Close() }()

		tracker := migration.NewTracker()
		orch := migration.NewOrchestrator(migration.Options{
			WorkerCap:       cfg.Transfer.WorkerCap,
			JobTimeout:      cfg.Transfer.JobTimeout,
			ShutdownTimeout: cfg.Transfer.ShutdownTimeout,
			Driver: driver.Options{
				ChunkSize:      cfg.Transfer.ChunkSizeBytes,
				MaxRetries:     cfg.Transfer.MaxRetries,
				RetryBackoff:   cfg.Transfer.RetryBackoff,
				CommandTimeout: cfg.Transfer.CommandTimeout,
				VerifyChecksum: cfg.Transfer.VerifyChecksum,
			},
		}, tracker, migration.DialSSH, service.NewJobRecorder(s, ep))

		migrations := service.NewMigrationService(s, orch, cfg.Transfer.SSHPort, cfg.Transfer.SSHDialTimeout)
		clusters := service.NewClusterService(s, orch)

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT)
		defer cancel()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.Address)
			if err != nil {
				zap.S().Fatalf("creating listener: %s", err)
			}
			server := apiserver.New(cfg, migrations, clusters, listener)
			if err := server.Run(ctx); err != nil {
				zap.S().Fatalf("Error running server: %s", err)
			}
		}()

		go func() {
			defer cancel()
			listener, err := newListener(cfg.Service.MetricsAddress)
			if err != nil {
				zap.S().Fatalf("creating listener: %s", err)
			}
			metricsServer := apiserver.NewMetricServer(cfg.Service.MetricsAddress, listener)
			if err := metricsServer.Run(ctx); err != nil {
				zap.S().Fatalf("Error running metrics server: %s", err)
			}
		}()

		<-ctx.Done()

		// let running jobs cancel and roll back before exiting
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer shutdownCancel()
		if err := orch.Shutdown(shutdownCtx); err != nil {
			zap.S().Warnf("jobs did not wind down cleanly: %v", err)
		}
		return nil
	},
}

func newEventProducer(cfg *config.Config) (*events.EventProducer, error) {
	if !cfg.Service.Kafka.Enabled() {
		return events.NewEventProducer(&events.StdoutWriter{}), nil
	}
	writer, err := events.NewKafkaWriter(cfg.Service.Kafka.Brokers, cfg.Service.Kafka.ClientID, cfg.Service.Kafka.Version)
	if err != nil {
		return nil, err
	}
	opts := []events.ProducerOptions{}
	if cfg.Service.Kafka.Topic != "" {
		opts = append(opts, events.WithOutputTopic(cfg.Service.Kafka.Topic))
	}
	return events.NewEventProducer(writer, opts...), nil
}

func newListener(address string) (net.Listener, error) {
	if address == "" {
		address = "localhost:0"
	}
	return net.Listen("tcp", address)
}
