package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ptvtracker-eta/internal/common/config"
	"github.com/ptvtracker-eta/internal/common/db"
	"github.com/ptvtracker-eta/internal/common/discord"
	"github.com/ptvtracker-eta/internal/common/logger"
	"github.com/ptvtracker-eta/internal/common/maintenance"
	gtfs_realtime "github.com/ptvtracker-eta/internal/gtfs-realtime"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/archive"
	"github.com/ptvtracker-eta/internal/gtfs-realtime/connection"
	"github.com/ptvtracker-eta/internal/metrics"
	"github.com/ptvtracker-eta/pkg/gtfs-realtime/models"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// A missing .env is fine; the environment may already be set.
	_ = godotenv.Load()

	var (
		cfg *config.Config
		err error
	)
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		cfg, err = config.LoadFile(path)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	logCfg := logger.DefaultConfig()
	logCfg.Level = logger.ParseLogLevel(cfg.Logging.Level)
	logCfg.FilePath = cfg.Logging.FilePath
	logCfg.File = cfg.Logging.FilePath != ""
	log := logger.NewFromConfig(logCfg)

	log.Info("PTV Tracker ETA service starting",
		"version", "1.0.0",
		"log_level", cfg.Logging.Level,
		"vehicle_positions", cfg.GTFSRealtime.VehiclePositionsURL != "",
		"trip_updates", cfg.GTFSRealtime.TripUpdatesURL != "",
		"polling_interval", cfg.GTFSRealtime.PollingInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	collector := metrics.NewCollector()
	var opts []gtfs_realtime.Option
	opts = append(opts, gtfs_realtime.WithMetrics(collector))

	var cleanup *maintenance.CleanupScheduler
	if cfg.Database.Enabled {
		database, err := db.New(ctx, cfg.Database.ConnectionString(), log)
		if err != nil {
			log.Fatal("Failed to connect to database", "error", err)
		}
		defer database.Close()

		recorder := archive.NewRecorder(database, log)
		if err := recorder.EnsureSchema(ctx); err != nil {
			log.Fatal("Failed to prepare fetch log", "error", err)
		}
		opts = append(opts, gtfs_realtime.WithRecorder(recorder))

		cleanup = maintenance.NewCleanupScheduler(recorder, log, maintenance.SchedulerConfig{
			CleanupInterval: cfg.Database.PruneInterval,
			Retention:       cfg.Database.Retention,
		}, collector)
	}

	manager := gtfs_realtime.NewManager(cfg.GTFSRealtime, cfg.Estimator, log, opts...)

	notifier := discord.NewNotifier(discord.NewClient(cfg.Logging.DiscordURL), log, 16)
	defer notifier.Close()
	if cfg.Logging.DiscordURL != "" {
		unsubscribe := manager.AddListener(func(feed models.FeedKind, from, to connection.State) {
			notifier.Notify(discord.Transition{Feed: string(feed), From: from.String(), To: to.String()})
		})
		defer unsubscribe()
	}

	if cfg.Metrics.Addr != "" {
		srv := collector.Serve(cfg.Metrics.Addr, log)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Warn("Metrics server shutdown failed", "error", err)
			}
		}()
	}

	if err := manager.Start(ctx); err != nil {
		log.Fatal("Failed to start GTFS-realtime manager", "error", err)
	}
	if cleanup != nil {
		cleanup.Start()
	}

	<-ctx.Done()
	log.Info("Shutdown signal received")

	manager.Stop()
	if cleanup != nil {
		cleanup.Stop()
		<-cleanup.Done()
	}

	log.Info("PTV Tracker ETA service stopped")
}
