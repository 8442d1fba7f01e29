package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach/internal/columns"
	"outreach/internal/config"
	"outreach/internal/distlock"
	"outreach/internal/engine"
	"outreach/internal/followup"
	"outreach/internal/mail"
	"outreach/internal/notify"
	"outreach/internal/oracle"
	"outreach/internal/records"
	"outreach/internal/router"
	"outreach/internal/store"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := cfg.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize thread store
	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer s.Close()

	if err := s.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Schema initialization failed")
	}

	redisClient, err := distlock.NewClient(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()

	mailbox, err := mail.NewGraph(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Graph mailbox initialization failed")
	}

	recs, err := records.NewSheets(ctx, cfg.SheetsCredentialsFile, cfg.SpreadsheetID, cfg.SheetName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Sheets record store initialization failed")
	}

	oracleClient, err := oracle.NewClient(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Oracle client initialization failed")
	}

	registry := columns.Default()
	gateway := oracle.NewGateway(oracleClient, registry,
		time.Duration(cfg.OracleTimeout)*time.Second, cfg.OracleHistoryLimit, logger)

	followUps, err := followup.LoadConfig(cfg.FollowUpConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid follow-up configuration")
	}

	eng := engine.New(engine.Options{
		Store:      s,
		Mailbox:    mailbox,
		Records:    recs,
		Gateway:    gateway,
		Router:     router.New(registry, logger),
		Scheduler:  followup.NewScheduler(followUps, logger),
		Digest:     notify.NewDigestService(cfg.SendGridAPIKey, cfg.DigestEmail, cfg.FromEmail, logger),
		Redis:      redisClient,
		ScanWindow: time.Duration(cfg.ScanWindowHours) * time.Hour,
		TimeBudget: cfg.RunTimeBudget,
		Logger:     logger,
	})

	ownerID := cfg.GraphMailbox
	interval := time.Duration(cfg.PollIntervalMinutes) * time.Minute
	logger.Info().Str("owner_id", ownerID).Dur("interval", interval).Msg("Runner starting")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First run immediately, then on every tick.
	for {
		stats, err := eng.Run(ctx, ownerID)
		if err != nil {
			logger.Error().Err(err).Msg("Run failed")
		} else {
			logger.Info().
				Int("listed", stats.Listed).
				Int("processed", stats.Processed).
				Int("followups", stats.FollowUps).
				Msg("Run complete")
		}

		select {
		case <-ctx.Done():
			logger.Info().Msg("Runner stopping")
			return
		case <-ticker.C:
		}
	}
}
