package main

import (
	"context"

	"outreach/internal/config"
	"outreach/internal/followup"
	"outreach/internal/mail"
	"outreach/internal/server"
	"outreach/internal/store"
)

// @title Outreach API
// @version 1.0
// @description Notification feed and operator actions for the outreach engine
// @BasePath /
func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := cfg.SetupLogger()

	// Initialize thread store
	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Schema initialization failed")
	}

	// The mailbox is only needed for the approve endpoint; the server still
	// serves the feed without it.
	var mailbox mail.Provider
	if graph, err := mail.NewGraph(ctx, cfg, logger); err != nil {
		logger.Warn().Err(err).Msg("Graph mailbox unavailable, approve endpoint disabled")
	} else {
		mailbox = graph
	}

	followUps, err := followup.LoadConfig(cfg.FollowUpConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid follow-up configuration")
	}
	scheduler := followup.NewScheduler(followUps, logger)

	// Create and initialize server
	srv := server.New(cfg, s, mailbox, scheduler, logger)
	srv.Initialize()

	// Start server
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Server failed to start")
	}
}
