package main

import (
	"context"
	"errors"
	"time"

	"outreach/internal/config"
	"outreach/internal/followup"
	"outreach/internal/mail"
	"outreach/internal/match"
	"outreach/internal/models"
	"outreach/internal/records"
	"outreach/internal/store"
)

// One-shot initial campaign sender: walks the live sheet rows, creates a
// thread per contact that doesn't have one yet, and sends the intro email.
func main() {
	// Load configuration
	cfg := config.Load()

	// Setup logger
	logger := cfg.SetupLogger()

	ctx := context.Background()

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("Database connection failed")
	}
	defer s.Close()

	if err := s.Init(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Schema initialization failed")
	}

	mailbox, err := mail.NewGraph(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Graph mailbox initialization failed")
	}

	recs, err := records.NewSheets(ctx, cfg.SheetsCredentialsFile, cfg.SpreadsheetID, cfg.SheetName, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Sheets record store initialization failed")
	}

	followUps, err := followup.LoadConfig(cfg.FollowUpConfigPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Invalid follow-up configuration")
	}
	scheduler := followup.NewScheduler(followUps, logger)

	candidates, err := recs.OutreachCandidates(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read outreach candidates")
	}
	logger.Info().Int("candidates", len(candidates)).Msg("Campaign starting")

	ownerID := cfg.GraphMailbox
	sent, skipped := 0, 0

	for _, cand := range candidates {
		log := logger.With().Str("anchor", cand.Anchor).Str("contact", cand.ContactEmail).Logger()

		blocked, err := s.IsOptedOut(ctx, ownerID, cand.ContactEmail)
		if err != nil {
			log.Error().Err(err).Msg("Opt-out check failed")
			continue
		}
		if blocked {
			log.Info().Msg("Contact opted out, skipping")
			skipped++
			continue
		}

		thread := &models.Thread{
			OwnerID:      ownerID,
			ContactEmail: cand.ContactEmail,
			ContactName:  cand.ContactName,
			RecordAnchor: cand.Anchor,
			State:        models.StateActive,
		}
		if err := s.CreateThread(ctx, thread); err != nil {
			if errors.Is(err, store.ErrThreadExists) {
				log.Debug().Msg("Thread already exists, skipping")
				skipped++
				continue
			}
			log.Error().Err(err).Msg("Thread creation failed")
			continue
		}

		subject, body, err := scheduler.RenderIntro(thread)
		if err != nil {
			log.Error().Err(err).Msg("Intro render failed")
			continue
		}

		sentMsg, err := mailbox.Send(ctx, cand.ContactEmail, subject, body)
		if err != nil {
			// The thread stays without an outbound message; a rerun retries
			// nothing for it, so the failure is logged loudly.
			log.Error().Err(err).Msg("Intro send failed")
			continue
		}

		now := time.Now().UTC()
		msgID := match.NormalizeMessageID(sentMsg.MessageID)
		err = s.WithTx(ctx, func(tx *store.Tx) error {
			if err := tx.AppendMessage(ctx, &models.Message{
				MessageID:      msgID,
				ThreadID:       thread.ThreadID,
				Direction:      models.DirectionOutbound,
				ConversationID: sentMsg.ConversationID,
				FromAddr:       ownerID,
				Subject:        subject,
				Body:           body,
				ReceivedAt:     now,
			}); err != nil {
				return err
			}
			if err := tx.IndexMessageID(ctx, msgID, thread.ThreadID); err != nil {
				return err
			}
			if err := tx.IndexConversation(ctx, sentMsg.ConversationID, thread.ThreadID); err != nil {
				return err
			}
			return tx.TouchOutbound(ctx, thread.ThreadID, now)
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to record sent intro")
			continue
		}

		sent++
		log.Info().Str("thread_id", thread.ThreadID).Msg("Intro sent")
	}

	logger.Info().Int("sent", sent).Int("skipped", skipped).Msg("Campaign finished")
}
