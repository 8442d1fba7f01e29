// Package engine drives one owner's processing run: scan the mailbox,
// correlate and decide each inbound message, apply the decision inside a
// per-thread transaction, then fire due follow-ups and the operator digest.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"outreach/internal/distlock"
	"outreach/internal/followup"
	"outreach/internal/mail"
	"outreach/internal/match"
	"outreach/internal/models"
	"outreach/internal/notify"
	"outreach/internal/records"
	"outreach/internal/router"
	"outreach/internal/store"
)

// Decider produces a Decision for one inbound message. Satisfied by
// *oracle.Gateway.
type Decider interface {
	Decide(ctx context.Context, thread *models.Thread, snapshot map[string]string, history []models.Message, inbound *models.Message) *models.Decision
}

// Engine wires the run pipeline together. One Engine serves all owners;
// runs for the same owner are serialized by the Redis lock.
type Engine struct {
	store     *store.Store
	mailbox   mail.Provider
	recs      records.Store
	gateway   Decider
	router    *router.Router
	scheduler *followup.Scheduler
	digest    *notify.DigestService
	redis     *redis.Client

	scanWindow time.Duration
	timeBudget time.Duration
	logger     zerolog.Logger
}

// Options collects the engine's collaborators.
type Options struct {
	Store      *store.Store
	Mailbox    mail.Provider
	Records    records.Store
	Gateway    Decider
	Router     *router.Router
	Scheduler  *followup.Scheduler
	Digest     *notify.DigestService
	Redis      *redis.Client
	ScanWindow time.Duration
	TimeBudget time.Duration
	Logger     zerolog.Logger
}

// New builds an engine.
func New(opts Options) *Engine {
	if opts.ScanWindow <= 0 {
		opts.ScanWindow = 5 * time.Hour
	}
	if opts.TimeBudget <= 0 {
		opts.TimeBudget = 10 * time.Minute
	}
	return &Engine{
		store:      opts.Store,
		mailbox:    opts.Mailbox,
		recs:       opts.Records,
		gateway:    opts.Gateway,
		router:     opts.Router,
		scheduler:  opts.Scheduler,
		digest:     opts.Digest,
		redis:      opts.Redis,
		scanWindow: opts.ScanWindow,
		timeBudget: opts.TimeBudget,
		logger:     opts.Logger.With().Str("component", "engine").Logger(),
	}
}

// RunStats summarizes one run for logging and the health endpoint.
type RunStats struct {
	Listed     int
	Processed  int
	Skipped    int
	Unmatched  int
	Resumed    int
	FollowUps  int
	DigestSize int
}

// Run executes one full pass for the owner. A second concurrent run for
// the same owner returns immediately without error.
func (e *Engine) Run(ctx context.Context, ownerID string) (*RunStats, error) {
	lock := distlock.NewRunLock(e.redis, ownerID, e.timeBudget+time.Minute)
	acquired, err := lock.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	if !acquired {
		e.logger.Info().Str("owner_id", ownerID).Msg("run already in progress, skipping")
		return &RunStats{}, nil
	}
	defer func() {
		if err := lock.Release(context.Background()); err != nil {
			e.logger.Error().Err(err).Msg("failed to release run lock")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, e.timeBudget)
	defer cancel()

	runStart := time.Now().UTC()
	since := e.scanCutoff(ctx, ownerID, runStart)

	inbound, err := e.mailbox.ListInbound(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("failed to list inbox: %w", err)
	}

	stats := &RunStats{Listed: len(inbound)}
	log := e.logger.With().Str("owner_id", ownerID).Logger()
	log.Info().Int("messages", len(inbound)).Time("since", since).Msg("run started")

	for i := range inbound {
		if ctx.Err() != nil {
			log.Warn().Int("remaining", len(inbound)-i).Msg("time budget exhausted, deferring rest to next run")
			break
		}
		switch err := e.processInbound(ctx, ownerID, &inbound[i]); {
		case err == nil:
			stats.Processed++
		case errors.Is(err, errDuplicate), errors.Is(err, errAutoReply):
			stats.Skipped++
		case errors.Is(err, match.ErrUnmatched):
			stats.Unmatched++
			log.Debug().Str("message_id", inbound[i].MessageID).Msg("unmatched message ignored")
		default:
			// One broken message must not sink the run.
			log.Error().Err(err).Str("message_id", inbound[i].MessageID).Msg("message processing failed")
		}
	}

	if ctx.Err() == nil {
		resumed, err := e.scanSentItems(ctx, since)
		if err != nil {
			log.Error().Err(err).Msg("sent-items scan failed")
		}
		stats.Resumed = resumed
	}

	if ctx.Err() == nil {
		sent, err := e.scheduler.Scan(ctx, e.store, ownerID, time.Now(), e.sendFollowUp)
		if err != nil {
			log.Error().Err(err).Msg("follow-up scan failed")
		}
		stats.FollowUps = sent
	}

	if e.digest != nil {
		n, err := e.digest.SendDigest(ctx, e.store, ownerID)
		if err != nil {
			log.Error().Err(err).Msg("digest send failed")
		}
		stats.DigestSize = n
	}

	if err := e.store.SetLastScanAt(ctx, ownerID, runStart); err != nil {
		log.Error().Err(err).Msg("failed to persist scan watermark")
	}

	log.Info().
		Int("processed", stats.Processed).
		Int("skipped", stats.Skipped).
		Int("unmatched", stats.Unmatched).
		Int("resumed", stats.Resumed).
		Int("followups", stats.FollowUps).
		Msg("run finished")
	return stats, nil
}

// scanCutoff picks the listing window start: the previous run's watermark,
// clamped to the configured scan window.
func (e *Engine) scanCutoff(ctx context.Context, ownerID string, now time.Time) time.Time {
	floor := now.Add(-e.scanWindow)
	last, err := e.store.LastScanAt(ctx, ownerID)
	if err != nil || last.Before(floor) {
		return floor
	}
	return last
}

var (
	errDuplicate = errors.New("engine: duplicate message")
	errAutoReply = errors.New("engine: auto-reply filtered")
)

// processInbound handles one message end to end. All thread mutations land
// in a single transaction; a failure anywhere rolls the whole unit back
// and the message is retried on the next run.
func (e *Engine) processInbound(ctx context.Context, ownerID string, in *mail.Inbound) error {
	if in.MessageID == "" {
		return match.ErrUnmatched
	}
	msgID := match.NormalizeMessageID(in.MessageID)

	// Cheap pre-checks outside the transaction; the dedup check repeats
	// inside it to stay correct under concurrent delivery.
	if seen, err := e.store.HasMessage(ctx, msgID); err != nil {
		return err
	} else if seen {
		return errDuplicate
	}

	threadID, err := match.NewEngine(e.store).Resolve(ctx, match.Candidate{
		InReplyTo:      in.InReplyTo,
		References:     in.References,
		ConversationID: in.ConversationID,
	})
	if err != nil {
		return err
	}

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return err
	}

	inboundMsg := &models.Message{
		MessageID:        msgID,
		ThreadID:         thread.ThreadID,
		Direction:        models.DirectionInbound,
		ReferencesHeader: in.References,
		ConversationID:   in.ConversationID,
		FromAddr:         in.From,
		Subject:          in.Subject,
		Body:             in.Body,
		ReceivedAt:       in.ReceivedAt,
	}
	if in.InReplyTo != "" {
		v := match.NormalizeMessageID(in.InReplyTo)
		inboundMsg.InReplyTo = &v
	}

	// Auto-replies join the audit trail but never reach the oracle.
	if match.IsAutoReply(in.Subject, in.Headers) {
		if err := e.appendOnly(ctx, inboundMsg); err != nil {
			return err
		}
		return errAutoReply
	}

	// Terminal threads accept the message for audit, nothing more.
	if thread.State.IsTerminal() {
		return e.appendOnly(ctx, inboundMsg)
	}

	history, err := e.store.ThreadMessages(ctx, thread.ThreadID)
	if err != nil {
		return err
	}
	snapshot, err := e.recs.Snapshot(ctx, thread.RecordAnchor)
	if err != nil {
		e.logger.Warn().Err(err).Str("anchor", thread.RecordAnchor).Msg("record snapshot unavailable")
		snapshot = map[string]string{}
	}

	// The oracle runs outside the transaction so a slow model never holds
	// row locks.
	decision := e.gateway.Decide(ctx, thread, snapshot, history, inboundMsg)

	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if seen, err := tx.HasMessage(ctx, msgID); err != nil {
			return err
		} else if seen {
			return errDuplicate
		}
		if err := tx.AppendMessage(ctx, inboundMsg); err != nil {
			return err
		}
		if err := tx.IndexMessageID(ctx, msgID, thread.ThreadID); err != nil {
			return err
		}
		if err := tx.IndexConversation(ctx, in.ConversationID, thread.ThreadID); err != nil {
			return err
		}
		if err := tx.TouchInbound(ctx, thread.ThreadID, in.ReceivedAt); err != nil {
			return err
		}

		outcome, err := e.router.Apply(ctx, tx, e.recs, thread, decision)
		if err != nil {
			return err
		}
		if outcome.Reply == "" {
			return nil
		}
		return e.sendReply(ctx, tx, thread, in.ProviderID, outcome.Reply)
	})
}

// appendOnly stores a message with indexing but no decision processing.
func (e *Engine) appendOnly(ctx context.Context, msg *models.Message) error {
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if seen, err := tx.HasMessage(ctx, msg.MessageID); err != nil {
			return err
		} else if seen {
			return errDuplicate
		}
		if err := tx.AppendMessage(ctx, msg); err != nil {
			return err
		}
		if err := tx.IndexMessageID(ctx, msg.MessageID, msg.ThreadID); err != nil {
			return err
		}
		return tx.IndexConversation(ctx, msg.ConversationID, msg.ThreadID)
	})
}

// sendReply delivers an outbound reply and records it. A provider failure
// is logged but does not abort the transaction: the state transition and
// notifications stand, and the contact simply gets no auto-reply.
func (e *Engine) sendReply(ctx context.Context, tx *store.Tx, thread *models.Thread, providerID, body string) error {
	blocked, err := tx.IsOptedOut(ctx, thread.OwnerID, thread.ContactEmail)
	if err != nil {
		return err
	}
	if blocked {
		e.logger.Info().Str("thread_id", thread.ThreadID).Msg("send blocked by opt-out")
		return nil
	}

	sent, err := e.mailbox.Reply(ctx, providerID, body)
	if err != nil {
		e.logger.Error().Err(err).Str("thread_id", thread.ThreadID).Msg("reply send failed")
		return nil
	}

	now := time.Now().UTC()
	msgID := match.NormalizeMessageID(sent.MessageID)
	outMsg := &models.Message{
		MessageID:      msgID,
		ThreadID:       thread.ThreadID,
		Direction:      models.DirectionOutbound,
		ConversationID: sent.ConversationID,
		FromAddr:       thread.OwnerID,
		Body:           body,
		ReceivedAt:     now,
	}
	if err := tx.AppendMessage(ctx, outMsg); err != nil {
		return err
	}
	if err := tx.IndexMessageID(ctx, msgID, thread.ThreadID); err != nil {
		return err
	}
	if err := tx.IndexConversation(ctx, sent.ConversationID, thread.ThreadID); err != nil {
		return err
	}
	return tx.TouchOutbound(ctx, thread.ThreadID, now)
}

// sendFollowUp is the Scan callback: opt-out check, threaded reply on the
// thread's last outbound message, then record the outbound and bump the
// counters in one transaction. Following up as a reply keeps the
// conversation id intact, so the broker's eventual answer correlates the
// same way an answer to the intro would.
func (e *Engine) sendFollowUp(ctx context.Context, thread *models.Thread, tier int, subject, body string) error {
	blocked, err := e.store.IsOptedOut(ctx, thread.OwnerID, thread.ContactEmail)
	if err != nil {
		return err
	}
	if blocked {
		e.logger.Info().Str("thread_id", thread.ThreadID).Msg("follow-up blocked by opt-out")
		return nil
	}

	last, err := e.store.LastOutboundMessage(ctx, thread.ThreadID)
	if err != nil {
		return fmt.Errorf("no outbound message to follow up on: %w", err)
	}

	sent, err := e.mailbox.ReplyToMessageID(ctx, last.MessageID, body)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	msgID := match.NormalizeMessageID(sent.MessageID)
	return e.store.WithTx(ctx, func(tx *store.Tx) error {
		if err := tx.AppendMessage(ctx, &models.Message{
			MessageID:      msgID,
			ThreadID:       thread.ThreadID,
			Direction:      models.DirectionOutbound,
			ConversationID: sent.ConversationID,
			FromAddr:       thread.OwnerID,
			Subject:        subject,
			Body:           body,
			ReceivedAt:     now,
		}); err != nil {
			return err
		}
		if err := tx.IndexMessageID(ctx, msgID, thread.ThreadID); err != nil {
			return err
		}
		if err := tx.IndexConversation(ctx, sent.ConversationID, thread.ThreadID); err != nil {
			return err
		}
		if err := tx.TouchOutbound(ctx, thread.ThreadID, now); err != nil {
			return err
		}
		return tx.IncrementFollowups(ctx, thread.ThreadID)
	})
}

// scanSentItems walks the sent folder for mail the engine didn't send
// itself. A human writing to the contact from the monitored mailbox is how
// a paused conversation gets taken over, so such a message reactivates its
// PAUSED thread.
func (e *Engine) scanSentItems(ctx context.Context, since time.Time) (int, error) {
	sent, err := e.mailbox.ListSent(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list sent items: %w", err)
	}

	resumed := 0
	for i := range sent {
		ok, err := e.processSent(ctx, &sent[i])
		if err != nil {
			e.logger.Error().Err(err).Str("message_id", sent[i].MessageID).Msg("sent message processing failed")
			continue
		}
		if ok {
			resumed++
		}
	}
	return resumed, nil
}

// processSent records one human-sent message and reports whether it resumed
// a paused thread. Engine-sent mail is already stored at send time, so a
// known message id means there is nothing to do.
func (e *Engine) processSent(ctx context.Context, out *mail.Inbound) (bool, error) {
	if out.MessageID == "" {
		return false, nil
	}
	msgID := match.NormalizeMessageID(out.MessageID)

	if seen, err := e.store.HasMessage(ctx, msgID); err != nil || seen {
		return false, err
	}

	threadID, err := match.NewEngine(e.store).Resolve(ctx, match.Candidate{
		InReplyTo:      out.InReplyTo,
		References:     out.References,
		ConversationID: out.ConversationID,
	})
	if errors.Is(err, match.ErrUnmatched) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return false, err
	}

	outMsg := &models.Message{
		MessageID:        msgID,
		ThreadID:         thread.ThreadID,
		Direction:        models.DirectionOutbound,
		ReferencesHeader: out.References,
		ConversationID:   out.ConversationID,
		FromAddr:         thread.OwnerID,
		Subject:          out.Subject,
		Body:             out.Body,
		ReceivedAt:       out.ReceivedAt,
	}
	if out.InReplyTo != "" {
		v := match.NormalizeMessageID(out.InReplyTo)
		outMsg.InReplyTo = &v
	}

	resume := thread.State == models.StatePaused
	err = e.store.WithTx(ctx, func(tx *store.Tx) error {
		if seen, err := tx.HasMessage(ctx, msgID); err != nil {
			return err
		} else if seen {
			return errDuplicate
		}
		if err := tx.AppendMessage(ctx, outMsg); err != nil {
			return err
		}
		if err := tx.IndexMessageID(ctx, msgID, thread.ThreadID); err != nil {
			return err
		}
		if err := tx.IndexConversation(ctx, out.ConversationID, thread.ThreadID); err != nil {
			return err
		}
		if err := tx.TouchOutbound(ctx, thread.ThreadID, out.ReceivedAt); err != nil {
			return err
		}
		if !resume {
			return nil
		}
		e.logger.Info().Str("thread_id", thread.ThreadID).Msg("human takeover detected, thread resumed")
		return tx.UpdateThreadState(ctx, thread.ThreadID, models.StateActive, nil)
	})
	if errors.Is(err, errDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resume, nil
}
