// Package router applies oracle decisions to threads: record field writes,
// the thread state machine, notifications, and reply draft selection. All
// thread-store mutations happen through the transaction the engine opened,
// so a failure rolls the whole commit unit back.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"outreach/internal/columns"
	"outreach/internal/models"
	"outreach/internal/records"
	"outreach/internal/store"
)

// ThreadOps is the slice of the store the router mutates, satisfied by
// *store.Tx (production) and *store.Store (tests).
type ThreadOps interface {
	UpdateThreadState(ctx context.Context, threadID string, state models.ThreadState, pausedReason *string) error
	CreateThread(ctx context.Context, t *models.Thread) error
	AddOptOut(ctx context.Context, ownerID, contactEmail, subreason string) error
	InsertNotification(ctx context.Context, n *models.Notification) (bool, error)
	RecordProvenance(ctx context.Context, recordAnchor, field, value string) error
	GetProvenance(ctx context.Context, recordAnchor, field string) (*models.FieldProvenance, error)
}

// Outcome summarizes one decision application. Reply is the body to send
// back to the contact; empty means no auto-send.
type Outcome struct {
	Reply         string
	FinalState    models.ThreadState
	AppliedFields []string
}

// Router is stateless; one instance serves all threads.
type Router struct {
	registry *columns.Registry
	logger   zerolog.Logger
}

// New builds a router over the given column registry.
func New(registry *columns.Registry, logger zerolog.Logger) *Router {
	return &Router{
		registry: registry,
		logger:   logger.With().Str("component", "router").Logger(),
	}
}

// eventRank orders decision events for application. Lower ranks win: a
// pausing or closing event must take effect before anything weaker, no
// matter how the oracle ordered its output.
func eventRank(kind models.EventKind) int {
	switch kind {
	case models.EventContactOptOut:
		return 0
	case models.EventCallRequested, models.EventTourRequested:
		return 1
	case models.EventNeedsUserInput:
		return 2
	case models.EventWrongContact:
		return 3
	case models.EventPropertyUnavailable:
		return 4
	case models.EventCloseConversation:
		return 5
	case models.EventNewProperty:
		return 6
	case models.EventPropertyIssue:
		return 7
	}
	return 99
}

// Apply runs one decision against one thread. The thread struct is not
// mutated; FinalState on the outcome carries the resulting state.
func (r *Router) Apply(ctx context.Context, ops ThreadOps, rec records.Store, thread *models.Thread, d *models.Decision) (*Outcome, error) {
	out := &Outcome{FinalState: thread.State}
	log := r.logger.With().Str("thread_id", thread.ThreadID).Logger()

	// Terminal threads keep their audit trail growing but nothing else.
	if thread.State.IsTerminal() {
		log.Debug().Str("state", string(thread.State)).Msg("thread terminal, decision discarded")
		return out, nil
	}

	startState := thread.State
	var (
		snapshot map[string]string
		writes   map[string]string
	)

	// Field writes go first, and only on ACTIVE threads.
	if startState == models.StateActive && len(d.Updates) > 0 {
		snap, err := rec.Snapshot(ctx, thread.RecordAnchor)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot record: %w", err)
		}
		snapshot = snap
		writes, err = r.applyUpdates(ctx, ops, rec, thread, d.Updates, snapshot)
		if err != nil {
			return nil, err
		}
		for field := range writes {
			out.AppliedFields = append(out.AppliedFields, field)
		}
	}

	events := sortEvents(d.Events)

	var (
		stateChanged bool
		unavailable  bool
		closing      bool
		pausing      bool
		newProps     int
	)

	for _, ev := range events {
		switch ev.Kind {
		case models.EventContactOptOut:
			// Allowed from any non-terminal state.
			if stateChanged {
				log.Debug().Str("event", string(ev.Kind)).Msg("state already changed, event skipped")
				continue
			}
			if err := r.applyOptOut(ctx, ops, thread, ev, out); err != nil {
				return nil, err
			}
			stateChanged, pausing = true, true

		case models.EventWrongContact:
			// Allowed from any non-terminal state; a PAUSED thread stays
			// PAUSED under the new reason.
			if stateChanged {
				log.Debug().Str("event", string(ev.Kind)).Msg("state already changed, event skipped")
				continue
			}
			if err := r.applyPause(ctx, ops, thread, ev, out); err != nil {
				return nil, err
			}
			stateChanged, pausing = true, true

		case models.EventCallRequested, models.EventTourRequested, models.EventNeedsUserInput:
			if startState != models.StateActive {
				log.Debug().Str("event", string(ev.Kind)).Msg("thread not active, pause event skipped")
				continue
			}
			if stateChanged {
				log.Debug().Str("event", string(ev.Kind)).Msg("state already changed, event skipped")
				continue
			}
			if err := r.applyPause(ctx, ops, thread, ev, out); err != nil {
				return nil, err
			}
			stateChanged, pausing = true, true

		case models.EventPropertyUnavailable:
			if startState != models.StateActive {
				log.Debug().Msg("thread not active, property_unavailable skipped")
				continue
			}
			unavailable = true
			if stateChanged {
				log.Debug().Msg("state already changed, unavailable recorded without transition")
				continue
			}
			if err := r.applyUnavailable(ctx, ops, rec, thread, out); err != nil {
				return nil, err
			}
			stateChanged = true

		case models.EventCloseConversation:
			if startState != models.StateActive {
				log.Debug().Msg("thread not active, close skipped")
				continue
			}
			if stateChanged {
				log.Debug().Msg("state already changed, close skipped")
				continue
			}
			if err := r.applyClose(ctx, ops, thread, out); err != nil {
				return nil, err
			}
			stateChanged, closing = true, true

		case models.EventNewProperty:
			// No precondition beyond non-terminal, and no effect on this
			// thread: a pausing event in the same decision must not suppress
			// a genuinely offered property.
			if err := r.applyNewProperty(ctx, ops, rec, thread, ev); err != nil {
				return nil, err
			}
			newProps++

		case models.EventPropertyIssue:
			if startState != models.StateActive {
				log.Debug().Msg("thread not active at decision start, property_issue skipped")
				continue
			}
			if err := r.applyIssue(ctx, ops, thread, ev); err != nil {
				return nil, err
			}
		}
	}

	// A reply that filled in the last required fields completes the thread
	// even without an explicit close event.
	if !stateChanged && startState == models.StateActive && len(writes) > 0 {
		merged := mergedSnapshot(snapshot, writes)
		if len(r.registry.MissingRequired(merged)) == 0 {
			if err := r.complete(ctx, ops, thread, out); err != nil {
				return nil, err
			}
			stateChanged, closing = true, true
		}
	}

	out.Reply = r.selectReply(thread, d, out, replyInputs{
		pausing:     pausing,
		unavailable: unavailable,
		closing:     closing,
		newProps:    newProps,
		snapshot:    snapshot,
		startActive: startState == models.StateActive,
	})

	return out, nil
}

// applyUpdates filters and writes the decision's field updates. Rejected
// values are dropped field-by-field; the rest still apply. Returns the
// writes that landed, keyed by canonical field name.
func (r *Router) applyUpdates(ctx context.Context, ops ThreadOps, rec records.Store, thread *models.Thread, updates []models.RecordUpdate, snapshot map[string]string) (map[string]string, error) {
	log := r.logger.With().Str("thread_id", thread.ThreadID).Logger()
	writes := make(map[string]string)
	var applied []string

	for _, u := range updates {
		field, ok := r.registry.Lookup(u.Field)
		if !ok {
			log.Warn().Str("field", u.Field).Msg("unknown field rejected")
			continue
		}
		if !r.registry.Writable(field.Name) {
			log.Warn().Str("field", field.Name).Msg("protected field rejected")
			continue
		}
		value := strings.TrimSpace(u.Value)
		if err := r.registry.Validate(field.Name, value); err != nil {
			log.Warn().Err(err).Str("field", field.Name).Msg("invalid value rejected")
			continue
		}

		current := strings.TrimSpace(snapshot[field.Name])
		if current == value {
			continue
		}

		// Human-override check: if the engine wrote this field before and the
		// sheet no longer holds that value, a person edited it since. That
		// includes a person clearing the cell, so the comparison runs on
		// every field with provenance, blank or not.
		prov, err := ops.GetProvenance(ctx, thread.RecordAnchor, field.Name)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("failed to check provenance: %w", err)
		}
		if prov != nil {
			if prov.LastValue != current {
				log.Info().Str("field", field.Name).Msg("human-edited field preserved")
				continue
			}
		} else if current != "" {
			// A value the engine never wrote is human data.
			log.Info().Str("field", field.Name).Msg("human-entered field preserved")
			continue
		}

		writes[field.Name] = value
		applied = append(applied, field.Name)
	}

	if len(writes) == 0 {
		return nil, nil
	}

	if err := rec.UpdateFields(ctx, thread.RecordAnchor, writes); err != nil {
		return nil, fmt.Errorf("failed to write record fields: %w", err)
	}

	for field, value := range writes {
		if err := ops.RecordProvenance(ctx, thread.RecordAnchor, field, value); err != nil {
			return nil, err
		}
		key := fmt.Sprintf("sheet_update:%s:%s:%s", thread.ThreadID, field, value)
		if _, err := ops.InsertNotification(ctx, &models.Notification{
			OwnerID:      thread.OwnerID,
			Kind:         models.KindSheetUpdate,
			Priority:     models.PriorityNormal,
			ContactEmail: thread.ContactEmail,
			ThreadID:     thread.ThreadID,
			RecordAnchor: thread.RecordAnchor,
			Meta:         map[string]string{"field": field, "value": value},
			DedupeKey:    &key,
		}); err != nil {
			return nil, err
		}
	}

	log.Info().Strs("fields", applied).Msg("record fields applied")
	return writes, nil
}

func (r *Router) applyOptOut(ctx context.Context, ops ThreadOps, thread *models.Thread, ev models.Event, out *Outcome) error {
	subreason := ev.Subreason
	if subreason == "" {
		subreason = "explicit_request"
	}
	if err := ops.AddOptOut(ctx, thread.OwnerID, thread.ContactEmail, subreason); err != nil {
		return err
	}
	if err := ops.UpdateThreadState(ctx, thread.ThreadID, models.StateClosed, nil); err != nil {
		return err
	}
	out.FinalState = models.StateClosed

	key := fmt.Sprintf("conversation_closed:%s:optout", thread.ThreadID)
	if _, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindConversationClosed,
		Priority:     models.PriorityImportant,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		Meta:         map[string]string{"reason": "contact_optout", "subreason": subreason},
		DedupeKey:    &key,
	}); err != nil {
		return err
	}

	// The operator has to see an opt-out, so it also lands in the
	// action-needed feed the digest is built from.
	actionKey := fmt.Sprintf("action_needed:%s:contact_optout:%s", thread.ThreadID, subreason)
	_, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindActionNeeded,
		Priority:     models.PriorityImportant,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		Meta:         map[string]string{"reason": "contact_optout:" + subreason},
		DedupeKey:    &actionKey,
	})
	return err
}

func (r *Router) applyPause(ctx context.Context, ops ThreadOps, thread *models.Thread, ev models.Event, out *Outcome) error {
	reason := string(ev.Kind)
	if ev.Subreason != "" {
		reason += ":" + ev.Subreason
	}
	if err := ops.UpdateThreadState(ctx, thread.ThreadID, models.StatePaused, &reason); err != nil {
		return err
	}
	out.FinalState = models.StatePaused

	meta := map[string]string{"reason": reason}
	if ev.Notes != "" {
		meta["notes"] = ev.Notes
	}
	key := fmt.Sprintf("action_needed:%s:%s", thread.ThreadID, reason)
	_, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindActionNeeded,
		Priority:     models.PriorityImportant,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		Meta:         meta,
		DedupeKey:    &key,
	})
	return err
}

func (r *Router) applyUnavailable(ctx context.Context, ops ThreadOps, rec records.Store, thread *models.Thread, out *Outcome) error {
	if err := ops.UpdateThreadState(ctx, thread.ThreadID, models.StateNonViable, nil); err != nil {
		return err
	}
	out.FinalState = models.StateNonViable

	if err := rec.MarkNonViable(ctx, thread.RecordAnchor); err != nil {
		// The sheet move is best-effort; the state transition stands and the
		// operator sees the notification either way.
		r.logger.Error().Err(err).Str("thread_id", thread.ThreadID).
			Msg("failed to move record to non-viable section")
	}

	key := fmt.Sprintf("property_unavailable:%s", thread.ThreadID)
	_, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindPropertyUnavailable,
		Priority:     models.PriorityImportant,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		DedupeKey:    &key,
	})
	return err
}

// applyClose honors a close_conversation event. The close is unconditional:
// the contact ended the exchange, and a record left incomplete stays visible
// as such on the sheet.
func (r *Router) applyClose(ctx context.Context, ops ThreadOps, thread *models.Thread, out *Outcome) error {
	if err := ops.UpdateThreadState(ctx, thread.ThreadID, models.StateClosed, nil); err != nil {
		return err
	}
	out.FinalState = models.StateClosed

	key := fmt.Sprintf("conversation_closed:%s", thread.ThreadID)
	_, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindConversationClosed,
		Priority:     models.PriorityNormal,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		DedupeKey:    &key,
	})
	return err
}

func (r *Router) complete(ctx context.Context, ops ThreadOps, thread *models.Thread, out *Outcome) error {
	if err := ops.UpdateThreadState(ctx, thread.ThreadID, models.StateComplete, nil); err != nil {
		return err
	}
	out.FinalState = models.StateComplete

	key := fmt.Sprintf("row_completed:%s", thread.RecordAnchor)
	_, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindRowCompleted,
		Priority:     models.PriorityImportant,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		DedupeKey:    &key,
	})
	return err
}

// applyNewProperty inserts a pending record row and a sibling thread that
// waits for operator approval before any outreach happens.
func (r *Router) applyNewProperty(ctx context.Context, ops ThreadOps, rec records.Store, thread *models.Thread, ev models.Event) error {
	values := map[string]string{
		"Property Address": ev.Address,
		"City":             ev.City,
		"Leasing Contact":  thread.ContactName,
		"Email":            thread.ContactEmail,
	}
	if ev.Link != "" {
		values["Flyer / Link"] = ev.Link
	}
	if ev.Notes != "" {
		values["Listing Brokers Comments"] = ev.Notes
	}

	anchor, err := rec.InsertPending(ctx, values)
	if err != nil {
		return fmt.Errorf("failed to insert pending record: %w", err)
	}

	reason := "pending_approval"
	sibling := &models.Thread{
		OwnerID:      thread.OwnerID,
		ContactEmail: thread.ContactEmail,
		ContactName:  thread.ContactName,
		RecordAnchor: anchor,
		State:        models.StatePaused,
		PausedReason: &reason,
	}
	if err := ops.CreateThread(ctx, sibling); err != nil {
		if errors.Is(err, store.ErrThreadExists) {
			r.logger.Debug().Str("anchor", anchor).Msg("sibling thread already exists")
			return nil
		}
		return err
	}

	key := fmt.Sprintf("action_needed:new_property:%s", anchor)
	_, err = ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindActionNeeded,
		Priority:     models.PriorityImportant,
		ContactEmail: thread.ContactEmail,
		ThreadID:     sibling.ThreadID,
		RecordAnchor: anchor,
		Meta:         map[string]string{"reason": "new_property", "source_thread": thread.ThreadID},
		DedupeKey:    &key,
	})
	return err
}

func (r *Router) applyIssue(ctx context.Context, ops ThreadOps, thread *models.Thread, ev models.Event) error {
	priority := models.PriorityNormal
	if ev.Subreason == "major" {
		priority = models.PriorityImportant
	}
	key := fmt.Sprintf("property_issue:%s:%s", thread.ThreadID, ev.Subreason)
	_, err := ops.InsertNotification(ctx, &models.Notification{
		OwnerID:      thread.OwnerID,
		Kind:         models.KindActionNeeded,
		Priority:     priority,
		ContactEmail: thread.ContactEmail,
		ThreadID:     thread.ThreadID,
		RecordAnchor: thread.RecordAnchor,
		Meta:         map[string]string{"reason": "property_issue", "severity": ev.Subreason, "notes": ev.Notes},
		DedupeKey:    &key,
	})
	return err
}

func sortEvents(events []models.Event) []models.Event {
	sorted := make([]models.Event, len(events))
	copy(sorted, events)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && eventRank(sorted[j].Kind) < eventRank(sorted[j-1].Kind); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	return sorted
}

func mergedSnapshot(snapshot, writes map[string]string) map[string]string {
	merged := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		merged[k] = v
	}
	for k, v := range writes {
		merged[k] = v
	}
	return merged
}
