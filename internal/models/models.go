// Package models defines the domain types shared across the outreach engine:
// conversation threads, messages, oracle decisions, and notifications.
package models

import (
	"time"
)

// ThreadState is the lifecycle state of a conversation thread.
type ThreadState string

const (
	StateActive    ThreadState = "ACTIVE"
	StatePaused    ThreadState = "PAUSED"
	StateComplete  ThreadState = "COMPLETE"
	StateNonViable ThreadState = "NON_VIABLE"
	StateClosed    ThreadState = "CLOSED"
)

// IsTerminal reports whether no further transitions are permitted.
func (s ThreadState) IsTerminal() bool {
	switch s {
	case StateComplete, StateNonViable, StateClosed:
		return true
	}
	return false
}

// Thread is one tracked conversation between the system and one contact
// about one property. Exactly one thread may be ACTIVE or PAUSED per
// (owner, contact_email, record_anchor) at a time.
type Thread struct {
	ThreadID      string      `db:"thread_id" json:"thread_id"`
	OwnerID       string      `db:"owner_id" json:"owner_id"`
	ContactEmail  string      `db:"contact_email" json:"contact_email"`
	ContactName   string      `db:"contact_name" json:"contact_name"`
	RecordAnchor  string      `db:"record_anchor" json:"record_anchor"`
	State         ThreadState `db:"state" json:"state"`
	PausedReason  *string     `db:"paused_reason" json:"paused_reason,omitempty"`
	FollowupsSent int         `db:"followups_sent" json:"followups_sent"`
	CreatedAt     time.Time   `db:"created_at" json:"created_at"`
	LastInboundAt *time.Time  `db:"last_inbound_at" json:"last_inbound_at,omitempty"`
	LastOutboundAt *time.Time `db:"last_outbound_at" json:"last_outbound_at,omitempty"`
	UpdatedAt     time.Time   `db:"updated_at" json:"updated_at"`
}

// Direction of a stored message.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Message is one email in a thread. Messages are append-only; they are
// never edited or removed once stored.
type Message struct {
	MessageID        string    `db:"message_id" json:"message_id"`
	ThreadID         string    `db:"thread_id" json:"thread_id"`
	Direction        Direction `db:"direction" json:"direction"`
	InReplyTo        *string   `db:"in_reply_to" json:"in_reply_to,omitempty"`
	ReferencesHeader string    `db:"references_header" json:"references_header,omitempty"`
	ConversationID   string    `db:"conversation_id" json:"conversation_id"`
	FromAddr         string    `db:"from_addr" json:"from"`
	Subject          string    `db:"subject" json:"subject"`
	Body             string    `db:"body" json:"body"`
	ReceivedAt       time.Time `db:"received_at" json:"received_at"`
}

// EventKind is the closed vocabulary of decision outcomes the oracle can emit.
type EventKind string

const (
	EventContactOptOut       EventKind = "contact_optout"
	EventCallRequested       EventKind = "call_requested"
	EventTourRequested       EventKind = "tour_requested"
	EventNeedsUserInput      EventKind = "needs_user_input"
	EventWrongContact        EventKind = "wrong_contact"
	EventPropertyUnavailable EventKind = "property_unavailable"
	EventCloseConversation   EventKind = "close_conversation"
	EventNewProperty         EventKind = "new_property"
	EventPropertyIssue       EventKind = "property_issue"
)

// Event is one tagged outcome inside a Decision. Subreason carries the
// qualifier for needs_user_input / contact_optout / wrong_contact, and the
// severity for property_issue. The property fields are only set for
// new_property events.
type Event struct {
	Kind      EventKind `json:"type"`
	Subreason string    `json:"subreason,omitempty"`
	Address   string    `json:"address,omitempty"`
	City      string    `json:"city,omitempty"`
	Link      string    `json:"link,omitempty"`
	Notes     string    `json:"notes,omitempty"`
}

// RecordUpdate is one proposed field write inside a Decision.
type RecordUpdate struct {
	Field      string  `json:"column"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason,omitempty"`
}

// Decision is the normalized outcome of invoking the extraction oracle on
// one inbound message. It is consumed exactly once by the router and then
// discarded; only its effects persist.
type Decision struct {
	Updates       []RecordUpdate `json:"updates"`
	Events        []Event        `json:"events"`
	ResponseDraft string         `json:"response_draft,omitempty"`
	Notes         string         `json:"notes,omitempty"`
}

// Notification priority levels.
const (
	PriorityNormal    = "normal"
	PriorityImportant = "important"
)

// Notification kinds produced by the router.
const (
	KindSheetUpdate         = "sheet_update"
	KindRowCompleted        = "row_completed"
	KindPropertyUnavailable = "property_unavailable"
	KindConversationClosed  = "conversation_closed"
	KindActionNeeded        = "action_needed"
)

// Notification is a read-only record describing a side effect, consumed by
// an external UI. Never mutated after creation.
type Notification struct {
	ID           string            `db:"id" json:"id"`
	OwnerID      string            `db:"owner_id" json:"owner_id"`
	Kind         string            `db:"kind" json:"kind"`
	Priority     string            `db:"priority" json:"priority"`
	ContactEmail string            `db:"contact_email" json:"contact_email"`
	ThreadID     string            `db:"thread_id" json:"thread_id"`
	RecordAnchor string            `db:"record_anchor" json:"record_anchor"`
	Meta         map[string]string `db:"-" json:"meta"`
	MetaJSON     []byte            `db:"meta" json:"-"`
	DedupeKey    *string           `db:"dedupe_key" json:"-"`
	Read         bool              `db:"read" json:"read"`
	CreatedAt    time.Time         `db:"created_at" json:"created_at"`
}

// OptOut is one denylist entry. Sends to an opted-out contact are blocked
// before they reach the mail provider.
type OptOut struct {
	OwnerID      string    `db:"owner_id" json:"owner_id"`
	ContactEmail string    `db:"contact_email" json:"contact_email"`
	Subreason    string    `db:"subreason" json:"subreason"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// FieldProvenance records the last value this engine wrote to a record
// field. A current value differing from LastValue means a human edited the
// field since, and the engine must not overwrite it.
type FieldProvenance struct {
	RecordAnchor string    `db:"record_anchor" json:"record_anchor"`
	Field        string    `db:"field" json:"field"`
	LastValue    string    `db:"last_value" json:"last_value"`
	WrittenAt    time.Time `db:"written_at" json:"written_at"`
}
