// Package records is the boundary to the client-facing property record
// store. Records live in a spreadsheet the client also edits by hand, so
// every write path must tolerate concurrent human changes.
package records

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrRecordNotFound is returned when no row matches the anchor.
var ErrRecordNotFound = errors.New("records: record not found")

// Store is the record-store surface the engine uses. Anchors identify rows
// stably ("Address|City"); field names are exact column headers.
type Store interface {
	// Snapshot returns the current field values of the record.
	Snapshot(ctx context.Context, anchor string) (map[string]string, error)
	// UpdateFields writes the given values. Unknown headers are an error;
	// the caller has already filtered denylisted and invalid fields.
	UpdateFields(ctx context.Context, anchor string, values map[string]string) error
	// MarkNonViable moves the record into the non-viable section.
	MarkNonViable(ctx context.Context, anchor string) error
	// InsertPending adds a new candidate record awaiting operator approval
	// and returns its anchor.
	InsertPending(ctx context.Context, values map[string]string) (string, error)
}

// Candidate is one live record with a reachable contact, used by the
// initial campaign sender.
type Candidate struct {
	Anchor       string
	ContactName  string
	ContactEmail string
}

// Anchor builds the stable row identity from address and city.
func Anchor(address, city string) string {
	return strings.TrimSpace(address) + "|" + strings.TrimSpace(city)
}

// SplitAnchor is the inverse of Anchor.
func SplitAnchor(anchor string) (address, city string) {
	address, city, _ = strings.Cut(anchor, "|")
	return address, city
}

// Memory is an in-process Store used in tests and local development.
type Memory struct {
	mu        sync.Mutex
	rows      map[string]map[string]string
	nonViable map[string]bool
	pending   map[string]bool
}

// NewMemory builds an empty in-memory record store.
func NewMemory() *Memory {
	return &Memory{
		rows:      make(map[string]map[string]string),
		nonViable: make(map[string]bool),
		pending:   make(map[string]bool),
	}
}

// Seed inserts a record with the given values, replacing any existing row.
func (m *Memory) Seed(anchor string, values map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := make(map[string]string, len(values))
	for k, v := range values {
		row[k] = v
	}
	m.rows[anchor] = row
}

func (m *Memory) Snapshot(_ context.Context, anchor string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[anchor]
	if !ok {
		return nil, ErrRecordNotFound
	}
	out := make(map[string]string, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out, nil
}

func (m *Memory) UpdateFields(_ context.Context, anchor string, values map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[anchor]
	if !ok {
		return ErrRecordNotFound
	}
	for k, v := range values {
		row[k] = v
	}
	return nil
}

func (m *Memory) MarkNonViable(_ context.Context, anchor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[anchor]; !ok {
		return ErrRecordNotFound
	}
	m.nonViable[anchor] = true
	return nil
}

func (m *Memory) InsertPending(_ context.Context, values map[string]string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anchor := Anchor(values["Property Address"], values["City"])
	if anchor == "|" {
		return "", fmt.Errorf("pending record needs at least an address")
	}
	if _, exists := m.rows[anchor]; exists {
		return anchor, nil
	}
	row := make(map[string]string, len(values))
	for k, v := range values {
		row[k] = v
	}
	m.rows[anchor] = row
	m.pending[anchor] = true
	return anchor, nil
}

// OutreachCandidates returns live records that have a contact email, in
// anchor order.
func (m *Memory) OutreachCandidates(_ context.Context) ([]Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	anchors := make([]string, 0, len(m.rows))
	for a := range m.rows {
		anchors = append(anchors, a)
	}
	sort.Strings(anchors)

	var out []Candidate
	for _, a := range anchors {
		if m.nonViable[a] || m.pending[a] {
			continue
		}
		row := m.rows[a]
		if row["Email"] == "" {
			continue
		}
		out = append(out, Candidate{
			Anchor:       a,
			ContactName:  row["Leasing Contact"],
			ContactEmail: row["Email"],
		})
	}
	return out, nil
}

// IsNonViable reports whether the record was moved to the non-viable
// section. Test helper.
func (m *Memory) IsNonViable(anchor string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nonViable[anchor]
}

// IsPending reports whether the record awaits approval. Test helper.
func (m *Memory) IsPending(anchor string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[anchor]
}

// Anchors returns all known anchors sorted. Test helper.
func (m *Memory) Anchors() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rows))
	for a := range m.rows {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
