package records

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnchorRoundTrip(t *testing.T) {
	anchor := Anchor(" 123 Main St ", "Springfield")
	assert.Equal(t, "123 Main St|Springfield", anchor)

	address, city := SplitAnchor(anchor)
	assert.Equal(t, "123 Main St", address)
	assert.Equal(t, "Springfield", city)
}

func TestMemory_SnapshotAndUpdate(t *testing.T) {
	m := NewMemory()
	m.Seed("123 Main St|Springfield", map[string]string{
		"Property Address": "123 Main St",
		"City":             "Springfield",
		"Total SF":         "15000",
	})

	snap, err := m.Snapshot(context.Background(), "123 Main St|Springfield")
	require.NoError(t, err)
	assert.Equal(t, "15000", snap["Total SF"])

	// Snapshot must be a copy, not a live view.
	snap["Total SF"] = "tampered"
	again, err := m.Snapshot(context.Background(), "123 Main St|Springfield")
	require.NoError(t, err)
	assert.Equal(t, "15000", again["Total SF"])

	err = m.UpdateFields(context.Background(), "123 Main St|Springfield",
		map[string]string{"Docks": "2"})
	require.NoError(t, err)

	snap, err = m.Snapshot(context.Background(), "123 Main St|Springfield")
	require.NoError(t, err)
	assert.Equal(t, "2", snap["Docks"])
}

func TestMemory_UnknownAnchor(t *testing.T) {
	m := NewMemory()

	_, err := m.Snapshot(context.Background(), "nowhere|nohow")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	err = m.UpdateFields(context.Background(), "nowhere|nohow", map[string]string{"Docks": "2"})
	assert.ErrorIs(t, err, ErrRecordNotFound)

	err = m.MarkNonViable(context.Background(), "nowhere|nohow")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestMemory_InsertPending(t *testing.T) {
	m := NewMemory()

	anchor, err := m.InsertPending(context.Background(), map[string]string{
		"Property Address": "456 Oak Ave",
		"City":             "Shelbyville",
		"Flyer / Link":     "https://example.com/flyer.pdf",
	})
	require.NoError(t, err)
	assert.Equal(t, "456 Oak Ave|Shelbyville", anchor)
	assert.True(t, m.IsPending(anchor))

	// Re-inserting the same property is a no-op returning the same anchor.
	again, err := m.InsertPending(context.Background(), map[string]string{
		"Property Address": "456 Oak Ave",
		"City":             "Shelbyville",
	})
	require.NoError(t, err)
	assert.Equal(t, anchor, again)

	_, err = m.InsertPending(context.Background(), map[string]string{})
	assert.Error(t, err)
}

func TestColumnLetter(t *testing.T) {
	tests := []struct {
		col  int
		want string
	}{
		{0, "A"},
		{1, "B"},
		{25, "Z"},
		{26, "AA"},
		{27, "AB"},
		{51, "AZ"},
		{52, "BA"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, columnLetter(tt.col))
	}
}

func TestMemory_OutreachCandidates(t *testing.T) {
	m := NewMemory()
	m.Seed("123 Main St|Springfield", map[string]string{
		"Leasing Contact": "Pat Broker",
		"Email":           "pat@example.com",
	})
	m.Seed("456 Oak Ave|Shelbyville", map[string]string{
		"Leasing Contact": "Sam Agent",
	})
	m.Seed("789 Elm Rd|Springfield", map[string]string{
		"Email": "dead@example.com",
	})
	require.NoError(t, m.MarkNonViable(context.Background(), "789 Elm Rd|Springfield"))

	candidates, err := m.OutreachCandidates(context.Background())

	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "123 Main St|Springfield", candidates[0].Anchor)
	assert.Equal(t, "Pat Broker", candidates[0].ContactName)
	assert.Equal(t, "pat@example.com", candidates[0].ContactEmail)
}
