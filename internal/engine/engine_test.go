package engine

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outreach/internal/columns"
	"outreach/internal/followup"
	"outreach/internal/mail"
	"outreach/internal/match"
	"outreach/internal/models"
	"outreach/internal/records"
	"outreach/internal/router"
	"outreach/internal/store"
)

type fakeMailbox struct {
	inbound   []mail.Inbound
	sentItems []mail.Inbound
	listErr   error
	listCalls int
	sent      []string
	replied   []string
	threaded  []string // message ids targeted by ReplyToMessageID
}

func (f *fakeMailbox) ListInbound(context.Context, time.Time) ([]mail.Inbound, error) {
	f.listCalls++
	return f.inbound, f.listErr
}

func (f *fakeMailbox) ListSent(context.Context, time.Time) ([]mail.Inbound, error) {
	return f.sentItems, nil
}

func (f *fakeMailbox) Reply(_ context.Context, providerID, _ string) (*mail.Sent, error) {
	f.replied = append(f.replied, providerID)
	return &mail.Sent{MessageID: "<reply@test.local>", ConversationID: "conv-reply"}, nil
}

func (f *fakeMailbox) ReplyToMessageID(_ context.Context, messageID, _ string) (*mail.Sent, error) {
	f.threaded = append(f.threaded, messageID)
	return &mail.Sent{MessageID: "<followup@test.local>", ConversationID: "conv-followup"}, nil
}

func (f *fakeMailbox) Send(_ context.Context, to, _, _ string) (*mail.Sent, error) {
	f.sent = append(f.sent, to)
	return &mail.Sent{MessageID: "<sent@test.local>", ConversationID: "conv-sent"}, nil
}

type fakeDecider struct {
	decisions int
	decision  *models.Decision
}

func (f *fakeDecider) Decide(context.Context, *models.Thread, map[string]string, []models.Message, *models.Message) *models.Decision {
	f.decisions++
	if f.decision != nil {
		return f.decision
	}
	return &models.Decision{}
}

type testEngine struct {
	engine  *Engine
	mock    sqlmock.Sqlmock
	redis   *miniredis.Miniredis
	mailbox *fakeMailbox
	decider *fakeDecider
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	mr := miniredis.RunT(t)
	mailbox := &fakeMailbox{}
	decider := &fakeDecider{}

	e := New(Options{
		Store:     store.NewStore(sqlx.NewDb(mockDB, "sqlmock")),
		Mailbox:   mailbox,
		Records:   records.NewMemory(),
		Gateway:   decider,
		Router:    router.New(columns.Default(), zerolog.Nop()),
		Scheduler: followup.NewScheduler(followup.DefaultConfig(), zerolog.Nop()),
		Redis:     redis.NewClient(&redis.Options{Addr: mr.Addr()}),
		Logger:    zerolog.Nop(),
	})
	return &testEngine{engine: e, mock: mock, redis: mr, mailbox: mailbox, decider: decider}
}

func threadRow(threadID, state string) *sqlmock.Rows {
	now := time.Now().UTC()
	return sqlmock.NewRows([]string{
		"thread_id", "owner_id", "contact_email", "contact_name", "record_anchor",
		"state", "paused_reason", "followups_sent", "created_at",
		"last_inbound_at", "last_outbound_at", "updated_at",
	}).AddRow(threadID, "owner-1", "broker@example.com", "Pat Broker",
		"123 Main St|Springfield", state, nil, 0, now, nil, nil, now)
}

func TestRun_SkipsWhenAnotherRunHoldsLock(t *testing.T) {
	te := newTestEngine(t)
	require.NoError(t, te.redis.Set("outreach:run:owner-1", "someone-else"))

	stats, err := te.engine.Run(context.Background(), "owner-1")

	require.NoError(t, err)
	assert.Equal(t, &RunStats{}, stats)
	assert.Zero(t, te.mailbox.listCalls)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestRun_EmptyInbox(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT last_scan_at FROM sync_state").
		WithArgs("owner-1").
		WillReturnError(sql.ErrNoRows)
	te.mock.ExpectQuery("SELECT \\* FROM threads").
		WithArgs("owner-1", 3).
		WillReturnRows(threadRow("", "")) // header only, no rows
	te.mock.ExpectExec("INSERT INTO sync_state").
		WithArgs("owner-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := te.engine.Run(context.Background(), "owner-1")

	require.NoError(t, err)
	assert.Equal(t, &RunStats{}, stats)
	assert.NoError(t, te.mock.ExpectationsWereMet())
	// The lock must be gone once the run returns.
	assert.False(t, te.redis.Exists("outreach:run:owner-1"))
}

func TestRun_CountsDuplicateAsSkipped(t *testing.T) {
	te := newTestEngine(t)
	te.mailbox.inbound = []mail.Inbound{{
		MessageID: "<dup@example.com>",
		From:      "broker@example.com",
	}}

	te.mock.ExpectQuery("SELECT last_scan_at FROM sync_state").
		WillReturnError(sql.ErrNoRows)
	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("dup@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	te.mock.ExpectQuery("SELECT \\* FROM threads").
		WithArgs("owner-1", 3).
		WillReturnRows(threadRow("", ""))
	te.mock.ExpectExec("INSERT INTO sync_state").
		WillReturnResult(sqlmock.NewResult(0, 1))

	stats, err := te.engine.Run(context.Background(), "owner-1")

	require.NoError(t, err)
	assert.Equal(t, 1, stats.Listed)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, stats.Processed)
	assert.Zero(t, te.decider.decisions)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessInbound_UnmatchedWithoutIdentifiers(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("orphan@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := te.engine.processInbound(context.Background(), "owner-1", &mail.Inbound{
		MessageID: "<orphan@example.com>",
		From:      "stranger@example.com",
		Body:      "who is this?",
	})

	assert.ErrorIs(t, err, match.ErrUnmatched)
	assert.Zero(t, te.decider.decisions)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessInbound_EmptyMessageIDUnmatched(t *testing.T) {
	te := newTestEngine(t)

	err := te.engine.processInbound(context.Background(), "owner-1", &mail.Inbound{
		From: "stranger@example.com",
	})

	assert.ErrorIs(t, err, match.ErrUnmatched)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessInbound_AutoReplyStoredButNotDecided(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ooo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectQuery("SELECT thread_id FROM message_index").
		WithArgs("orig@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"thread_id"}).AddRow("thread-1"))
	te.mock.ExpectQuery("SELECT \\* FROM threads WHERE thread_id").
		WithArgs("thread-1").
		WillReturnRows(threadRow("thread-1", "ACTIVE"))

	te.mock.ExpectBegin()
	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ooo@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("INSERT INTO message_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectCommit()

	err := te.engine.processInbound(context.Background(), "owner-1", &mail.Inbound{
		MessageID: "<ooo@example.com>",
		InReplyTo: "<orig@example.com>",
		From:      "broker@example.com",
		Subject:   "Automatic reply: 123 Main St",
		Body:      "I am out of the office.",
	})

	assert.ErrorIs(t, err, errAutoReply)
	assert.Zero(t, te.decider.decisions)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessInbound_TerminalThreadAppendOnly(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("late@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectQuery("SELECT thread_id FROM message_index").
		WithArgs("orig@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"thread_id"}).AddRow("thread-1"))
	te.mock.ExpectQuery("SELECT \\* FROM threads WHERE thread_id").
		WithArgs("thread-1").
		WillReturnRows(threadRow("thread-1", "CLOSED"))

	te.mock.ExpectBegin()
	te.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("INSERT INTO message_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectCommit()

	err := te.engine.processInbound(context.Background(), "owner-1", &mail.Inbound{
		MessageID: "<late@example.com>",
		InReplyTo: "<orig@example.com>",
		From:      "broker@example.com",
		Subject:   "RE: 123 Main St",
		Body:      "Thanks again!",
	})

	require.NoError(t, err)
	assert.Zero(t, te.decider.decisions)
	assert.Empty(t, te.mailbox.replied)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessSent_HumanMailResumesPausedThread(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("human-1@agent.example").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectQuery("SELECT thread_id FROM message_index").
		WithArgs("reply-1@broker.example").
		WillReturnRows(sqlmock.NewRows([]string{"thread_id"}).AddRow("thread-1"))
	te.mock.ExpectQuery("SELECT \\* FROM threads WHERE thread_id").
		WithArgs("thread-1").
		WillReturnRows(threadRow("thread-1", "PAUSED"))

	te.mock.ExpectBegin()
	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("human-1@agent.example").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("INSERT INTO message_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("INSERT INTO conversation_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("UPDATE threads SET last_outbound_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("UPDATE threads SET state").
		WithArgs(models.StateActive, nil, "thread-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectCommit()

	// The operator answered the broker directly from the mailbox while the
	// thread sat PAUSED waiting on them.
	resumed, err := te.engine.processSent(context.Background(), &mail.Inbound{
		MessageID:      "<human-1@agent.example>",
		InReplyTo:      "<reply-1@broker.example>",
		ConversationID: "conv-1",
		From:           "agent@example.com",
		Subject:        "RE: 123 Main St",
		Body:           "Happy to jump on a call Tuesday.",
		ReceivedAt:     time.Now().UTC(),
	})

	require.NoError(t, err)
	assert.True(t, resumed)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessSent_EngineSentMailIgnored(t *testing.T) {
	te := newTestEngine(t)

	// Engine-sent messages are stored at send time, so the id is known.
	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("followup@test.local").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	resumed, err := te.engine.processSent(context.Background(), &mail.Inbound{
		MessageID: "<followup@test.local>",
	})

	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestProcessSent_UnmatchedMailIgnored(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("personal-1@agent.example").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	resumed, err := te.engine.processSent(context.Background(), &mail.Inbound{
		MessageID: "<personal-1@agent.example>",
		From:      "agent@example.com",
		Body:      "Lunch on Friday?",
	})

	require.NoError(t, err)
	assert.False(t, resumed)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func lastOutboundRow(messageID string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"message_id", "thread_id", "direction", "in_reply_to", "references_header",
		"conversation_id", "from_addr", "subject", "body", "received_at",
	}).AddRow(messageID, "thread-1", "outbound", nil, "", "conv-1",
		"owner-1", "123 Main St availability", "Hello", time.Now().UTC())
}

func TestSendFollowUp_BlockedByOptOut(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("owner-1", "broker@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	thread := &models.Thread{ThreadID: "thread-1", OwnerID: "owner-1", ContactEmail: "broker@example.com"}
	err := te.engine.sendFollowUp(context.Background(), thread, 1, "Checking in", "Any update?")

	require.NoError(t, err)
	assert.Empty(t, te.mailbox.threaded)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestSendFollowUp_ThreadsOnLastOutbound(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("owner-1", "broker@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectQuery("SELECT \\* FROM messages").
		WithArgs("thread-1").
		WillReturnRows(lastOutboundRow("intro-1@agent.example"))
	te.mock.ExpectBegin()
	te.mock.ExpectExec("INSERT INTO messages").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("INSERT INTO message_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("INSERT INTO conversation_index").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("UPDATE threads SET last_outbound_at").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectExec("UPDATE threads SET followups_sent").
		WillReturnResult(sqlmock.NewResult(0, 1))
	te.mock.ExpectCommit()

	thread := &models.Thread{ThreadID: "thread-1", OwnerID: "owner-1", ContactEmail: "broker@example.com"}
	err := te.engine.sendFollowUp(context.Background(), thread, 1, "Checking in", "Any update?")

	require.NoError(t, err)
	// The follow-up goes out as a reply to the intro, never as fresh mail,
	// so it stays in the broker's conversation view and indexes identically.
	assert.Equal(t, []string{"intro-1@agent.example"}, te.mailbox.threaded)
	assert.Empty(t, te.mailbox.sent)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestSendFollowUp_NoOutboundToReplyTo(t *testing.T) {
	te := newTestEngine(t)

	te.mock.ExpectQuery("SELECT EXISTS").
		WithArgs("owner-1", "broker@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectQuery("SELECT \\* FROM messages").
		WithArgs("thread-1").
		WillReturnError(sql.ErrNoRows)

	thread := &models.Thread{ThreadID: "thread-1", OwnerID: "owner-1", ContactEmail: "broker@example.com"}
	err := te.engine.sendFollowUp(context.Background(), thread, 1, "Checking in", "Any update?")

	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, te.mailbox.threaded)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

func TestSendFollowUp_SendFailureBubblesUp(t *testing.T) {
	te := newTestEngine(t)
	boom := errors.New("graph unavailable")
	te.engine.mailbox = &failingMailbox{err: boom}

	te.mock.ExpectQuery("SELECT EXISTS").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	te.mock.ExpectQuery("SELECT \\* FROM messages").
		WithArgs("thread-1").
		WillReturnRows(lastOutboundRow("intro-1@agent.example"))

	thread := &models.Thread{ThreadID: "thread-1", OwnerID: "owner-1", ContactEmail: "broker@example.com"}
	err := te.engine.sendFollowUp(context.Background(), thread, 1, "Checking in", "Any update?")

	assert.ErrorIs(t, err, boom)
	assert.NoError(t, te.mock.ExpectationsWereMet())
}

type failingMailbox struct {
	err error
}

func (f *failingMailbox) ListInbound(context.Context, time.Time) ([]mail.Inbound, error) {
	return nil, f.err
}

func (f *failingMailbox) ListSent(context.Context, time.Time) ([]mail.Inbound, error) {
	return nil, f.err
}

func (f *failingMailbox) Reply(context.Context, string, string) (*mail.Sent, error) {
	return nil, f.err
}

func (f *failingMailbox) ReplyToMessageID(context.Context, string, string) (*mail.Sent, error) {
	return nil, f.err
}

func (f *failingMailbox) Send(context.Context, string, string, string) (*mail.Sent, error) {
	return nil, f.err
}

func TestScanCutoff(t *testing.T) {
	now := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		last time.Time
		err  error
		want time.Time
	}{
		{
			name: "first run falls back to the window floor",
			err:  sql.ErrNoRows,
			want: now.Add(-5 * time.Hour),
		},
		{
			name: "recent watermark wins",
			last: now.Add(-30 * time.Minute),
			want: now.Add(-30 * time.Minute),
		},
		{
			name: "stale watermark clamped to the floor",
			last: now.Add(-48 * time.Hour),
			want: now.Add(-5 * time.Hour),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			te := newTestEngine(t)
			q := te.mock.ExpectQuery("SELECT last_scan_at FROM sync_state").
				WithArgs("owner-1")
			if tt.err != nil {
				q.WillReturnError(tt.err)
			} else {
				q.WillReturnRows(sqlmock.NewRows([]string{"last_scan_at"}).AddRow(tt.last))
			}

			got := te.engine.scanCutoff(context.Background(), "owner-1", now)

			assert.True(t, tt.want.Equal(got), "want %s, got %s", tt.want, got)
			assert.NoError(t, te.mock.ExpectationsWereMet())
		})
	}
}
