package mail

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2/clientcredentials"

	"outreach/internal/config"
	"outreach/internal/httpretry"
)

const graphBase = "https://graph.microsoft.com/v1.0"

// Graph implements Provider against the Microsoft Graph mail API using
// application (client credentials) auth.
type Graph struct {
	http    httpretry.Doer
	base    string
	mailbox string
	logger  zerolog.Logger
}

// NewGraph builds a Graph adapter for the configured mailbox. The token
// source refreshes itself; the retry wrapper absorbs Graph's throttling.
func NewGraph(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Graph, error) {
	if cfg.GraphClientID == "" || cfg.GraphClientSecret == "" || cfg.GraphMailbox == "" {
		return nil, fmt.Errorf("graph mailbox not configured: set GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET, GRAPH_MAILBOX")
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.GraphClientID,
		ClientSecret: cfg.GraphClientSecret,
		TokenURL:     fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", cfg.GraphTenantID),
		Scopes:       []string{"https://graph.microsoft.com/.default"},
	}
	return &Graph{
		http:    httpretry.New(cc.Client(ctx), 3, logger),
		base:    graphBase,
		mailbox: cfg.GraphMailbox,
		logger:  logger.With().Str("component", "mail").Logger(),
	}, nil
}

type graphMessage struct {
	ID                string `json:"id"`
	InternetMessageID string `json:"internetMessageId"`
	ConversationID    string `json:"conversationId"`
	Subject           string `json:"subject"`
	ReceivedDateTime  string `json:"receivedDateTime"`
	From              struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"from"`
	Body struct {
		ContentType string `json:"contentType"`
		Content     string `json:"content"`
	} `json:"body"`
	InternetMessageHeaders []struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	} `json:"internetMessageHeaders"`
}

type graphList struct {
	Value    []graphMessage `json:"value"`
	NextLink string         `json:"@odata.nextLink"`
}

// ListInbound pages through the mailbox for messages received since the
// cutoff, oldest first so decisions apply in arrival order.
func (g *Graph) ListInbound(ctx context.Context, since time.Time) ([]Inbound, error) {
	return g.listFolder(ctx, "inbox", since)
}

// ListSent pages through the sent folder since the cutoff. Messages the
// engine sent land here too; the caller tells them apart by message id.
func (g *Graph) ListSent(ctx context.Context, since time.Time) ([]Inbound, error) {
	return g.listFolder(ctx, "sentitems", since)
}

func (g *Graph) listFolder(ctx context.Context, folder string, since time.Time) ([]Inbound, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("receivedDateTime ge %s", since.UTC().Format(time.RFC3339)))
	q.Set("$orderby", "receivedDateTime asc")
	q.Set("$top", "50")
	q.Set("$select", "id,internetMessageId,conversationId,subject,receivedDateTime,from,body,internetMessageHeaders")

	next := fmt.Sprintf("%s/users/%s/mailFolders/%s/messages?%s",
		g.base, url.PathEscape(g.mailbox), folder, q.Encode())

	var out []Inbound
	for next != "" {
		var page graphList
		if err := g.get(ctx, next, &page); err != nil {
			return nil, err
		}
		for _, m := range page.Value {
			out = append(out, toInbound(m))
		}
		next = page.NextLink
	}
	g.logger.Debug().Int("count", len(out)).Str("folder", folder).Time("since", since).Msg("folder listed")
	return out, nil
}

func toInbound(m graphMessage) Inbound {
	in := Inbound{
		ProviderID:     m.ID,
		MessageID:      m.InternetMessageID,
		ConversationID: m.ConversationID,
		From:           m.From.EmailAddress.Address,
		Subject:        m.Subject,
		Body:           m.Body.Content,
	}
	if t, err := time.Parse(time.RFC3339, m.ReceivedDateTime); err == nil {
		in.ReceivedAt = t
	}
	if len(m.InternetMessageHeaders) > 0 {
		in.Headers = make(map[string]string, len(m.InternetMessageHeaders))
	}
	for _, h := range m.InternetMessageHeaders {
		in.Headers[h.Name] = h.Value
		switch strings.ToLower(h.Name) {
		case "in-reply-to":
			in.InReplyTo = h.Value
		case "references":
			in.References = h.Value
		}
	}
	return in
}

// Reply creates a reply draft on the original message, fills the body,
// reads the draft's identifiers, then sends it. The draft dance is the only
// way Graph exposes the outgoing Message-ID for a threaded reply.
func (g *Graph) Reply(ctx context.Context, providerID, body string) (*Sent, error) {
	var draft graphMessage
	createURL := fmt.Sprintf("%s/users/%s/messages/%s/createReply",
		g.base, url.PathEscape(g.mailbox), url.PathEscape(providerID))
	if err := g.post(ctx, createURL, map[string]interface{}{}, &draft); err != nil {
		return nil, fmt.Errorf("failed to create reply draft: %w", err)
	}

	patchURL := fmt.Sprintf("%s/users/%s/messages/%s",
		g.base, url.PathEscape(g.mailbox), url.PathEscape(draft.ID))
	if err := g.patch(ctx, patchURL, map[string]interface{}{
		"body": map[string]string{"contentType": "text", "content": body},
	}); err != nil {
		return nil, fmt.Errorf("failed to set reply body: %w", err)
	}

	var out graphMessage
	if err := g.get(ctx, patchURL+"?$select=internetMessageId,conversationId", &out); err != nil {
		return nil, fmt.Errorf("failed to read reply identifiers: %w", err)
	}

	sendURL := patchURL + "/send"
	if err := g.post(ctx, sendURL, nil, nil); err != nil {
		return nil, fmt.Errorf("failed to send reply: %w", err)
	}

	g.logger.Info().Str("provider_id", providerID).Msg("reply sent")
	return &Sent{MessageID: out.InternetMessageID, ConversationID: out.ConversationID}, nil
}

// ReplyToMessageID resolves the Graph resource holding the given RFC 5322
// Message-ID, then replies to it. The stored ids are normalized (no angle
// brackets); the filter needs them back.
func (g *Graph) ReplyToMessageID(ctx context.Context, messageID, body string) (*Sent, error) {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("internetMessageId eq '%s'", bracketed(messageID)))
	q.Set("$select", "id")
	q.Set("$top", "1")

	var page graphList
	lookupURL := fmt.Sprintf("%s/users/%s/messages?%s", g.base, url.PathEscape(g.mailbox), q.Encode())
	if err := g.get(ctx, lookupURL, &page); err != nil {
		return nil, fmt.Errorf("failed to resolve message id: %w", err)
	}
	if len(page.Value) == 0 {
		return nil, fmt.Errorf("no mailbox message carries id %q", messageID)
	}
	return g.Reply(ctx, page.Value[0].ID, body)
}

// Send delivers a fresh message. The Message-ID is chosen client-side so it
// can be indexed without depending on the read-back; the conversation id
// only exists server-side, so the saved copy is read back for it.
func (g *Graph) Send(ctx context.Context, to, subject, body string) (*Sent, error) {
	messageID := fmt.Sprintf("<%s@%s>", uuid.New().String(), mailboxDomain(g.mailbox))
	payload := map[string]interface{}{
		"message": map[string]interface{}{
			"subject":           subject,
			"internetMessageId": messageID,
			"body":              map[string]string{"contentType": "text", "content": body},
			"toRecipients": []map[string]interface{}{
				{"emailAddress": map[string]string{"address": to}},
			},
		},
		"saveToSentItems": true,
	}

	sendURL := fmt.Sprintf("%s/users/%s/sendMail", g.base, url.PathEscape(g.mailbox))
	if err := g.post(ctx, sendURL, payload, nil); err != nil {
		return nil, fmt.Errorf("failed to send mail: %w", err)
	}

	sent := &Sent{MessageID: messageID, ConversationID: g.sentConversationID(ctx, messageID)}
	g.logger.Info().Str("to", to).Msg("mail sent")
	return sent, nil
}

// sentConversationID reads the conversation id off the saved sent copy.
// sendMail is asynchronous, so the copy may not be there yet; an empty id is
// tolerated and the conversation gets indexed on the first inbound reply
// instead.
func (g *Graph) sentConversationID(ctx context.Context, messageID string) string {
	q := url.Values{}
	q.Set("$filter", fmt.Sprintf("internetMessageId eq '%s'", bracketed(messageID)))
	q.Set("$select", "conversationId")
	q.Set("$top", "1")

	var page graphList
	lookupURL := fmt.Sprintf("%s/users/%s/mailFolders/sentitems/messages?%s",
		g.base, url.PathEscape(g.mailbox), q.Encode())
	if err := g.get(ctx, lookupURL, &page); err != nil || len(page.Value) == 0 {
		g.logger.Debug().Err(err).Str("message_id", messageID).Msg("sent copy not visible yet")
		return ""
	}
	return page.Value[0].ConversationID
}

func bracketed(messageID string) string {
	if strings.HasPrefix(messageID, "<") {
		return messageID
	}
	return "<" + messageID + ">"
}

func mailboxDomain(mailbox string) string {
	if _, domain, ok := strings.Cut(mailbox, "@"); ok {
		return domain
	}
	return "outreach.local"
}

func (g *Graph) get(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	return g.do(req, out)
}

func (g *Graph) post(ctx context.Context, rawURL string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return g.do(req, out)
}

func (g *Graph) patch(ctx context.Context, rawURL string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, rawURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return g.do(req, nil)
}

func (g *Graph) do(req *http.Request, out interface{}) error {
	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("graph request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graph returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode graph response: %w", err)
	}
	return nil
}
