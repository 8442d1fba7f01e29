package oracle

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"outreach/internal/columns"
	"outreach/internal/models"
)

// historyBodyLimit caps each history message body in the prompt. Brokers
// forward flyers and quoted chains that would otherwise dwarf the new email
// the model is supposed to focus on.
const historyBodyLimit = 2000

const systemPreamble = `You are an assistant processing broker replies for a commercial real estate
tenant-rep team. You read ONE new inbound email in the context of its
conversation and produce a single JSON object describing what to do.

Return ONLY a JSON object with this shape (no prose, no markdown fences):
{
  "updates": [{"column": "<exact header>", "value": "<string>", "confidence": 0.0-1.0, "reason": "<short>"}],
  "events": [{"type": "<event type>", "subreason": "...", "address": "...", "city": "...", "link": "...", "notes": "..."}],
  "response_draft": "<full reply email body, or empty string>",
  "notes": "<short internal note, or empty string>"
}

EVENT TYPES (use ONLY these):
- "contact_optout": sender asks to stop receiving emails or unsubscribe. Set subreason: "explicit_request" or "hostile".
- "call_requested": sender asks for a phone call before sharing details.
- "tour_requested": sender proposes or asks to schedule a tour/visit.
- "needs_user_input": you cannot safely act. Set subreason: "ambiguous_reply", "question_for_client", or "unclear".
- "wrong_contact": sender says they do not handle this property. Set subreason: "referral" (and put the referred contact in notes) or "no_referral".
- "property_unavailable": the property is leased, sold, off market, or otherwise gone.
- "close_conversation": the broker has provided what was asked and the exchange is naturally complete.
- "new_property": sender offers a DIFFERENT property. Set address, city, link, notes from the email. One event per property.
- "property_issue": a data conflict or concern about the CURRENT property. Set subreason: "minor" or "major".

RULES:
- Extract field values ONLY for the property this conversation is about; details of other properties belong in new_property events.
- Never invent values. Omit a column rather than guess. Confidence below 0.5 means omit.
- If the email only says thanks or acknowledges, return no updates and no events.
- Write response_draft only when a reply is clearly warranted; leave it empty when any event pauses or ends the conversation.`

// BuildMessages assembles the chat transcript sent to the model: system
// rules (including column semantics), the record snapshot, recent thread
// history, and the new inbound email last.
func BuildMessages(reg *columns.Registry, thread *models.Thread, snapshot map[string]string, history []models.Message, inbound *models.Message, historyLimit int) []promptMessage {
	var sys strings.Builder
	sys.WriteString(systemPreamble)
	sys.WriteString("\n\n")
	sys.WriteString(reg.RulesPrompt())

	sys.WriteString("\nCURRENT RECORD VALUES:\n")
	for _, name := range append(reg.RequiredForClose(), "Listing Brokers Comments", "Flyer / Link") {
		value := strings.TrimSpace(snapshot[name])
		if value == "" {
			value = "(empty)"
		}
		fmt.Fprintf(&sys, "- %s: %s\n", name, value)
	}
	fmt.Fprintf(&sys, "\nPROPERTY: %s\nCONTACT: %s <%s>\n",
		thread.RecordAnchor, thread.ContactName, thread.ContactEmail)

	msgs := []promptMessage{{Role: "system", Content: sys.String()}}

	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	for _, m := range history {
		role := "user"
		if m.Direction == models.DirectionOutbound {
			role = "assistant"
		}
		msgs = append(msgs, promptMessage{Role: role, Content: clipBody(m.Body)})
	}

	msgs = append(msgs, promptMessage{
		Role: "user",
		Content: fmt.Sprintf("NEW EMAIL FROM %s\nSubject: %s\n\n%s",
			inbound.FromAddr, inbound.Subject, inbound.Body),
	})
	return msgs
}

// clipBody truncates a body to historyBodyLimit bytes on a rune boundary.
func clipBody(s string) string {
	if len(s) <= historyBodyLimit {
		return s
	}
	cut := historyBodyLimit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// promptMessage is a transport-neutral chat message, converted to the
// provider's type at call time.
type promptMessage struct {
	Role    string
	Content string
}
