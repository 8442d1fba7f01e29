package router

import (
	"fmt"
	"strings"

	"outreach/internal/models"
)

// replyInputs carries everything draft selection needs about what Apply did.
type replyInputs struct {
	pausing     bool
	unavailable bool
	closing     bool
	newProps    int
	snapshot    map[string]string
	startActive bool
}

// selectReply picks the outbound body for this decision, or "" for no
// auto-send. A pausing event always wins: nothing goes out while a human
// decision is pending. The oracle's response_draft, when present, replaces
// whichever templated body was selected.
func (r *Router) selectReply(thread *models.Thread, d *models.Decision, out *Outcome, in replyInputs) string {
	if in.pausing {
		return ""
	}

	var body string
	switch {
	case in.unavailable && in.newProps > 0:
		body = thankYouClosingDraft(thread)
	case in.unavailable:
		body = askAlternativesDraft(thread)
	case in.closing:
		body = closingDraft(thread)
	case in.startActive && out.FinalState == models.StateActive && len(out.AppliedFields) > 0:
		missing := r.registry.MissingRequired(mergedForDraft(in.snapshot, out.AppliedFields, d))
		if len(missing) > 0 {
			body = missingFieldsDraft(thread, missing)
		} else {
			body = closingDraft(thread)
		}
	}

	if d.ResponseDraft != "" {
		if body != "" || (in.startActive && out.FinalState == models.StateActive) {
			return d.ResponseDraft
		}
	}
	return body
}

func mergedForDraft(snapshot map[string]string, applied []string, d *models.Decision) map[string]string {
	merged := make(map[string]string, len(snapshot))
	for k, v := range snapshot {
		merged[k] = v
	}
	for _, field := range applied {
		if merged[field] == "" {
			merged[field] = "applied"
		}
	}
	return merged
}

func firstName(thread *models.Thread) string {
	name := strings.TrimSpace(thread.ContactName)
	if name == "" {
		return "there"
	}
	if i := strings.IndexByte(name, ' '); i > 0 {
		return name[:i]
	}
	return name
}

func closingDraft(thread *models.Thread) string {
	return fmt.Sprintf(`Hi %s,

Thank you so much, that's everything we needed on this one. We'll reach out if anything else comes up, and please keep us in mind for future availabilities.

Best regards`, firstName(thread))
}

func askAlternativesDraft(thread *models.Thread) string {
	return fmt.Sprintf(`Hi %s,

Thanks for letting us know this space is no longer available. Do you have any similar properties currently on the market, or coming up soon, that could work? We'd appreciate anything you can share.

Best regards`, firstName(thread))
}

func thankYouClosingDraft(thread *models.Thread) string {
	return fmt.Sprintf(`Hi %s,

Thanks for the update, and for flagging the other option. We'll take a look and follow up separately if it's a fit.

Best regards`, firstName(thread))
}

func missingFieldsDraft(thread *models.Thread, missing []string) string {
	return fmt.Sprintf(`Hi %s,

Thanks, this is very helpful. To complete our comparison we're still missing a few details:

- %s

Anything you can share would be appreciated.

Best regards`, firstName(thread), strings.Join(missing, "\n- "))
}
