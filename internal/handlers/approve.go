package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"outreach/internal/followup"
	"outreach/internal/mail"
	"outreach/internal/match"
	"outreach/internal/models"
	"outreach/internal/store"
)

const pendingApprovalReason = "pending_approval"

// ApproveResponse is the result of approving a pending thread
type ApproveResponse struct {
	ThreadID  string `json:"thread_id"`
	State     string `json:"state"`
	MessageID string `json:"message_id"`
}

// ApprovePendingHandler approves a pending new-property thread
// @Summary Approve a pending thread
// @Description Sends the intro email for a thread created from a broker's
// new-property offer and activates it
// @Tags Threads
// @Produce json
// @Param id path string true "Thread id"
// @Success 200 {object} ApproveResponse
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/threads/{id}/approve [post]
func ApprovePendingHandler(s *store.Store, mailbox mail.Provider, scheduler *followup.Scheduler) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		if mailbox == nil {
			return c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "mail provider not configured"})
		}

		thread, err := s.GetThread(ctx, c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread not found"})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		if thread.State != models.StatePaused || thread.PausedReason == nil || *thread.PausedReason != pendingApprovalReason {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: "thread is not awaiting approval"})
		}

		blocked, err := s.IsOptedOut(ctx, thread.OwnerID, thread.ContactEmail)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		if blocked {
			return c.JSON(http.StatusConflict, ErrorResponse{Error: "contact has opted out"})
		}

		subject, body, err := scheduler.RenderIntro(thread)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}

		sent, err := mailbox.Send(ctx, thread.ContactEmail, subject, body)
		if err != nil {
			return c.JSON(http.StatusBadGateway, ErrorResponse{Error: "failed to send intro: " + err.Error()})
		}

		now := time.Now().UTC()
		msgID := match.NormalizeMessageID(sent.MessageID)
		err = s.WithTx(ctx, func(tx *store.Tx) error {
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
			return tx.UpdateThreadState(ctx, thread.ThreadID, models.StateActive, nil)
		})
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}

		return c.JSON(http.StatusOK, ApproveResponse{
			ThreadID:  thread.ThreadID,
			State:     string(models.StateActive),
			MessageID: msgID,
		})
	}
}
