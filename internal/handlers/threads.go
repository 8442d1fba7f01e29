package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"outreach/internal/models"
	"outreach/internal/store"
)

// ListThreadsHandler returns the owner's threads
// @Summary List threads
// @Description Returns conversation threads, newest first
// @Tags Threads
// @Produce json
// @Param owner query string false "Owner id (defaults to the configured mailbox)"
// @Param limit query int false "Max results (default 50)"
// @Param offset query int false "Offset for paging"
// @Success 200 {array} models.Thread
// @Failure 500 {object} ErrorResponse
// @Router /api/threads [get]
func ListThreadsHandler(s *store.Store, defaultOwner string) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := ownerOrDefault(c, defaultOwner)

		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}
		offset := 0
		if raw := c.QueryParam("offset"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
				offset = n
			}
		}

		threads, err := s.ListThreads(c.Request().Context(), owner, limit, offset)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, threads)
	}
}

// ThreadMessagesHandler returns the full message history of a thread
// @Summary Thread messages
// @Tags Threads
// @Produce json
// @Param id path string true "Thread id"
// @Success 200 {array} models.Message
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/threads/{id}/messages [get]
func ThreadMessagesHandler(s *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		if _, err := s.GetThread(ctx, c.Param("id")); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread not found"})
			}
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		msgs, err := s.ThreadMessages(ctx, c.Param("id"))
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, msgs)
	}
}

// ResumeThreadHandler reactivates a paused thread
// @Summary Resume a paused thread
// @Description Moves a PAUSED thread back to ACTIVE once the operator has
// handled whatever paused it
// @Tags Threads
// @Produce json
// @Param id path string true "Thread id"
// @Success 200 {object} models.Thread
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/threads/{id}/resume [post]
func ResumeThreadHandler(s *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()

		thread, err := s.GetThread(ctx, c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "thread not found"})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		if thread.State != models.StatePaused {
			return c.JSON(http.StatusConflict, ErrorResponse{
				Error: "only PAUSED threads can be resumed, thread is " + string(thread.State),
			})
		}

		if err := s.UpdateThreadState(ctx, thread.ThreadID, models.StateActive, nil); err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}

		thread.State = models.StateActive
		thread.PausedReason = nil
		return c.JSON(http.StatusOK, thread)
	}
}
