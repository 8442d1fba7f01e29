package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"outreach/internal/store"
)

// ErrorResponse is the generic error payload
type ErrorResponse struct {
	Error string `json:"error"`
}

// ownerOrDefault reads the owner query parameter, falling back to the
// configured mailbox owner.
func ownerOrDefault(c echo.Context, defaultOwner string) string {
	if owner := c.QueryParam("owner"); owner != "" {
		return owner
	}
	return defaultOwner
}

// ListNotificationsHandler returns the owner's notification feed
// @Summary List notifications
// @Description Returns the notification feed, newest first
// @Tags Notifications
// @Produce json
// @Param owner query string false "Owner id (defaults to the configured mailbox)"
// @Param unread query bool false "Only unread notifications"
// @Param limit query int false "Max results (default 50)"
// @Success 200 {array} models.Notification
// @Failure 500 {object} ErrorResponse
// @Router /api/notifications [get]
func ListNotificationsHandler(s *store.Store, defaultOwner string) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := ownerOrDefault(c, defaultOwner)
		unreadOnly := c.QueryParam("unread") == "true"

		limit := 50
		if raw := c.QueryParam("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 {
				limit = n
			}
		}

		notes, err := s.ListNotifications(c.Request().Context(), owner, unreadOnly, limit)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, notes)
	}
}

// MarkNotificationReadHandler marks one notification as read
// @Summary Mark notification read
// @Tags Notifications
// @Produce json
// @Param id path string true "Notification id"
// @Success 204 "Marked"
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/notifications/{id}/read [post]
func MarkNotificationReadHandler(s *store.Store) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := s.MarkNotificationRead(c.Request().Context(), c.Param("id"))
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, ErrorResponse{Error: "notification not found"})
		}
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	}
}
