package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"outreach/internal/store"
)

// OptOutRequest is the body for adding an opt-out
type OptOutRequest struct {
	ContactEmail string `json:"contact_email"`
	Subreason    string `json:"subreason"`
}

// ListOptOutsHandler returns the owner's opt-out list
// @Summary List opt-outs
// @Tags OptOuts
// @Produce json
// @Param owner query string false "Owner id (defaults to the configured mailbox)"
// @Success 200 {array} models.OptOut
// @Failure 500 {object} ErrorResponse
// @Router /api/optouts [get]
func ListOptOutsHandler(s *store.Store, defaultOwner string) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := ownerOrDefault(c, defaultOwner)
		optOuts, err := s.ListOptOuts(c.Request().Context(), owner)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.JSON(http.StatusOK, optOuts)
	}
}

// AddOptOutHandler adds a contact to the opt-out list
// @Summary Add an opt-out
// @Description Adds a contact to the denylist; all sends to them stop
// @Tags OptOuts
// @Accept json
// @Produce json
// @Param owner query string false "Owner id (defaults to the configured mailbox)"
// @Param request body OptOutRequest true "Contact to opt out"
// @Success 204 "Added"
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /api/optouts [post]
func AddOptOutHandler(s *store.Store, defaultOwner string) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req OptOutRequest
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		}
		if req.ContactEmail == "" {
			return c.JSON(http.StatusBadRequest, ErrorResponse{Error: "contact_email is required"})
		}
		if req.Subreason == "" {
			req.Subreason = "manual"
		}

		owner := ownerOrDefault(c, defaultOwner)
		if err := s.AddOptOut(c.Request().Context(), owner, req.ContactEmail, req.Subreason); err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	}
}

// RemoveOptOutHandler removes a contact from the opt-out list
// @Summary Remove an opt-out
// @Tags OptOuts
// @Produce json
// @Param owner query string false "Owner id (defaults to the configured mailbox)"
// @Param email path string true "Contact email"
// @Success 204 "Removed"
// @Failure 500 {object} ErrorResponse
// @Router /api/optouts/{email} [delete]
func RemoveOptOutHandler(s *store.Store, defaultOwner string) echo.HandlerFunc {
	return func(c echo.Context) error {
		owner := ownerOrDefault(c, defaultOwner)
		if err := s.RemoveOptOut(c.Request().Context(), owner, c.Param("email")); err != nil {
			return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusNoContent)
	}
}
