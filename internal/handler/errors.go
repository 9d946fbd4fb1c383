package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"inbox-router/internal/middleware"
	"inbox-router/internal/model"
)

// StatusFor maps a service error to the HTTP status the API reports.
func StatusFor(err error) int {
	var transition *model.TransitionError
	var connection *model.ConnectionError
	switch {
	case model.IsRoutingError(err), model.IsClassificationError(err), errors.As(err, &connection):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrMessageNotFound), errors.Is(err, model.ErrCredentialNotFound):
		return http.StatusNotFound
	case errors.As(err, &transition), errors.Is(err, model.ErrActionInFlight), errors.Is(err, model.ErrStaleResponse):
		return http.StatusConflict
	case errors.Is(err, model.ErrNotConnected), errors.Is(err, model.ErrNotReady), errors.Is(err, model.ErrBaselinePending):
		return http.StatusPreconditionFailed
	case errors.Is(err, model.ErrMissingExternalID):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func respondError(c echo.Context, err error) error {
	return c.JSON(StatusFor(err), map[string]string{
		"error": err.Error(),
	})
}

func badRequest(c echo.Context, detail string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{
		"error": detail,
	})
}

// resolveUser reconciles the user_id a caller names with its bearer subject.
// Naming nobody falls back to the bearer; naming someone else is forbidden.
func resolveUser(c echo.Context, claimed string) (string, error) {
	bearer := middleware.BearerUser(c)
	if claimed == "" {
		claimed = c.QueryParam("user_id")
	}
	switch {
	case claimed == "" && bearer == "":
		return "", model.ErrUnauthorized
	case claimed == "":
		return bearer, nil
	case bearer != "" && bearer != claimed:
		return "", model.ErrForbidden
	}
	return claimed, nil
}
