package handler

import (
	"errors"
	"net/http"

	"github.com/stemsi/exstem-practice/internal/backend"
	"github.com/stemsi/exstem-practice/internal/fullscreen"
	"github.com/stemsi/exstem-practice/internal/response"
	"github.com/stemsi/exstem-practice/internal/service"
	"github.com/stemsi/exstem-practice/internal/session"
	"github.com/stemsi/exstem-practice/internal/store"
)

// classify maps a service error onto an HTTP status and API error code.
func classify(err error) (int, response.ErrCode) {
	var apiErr *backend.APIError
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		return http.StatusNotFound, response.ErrSessionNotFound
	case errors.Is(err, service.ErrAnotherSessionActive):
		return http.StatusConflict, response.ErrAnotherSessionActive
	case errors.Is(err, service.ErrModuleCompleted):
		return http.StatusConflict, response.ErrModuleCompleted
	case errors.Is(err, service.ErrNoQuestions):
		return http.StatusUnprocessableEntity, response.ErrNoQuestions
	case errors.Is(err, session.ErrSessionSubmitted):
		return http.StatusConflict, response.ErrSessionSubmitted
	case errors.Is(err, session.ErrSubmissionInFlight):
		return http.StatusConflict, response.ErrSubmissionInFlight
	case errors.Is(err, session.ErrDeadlinePassed):
		return http.StatusConflict, response.ErrDeadlinePassed
	case errors.Is(err, session.ErrUnknownQuestion):
		return http.StatusBadRequest, response.ErrUnknownQuestion
	case errors.Is(err, session.ErrUnknownOption):
		return http.StatusBadRequest, response.ErrUnknownOption
	case errors.Is(err, session.ErrNotChoiceQuestion):
		return http.StatusBadRequest, response.ErrNotChoiceQuestion
	case errors.Is(err, fullscreen.ErrRejected), errors.Is(err, fullscreen.ErrNotAttached):
		return http.StatusConflict, response.ErrFullscreenUnavailable
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, response.ErrResultNotFound
	case errors.As(err, &apiErr):
		switch apiErr.Status {
		case http.StatusNotFound:
			return http.StatusNotFound, response.ErrModuleNotFound
		case http.StatusUnauthorized:
			return http.StatusUnauthorized, response.ErrTokenInvalid
		case http.StatusForbidden:
			return http.StatusForbidden, response.ErrForbidden
		}
		return http.StatusBadGateway, response.ErrUpstreamUnavailable
	default:
		return http.StatusInternalServerError, response.ErrInternal
	}
}
