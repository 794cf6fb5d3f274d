package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/clibridge/internal/bridge"
	"github.com/memohai/clibridge/internal/chat"
)

// OpenAI error type constants.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypeAPI            = "api_error"
	ErrTypeTimeout        = "timeout_error"
)

// APIError returns an echo error whose message is an OpenAI error envelope.
func APIError(status int, message, errType, param string) *echo.HTTPError {
	return echo.NewHTTPError(status, chat.NewError(message, errType, param))
}

func invalidRequest(message, param string) *echo.HTTPError {
	return APIError(http.StatusBadRequest, message, ErrTypeInvalidRequest, param)
}

func fileNotFound() *echo.HTTPError {
	return APIError(http.StatusNotFound, "File not found", ErrTypeInvalidRequest, "id")
}

// bridgeError maps an invocation failure to a status code.
func bridgeError(err error) *echo.HTTPError {
	var spawnErr *bridge.SpawnError
	switch {
	case errors.Is(err, bridge.ErrTimeout):
		return APIError(http.StatusGatewayTimeout, err.Error(), ErrTypeTimeout, "")
	case errors.Is(err, bridge.ErrBootFailure), errors.As(err, &spawnErr):
		return APIError(http.StatusBadGateway, err.Error(), ErrTypeAPI, "")
	case errors.Is(err, context.Canceled):
		return APIError(499, "request cancelled", ErrTypeAPI, "")
	default:
		return APIError(http.StatusInternalServerError, err.Error(), ErrTypeAPI, "")
	}
}
