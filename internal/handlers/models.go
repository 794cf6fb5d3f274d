package handlers

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/memohai/clibridge/internal/models"
)

type ModelsHandler struct {
	service *models.Service
	logger  *slog.Logger
}

func NewModelsHandler(log *slog.Logger, service *models.Service) *ModelsHandler {
	return &ModelsHandler{
		service: service,
		logger:  log.With(slog.String("handler", "models")),
	}
}

func (h *ModelsHandler) Register(e *echo.Echo) {
	e.GET("/v1/models", h.List)
}

// List handles GET /v1/models.
func (h *ModelsHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, h.service.List(c.Request().Context()))
}
