package handlers

import (
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/memohai/clibridge/internal/files"
)

// FileList is the body of GET /v1/files.
type FileList struct {
	Object string       `json:"object"`
	Data   []files.File `json:"data"`
}

// FileDeleted is the body of DELETE /v1/files/:id.
type FileDeleted struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

type FilesHandler struct {
	manager *files.Manager
	logger  *slog.Logger
}

func NewFilesHandler(log *slog.Logger, manager *files.Manager) *FilesHandler {
	return &FilesHandler{
		manager: manager,
		logger:  log.With(slog.String("handler", "files")),
	}
}

func (h *FilesHandler) Register(e *echo.Echo) {
	group := e.Group("/v1/files")
	group.GET("", h.List)
	group.POST("", h.Upload)
	group.GET("/:id", h.Get)
	group.GET("/:id/content", h.Content)
	group.DELETE("/:id", h.Delete)
}

// List handles GET /v1/files.
func (h *FilesHandler) List(c echo.Context) error {
	return c.JSON(http.StatusOK, FileList{Object: "list", Data: h.manager.List(c.Request().Context())})
}

// Upload handles multipart POST /v1/files.
func (h *FilesHandler) Upload(c echo.Context) error {
	header, err := c.FormFile("file")
	if err != nil {
		return invalidRequest("No file uploaded", "file")
	}
	src, err := header.Open()
	if err != nil {
		return APIError(http.StatusInternalServerError, err.Error(), ErrTypeAPI, "")
	}
	defer src.Close()

	file, err := h.manager.Save(c.Request().Context(), src, header.Filename, strings.TrimSpace(c.FormValue("purpose")))
	if err != nil {
		if errors.Is(err, files.ErrTooLarge) {
			return APIError(http.StatusRequestEntityTooLarge, err.Error(), ErrTypeInvalidRequest, "file")
		}
		h.logger.Error("upload failed", slog.Any("error", err))
		return APIError(http.StatusInternalServerError, err.Error(), ErrTypeAPI, "")
	}
	return c.JSON(http.StatusOK, file)
}

// Get handles GET /v1/files/:id.
func (h *FilesHandler) Get(c echo.Context) error {
	file, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.lookupError(err)
	}
	return c.JSON(http.StatusOK, file)
}

// Content handles GET /v1/files/:id/content.
func (h *FilesHandler) Content(c echo.Context) error {
	rc, file, err := h.manager.Open(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.lookupError(err)
	}
	defer rc.Close()

	contentType := mime.TypeByExtension(filepath.Ext(file.Filename))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Response().Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, file.Filename))
	return c.Stream(http.StatusOK, contentType, rc)
}

// Delete handles DELETE /v1/files/:id.
func (h *FilesHandler) Delete(c echo.Context) error {
	id := c.Param("id")
	if err := h.manager.Delete(c.Request().Context(), id); err != nil {
		return h.lookupError(err)
	}
	return c.JSON(http.StatusOK, FileDeleted{ID: id, Object: "file", Deleted: true})
}

func (h *FilesHandler) lookupError(err error) error {
	if errors.Is(err, files.ErrNotFound) {
		return fileNotFound()
	}
	h.logger.Error("file lookup failed", slog.Any("error", err))
	return APIError(http.StatusInternalServerError, err.Error(), ErrTypeAPI, "")
}
