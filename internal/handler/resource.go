package handler

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"render-proxy/internal/config"
	"render-proxy/internal/service"
)

// ResourceHandler serves sub-resources through the cache.
type ResourceHandler struct {
	resources  *service.ResourceService
	publicBase string
	logger     *slog.Logger
}

// NewResourceHandler creates a ResourceHandler.
func NewResourceHandler(resources *service.ResourceService, cfg *config.Config, logger *slog.Logger) *ResourceHandler {
	return &ResourceHandler{
		resources:  resources,
		publicBase: cfg.Server.PublicBaseURL,
		logger:     logger.With("component", "resource_handler"),
	}
}

// Handle writes the resource named by the url query parameter. Any failure
// is an empty 404 so a broken asset never breaks the page.
func (h *ResourceHandler) Handle(c echo.Context) error {
	target := c.QueryParam("url")

	res, err := h.resources.Fetch(c.Request().Context(), target, proxyBase(c, h.publicBase))
	if err != nil {
		h.logger.Debug("resource unavailable", "url", target, "err", err)
		return c.NoContent(http.StatusNotFound)
	}

	header := c.Response().Header()
	for key, vals := range res.Header {
		header[key] = append([]string(nil), vals...)
	}
	return c.Blob(http.StatusOK, res.ContentType, res.Body)
}
