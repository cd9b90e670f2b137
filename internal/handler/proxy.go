package handler

import (
	"bytes"
	"context"
	"errors"
	"html/template"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"render-proxy/internal/config"
	"render-proxy/internal/render"
	"render-proxy/internal/resolve"
	"render-proxy/internal/service"
)

var errorPanel = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body style="margin:0;font-family:system-ui,sans-serif;background:#f6f6f6">
<div style="max-width:720px;margin:3rem auto;padding:1.5rem 2rem;background:#fff;border:1px solid #e0b4b4;border-radius:8px;color:#9f3a38">
<h2 style="margin-top:0">{{.Title}}</h2>
{{if .URL}}<p><strong>URL:</strong> <code>{{.URL}}</code></p>{{end}}
<p><strong>Error:</strong> {{.Message}}</p>
</div>
</body></html>
`))

type panel struct {
	Title   string
	URL     string
	Message string
}

// ProxyHandler serves rendered, rewritten pages.
type ProxyHandler struct {
	pages      *service.PageService
	publicBase string
	logger     *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(pages *service.PageService, cfg *config.Config, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		pages:      pages,
		publicBase: cfg.Server.PublicBaseURL,
		logger:     logger.With("component", "proxy_handler"),
	}
}

// Handle renders the page named by the url query parameter.
func (h *ProxyHandler) Handle(c echo.Context) error {
	target := c.QueryParam("url")

	out, err := h.pages.Proxy(c.Request().Context(), target, proxyBase(c, h.publicBase))
	if err != nil {
		return h.mapError(c, target, err)
	}
	return c.HTML(http.StatusOK, out)
}

func (h *ProxyHandler) mapError(c echo.Context, target string, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingURL):
		return writePanel(c, http.StatusBadRequest, panel{
			Title:   "Missing url parameter",
			Message: "Pass the page to load as /proxy?url=https://example.com",
		})
	case errors.Is(err, resolve.ErrInvalidTarget):
		return writePanel(c, http.StatusBadRequest, panel{
			Title:   "Invalid URL",
			URL:     target,
			Message: err.Error(),
		})
	}

	if errors.Is(err, context.Canceled) {
		h.logger.Debug("render abandoned by client", "url", target)
	} else {
		h.logger.Error("render failed",
			"url", target,
			"err", err,
			"timeout", errors.Is(err, render.ErrRenderTimeout),
		)
	}

	return writePanel(c, http.StatusInternalServerError, panel{
		Title:   "Error loading page",
		URL:     target,
		Message: err.Error(),
	})
}

func writePanel(c echo.Context, status int, p panel) error {
	var buf bytes.Buffer
	if err := errorPanel.Execute(&buf, p); err != nil {
		return err
	}
	return c.HTMLBlob(status, buf.Bytes())
}

// proxyBase is the externally visible base URL rewritten links point at:
// the configured public URL, or the scheme and host of the request.
func proxyBase(c echo.Context, public string) string {
	if public != "" {
		return public
	}
	return c.Scheme() + "://" + c.Request().Host
}
