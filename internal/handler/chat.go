package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"render-proxy/internal/answer"
	"render-proxy/internal/render"
	"render-proxy/internal/resolve"
	"render-proxy/internal/service"
)

type loadURLRequest struct {
	URL string `json:"url"`
}

type loadURLResponse struct {
	Status   string `json:"status"`
	URL      string `json:"url"`
	FinalURL string `json:"final_url"`
	Chars    int    `json:"chars"`
}

type chatRequest struct {
	Message string `json:"message"`
	Context string `json:"context,omitempty"`
}

type chatResponse struct {
	Answer string `json:"answer"`
}

// ChatHandler loads page context and answers questions about it.
type ChatHandler struct {
	pages  *service.PageService
	chat   *service.ChatService
	logger *slog.Logger
}

// NewChatHandler creates a ChatHandler.
func NewChatHandler(pages *service.PageService, chat *service.ChatService, logger *slog.Logger) *ChatHandler {
	return &ChatHandler{
		pages:  pages,
		chat:   chat,
		logger: logger.With("component", "chat_handler"),
	}
}

// LoadURL renders a page and makes its text the current chat context.
func (h *ChatHandler) LoadURL(c echo.Context) error {
	var req loadURLRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	pt, err := h.pages.LoadText(c.Request().Context(), req.URL)
	if err != nil {
		return h.mapError(c, err)
	}

	return c.JSON(http.StatusOK, loadURLResponse{
		Status:   "ok",
		URL:      pt.URL,
		FinalURL: pt.FinalURL,
		Chars:    len([]rune(pt.Text)),
	})
}

// Chat answers a question about the supplied or current page context.
func (h *ChatHandler) Chat(c echo.Context) error {
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	ans, err := h.chat.Ask(c.Request().Context(), req.Message, req.Context)
	if err != nil {
		return h.mapError(c, err)
	}
	return c.JSON(http.StatusOK, chatResponse{Answer: ans})
}

func (h *ChatHandler) mapError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrMissingURL),
		errors.Is(err, service.ErrMissingMessage),
		errors.Is(err, resolve.ErrInvalidTarget):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})

	case errors.Is(err, answer.ErrNotConfigured):
		return c.JSON(http.StatusServiceUnavailable, map[string]string{
			"error": "answer service not configured: set answer.base_url",
		})

	case errors.Is(err, service.ErrAnswerUnavailable):
		return c.JSON(http.StatusBadGateway, map[string]string{"error": "answer service request failed"})

	case errors.Is(err, render.ErrRenderTimeout):
		h.logger.Error("page load timed out", "err", err)
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": err.Error()})
	}

	h.logger.Error("chat request failed", "path", c.Request().URL.Path, "err", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}
