package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"render-proxy/internal/answer"
	"render-proxy/internal/config"
	"render-proxy/internal/pagetext"
)

var (
	// ErrMissingMessage is returned for a chat request without a question.
	ErrMissingMessage = errors.New("message is required")
	// ErrAnswerUnavailable wraps failures of the answer service.
	ErrAnswerUnavailable = errors.New("answer service unavailable")
)

// Answerer answers a question about a page's text.
type Answerer interface {
	Answer(ctx context.Context, pageContext, question string) (string, error)
}

// ChatService answers questions about the current or a supplied page context.
type ChatService struct {
	answerer Answerer
	store    *pagetext.Store
	maxChars int
	logger   *slog.Logger
}

// NewChatService creates a ChatService.
func NewChatService(a Answerer, store *pagetext.Store, cfg *config.Config, logger *slog.Logger) *ChatService {
	return &ChatService{
		answerer: a,
		store:    store,
		maxChars: cfg.Answer.MaxContextChars,
		logger:   logger.With("component", "chat_service"),
	}
}

// Ask answers question. An empty pageContext falls back to the page loaded
// last; the context is cut to the configured maximum length.
func (s *ChatService) Ask(ctx context.Context, question, pageContext string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", ErrMissingMessage
	}
	if pageContext == "" {
		if pt, ok := s.store.Current(); ok {
			pageContext = pt.Text
		}
	}
	pageContext = truncateRunes(pageContext, s.maxChars)

	ans, err := s.answerer.Answer(ctx, pageContext, question)
	if err != nil {
		if errors.Is(err, answer.ErrNotConfigured) {
			return "", err
		}
		s.logger.Warn("answer request failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrAnswerUnavailable, err)
	}
	return ans, nil
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	n := 0
	for i := range s {
		if n == limit {
			return s[:i]
		}
		n++
	}
	return s
}
