// Package service implements the proxy controller: page rendering and
// rewriting, sub-resource fetching through the cache, and the chat surface
// built on top of rendered page text.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"render-proxy/internal/model"
	"render-proxy/internal/pagetext"
	"render-proxy/internal/resolve"
	"render-proxy/internal/rewrite"
)

var (
	// ErrMissingURL is returned when a request carries no target URL.
	ErrMissingURL = errors.New("url parameter is required")
	// ErrResourceNotFound covers every sub-resource failure: bad URL, network
	// error, timeout and non-2xx upstream status.
	ErrResourceNotFound = errors.New("resource not found")
)

// Renderer loads a page in a browser and returns its rendered DOM.
type Renderer interface {
	Render(ctx context.Context, target string) (*model.RenderedPage, error)
}

// PageService renders pages and rewrites them to route through the proxy.
type PageService struct {
	renderer Renderer
	store    *pagetext.Store
	logger   *slog.Logger
}

// NewPageService creates a PageService.
func NewPageService(r Renderer, store *pagetext.Store, logger *slog.Logger) *PageService {
	return &PageService{
		renderer: r,
		store:    store,
		logger:   logger.With("component", "page_service"),
	}
}

// Proxy renders rawTarget and returns the rewritten HTML. A target without a
// scheme is treated as https.
func (s *PageService) Proxy(ctx context.Context, rawTarget, proxyBase string) (string, error) {
	pr, err := newRequest(rawTarget)
	if err != nil {
		return "", err
	}

	page, err := s.renderer.Render(ctx, pr.TargetURL)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", pr.TargetURL, err)
	}

	finalURL := page.FinalURL
	if finalURL == "" {
		finalURL = pr.TargetURL
	}

	out, err := rewrite.HTML(page.HTML, finalURL, proxyBase)
	if err != nil {
		return "", fmt.Errorf("rewrite %s: %w", finalURL, err)
	}

	s.logger.Debug("page proxied",
		"target", pr.TargetURL,
		"final_url", finalURL,
		"partial", page.QuiescenceTimedOut,
		"bytes", len(out),
	)
	return out, nil
}

// LoadText renders rawTarget, extracts its visible text and makes it the
// current chat context.
func (s *PageService) LoadText(ctx context.Context, rawTarget string) (model.PageText, error) {
	pr, err := newRequest(rawTarget)
	if err != nil {
		return model.PageText{}, err
	}

	page, err := s.renderer.Render(ctx, pr.TargetURL)
	if err != nil {
		return model.PageText{}, fmt.Errorf("render %s: %w", pr.TargetURL, err)
	}

	text, err := pagetext.Extract(page.HTML)
	if err != nil {
		return model.PageText{}, fmt.Errorf("extract text: %w", err)
	}

	pt := model.PageText{URL: pr.TargetURL, FinalURL: page.FinalURL, Text: text}
	if pt.FinalURL == "" {
		pt.FinalURL = pr.TargetURL
	}
	s.store.Set(pt)

	s.logger.Info("page context loaded", "url", pt.URL, "final_url", pt.FinalURL, "chars", len([]rune(text)))
	return pt, nil
}

func newRequest(raw string) (model.ProxyRequest, error) {
	if strings.TrimSpace(raw) == "" {
		return model.ProxyRequest{}, ErrMissingURL
	}
	target, err := resolve.NormalizeTarget(raw)
	if err != nil {
		return model.ProxyRequest{}, err
	}
	return model.ProxyRequest{TargetURL: target}, nil
}
