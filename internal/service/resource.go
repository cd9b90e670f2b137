package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"golang.org/x/net/html/charset"
	"golang.org/x/sync/singleflight"

	"render-proxy/internal/cache"
	"render-proxy/internal/metrics"
	"render-proxy/internal/model"
	"render-proxy/internal/resolve"
	"render-proxy/internal/rewrite"
)

// Fetcher performs the upstream GET for a sub-resource.
type Fetcher interface {
	Get(ctx context.Context, target string) (*model.UpstreamResponse, error)
}

// strippedHeaders never reach the client. Content-Length is recomputed on
// write and the body is already decoded.
var strippedHeaders = []string{
	"Content-Security-Policy",
	"Content-Security-Policy-Report-Only",
	"X-Frame-Options",
	"Content-Encoding",
	"Transfer-Encoding",
	"Content-Length",
	"Strict-Transport-Security",
	"Set-Cookie",
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Upgrade",
}

// ResourceService serves sub-resources through the cache.
type ResourceService struct {
	fetcher Fetcher
	cache   *cache.ResourceCache
	group   singleflight.Group
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewResourceService creates a ResourceService.
// The metrics parameter is optional; pass nil to disable metrics recording.
func NewResourceService(f Fetcher, c *cache.ResourceCache, logger *slog.Logger, m *metrics.Metrics) *ResourceService {
	return &ResourceService{
		fetcher: f,
		cache:   c,
		logger:  logger.With("component", "resource_service"),
		metrics: m,
	}
}

// Fetch returns the sanitised resource at target. CSS bodies have their URLs
// routed through proxyBase. Every failure wraps ErrResourceNotFound.
//
// Concurrent misses for the same URL share one upstream fetch. A caller whose
// ctx ends stops waiting; the shared fetch carries on, bounded by the fetch
// timeout.
func (s *ResourceService) Fetch(ctx context.Context, target, proxyBase string) (*model.ResourceResponse, error) {
	if target == "" {
		return nil, ErrMissingURL
	}
	if !resolve.IsHTTP(target) {
		return nil, fmt.Errorf("%w: not an http(s) url: %q", ErrResourceNotFound, target)
	}

	if e, ok := s.cache.Get(target); ok {
		return &model.ResourceResponse{
			Body:        e.Body,
			ContentType: e.ContentType,
			Header:      e.Header.Clone(),
			Cached:      true,
		}, nil
	}

	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(target, func() (any, error) {
		return s.load(detached, target, proxyBase)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrResourceNotFound, ctx.Err())
	case res := <-ch:
		if res.Shared && s.metrics != nil {
			s.metrics.CacheRequests.WithLabelValues(metrics.CacheShared).Inc()
		}
		if res.Err != nil {
			return nil, res.Err
		}
		rr := res.Val.(*model.ResourceResponse)
		return &model.ResourceResponse{
			Body:        rr.Body,
			ContentType: rr.ContentType,
			Header:      rr.Header.Clone(),
		}, nil
	}
}

func (s *ResourceService) load(ctx context.Context, target, proxyBase string) (*model.ResourceResponse, error) {
	resp, err := s.fetcher.Get(ctx, target)
	if err != nil {
		s.logger.Warn("resource fetch failed", "url", target, "error", err)
		return nil, fmt.Errorf("%w: %w", ErrResourceNotFound, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.logger.Debug("resource upstream status", "url", target, "status", resp.StatusCode)
		return nil, fmt.Errorf("%w: upstream returned %d", ErrResourceNotFound, resp.StatusCode)
	}

	header := sanitizeHeader(resp.Header)
	body := resp.Body

	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = mimetype.Detect(body).String()
	}

	if isCSS(contentType) {
		baseURL := resp.FinalURL
		if baseURL == "" {
			baseURL = target
		}
		body, contentType, err = s.rewriteStylesheet(body, contentType, baseURL, proxyBase)
		if err != nil {
			s.logger.Warn("stylesheet rewrite failed", "url", target, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrResourceNotFound, err)
		}
	}
	header.Set("Content-Type", contentType)

	s.cache.Put(cache.Entry{
		URL:         target,
		Body:        body,
		ContentType: contentType,
		Header:      header,
	})

	return &model.ResourceResponse{
		Body:        body,
		ContentType: contentType,
		Header:      header,
	}, nil
}

// rewriteStylesheet decodes body from its declared charset, routes its URLs
// through the proxy and returns it as UTF-8.
func (s *ResourceService) rewriteStylesheet(body []byte, contentType, baseURL, proxyBase string) ([]byte, string, error) {
	rc, err := resolve.NewContext(baseURL, proxyBase)
	if err != nil {
		return nil, "", err
	}

	utf8Body, err := toUTF8(body, contentType)
	if err != nil {
		return nil, "", fmt.Errorf("decode charset: %w", err)
	}
	return []byte(rewrite.CSS(string(utf8Body), rc)), "text/css; charset=utf-8", nil
}

// toUTF8 converts body from the charset declared in contentType. Without a
// declaration, valid UTF-8 is kept as it is and anything else is sniffed.
func toUTF8(body []byte, contentType string) ([]byte, error) {
	_, params, _ := mime.ParseMediaType(contentType)
	label := strings.ToLower(strings.TrimSpace(params["charset"]))
	if label == "utf-8" || label == "utf8" || (label == "" && utf8.Valid(body)) {
		return body, nil
	}
	r, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func sanitizeHeader(src http.Header) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	for _, v := range dst.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				dst.Del(name)
			}
		}
	}
	for _, name := range strippedHeaders {
		dst.Del(name)
	}
	dst.Set("Access-Control-Allow-Origin", "*")
	return dst
}

func isCSS(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return strings.EqualFold(mt, "text/css")
}
