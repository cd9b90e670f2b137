// Package client provides the outbound HTTP client used to fetch sub-resources
// on behalf of proxied pages.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/go-resty/resty/v2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"

	"render-proxy/internal/config"
	"render-proxy/internal/metrics"
	"render-proxy/internal/model"
)

var (
	// ErrBodyTooLarge is returned when a body exceeds fetch.max_body_bytes,
	// before or after decoding.
	ErrBodyTooLarge = errors.New("response body too large")
	// ErrUnsupportedEncoding is returned for a Content-Encoding we cannot decode.
	ErrUnsupportedEncoding = errors.New("unsupported content encoding")
)

const acceptEncoding = "gzip, deflate, br, zstd"

// ResourceClient performs browser-like GET requests for sub-resources.
type ResourceClient struct {
	http    *resty.Client
	logger  *slog.Logger
	metrics *metrics.Metrics
	maxBody int64
}

// NewResourceClient creates a ResourceClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewResourceClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ResourceClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Fetch.IdleConnections,
		MaxIdleConnsPerHost: cfg.Fetch.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableCompression:  true,
		ForceAttemptHTTP2:   true,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: !cfg.Fetch.VerifyTLS, //nolint:gosec // relaxed verification is a documented fetch option
		},
	}

	logger = logger.With("component", "resource_client")

	hc := &http.Client{Transport: transport}
	rc := resty.NewWithClient(hc).
		SetTimeout(time.Duration(cfg.Fetch.TimeoutSeconds)*time.Second).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10)).
		SetCookieJar(nil).
		SetLogger(restyLogger{logger}).
		SetHeaders(map[string]string{
			"User-Agent":      cfg.Render.UserAgent,
			"Accept":          cfg.Fetch.Accept,
			"Accept-Language": cfg.Render.AcceptLanguage,
			"Accept-Encoding": acceptEncoding,
		})

	return &ResourceClient{
		http:    rc,
		logger:  logger,
		metrics: m,
		maxBody: cfg.Fetch.MaxBodyBytes,
	}
}

// Get fetches target and returns the decoded body. Non-2xx responses are
// returned without error; callers decide what counts as a failure.
func (c *ResourceClient) Get(ctx context.Context, target string) (*model.UpstreamResponse, error) {
	c.logger.Debug("upstream request", "url", target)

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(target)
	duration := time.Since(start).Seconds()

	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(http.MethodGet).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	raw := resp.RawBody()
	defer func() { _ = raw.Close() }()

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(http.MethodGet, metrics.StatusClass(resp.StatusCode())).Inc()
	}

	body, err := readLimited(raw, c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	header := resp.Header().Clone()
	body, err = decode(body, header.Get("Content-Encoding"), c.maxBody)
	if err != nil {
		return nil, fmt.Errorf("decode upstream body: %w", err)
	}

	finalURL := target
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		finalURL = resp.RawResponse.Request.URL.String()
	}

	return &model.UpstreamResponse{
		StatusCode: resp.StatusCode(),
		Header:     header,
		Body:       body,
		FinalURL:   finalURL,
	}, nil
}

// readLimited reads r fully, failing once more than limit bytes are seen.
// A limit of zero or less disables the check.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrBodyTooLarge
	}
	return b, nil
}

// decode undoes every coding listed in a Content-Encoding header, last
// applied first.
func decode(body []byte, encoding string, limit int64) ([]byte, error) {
	if encoding == "" {
		return body, nil
	}
	codings := strings.Split(encoding, ",")
	for i := len(codings) - 1; i >= 0; i-- {
		var err error
		body, err = decodeOne(body, strings.ToLower(strings.TrimSpace(codings[i])), limit)
		if err != nil {
			return nil, err
		}
	}
	return body, nil
}

func decodeOne(body []byte, coding string, limit int64) ([]byte, error) {
	switch coding {
	case "", "identity":
		return body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip: %w", err)
		}
		defer func() { _ = zr.Close() }()
		return readLimited(zr, limit)
	case "deflate":
		// Servers disagree on whether deflate means zlib-wrapped or raw.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer func() { _ = zr.Close() }()
			return readLimited(zr, limit)
		}
		fr := flate.NewReader(bytes.NewReader(body))
		defer func() { _ = fr.Close() }()
		return readLimited(fr, limit)
	case "br":
		return readLimited(brotli.NewReader(bytes.NewReader(body)), limit)
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("zstd: %w", err)
		}
		defer zr.Close()
		return readLimited(zr, limit)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, coding)
}

// restyLogger routes resty's printf-style logging into slog.
type restyLogger struct {
	l *slog.Logger
}

func (r restyLogger) Errorf(format string, v ...any) { r.l.Error(fmt.Sprintf(format, v...)) }
func (r restyLogger) Warnf(format string, v ...any)  { r.l.Warn(fmt.Sprintf(format, v...)) }
func (r restyLogger) Debugf(format string, v ...any) { r.l.Debug(fmt.Sprintf(format, v...)) }
