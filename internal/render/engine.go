// Package render drives a pool of headless Chromium workers that load a page,
// let its scripts run, and capture the resulting DOM as HTML.
package render

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"

	"render-proxy/internal/config"
	"render-proxy/internal/metrics"
	"render-proxy/internal/model"
)

var (
	// ErrRenderTimeout is returned when navigation does not reach
	// DOMContentLoaded within the navigation timeout.
	ErrRenderTimeout = errors.New("navigation timed out")
	// ErrQuiescenceTimeout marks a render whose network never went idle. It
	// is logged and counted, never returned.
	ErrQuiescenceTimeout = errors.New("network did not go idle")
)

const (
	// captureTimeout bounds reading the DOM once loading is over.
	captureTimeout = 10 * time.Second
	cleanupTimeout = 5 * time.Second
)

// serializeScript returns the live DOM including its doctype, so the rewritten
// page keeps the same rendering mode.
const serializeScript = `() => (document.doctype ? new XMLSerializer().serializeToString(document.doctype) : '') +
  document.documentElement.outerHTML`

// stealthScript hides the most common automation markers before any page
// script runs.
const stealthScript = `(() => {
  try {
    Object.defineProperty(navigator, 'webdriver', { get: () => undefined, configurable: true });
  } catch (e) {}
  if (!window.chrome) { window.chrome = { runtime: {} }; }
})()`

// worker is one browser process, or one connection to a remote browser.
type worker struct {
	id         string
	browser    *rod.Browser
	launcher   *launcher.Launcher
	// disconnect cancels the context the CDP connection was opened with,
	// which closes its websocket.
	disconnect context.CancelFunc
}

// Engine renders pages on a bounded pool of browser workers.
type Engine struct {
	cfg     config.RenderConfig
	pool    *Pool[*worker]
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewEngine creates an Engine. No browser is started until the first render.
// The metrics parameter is optional; pass nil to disable render metrics.
func NewEngine(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Engine {
	e := &Engine{
		cfg:     cfg.Render,
		logger:  logger.With("component", "render_engine"),
		metrics: m,
	}
	e.pool = NewPool(cfg.Render.PoolSize, e.startWorker, e.stopWorker)
	return e
}

// PoolSize returns the maximum number of concurrent renders.
func (e *Engine) PoolSize() int {
	return e.pool.Size()
}

// Close shuts down every browser worker.
func (e *Engine) Close() error {
	return e.pool.Close()
}

// Render loads target and returns its serialised DOM. Each render runs in a
// fresh incognito context, so no cookies or storage leak between requests.
func (e *Engine) Render(ctx context.Context, target string) (*model.RenderedPage, error) {
	w, err := e.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire browser: %w", err)
	}

	if e.metrics != nil {
		e.metrics.RenderWorkersInUse.Inc()
		defer e.metrics.RenderWorkersInUse.Dec()
	}

	start := time.Now()
	page, healthy, err := e.renderOn(ctx, w, target)
	e.pool.Release(w, healthy)

	e.observe(start, page, err)

	if err != nil {
		return nil, err
	}
	if page.QuiescenceTimedOut {
		e.logger.Warn("capturing page before network idle",
			"url", target,
			"worker", w.id,
			"error", ErrQuiescenceTimeout,
		)
	}
	return page, nil
}

func (e *Engine) observe(start time.Time, page *model.RenderedPage, err error) {
	if e.metrics == nil {
		return
	}
	outcome := metrics.RenderOK
	switch {
	case errors.Is(err, ErrRenderTimeout):
		outcome = metrics.RenderTimeout
	case err != nil:
		outcome = metrics.RenderError
	case page.QuiescenceTimedOut:
		outcome = metrics.RenderQuiescence
		e.metrics.QuiescenceTimeouts.Inc()
	}
	e.metrics.RendersTotal.WithLabelValues(outcome).Inc()
	if err == nil {
		e.metrics.RenderDuration.Observe(time.Since(start).Seconds())
	}
}

// renderOn performs one render on w. healthy is false when the browser itself
// failed and the worker should be replaced.
func (e *Engine) renderOn(ctx context.Context, w *worker, target string) (*model.RenderedPage, bool, error) {
	incognito, err := w.browser.Context(ctx).Incognito()
	if err != nil {
		return nil, ctx.Err() != nil, fmt.Errorf("open incognito context: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		_ = incognito.Context(cleanupCtx).Close()
	}()

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, ctx.Err() != nil, fmt.Errorf("open page: %w", err)
	}

	if err := e.preparePage(page); err != nil {
		return nil, true, err
	}

	navCtx, cancelNav := context.WithTimeout(ctx, time.Duration(e.cfg.NavigationTimeoutSeconds)*time.Second)
	defer cancelNav()
	idleCtx, cancelIdle := context.WithTimeout(ctx, time.Duration(e.cfg.QuiescenceTimeoutSeconds)*time.Second)
	defer cancelIdle()

	// Both waits subscribe before navigating so no early event is missed.
	waitDOM := page.Context(navCtx).WaitNavigation(proto.PageLifecycleEventNameDOMContentLoaded)
	waitIdle := page.Context(idleCtx).WaitRequestIdle(
		time.Duration(e.cfg.IdleWindowMS)*time.Millisecond,
		nil, nil,
		[]proto.NetworkResourceType{proto.NetworkResourceTypeWebSocket, proto.NetworkResourceTypeEventSource},
	)

	if err := page.Context(navCtx).Navigate(target); err != nil {
		return nil, true, e.navigationError(ctx, navCtx, target, err)
	}
	waitDOM()
	if navCtx.Err() != nil {
		return nil, true, e.navigationError(ctx, navCtx, target, navCtx.Err())
	}

	waitIdle()
	if ctx.Err() != nil {
		return nil, true, ctx.Err()
	}
	quiescenceTimedOut := errors.Is(idleCtx.Err(), context.DeadlineExceeded)

	captureCtx, cancelCapture := context.WithTimeout(ctx, captureTimeout)
	defer cancelCapture()
	capture := page.Context(captureCtx)

	res, err := capture.Eval(serializeScript)
	if err != nil {
		return nil, true, fmt.Errorf("capture html: %w", err)
	}

	finalURL := target
	if info, err := capture.Info(); err == nil && info.URL != "" {
		finalURL = info.URL
	}

	return &model.RenderedPage{
		HTML:               res.Value.Str(),
		FinalURL:           finalURL,
		QuiescenceTimedOut: quiescenceTimedOut,
	}, true, nil
}

func (e *Engine) navigationError(ctx, navCtx context.Context, target string, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(navCtx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %ds: %s", ErrRenderTimeout, e.cfg.NavigationTimeoutSeconds, target)
	}
	return fmt.Errorf("navigate %s: %w", target, err)
}

// preparePage applies the browser identity before navigation.
func (e *Engine) preparePage(page *rod.Page) error {
	if _, err := page.EvalOnNewDocument(stealthScript); err != nil {
		return fmt.Errorf("install stealth script: %w", err)
	}
	if err := (proto.NetworkSetUserAgentOverride{
		UserAgent:      e.cfg.UserAgent,
		AcceptLanguage: e.cfg.AcceptLanguage,
	}).Call(page); err != nil {
		return fmt.Errorf("set user agent: %w", err)
	}
	if err := (proto.EmulationSetLocaleOverride{Locale: e.cfg.Locale}).Call(page); err != nil {
		// Some remote browsers reject locale overrides; the Accept-Language
		// header still applies.
		e.logger.Debug("locale override rejected", "error", err)
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             e.cfg.ViewportWidth,
		Height:            e.cfg.ViewportHeight,
		DeviceScaleFactor: 1,
	}); err != nil {
		return fmt.Errorf("set viewport: %w", err)
	}
	return nil
}

// startWorker launches a local browser, or connects to render.control_url.
func (e *Engine) startWorker(context.Context) (*worker, error) {
	w := &worker{id: uuid.NewString()}

	controlURL := e.cfg.ControlURL
	if controlURL == "" {
		l := launcher.New().
			Headless(true).
			NoSandbox(e.cfg.NoSandbox).
			Set("disable-dev-shm-usage").
			Set("disable-gpu").
			Set("lang", e.cfg.Locale)
		if e.cfg.BrowserBin != "" {
			l = l.Bin(e.cfg.BrowserBin)
		}
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		w.launcher = l
		controlURL = u
	}

	connCtx, disconnect := context.WithCancel(context.Background())
	b := rod.New().ControlURL(controlURL).Context(connCtx)
	if err := b.Connect(); err != nil {
		disconnect()
		if w.launcher != nil {
			w.launcher.Kill()
		}
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	w.browser = b
	w.disconnect = disconnect

	e.logger.Info("browser worker started", "worker", w.id, "remote", w.launcher == nil)
	return w, nil
}

// stopWorker shuts down a launched browser. A remote browser is shared and
// is left running; only this worker's connection to it is closed.
func (e *Engine) stopWorker(w *worker) error {
	defer e.logger.Info("browser worker stopped", "worker", w.id)
	if w.launcher == nil {
		w.disconnect()
		return nil
	}
	err := w.browser.Close()
	w.disconnect()
	w.launcher.Kill()
	w.launcher.Cleanup()
	return err
}
