package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"render-proxy/internal/answer"
	"render-proxy/internal/cache"
	"render-proxy/internal/config"
	"render-proxy/internal/metrics"
	"render-proxy/internal/model"
	"render-proxy/internal/pagetext"
	"render-proxy/internal/service"
)

func newTestEcho(cfg *config.Config) *echo.Echo {
	logger := discardLogger()
	m := metrics.New()
	rc := cache.New(m)
	store := pagetext.NewStore()

	r := &fakeRenderer{page: &model.RenderedPage{HTML: "<p>hi</p>"}}
	f := &fakeFetcher{resp: map[string]*model.UpstreamResponse{
		"https://x.com/a.png": {StatusCode: http.StatusOK, Header: http.Header{"Content-Type": {"image/png"}}, Body: []byte("png")},
	}}

	pages := service.NewPageService(r, store, logger)
	resources := service.NewResourceService(f, rc, logger, m)
	chat := service.NewChatService(answer.NewClient(cfg, logger), store, cfg, logger)

	e := echo.New()
	RegisterRoutes(e,
		NewProxyHandler(pages, cfg, logger),
		NewResourceHandler(resources, cfg, logger),
		NewChatHandler(pages, chat, logger),
		NewHealthHandler("test", fixedPool(2), rc),
	)
	RegisterMetrics(e, cfg, m)
	return e
}

func TestRegisterRoutes_Wiring(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"}}
	e := newTestEcho(cfg)

	tests := []struct {
		name       string
		method     string
		path       string
		body       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", "", http.StatusOK},
		{"GET /status", http.MethodGet, "/status", "", http.StatusOK},
		{"GET /proxy", http.MethodGet, "/proxy?url=x.com", "", http.StatusOK},
		{"GET /proxy without url", http.MethodGet, "/proxy", "", http.StatusBadRequest},
		{"GET /resource", http.MethodGet, "/resource?url=https%3A%2F%2Fx.com%2Fa.png", "", http.StatusOK},
		{"GET /resource unknown", http.MethodGet, "/resource?url=https%3A%2F%2Fx.com%2Fb.png", "", http.StatusNotFound},
		{"POST /load-url", http.MethodPost, "/load-url", `{"url":"x.com"}`, http.StatusOK},
		{"POST /chat unconfigured", http.MethodPost, "/chat", `{"message":"q"}`, http.StatusServiceUnavailable},
		{"GET /metrics", http.MethodGet, "/metrics", "", http.StatusOK},
		{"POST /proxy not allowed", http.MethodPost, "/proxy", "", http.StatusMethodNotAllowed},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", "", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var req *http.Request
			if tt.body != "" {
				req = jsonRequest(tt.path, tt.body)
			} else {
				req = httptest.NewRequest(tt.method, tt.path, http.NoBody)
			}
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterMetrics_Disabled(t *testing.T) {
	e := newTestEcho(&config.Config{Metrics: config.MetricsConfig{Path: "/metrics"}})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterMetrics_ExposesCollectors(t *testing.T) {
	e := newTestEcho(&config.Config{Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"}})

	e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/resource?url=https%3A%2F%2Fx.com%2Fa.png", http.NoBody))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))

	if !strings.Contains(rec.Body.String(), "render_proxy_resource_cache_entries 1") {
		t.Errorf("metrics output missing cache entries gauge:\n%.500s", rec.Body.String())
	}
}
