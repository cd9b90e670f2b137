package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"render-proxy/internal/cache"
	"render-proxy/internal/config"
	"render-proxy/internal/model"
	"render-proxy/internal/service"
)

type fakeFetcher struct {
	resp  map[string]*model.UpstreamResponse
	calls int
}

func (f *fakeFetcher) Get(_ context.Context, target string) (*model.UpstreamResponse, error) {
	f.calls++
	r, ok := f.resp[target]
	if !ok {
		return nil, errors.New("dial tcp: connection refused")
	}
	cp := *r
	cp.Header = r.Header.Clone()
	cp.FinalURL = target
	return &cp, nil
}

func newResourceHandler(f service.Fetcher) *ResourceHandler {
	svc := service.NewResourceService(f, cache.New(nil), discardLogger(), nil)
	return NewResourceHandler(svc, &config.Config{}, discardLogger())
}

func resourceRequest(target string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/resource?url="+url.QueryEscape(target), http.NoBody)
	req.Host = "localhost:8090"
	return req
}

func TestResourceHandler_Handle(t *testing.T) {
	f := &fakeFetcher{resp: map[string]*model.UpstreamResponse{
		"https://x.com/dir/s.css": {
			StatusCode: http.StatusOK,
			Header: http.Header{
				"Content-Type":    {"text/css"},
				"X-Frame-Options": {"DENY"},
				"Cache-Control":   {"max-age=300"},
			},
			Body: []byte(`body{background:url(/a.png)}`),
		},
	}}
	h := newResourceHandler(f)

	rec := serve(t, h.Handle, resourceRequest("https://x.com/dir/s.css"))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	want := `body{background:url('http://localhost:8090/resource?url=https%3A%2F%2Fx.com%2Fa.png')}`
	if rec.Body.String() != want {
		t.Errorf("body = %q\nwant %q", rec.Body.String(), want)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/css; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if v := rec.Header().Get("X-Frame-Options"); v != "" {
		t.Errorf("X-Frame-Options = %q, want stripped", v)
	}
	if v := rec.Header().Get("Access-Control-Allow-Origin"); v != "*" {
		t.Errorf("Access-Control-Allow-Origin = %q, want *", v)
	}
	if v := rec.Header().Get("Cache-Control"); v != "max-age=300" {
		t.Errorf("Cache-Control = %q", v)
	}
}

func TestResourceHandler_CachedResponseIdentical(t *testing.T) {
	f := &fakeFetcher{resp: map[string]*model.UpstreamResponse{
		"https://x.com/a.png": {
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"image/png"}},
			Body:       []byte("\x89PNG\r\n\x1a\n"),
		},
	}}
	h := newResourceHandler(f)

	first := serve(t, h.Handle, resourceRequest("https://x.com/a.png"))
	second := serve(t, h.Handle, resourceRequest("https://x.com/a.png"))

	if f.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", f.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Error("second response differs from first")
	}
	if first.Header().Get("Content-Type") != second.Header().Get("Content-Type") {
		t.Error("second Content-Type differs from first")
	}
}

func TestResourceHandler_Failures(t *testing.T) {
	f := &fakeFetcher{resp: map[string]*model.UpstreamResponse{
		"https://example.com/missing.png": {StatusCode: http.StatusNotFound, Header: http.Header{}},
	}}
	h := newResourceHandler(f)

	tests := []struct {
		name string
		path string
	}{
		{"upstream 404", "/resource?url=https%3A%2F%2Fexample.com%2Fmissing.png"},
		{"network error", "/resource?url=https%3A%2F%2Fdown.example.com%2Fa.js"},
		{"missing url", "/resource"},
		{"relative url", "/resource?url=%2Fa.png"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, h.Handle, httptest.NewRequest(http.MethodGet, tt.path, http.NoBody))
			if rec.Code != http.StatusNotFound {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
			}
			if rec.Body.Len() != 0 {
				t.Errorf("body = %q, want empty", rec.Body.String())
			}
		})
	}
}

func TestResourceHandler_HeadersNotSharedBetweenResponses(t *testing.T) {
	f := &fakeFetcher{resp: map[string]*model.UpstreamResponse{
		"https://x.com/a.js": {
			StatusCode: http.StatusOK,
			Header:     http.Header{"Content-Type": {"text/javascript"}, "Vary": {"Accept"}},
			Body:       []byte("1"),
		},
	}}
	h := newResourceHandler(f)

	first := serve(t, h.Handle, resourceRequest("https://x.com/a.js"))
	first.Header().Add("Vary", "Origin")
	second := serve(t, h.Handle, resourceRequest("https://x.com/a.js"))

	if got := strings.Join(second.Header().Values("Vary"), ","); got != "Accept" {
		t.Errorf("Vary = %q, want Accept", got)
	}
}
