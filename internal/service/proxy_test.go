package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"render-proxy/internal/model"
	"render-proxy/internal/pagetext"
	"render-proxy/internal/render"
	"render-proxy/internal/resolve"
)

// fakeRenderer records the target it was asked for and returns page.
type fakeRenderer struct {
	page   *model.RenderedPage
	err    error
	target string
}

func (f *fakeRenderer) Render(_ context.Context, target string) (*model.RenderedPage, error) {
	f.target = target
	if f.err != nil {
		return nil, f.err
	}
	return f.page, nil
}

const framedPage = `<!DOCTYPE html><html><head>
<meta http-equiv="Content-Security-Policy" content="default-src 'self'">
<meta http-equiv="X-Frame-Options" content="DENY">
<title>Example</title></head>
<body><a href="/page2">next</a><img src="logo.png"></body></html>`

func TestProxy_NoSchemeDefaultsToHTTPS(t *testing.T) {
	r := &fakeRenderer{page: &model.RenderedPage{HTML: framedPage, FinalURL: "https://example.com/"}}
	svc := NewPageService(r, pagetext.NewStore(), discardLogger())

	out, err := svc.Proxy(context.Background(), "example.com", proxyBase)
	if err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if r.target != "https://example.com" {
		t.Errorf("rendered target = %q, want https://example.com", r.target)
	}
	if strings.Contains(strings.ToLower(out), "content-security-policy") {
		t.Error("output still contains CSP meta")
	}
	if strings.Contains(strings.ToLower(out), "x-frame-options") {
		t.Error("output still contains X-Frame-Options meta")
	}
	if !strings.Contains(out, "__renderProxyHooked") {
		t.Error("output does not contain the interception script")
	}
	if want := resolve.NavigationURL(proxyBase, "https://example.com/page2"); !strings.Contains(out, `href="`+want+`"`) {
		t.Errorf("anchor not routed to %s", want)
	}
	if want := resolve.ResourceURL(proxyBase, "https://example.com/logo.png"); !strings.Contains(out, `src="`+want+`"`) {
		t.Errorf("image not routed to %s", want)
	}
}

func TestProxy_ResolvesAgainstFinalURL(t *testing.T) {
	r := &fakeRenderer{page: &model.RenderedPage{
		HTML:     `<html><head></head><body><img src="a.png"></body></html>`,
		FinalURL: "https://www.example.com/shop/",
	}}
	svc := NewPageService(r, pagetext.NewStore(), discardLogger())

	out, err := svc.Proxy(context.Background(), "https://example.com", proxyBase)
	if err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if want := resolve.ResourceURL(proxyBase, "https://www.example.com/shop/a.png"); !strings.Contains(out, want) {
		t.Errorf("output does not contain %s", want)
	}
}

func TestProxy_PartialPageStillRewritten(t *testing.T) {
	r := &fakeRenderer{page: &model.RenderedPage{
		HTML:               `<html><head></head><body>partial</body></html>`,
		FinalURL:           "https://x.com/",
		QuiescenceTimedOut: true,
	}}
	svc := NewPageService(r, pagetext.NewStore(), discardLogger())

	out, err := svc.Proxy(context.Background(), "x.com", proxyBase)
	if err != nil {
		t.Fatalf("Proxy() error = %v", err)
	}
	if !strings.Contains(out, "partial") {
		t.Error("partial page content missing")
	}
}

func TestProxy_Errors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		want   error
	}{
		{"missing url", "  ", nil, ErrMissingURL},
		{"unsupported scheme", "ftp://x.com", nil, resolve.ErrInvalidTarget},
		{"render timeout", "x.com", render.ErrRenderTimeout, render.ErrRenderTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRenderer{err: tt.err, page: &model.RenderedPage{}}
			svc := NewPageService(r, pagetext.NewStore(), discardLogger())
			if _, err := svc.Proxy(context.Background(), tt.target, proxyBase); !errors.Is(err, tt.want) {
				t.Errorf("Proxy() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestLoadText_StoresCurrentContext(t *testing.T) {
	r := &fakeRenderer{page: &model.RenderedPage{
		HTML:     `<html><head><script>var x</script></head><body><h1>Blue Kettle</h1><p>$19.99</p></body></html>`,
		FinalURL: "https://shop.com/kettle",
	}}
	store := pagetext.NewStore()
	svc := NewPageService(r, store, discardLogger())

	pt, err := svc.LoadText(context.Background(), "shop.com/kettle")
	if err != nil {
		t.Fatalf("LoadText() error = %v", err)
	}
	if pt.URL != "https://shop.com/kettle" || pt.FinalURL != "https://shop.com/kettle" {
		t.Errorf("LoadText() = %+v", pt)
	}
	if pt.Text != "Blue Kettle\n$19.99" {
		t.Errorf("Text = %q", pt.Text)
	}

	cur, ok := store.Current()
	if !ok || cur.Text != pt.Text {
		t.Errorf("store.Current() = %+v, %v", cur, ok)
	}
}

func TestLoadText_RenderFailureKeepsPreviousContext(t *testing.T) {
	store := pagetext.NewStore()
	store.Set(model.PageText{URL: "https://old.com", Text: "old"})

	r := &fakeRenderer{err: errors.New("net::ERR_NAME_NOT_RESOLVED")}
	svc := NewPageService(r, store, discardLogger())

	if _, err := svc.LoadText(context.Background(), "nowhere.invalid"); err == nil {
		t.Fatal("LoadText() expected error")
	}
	if cur, _ := store.Current(); cur.Text != "old" {
		t.Errorf("store.Current().Text = %q, want old", cur.Text)
	}
}
