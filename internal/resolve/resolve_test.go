package resolve

import (
	"errors"
	"testing"
)

const (
	testOrigin = "https://x.com"
	testPage   = "https://x.com/dir/page1.html?q=1"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		want string
	}{
		{"root relative", "/page2", "https://x.com/page2"},
		{"protocol relative", "//cdn.x.com/a.js", "https://cdn.x.com/a.js"},
		{"document relative", "img/a.png", "https://x.com/dir/img/a.png"},
		{"parent relative", "../up.css", "https://x.com/up.css"},
		{"query only", "?page=2", "https://x.com/dir/page1.html?page=2"},
		{"absolute https", "https://other.com/x", "https://other.com/x"},
		{"absolute http upper", "HTTP://other.com/x", "HTTP://other.com/x"},
		{"javascript", "javascript:void(0)", "javascript:void(0)"},
		{"javascript mixed case", "JavaScript:alert(1)", "JavaScript:alert(1)"},
		{"data uri", "data:image/png;base64,AAAA", "data:image/png;base64,AAAA"},
		{"blob", "blob:https://x.com/123", "blob:https://x.com/123"},
		{"fragment", "#top", "#top"},
		{"mailto", "mailto:a@x.com", "mailto:a@x.com"},
		{"tel", "tel:+100", "tel:+100"},
		{"surrounding whitespace", "  /a.png ", "https://x.com/a.png"},
		{"empty", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.ref, testOrigin, testPage)
			if got != tt.want {
				t.Errorf("Resolve(%q) = %q, want %q", tt.ref, got, tt.want)
			}
		})
	}
}

func TestResolve_ProtocolRelativeUsesDocumentScheme(t *testing.T) {
	got := Resolve("//cdn.x.com/a.js", "http://x.com", "http://x.com/")
	if got != "http://cdn.x.com/a.js" {
		t.Errorf("Resolve() = %q, want %q", got, "http://cdn.x.com/a.js")
	}
}

func TestResolve_FixedPointOnAbsolute(t *testing.T) {
	refs := []string{
		"/page2", "//cdn.x.com/a.js", "img/a.png", "../up.css", "?page=2",
		"./a/./b/../c.png", "https://other.com/x?y=1#z", "a%20b.png", "#frag",
	}
	for _, ref := range refs {
		once := Resolve(ref, testOrigin, testPage)
		twice := Resolve(once, testOrigin, testPage)
		if once != twice {
			t.Errorf("Resolve not idempotent for %q: %q then %q", ref, once, twice)
		}
	}
}

func TestSkip(t *testing.T) {
	for _, ref := range []string{"javascript:x", "DATA:x", "blob:x", "#", "mailto:x", "TEL:1", " #a"} {
		if !Skip(ref) {
			t.Errorf("Skip(%q) = false, want true", ref)
		}
	}
	for _, ref := range []string{"/a", "a.png", "https://x.com", "//x.com"} {
		if Skip(ref) {
			t.Errorf("Skip(%q) = true, want false", ref)
		}
	}
}

func TestNormalizeTarget(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{"example.com", "https://example.com", false},
		{"  example.com/path?q=1 ", "https://example.com/path?q=1", false},
		{"http://example.com", "http://example.com", false},
		{"https://example.com/a", "https://example.com/a", false},
		{"//example.com/a", "https://example.com/a", false},
		{"", "", true},
		{"ftp://example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := NormalizeTarget(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTarget) {
					t.Fatalf("NormalizeTarget(%q) error = %v, want ErrInvalidTarget", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NormalizeTarget(%q) error = %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeTarget(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNewContext(t *testing.T) {
	rc, err := NewContext("HTTPS://x.com:8443/a/b", "http://localhost:8090/")
	if err != nil {
		t.Fatalf("NewContext() error = %v", err)
	}
	if rc.OriginScheme != "https" || rc.OriginHost != "x.com:8443" {
		t.Errorf("origin = %s://%s", rc.OriginScheme, rc.OriginHost)
	}
	if rc.ProxyBaseURL != "http://localhost:8090" {
		t.Errorf("ProxyBaseURL = %q, want trailing slash trimmed", rc.ProxyBaseURL)
	}
	if rc.Origin() != "https://x.com:8443" {
		t.Errorf("Origin() = %q", rc.Origin())
	}

	if _, err := NewContext("/relative", "http://localhost:8090"); err == nil {
		t.Error("NewContext() expected error for relative page url")
	}
}

func TestRouting(t *testing.T) {
	const base = "http://localhost:8090"

	if got, want := ResourceURL(base, "https://x.com/a.png"), base+"/resource?url=https%3A%2F%2Fx.com%2Fa.png"; got != want {
		t.Errorf("ResourceURL() = %q, want %q", got, want)
	}
	if got, want := NavigationURL(base, "https://x.com/page2"), base+"/proxy?url=https%3A%2F%2Fx.com%2Fpage2"; got != want {
		t.Errorf("NavigationURL() = %q, want %q", got, want)
	}

	proxied := base + "/resource?url=https%3A%2F%2Fx.com%2Fa.png"
	if got := ResourceURL(base, proxied); got != proxied {
		t.Errorf("ResourceURL() double-wrapped an already proxied url: %q", got)
	}
}

func TestRewrite(t *testing.T) {
	rc, err := NewContext("https://x.com/page1", "http://localhost:8090")
	if err != nil {
		t.Fatal(err)
	}

	got, ok := Rewrite(rc, "/page2", true)
	if !ok || got != "http://localhost:8090/proxy?url=https%3A%2F%2Fx.com%2Fpage2" {
		t.Errorf("Rewrite(nav) = %q, %v", got, ok)
	}

	got, ok = Rewrite(rc, "/page2", false)
	if !ok || got != "http://localhost:8090/resource?url=https%3A%2F%2Fx.com%2Fpage2" {
		t.Errorf("Rewrite(resource) = %q, %v", got, ok)
	}

	for _, ref := range []string{"#x", "javascript:void(0)", "about:blank", ""} {
		if got, ok := Rewrite(rc, ref, false); ok || got != ref {
			t.Errorf("Rewrite(%q) = %q, %v; want unchanged", ref, got, ok)
		}
	}
}
