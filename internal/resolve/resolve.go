// Package resolve turns document-relative references into absolute URLs and
// maps absolute URLs onto the proxy's navigation and resource endpoints.
package resolve

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"render-proxy/internal/model"
)

// ErrInvalidTarget is returned when a target cannot be turned into an http(s) URL.
var ErrInvalidTarget = errors.New("invalid target url")

// Endpoint paths served by the proxy.
const (
	NavigationPath = "/proxy"
	ResourcePath   = "/resource"
)

// skipPrefixes are reference classes that are never rewritten.
var skipPrefixes = []string{"javascript:", "data:", "blob:", "#", "mailto:", "tel:"}

// Skip reports whether ref belongs to a class that must be left untouched.
func Skip(ref string) bool {
	lower := strings.ToLower(strings.TrimSpace(ref))
	for _, p := range skipPrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

// Resolve returns ref as an absolute URL. origin is scheme://host of the
// document and pageURL is the document's full URL. References in a skip class,
// and references that cannot be parsed, are returned unchanged.
func Resolve(ref, origin, pageURL string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || Skip(ref) {
		return ref
	}

	switch {
	case strings.HasPrefix(ref, "//"):
		scheme, _, ok := strings.Cut(origin, "://")
		if !ok {
			scheme = "https"
		}
		return scheme + ":" + ref
	case strings.HasPrefix(ref, "/"):
		return origin + ref
	case hasHTTPScheme(ref):
		return ref
	}

	base, err := url.Parse(pageURL)
	if err != nil {
		return ref
	}
	rel, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(rel).String()
}

// IsHTTP reports whether u is an absolute http or https URL.
func IsHTTP(u string) bool {
	return hasHTTPScheme(strings.TrimSpace(u))
}

func hasHTTPScheme(s string) bool {
	lower := strings.ToLower(s)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// NormalizeTarget trims raw and prefixes https:// when no scheme is present.
func NormalizeTarget(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTarget)
	}
	if !hasHTTPScheme(raw) {
		if strings.Contains(raw, "://") {
			return "", fmt.Errorf("%w: unsupported scheme in %q", ErrInvalidTarget, raw)
		}
		raw = "https://" + strings.TrimPrefix(raw, "//")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidTarget, raw)
	}
	return u.String(), nil
}

// NewContext derives the rewrite context for a document at pageURL served
// through the proxy at proxyBase.
func NewContext(pageURL, proxyBase string) (model.RewriteContext, error) {
	u, err := url.Parse(pageURL)
	if err != nil {
		return model.RewriteContext{}, fmt.Errorf("parse page url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return model.RewriteContext{}, fmt.Errorf("%w: page url %q is not absolute", ErrInvalidTarget, pageURL)
	}
	return model.RewriteContext{
		OriginScheme: strings.ToLower(u.Scheme),
		OriginHost:   u.Host,
		PageURL:      u.String(),
		ProxyBaseURL: strings.TrimRight(proxyBase, "/"),
	}, nil
}

// ResourceURL routes abs through the resource endpoint.
func ResourceURL(proxyBase, abs string) string {
	return route(proxyBase, ResourcePath, abs)
}

// NavigationURL routes abs through the navigation endpoint.
func NavigationURL(proxyBase, abs string) string {
	return route(proxyBase, NavigationPath, abs)
}

func route(proxyBase, path, abs string) string {
	proxyBase = strings.TrimRight(proxyBase, "/")
	if proxyBase != "" && strings.HasPrefix(abs, proxyBase) {
		return abs
	}
	return proxyBase + path + "?url=" + url.QueryEscape(abs)
}

// Rewrite resolves ref in rc and routes it through the resource endpoint, or
// the navigation endpoint when navigate is set. ok is false when ref must be
// left as it is.
func Rewrite(rc model.RewriteContext, ref string, navigate bool) (string, bool) {
	abs := Resolve(ref, rc.Origin(), rc.PageURL)
	if !IsHTTP(abs) {
		return ref, false
	}
	if navigate {
		return NavigationURL(rc.ProxyBaseURL, abs), true
	}
	return ResourceURL(rc.ProxyBaseURL, abs), true
}
