// Package model defines shared types for the proxy.
package model

import (
	"net/http"
)

// ProxyRequest is one inbound navigation request.
type ProxyRequest struct {
	// TargetURL is normalised: a bare host such as "example.com" becomes
	// "https://example.com".
	TargetURL string
}

// RenderedPage is the output of a single headless render. It is consumed
// by the rewriter and then discarded.
type RenderedPage struct {
	HTML     string
	FinalURL string

	// QuiescenceTimedOut reports that the network never settled within the
	// quiescence budget and HTML was captured from a partially loaded page.
	QuiescenceTimedOut bool
}

// RewriteContext is derived once per rewrite pass and never mutated.
type RewriteContext struct {
	OriginScheme string
	OriginHost   string
	PageURL      string
	ProxyBaseURL string
}

// Origin returns scheme://host of the rewritten document.
func (rc RewriteContext) Origin() string {
	return rc.OriginScheme + "://" + rc.OriginHost
}

// ResourceResponse is a sanitised sub-resource ready to be written to the client.
type ResourceResponse struct {
	Body        []byte
	ContentType string
	Header      http.Header
	Cached      bool
}

// PageText is the visible text of a rendered page, used as chat context.
type PageText struct {
	URL      string
	FinalURL string
	Text     string
}

// UpstreamResponse is a fully read and decoded sub-resource response.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	FinalURL   string
}
