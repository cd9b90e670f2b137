// Package cache holds fetched sub-resources for the lifetime of the process.
//
// Entries are keyed by absolute upstream URL and are never evicted or
// revalidated. HTML documents are never stored: pages are always rendered
// fresh.
package cache

import (
	"mime"
	"net/http"
	"strings"
	"sync"

	"render-proxy/internal/metrics"
)

// Entry is a cached, already-sanitised sub-resource.
type Entry struct {
	URL         string
	Body        []byte
	ContentType string
	Header      http.Header
}

// ResourceCache is a concurrency-safe map of URL to Entry.
type ResourceCache struct {
	mu      sync.RWMutex
	entries map[string]Entry
	metrics *metrics.Metrics
}

// New creates an empty ResourceCache.
// The metrics parameter is optional; pass nil to disable cache metrics.
func New(m *metrics.Metrics) *ResourceCache {
	return &ResourceCache{
		entries: make(map[string]Entry),
		metrics: m,
	}
}

// Get returns the entry stored for url.
func (c *ResourceCache) Get(url string) (Entry, bool) {
	c.mu.RLock()
	e, ok := c.entries[url]
	c.mu.RUnlock()

	if c.metrics != nil {
		result := metrics.CacheMiss
		if ok {
			result = metrics.CacheHit
		}
		c.metrics.CacheRequests.WithLabelValues(result).Inc()
	}
	return e, ok
}

// Put stores e under e.URL and reports whether it was stored. HTML entries
// are refused. Storing the same URL twice keeps the latest body.
func (c *ResourceCache) Put(e Entry) bool {
	if e.URL == "" || IsHTML(e.ContentType) {
		return false
	}

	c.mu.Lock()
	c.entries[e.URL] = e
	n := len(c.entries)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.CacheEntries.Set(float64(n))
	}
	return true
}

// Len returns the number of cached entries.
func (c *ResourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IsHTML reports whether contentType denotes an HTML document.
func IsHTML(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		mt = strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0])
	}
	mt = strings.ToLower(mt)
	return mt == "text/html" || mt == "application/xhtml+xml"
}
