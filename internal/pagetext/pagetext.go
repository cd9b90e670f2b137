// Package pagetext extracts the visible text of a rendered page and keeps the
// most recently loaded page as the default context for chat questions.
package pagetext

import (
	"fmt"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"render-proxy/internal/model"
)

// invisible elements whose text never reaches the reader.
const invisible = "script, style, noscript, template, head"

// Extract returns the text of src, one text run per line, with scripts and
// styles removed and blank lines dropped.
func Extract(src string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}
	doc.Find(invisible).Remove()

	var lines []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			for _, line := range strings.Split(n.Data, "\n") {
				if line = strings.Join(strings.Fields(line), " "); line != "" {
					lines = append(lines, line)
				}
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range doc.Nodes {
		walk(n)
	}
	return strings.Join(lines, "\n"), nil
}

// Store holds the current page context. The zero value is ready to use.
type Store struct {
	mu      sync.RWMutex
	current model.PageText
	loaded  bool
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{}
}

// Set replaces the current page context.
func (s *Store) Set(p model.PageText) {
	s.mu.Lock()
	s.current = p
	s.loaded = true
	s.mu.Unlock()
}

// Current returns the current page context, if one has been loaded.
func (s *Store) Current() (model.PageText, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.loaded
}
