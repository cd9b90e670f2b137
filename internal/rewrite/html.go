// Package rewrite rewrites rendered documents and stylesheets so that every
// navigation and sub-resource reference is routed back through the proxy.
//
// Documents go through a parse, rewrite, serialise pipeline built on
// golang.org/x/net/html, so the output is always well-formed markup. The
// rewrite is meant to run exactly once per render; already-proxied URLs are
// left alone but no other idempotence is promised.
package rewrite

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"render-proxy/internal/intercept"
	"render-proxy/internal/model"
	"render-proxy/internal/resolve"
)

// strippedMeta lists http-equiv values whose <meta> tags are removed.
var strippedMeta = []string{"content-security-policy", "x-frame-options"}

// HTML rewrites a rendered document located at pageURL for a proxy served at
// proxyBase, and injects the interception script.
//
// Anchors and forms are routed to the navigation endpoint; every other
// reference goes to the resource endpoint.
func HTML(src, pageURL, proxyBase string) (string, error) {
	rc, err := resolve.NewContext(pageURL, proxyBase)
	if err != nil {
		return "", err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	rc = applyBase(doc, rc)
	stripMetaPolicies(doc)
	rewriteAttributes(doc, rc)
	rewriteStyleElements(doc, rc)
	injectScript(doc, intercept.Script(rc))

	var buf bytes.Buffer
	buf.Grow(len(src) + 4096)
	if err := html.Render(&buf, doc.Nodes[0]); err != nil {
		return "", fmt.Errorf("render html: %w", err)
	}
	return buf.String(), nil
}

// applyBase honours the first <base href> and then drops every <base>
// element, so client-side relative loads cannot escape the proxy.
func applyBase(doc *goquery.Document, rc model.RewriteContext) model.RewriteContext {
	bases := doc.Find("base")
	if href, ok := bases.Filter("[href]").First().Attr("href"); ok {
		abs := resolve.Resolve(href, rc.Origin(), rc.PageURL)
		if resolve.IsHTTP(abs) {
			if next, err := resolve.NewContext(abs, rc.ProxyBaseURL); err == nil {
				rc = next
			}
		}
	}
	bases.Remove()
	return rc
}

func stripMetaPolicies(doc *goquery.Document) {
	doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		v, _ := s.Attr("http-equiv")
		v = strings.TrimSpace(v)
		for _, name := range strippedMeta {
			if strings.EqualFold(v, name) {
				s.Remove()
				return
			}
		}
	})
}

func rewriteAttributes(doc *goquery.Document, rc model.RewriteContext) {
	for _, n := range doc.Find("*").Nodes {
		rewritten := false
		for i := range n.Attr {
			a := &n.Attr[i]
			if a.Namespace != "" && a.Namespace != "xlink" {
				continue
			}
			switch a.Key {
			case "href", "src", "action", "poster":
				if v, ok := resolve.Rewrite(rc, a.Val, isNavigation(n, a.Key)); ok {
					a.Val = v
					rewritten = true
				}
			case "srcset":
				if v := Srcset(a.Val, rc); v != a.Val {
					a.Val = v
					rewritten = true
				}
			case "style":
				a.Val = CSS(a.Val, rc)
			}
		}
		if rewritten {
			removeAttr(n, "integrity")
		}
	}
}

// isNavigation reports whether attribute key on n leads to a full page load.
func isNavigation(n *html.Node, key string) bool {
	switch n.DataAtom {
	case atom.A, atom.Area:
		return key == "href"
	case atom.Form:
		return key == "action"
	}
	return false
}

func removeAttr(n *html.Node, key string) {
	attrs := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			continue
		}
		attrs = append(attrs, a)
	}
	n.Attr = attrs
}

// rewriteStyleElements rewrites the raw text of <style> elements in place.
func rewriteStyleElements(doc *goquery.Document, rc model.RewriteContext) {
	for _, n := range doc.Find("style").Nodes {
		var css strings.Builder
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if c.Type == html.TextNode {
				css.WriteString(c.Data)
			}
		}
		rewritten := CSS(css.String(), rc)
		if rewritten == css.String() {
			continue
		}
		for n.FirstChild != nil {
			n.RemoveChild(n.FirstChild)
		}
		n.AppendChild(&html.Node{Type: html.TextNode, Data: rewritten})
	}
}

// injectScript inserts body as the first child of <head>, falling back to
// <html> and then to the start of the document.
func injectScript(doc *goquery.Document, body string) {
	script := &html.Node{Type: html.ElementNode, Data: "script", DataAtom: atom.Script}
	script.AppendChild(&html.Node{Type: html.TextNode, Data: body})

	parent := doc.Find("head").First()
	if parent.Length() == 0 {
		parent = doc.Find("html").First()
	}
	if parent.Length() == 0 {
		parent = doc.Selection
	}
	n := parent.Nodes[0]
	n.InsertBefore(script, n.FirstChild)
}

// Srcset rewrites the URL of each candidate and leaves descriptors such as
// "2x" or "480w" untouched. Candidates that must not be proxied, data: URIs
// among them, are kept verbatim.
func Srcset(val string, rc model.RewriteContext) string {
	if strings.TrimSpace(val) == "" {
		return val
	}
	cands := srcsetCandidates(val)
	parts := make([]string, 0, len(cands))
	for _, c := range cands {
		if v, ok := resolve.Rewrite(rc, c.url, false); ok {
			c.url = v
		}
		parts = append(parts, strings.Join(append([]string{c.url}, c.descriptors...), " "))
	}
	return strings.Join(parts, ", ")
}

type srcsetCandidate struct {
	url         string
	descriptors []string
}

// srcsetCandidates splits a srcset value the way browsers do: a URL is a run
// of non-space characters, so commas inside it belong to the URL, and a
// trailing comma ends the candidate. Descriptors run to the next comma
// outside parentheses.
func srcsetCandidates(val string) []srcsetCandidate {
	var out []srcsetCandidate
	i := 0
	for {
		for i < len(val) && (isSrcsetSpace(val[i]) || val[i] == ',') {
			i++
		}
		if i >= len(val) {
			return out
		}

		start := i
		for i < len(val) && !isSrcsetSpace(val[i]) {
			i++
		}
		u := val[start:i]
		if trimmed := strings.TrimRight(u, ","); trimmed != u {
			out = append(out, srcsetCandidate{url: trimmed})
			continue
		}

		start = i
		depth := 0
	descriptors:
		for ; i < len(val); i++ {
			switch val[i] {
			case '(':
				depth++
			case ')':
				if depth > 0 {
					depth--
				}
			case ',':
				if depth == 0 {
					break descriptors
				}
			}
		}
		c := srcsetCandidate{url: u}
		if d := strings.Fields(val[start:i]); len(d) > 0 {
			c.descriptors = d
		}
		out = append(out, c)
	}
}

func isSrcsetSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f'
}
