package rewrite

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/gorilla/css/scanner"

	"render-proxy/internal/model"
	"render-proxy/internal/resolve"
)

// cssURLPattern is only used for input the tokenizer gives up on.
var cssURLPattern = regexp.MustCompile(`(?i)url\(\s*(?:'([^']*)'|"([^"]*)"|([^'"\)]*))\s*\)`)

// CSS rewrites every url(...) reference and every @import "..." string in css
// to a proxy resource link. Everything else is emitted byte for byte.
func CSS(css string, rc model.RewriteContext) string {
	lower := strings.ToLower(css)
	if !strings.Contains(lower, "url(") && !strings.Contains(lower, "@import") {
		return css
	}
	// Scanner offsets drift on invalid UTF-8.
	if !utf8.ValidString(css) {
		return rewriteCSSFallback(css, rc)
	}

	norm, offsets := normalizeCSS(css)
	original := func(start, end int) string {
		return css[offsets[start]:offsets[end]]
	}
	s := scanner.New(norm)

	var out strings.Builder
	out.Grow(len(css))
	pos := 0
	afterImport := false
	// Start of an open url( function the scanner did not fold into one token.
	urlStart := -1

	for {
		tok := s.Next()
		switch tok.Type {
		case scanner.TokenEOF:
			if urlStart >= 0 {
				out.WriteString(original(urlStart, pos))
			}
			return out.String()
		case scanner.TokenError:
			if urlStart >= 0 {
				pos = urlStart
			}
			out.WriteString(rewriteCSSFallback(css[offsets[pos]:], rc))
			return out.String()
		}
		start := pos
		pos += len(tok.Value)

		if urlStart >= 0 {
			if tok.Type == scanner.TokenChar && tok.Value == ")" {
				out.WriteString(rewriteURIToken(original(urlStart, pos), rc))
				urlStart = -1
			}
			continue
		}

		switch tok.Type {
		case scanner.TokenURI:
			out.WriteString(rewriteURIToken(original(start, pos), rc))
			afterImport = false
		case scanner.TokenFunction:
			if strings.EqualFold(tok.Value, "url(") {
				urlStart = start
			} else {
				out.WriteString(original(start, pos))
			}
			afterImport = false
		case scanner.TokenAtKeyword:
			out.WriteString(original(start, pos))
			afterImport = strings.EqualFold(tok.Value, "@import")
		case scanner.TokenS, scanner.TokenComment:
			out.WriteString(original(start, pos))
		case scanner.TokenString:
			if afterImport {
				out.WriteString(rewriteImportString(original(start, pos), rc))
			} else {
				out.WriteString(original(start, pos))
			}
			afterImport = false
		default:
			out.WriteString(original(start, pos))
			afterImport = false
		}
	}
}

// normalizeCSS applies the scanner's input preprocessing. offsets maps every
// byte of the result, plus its end, to the matching offset in css.
func normalizeCSS(css string) (norm string, offsets []int) {
	var b strings.Builder
	b.Grow(len(css))
	offsets = make([]int, 0, len(css)+1)
	for i := 0; i < len(css); {
		switch c := css[i]; {
		case c == '\r' && i+1 < len(css) && css[i+1] == '\n':
			b.WriteByte('\n')
			offsets = append(offsets, i)
			i += 2
		case c == '\r' || c == '\f':
			b.WriteByte('\n')
			offsets = append(offsets, i)
			i++
		case c == 0:
			b.WriteString("\ufffd")
			offsets = append(offsets, i, i, i)
			i++
		default:
			b.WriteByte(c)
			offsets = append(offsets, i)
			i++
		}
	}
	offsets = append(offsets, len(css))
	return b.String(), offsets
}

// rewriteURIToken rewrites a url(...) token, returning it untouched when the
// reference must not be proxied.
func rewriteURIToken(tok string, rc model.RewriteContext) string {
	if len(tok) < 5 || !strings.EqualFold(tok[:4], "url(") || tok[len(tok)-1] != ')' {
		return tok
	}
	ref := unquote(strings.TrimSpace(tok[4 : len(tok)-1]))
	return cssURL(ref, tok, rc)
}

func rewriteImportString(tok string, rc model.RewriteContext) string {
	return cssURL(unquote(tok), tok, rc)
}

func cssURL(ref, original string, rc model.RewriteContext) string {
	if ref == "" {
		return original
	}
	proxied, ok := resolve.Rewrite(rc, ref, false)
	if !ok {
		return original
	}
	return "url('" + proxied + "')"
}

func rewriteCSSFallback(css string, rc model.RewriteContext) string {
	return cssURLPattern.ReplaceAllStringFunc(css, func(match string) string {
		sub := cssURLPattern.FindStringSubmatch(match)
		ref := sub[1]
		if ref == "" {
			ref = sub[2]
		}
		if ref == "" {
			ref = strings.TrimSpace(sub[3])
		}
		return cssURL(ref, match, rc)
	})
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
