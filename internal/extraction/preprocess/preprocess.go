// Package preprocess cleans crawled page content into plain text and
// splits it into overlapping chunks bounded by size, ahead of domain
// classification and entity extraction (C7).
package preprocess

import (
	"strings"

	"golang.org/x/net/html"
)

// skipTags never contribute to extracted text: scripts, styles, and the
// surrounding chrome rather than article content.
var skipTags = map[string]bool{
	"script": true, "style": true, "noscript": true, "nav": true,
	"header": true, "footer": true, "aside": true, "svg": true, "form": true,
}

// Clean strips HTML boilerplate and returns plain text plus the method
// used. If parsing fails, it falls back to returning contentRaw verbatim
// so the pipeline always has something to chunk.
func Clean(contentRaw string, contentType string) (text string, method string) {
	if !strings.Contains(contentType, "html") && !looksLikeHTML(contentRaw) {
		return strings.TrimSpace(contentRaw), "raw"
	}

	doc, err := html.Parse(strings.NewReader(contentRaw))
	if err != nil {
		return strings.TrimSpace(contentRaw), "raw_fallback"
	}

	var sb strings.Builder
	extractText(doc, &sb)
	cleaned := collapseWhitespace(sb.String())
	if cleaned == "" {
		return strings.TrimSpace(contentRaw), "raw_fallback"
	}
	return cleaned, "html_strip"
}

func looksLikeHTML(s string) bool {
	trimmed := strings.TrimSpace(s)
	return strings.HasPrefix(trimmed, "<") && strings.Contains(trimmed, ">")
}

func extractText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skipTags[strings.ToLower(n.Data)] {
		return
	}
	if n.Type == html.TextNode {
		text := strings.TrimSpace(n.Data)
		if text != "" {
			sb.WriteString(text)
			sb.WriteString(" ")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		extractText(c, sb)
	}
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.TrimSpace(strings.Join(fields, " "))
}
