// Package extract pulls page metadata out of fetched HTML.
package extract

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/vaibav03/resolute-ai/internal/scraper"
)

// Metadata extracts the title, meta description, and meta keywords from an
// HTML document. Each field is independently optional; anything missing or
// malformed comes back as an empty string, never an error.
func Metadata(body []byte) scraper.PageMeta {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return scraper.PageMeta{}
	}

	meta := scraper.PageMeta{
		Title: strings.TrimSpace(doc.Find("title").First().Text()),
	}
	if content, ok := doc.Find(`meta[name="description"]`).First().Attr("content"); ok {
		meta.Description = strings.TrimSpace(content)
	}
	if content, ok := doc.Find(`meta[name="keywords"]`).First().Attr("content"); ok {
		meta.Keywords = strings.TrimSpace(content)
	}
	return meta
}
