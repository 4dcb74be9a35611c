package scraper

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
)

// boilerplate is removed before text extraction.
const boilerplate = "script, style, noscript, template, svg, iframe, nav, header, footer, aside, form"

// page is the text extracted from a fetched document.
type page struct {
	Title string
	Text  string
}

// extractText parses an HTML body and returns its title and readable text,
// preferring an <article> or <main> element when present. Text is truncated
// to maxBytes on a rune boundary.
func extractText(body []byte, maxBytes int) (page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return page{}, err
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find(`meta[property="og:title"]`).AttrOr("content", ""))
	}

	doc.Find(boilerplate).Remove()
	root := doc.Find("article").First()
	if root.Length() == 0 || len(strings.TrimSpace(root.Text())) < 200 {
		root = doc.Find("main").First()
	}
	if root.Length() == 0 || strings.TrimSpace(root.Text()) == "" {
		root = doc.Find("body")
	}

	var paragraphs []string
	root.Find("h1, h2, h3, h4, p, li, blockquote, pre, td").Each(func(_ int, s *goquery.Selection) {
		if s.ParentsFiltered("p, li, blockquote, td").Length() > 0 {
			return
		}
		if text := collapse(s.Text()); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})
	text := strings.Join(paragraphs, "\n\n")
	if text == "" {
		text = collapse(root.Text())
	}
	return page{Title: title, Text: truncate(text, maxBytes)}, nil
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, maxBytes int) string {
	if maxBytes <= 0 || len(s) <= maxBytes {
		return s
	}
	s = s[:maxBytes]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
