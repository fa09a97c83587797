package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

const (
	// FetchTimeout bounds a single page fetch.
	FetchTimeout = 30 * time.Second

	// MaxFetchBodySize caps how much of a page is read (2MB).
	MaxFetchBodySize = 2 << 20

	// MaxExtractedChars caps the text returned to the client so a huge
	// page cannot blow up the prompt it gets pasted into.
	MaxExtractedChars = 20000
)

var whitespaceRe = regexp.MustCompile(`[ \t]+`)

// FetchURLContent fetches a page and extracts its readable text so the
// user can paste a link into a question. Script, style, and page
// chrome elements are stripped before text extraction.
func FetchURLContent(ctx context.Context, client *http.Client, rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", fmt.Errorf("invalid URL: must be http or https")
	}

	ctx, cancel := context.WithTimeout(ctx, FetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "LLM-Council/1.0")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d fetching URL", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, MaxFetchBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	return ExtractReadableText(doc), nil
}

// ExtractReadableText strips non-content elements and collapses the
// remaining text into readable lines.
func ExtractReadableText(doc *goquery.Document) string {
	doc.Find("script, style, noscript, iframe, nav, header, footer, aside").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var lines []string
	for _, rawLine := range strings.Split(root.Text(), "\n") {
		line := strings.TrimSpace(whitespaceRe.ReplaceAllString(rawLine, " "))
		if line != "" {
			lines = append(lines, line)
		}
	}

	text := strings.Join(lines, "\n")
	if len(text) > MaxExtractedChars {
		text = text[:MaxExtractedChars]
	}
	return text
}
