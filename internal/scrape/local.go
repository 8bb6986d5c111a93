package scrape

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
)

const maxBodyBytes = 1 << 20

// boilerplate is removed before conversion.
const boilerplate = "script, style, noscript, iframe, svg, form, nav, header, footer, aside"

// LocalScraper fetches a page directly and converts its main content to
// markdown. A blocked, gated or script-only page is an error, so the chain
// falls through to the paid readers.
type LocalScraper struct {
	client    *http.Client
	userAgent string
}

// NewLocalScraper creates a LocalScraper with the given request timeout.
// A zero timeout uses 15s.
func NewLocalScraper(timeout time.Duration) *LocalScraper {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &LocalScraper{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: 10 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		userAgent: "Mozilla/5.0 (compatible; CompeteBot/1.0)",
	}
}

func (l *LocalScraper) Name() string           { return "local_http" }
func (l *LocalScraper) Supports(_ string) bool { return true }

// Scrape fetches a URL, detects blocks, and converts the page to markdown.
func (l *LocalScraper) Scrape(ctx context.Context, targetURL string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: create request")
	}
	req.Header.Set("User-Agent", l.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "local_http: fetch")
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: read body")
	}

	if b := blockFromHeaders(resp.StatusCode, resp.Header); b != BlockNone {
		return nil, eris.Errorf("local_http: blocked (%s)", b)
	}

	if resp.StatusCode >= 400 {
		return nil, eris.Errorf("local_http: status %d", resp.StatusCode)
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return nil, eris.Errorf("local_http: unsupported content type %q", ct)
	}

	if len(body) < 100 {
		return nil, eris.New("local_http: empty page")
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "local_http: parse html")
	}
	if b := blockFromDocument(doc); b != BlockNone {
		return nil, eris.Errorf("local_http: blocked (%s)", b)
	}

	title, markdown, err := htmlToMarkdown(targetURL, doc)
	if err != nil {
		return nil, err
	}
	if len(markdown) < 50 {
		return nil, eris.New("local_http: no readable content")
	}

	return &Result{
		Page: Page{
			URL:        targetURL,
			Title:      title,
			Markdown:   markdown,
			StatusCode: resp.StatusCode,
		},
		Source: "local_http",
	}, nil
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// htmlToMarkdown extracts the page title and converts the main content
// (main, article or body, in that order) to markdown. It strips
// boilerplate from doc in place.
func htmlToMarkdown(pageURL string, doc *goquery.Document) (title, markdown string, err error) {
	title = strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find(boilerplate).Remove()

	content := doc.Find("main, article, [role=main]").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	html, err := content.Html()
	if err != nil {
		return "", "", eris.Wrap(err, "local_http: render content")
	}

	markdown, err = md.NewConverter(pageURL, true, nil).ConvertString(html)
	if err != nil {
		return "", "", eris.Wrap(err, "local_http: convert markdown")
	}
	markdown = blankLines.ReplaceAllString(strings.TrimSpace(markdown), "\n\n")
	return title, markdown, nil
}
