package scrape

import (
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Block names the wall, if any, that keeps a fetched page from being a
// usable source.
type Block string

const (
	BlockNone       Block = ""
	BlockCloudflare Block = "cloudflare"
	BlockCaptcha    Block = "captcha"
	BlockJSShell    Block = "js_shell"
	BlockLoginWall  Block = "login_wall"
)

// Visible-text sizes under which a page counts as a shell or a gate.
const (
	shellTextLimit = 200
	gateTextLimit  = 1500
)

var challengeTitles = []string{"just a moment", "attention required", "checking your browser"}

const (
	challengeSelector = "#challenge-form, #cf-challenge-running, .cf-browser-verification"
	captchaSelector   = ".g-recaptcha, .h-captcha, [data-sitekey], iframe[src*='captcha']"
)

// blockFromHeaders detects an edge rejection from the response alone.
func blockFromHeaders(status int, h http.Header) Block {
	if status != http.StatusForbidden && status != http.StatusServiceUnavailable {
		return BlockNone
	}
	if h.Get("Cf-Ray") != "" || h.Get("Cf-Mitigated") != "" || strings.EqualFold(h.Get("Server"), "cloudflare") {
		return BlockCloudflare
	}
	return BlockNone
}

// blockFromDocument inspects a parsed page. It must see the page before
// boilerplate is stripped.
func blockFromDocument(doc *goquery.Document) Block {
	title := strings.ToLower(doc.Find("title").First().Text())
	for _, t := range challengeTitles {
		if strings.Contains(title, t) {
			return BlockCloudflare
		}
	}
	if doc.Find(challengeSelector).Length() > 0 {
		return BlockCloudflare
	}
	if doc.Find(captchaSelector).Length() > 0 {
		return BlockCaptcha
	}

	text := visibleText(doc)
	if len(text) < shellTextLimit && (doc.Find("noscript").Length() > 0 || hasMetaRefresh(doc)) {
		return BlockJSShell
	}
	if len(text) < gateTextLimit && doc.Find("input[type=password]").Length() > 0 {
		return BlockLoginWall
	}
	return BlockNone
}

func visibleText(doc *goquery.Document) string {
	body := doc.Find("body").Clone()
	body.Find("script, style, noscript, template").Remove()
	return strings.Join(strings.Fields(body.Text()), " ")
}

func hasMetaRefresh(doc *goquery.Document) bool {
	return doc.Find("meta[http-equiv]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		v, _ := s.Attr("http-equiv")
		return strings.EqualFold(v, "refresh")
	}).Length() > 0
}
