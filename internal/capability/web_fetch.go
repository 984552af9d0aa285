package capability

import (
	"context"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"
	"time"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/httpclient"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/llm"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/logging"
	tokenutil "github.com/richlaw1986/content-gap-crew-sub000/internal/shared/token"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const userAgent = "crewd/1.0 (+content research)"

// WebConfig tunes the network-backed capabilities.
type WebConfig struct {
	Timeout         time.Duration
	CacheTTL        time.Duration
	CacheMaxEntries int
	MaxBodyBytes    int64
	MaxContentChars int
	Logger          logging.Logger
}

func (c WebConfig) withDefaults() WebConfig {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 15 * time.Minute
	}
	if c.CacheMaxEntries <= 0 {
		c.CacheMaxEntries = 256
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 4 << 20
	}
	if c.MaxContentChars <= 0 {
		c.MaxContentChars = 15000
	}
	return c
}

type cachedPage struct {
	url     string
	content string
}

// webFetch downloads a page and reduces it to readable text.
type webFetch struct {
	client   *http.Client
	cache    *expirable.LRU[string, cachedPage]
	maxBody  int64
	maxChars int
}

// NewWebFetch builds the web_fetch capability.
func NewWebFetch(cfg WebConfig) Capability {
	cfg = cfg.withDefaults()
	client := httpclient.New(cfg.Timeout, cfg.Logger)
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("stopped after 10 redirects")
		}
		return nil
	}
	return &webFetch{
		client:   client,
		cache:    expirable.NewLRU[string, cachedPage](cfg.CacheMaxEntries, nil, cfg.CacheTTL),
		maxBody:  cfg.MaxBodyBytes,
		maxChars: cfg.MaxContentChars,
	}
}

func (t *webFetch) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "web_fetch",
		Description: "Fetch a web page and return its title, headings, paragraphs and list items as plain text. Results are cached for a few minutes.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Full http or https URL to fetch",
				},
			},
			"required": []string{"url"},
		},
	}
}

func (t *webFetch) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	target, err := validateURL(raw)
	if err != nil {
		return "", err
	}

	if page, ok := t.cache.Get(target); ok {
		return formatPage(page, true), nil
	}

	body, finalURL, err := fetch(ctx, t.client, target, t.maxBody)
	if err != nil {
		return "", err
	}
	content, err := htmlToText(body, t.maxChars)
	if err != nil {
		return "", fmt.Errorf("parse HTML: %w", err)
	}
	page := cachedPage{url: finalURL, content: content}
	t.cache.Add(target, page)
	return formatPage(page, false), nil
}

func formatPage(page cachedPage, cached bool) string {
	status := ""
	if cached {
		status = " (cached)"
	}
	return fmt.Sprintf("Source: %s%s\n\n%s", page.url, status, page.content)
}

func validateURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url parameter required")
	}
	parsed, err := neturl.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return "", fmt.Errorf("URL must use http or https scheme, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("URL has no host")
	}
	return parsed.String(), nil
}

func fetch(ctx context.Context, client *http.Client, target string, maxBody int64) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("HTTP request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, target)
	}
	body, err := httpclient.ReadAllWithLimit(resp.Body, maxBody)
	if err != nil {
		return nil, "", fmt.Errorf("read response: %w", err)
	}
	return body, resp.Request.URL.String(), nil
}

// htmlToText keeps the title, headings, substantive paragraphs and list items.
func htmlToText(body []byte, maxChars int) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(body)))
	if err != nil {
		return "", err
	}
	doc.Find("script, style, nav, footer, header, aside, iframe, noscript").Remove()

	var b strings.Builder
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		b.WriteString("# " + title + "\n\n")
	}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(desc) != "" {
		b.WriteString("> " + strings.TrimSpace(desc) + "\n\n")
	}
	doc.Find("h1, h2, h3, h4, h5, h6, p, li").Each(func(_ int, s *goquery.Selection) {
		text := strings.Join(strings.Fields(s.Text()), " ")
		if text == "" {
			return
		}
		switch tag := goquery.NodeName(s); tag {
		case "li":
			b.WriteString("- " + text + "\n")
		case "p":
			if len(text) > 30 {
				b.WriteString(text + "\n\n")
			}
		default:
			b.WriteString(strings.Repeat("#", int(tag[1]-'0')) + " " + text + "\n\n")
		}
	})
	return tokenutil.TruncateChars(strings.TrimSpace(b.String()), maxChars), nil
}
