package capability

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	neturl "net/url"
	"strings"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/httpclient"
	"github.com/richlaw1986/content-gap-crew-sub000/internal/llm"
)

const (
	defaultSitemapLimit = 200
	maxSitemapIndexHops = 5
)

// sitemapLookup lists page URLs published in a site's XML sitemap.
type sitemapLookup struct {
	client  *http.Client
	maxBody int64
}

// NewSitemapLookup builds the sitemap_lookup capability.
func NewSitemapLookup(cfg WebConfig) Capability {
	cfg = cfg.withDefaults()
	return &sitemapLookup{
		client:  httpclient.New(cfg.Timeout, cfg.Logger),
		maxBody: cfg.MaxBodyBytes,
	}
}

func (t *sitemapLookup) Definition() llm.ToolDefinition {
	return llm.ToolDefinition{
		Name:        "sitemap_lookup",
		Description: "List URLs from a website's XML sitemap. Pass a site root (sitemap.xml is appended) or a sitemap URL; optionally filter by a substring.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Site root or sitemap URL",
				},
				"contains": map[string]any{
					"type":        "string",
					"description": "Only return URLs containing this text",
				},
				"limit": map[string]any{
					"type":        "integer",
					"description": "Maximum URLs to return (default 200)",
				},
			},
			"required": []string{"url"},
		},
	}
}

type urlSet struct {
	URLs []struct {
		Loc     string `xml:"loc"`
		LastMod string `xml:"lastmod"`
	} `xml:"url"`
}

type sitemapIndex struct {
	Sitemaps []struct {
		Loc string `xml:"loc"`
	} `xml:"sitemap"`
}

func (t *sitemapLookup) Execute(ctx context.Context, args map[string]any) (string, error) {
	raw, _ := args["url"].(string)
	target, err := validateURL(raw)
	if err != nil {
		return "", err
	}
	target = sitemapURL(target)
	filter := strings.ToLower(strings.TrimSpace(stringArg(args, "contains")))
	limit := intArg(args, "limit", defaultSitemapLimit)

	var (
		lines   []string
		queue   = []string{target}
		visited = map[string]bool{}
	)
	for hops := 0; len(queue) > 0 && hops < maxSitemapIndexHops && len(lines) < limit; hops++ {
		current := queue[0]
		queue = queue[1:]
		if visited[current] {
			continue
		}
		visited[current] = true

		body, _, err := fetch(ctx, t.client, current, t.maxBody)
		if err != nil {
			if current == target {
				return "", err
			}
			continue
		}

		var index sitemapIndex
		if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
			for _, s := range index.Sitemaps {
				if loc := strings.TrimSpace(s.Loc); loc != "" {
					queue = append(queue, loc)
				}
			}
			continue
		}

		var set urlSet
		if err := xml.Unmarshal(body, &set); err != nil {
			if current == target {
				return "", fmt.Errorf("decode sitemap: %w", err)
			}
			continue
		}
		for _, u := range set.URLs {
			loc := strings.TrimSpace(u.Loc)
			if loc == "" || (filter != "" && !strings.Contains(strings.ToLower(loc), filter)) {
				continue
			}
			line := loc
			if u.LastMod != "" {
				line += " (lastmod " + strings.TrimSpace(u.LastMod) + ")"
			}
			lines = append(lines, line)
			if len(lines) >= limit {
				break
			}
		}
	}

	if len(lines) == 0 {
		return fmt.Sprintf("Sitemap %s: no matching URLs", target), nil
	}
	return fmt.Sprintf("Sitemap %s: %d URLs\n%s", target, len(lines), strings.Join(lines, "\n")), nil
}

// sitemapURL appends /sitemap.xml to bare site roots.
func sitemapURL(target string) string {
	parsed, err := neturl.Parse(target)
	if err != nil {
		return target
	}
	if strings.HasSuffix(strings.ToLower(parsed.Path), ".xml") {
		return target
	}
	parsed.Path = strings.TrimRight(parsed.Path, "/") + "/sitemap.xml"
	return parsed.String()
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case float64:
		if v > 0 {
			return int(v)
		}
	case int:
		if v > 0 {
			return v
		}
	}
	return fallback
}
