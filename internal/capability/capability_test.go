package capability

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/richlaw1986/content-gap-crew-sub000/internal/llm"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePage = `<html><head><title>Content Gaps</title>
<meta name="description" content="Where the docs fall short">
<script>var x = 1;</script></head>
<body><nav>menu</nav>
<h1>Headline</h1>
<p>This paragraph is long enough to be kept by the extractor.</p>
<p>short</p>
<ul><li>first item</li><li>second item</li></ul>
</body></html>`

func TestWebFetchExtractsReadableText(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(samplePage))
	}))
	defer server.Close()

	tool := NewWebFetch(WebConfig{})
	out, err := tool.Execute(context.Background(), map[string]any{"url": server.URL + "/page"})
	require.NoError(t, err)

	assert.Contains(t, out, "# Content Gaps")
	assert.Contains(t, out, "> Where the docs fall short")
	assert.Contains(t, out, "# Headline")
	assert.Contains(t, out, "This paragraph is long enough")
	assert.Contains(t, out, "- first item")
	assert.NotContains(t, out, "var x")
	assert.NotContains(t, out, "menu")

	again, err := tool.Execute(context.Background(), map[string]any{"url": server.URL + "/page"})
	require.NoError(t, err)
	assert.Contains(t, again, "(cached)")
	assert.Equal(t, int32(1), hits.Load())
}

func TestWebFetchRejectsBadInput(t *testing.T) {
	t.Parallel()

	tool := NewWebFetch(WebConfig{})
	tests := []map[string]any{
		{},
		{"url": "ftp://example.com"},
		{"url": "https://"},
	}
	for _, args := range tests {
		_, err := tool.Execute(context.Background(), args)
		assert.Error(t, err, "args %v", args)
	}
}

func TestWebFetchReportsHTTPErrors(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	_, err := NewWebFetch(WebConfig{}).Execute(context.Background(), map[string]any{"url": server.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 404")
}

func TestSitemapLookupFollowsIndex(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	var base string
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `<?xml version="1.0"?><sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<sitemap><loc>%s/blog.xml</loc></sitemap></sitemapindex>`, base)
	})
	mux.HandleFunc("/blog.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<?xml version="1.0"?><urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
<url><loc>https://example.com/blog/seo-basics</loc><lastmod>2024-01-02</lastmod></url>
<url><loc>https://example.com/blog/pricing</loc></url>
<url><loc>https://example.com/about</loc></url></urlset>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	base = server.URL

	tool := NewSitemapLookup(WebConfig{})
	out, err := tool.Execute(context.Background(), map[string]any{"url": server.URL, "contains": "blog"})
	require.NoError(t, err)
	assert.Contains(t, out, "2 URLs")
	assert.Contains(t, out, "https://example.com/blog/seo-basics (lastmod 2024-01-02)")
	assert.NotContains(t, out, "/about")

	limited, err := tool.Execute(context.Background(), map[string]any{"url": server.URL + "/blog.xml", "limit": float64(1)})
	require.NoError(t, err)
	assert.Contains(t, limited, "1 URLs")
}

func TestSitemapURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://a.com/sitemap.xml", sitemapURL("https://a.com"))
	assert.Equal(t, "https://a.com/docs/sitemap.xml", sitemapURL("https://a.com/docs/"))
	assert.Equal(t, "https://a.com/map.xml", sitemapURL("https://a.com/map.xml"))
}

type stubCapability struct{ name string }

func (s stubCapability) Definition() llm.ToolDefinition { return llm.ToolDefinition{Name: s.name} }
func (s stubCapability) Execute(context.Context, map[string]any) (string, error) {
	return s.name, nil
}

func TestRegistryResolveSkipsUnknown(t *testing.T) {
	t.Parallel()

	reg, err := NewRegistry(nil, stubCapability{"a"}, stubCapability{"b"})
	require.NoError(t, err)
	require.Error(t, reg.Register(stubCapability{"a"}))

	caps := reg.Resolve([]string{"b", "missing", "a", "b"})
	require.Len(t, caps, 2)
	assert.Equal(t, "b", caps[0].Definition().Name)
	assert.Equal(t, "a", caps[1].Definition().Name)
	assert.Equal(t, []string{"a", "b"}, reg.Names())

	var nilRegistry *Registry
	assert.Empty(t, nilRegistry.Resolve([]string{"a"}))
}
