package agent

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

const (
	fetchTimeout      = 30 * time.Second
	maxFetchBodyBytes = 2 * 1024 * 1024
)

// WebFetchTool fetches a URL and converts HTML responses to Markdown.
type WebFetchTool struct {
	httpClient *http.Client
}

// NewWebFetchTool creates a web fetch tool.
func NewWebFetchTool() *WebFetchTool {
	return &WebFetchTool{
		httpClient: &http.Client{Timeout: fetchTimeout},
	}
}

func (t *WebFetchTool) Name() string { return "web_fetch" }

func (t *WebFetchTool) Description() string {
	return "Fetch content from a URL. HTML pages are converted to Markdown; other content is returned as text."
}

func (t *WebFetchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "The URL to fetch. Must start with http:// or https://",
			},
		},
		"required": []string{"url"},
	}
}

func (t *WebFetchTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, err := requiredStringArg(args, "url")
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("url must start with http:// or https://")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "nanoclaw-agent/1.0")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	content := string(body)
	contentType := resp.Header.Get("Content-Type")
	if strings.Contains(contentType, "text/html") {
		content = htmlToMarkdown(content)
	}

	return map[string]any{
		"status":       resp.StatusCode,
		"content_type": contentType,
		"content":      truncateResult(content),
	}, nil
}

var (
	collapseSpaceRe    = regexp.MustCompile(`[ \t]+`)
	collapseNewlinesRe = regexp.MustCompile(`\n{3,}`)
)

// htmlToMarkdown converts an HTML document to Markdown, dropping chrome
// elements that carry no content.
func htmlToMarkdown(html string) string {
	converter := md.NewConverter("", true, &md.Options{
		HeadingStyle:    "atx",
		CodeBlockStyle:  "fenced",
		EmDelimiter:     "*",
		StrongDelimiter: "**",
	})
	converter.AddRules(md.Rule{
		Filter: []string{"nav", "footer", "aside", "script", "style"},
		Replacement: func(content string, selec *goquery.Selection, opt *md.Options) *string {
			empty := ""
			return &empty
		},
	})

	markdown, err := converter.ConvertString(html)
	if err != nil {
		return html
	}
	markdown = collapseSpaceRe.ReplaceAllString(markdown, " ")
	markdown = collapseNewlinesRe.ReplaceAllString(markdown, "\n\n")
	return strings.TrimSpace(markdown)
}

// GoogleSearchTool answers a query with the model's grounded search. The
// search request goes out separately because the API does not mix the
// built-in search tool with function declarations.
type GoogleSearchTool struct {
	client *GeminiClient
}

// NewGoogleSearchTool creates a search tool over the shared client.
func NewGoogleSearchTool(client *GeminiClient) *GoogleSearchTool {
	return &GoogleSearchTool{client: client}
}

func (t *GoogleSearchTool) Name() string { return "google_search" }

func (t *GoogleSearchTool) Description() string {
	return "Search the web and return a grounded summary of the results."
}

func (t *GoogleSearchTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "The search query.",
			},
		},
		"required": []string{"query"},
	}
}

func (t *GoogleSearchTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	query, err := requiredStringArg(args, "query")
	if err != nil {
		return nil, err
	}
	answer, err := t.client.Search(ctx, query)
	if err != nil {
		return nil, err
	}
	return map[string]any{"result": answer}, nil
}
