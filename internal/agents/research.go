package agents

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/tmc/langchaingo/tools/duckduckgo"
	"github.com/toankh-dev/chat-bot-sub001/pkg/models"
)

const (
	ActionWebSearch = "web_search"
	ActionReadPage  = "read_page"

	maxPageContent = 50000
)

// Searcher runs a web search and returns formatted results.
type Searcher interface {
	Call(ctx context.Context, input string) (string, error)
}

// Research is the built-in agent for public web lookups.
type Research struct {
	Search    Searcher
	Client    *http.Client
	UserAgent string
	policy    *bluemonday.Policy
}

func NewResearch() (*Research, error) {
	ddg, err := duckduckgo.New(10, duckduckgo.DefaultUserAgent)
	if err != nil {
		return nil, err
	}
	return newResearch(ddg, &http.Client{Timeout: 30 * time.Second}), nil
}

func newResearch(search Searcher, client *http.Client) *Research {
	return &Research{
		Search:    search,
		Client:    client,
		UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36",
		policy:    bluemonday.StrictPolicy(),
	}
}

// ResearchDescriptor registers r under id with its two actions.
func ResearchDescriptor(id string, r *Research, timeout time.Duration, retries int) *Descriptor {
	return &Descriptor{
		ID:          id,
		Description: "Searches the public web and reads pages.",
		Aliases:     []string{"research", "web"},
		Actions: map[string]ActionSpec{
			ActionWebSearch: {Description: "Search the web for real-time information.", RequiredParams: []string{"query"}},
			ActionReadPage:  {Description: "Fetch a web page and extract its main text.", RequiredParams: []string{"url"}},
		},
		DefaultTimeout:    timeout,
		DefaultMaxRetries: retries,
		ExpectedLatency:   3 * time.Second,
		Agent:             r,
	}
}

func (r *Research) Invoke(ctx context.Context, req Request) (*Reply, error) {
	switch req.Action {
	case ActionWebSearch:
		query, _ := req.Parameters["query"].(string)
		return r.webSearch(ctx, query)
	case ActionReadPage:
		target, _ := req.Parameters["url"].(string)
		return r.readPage(ctx, target)
	}
	return &Reply{Success: false, ErrorMessage: fmt.Sprintf("unsupported action %q", req.Action)}, nil
}

func (r *Research) webSearch(ctx context.Context, query string) (*Reply, error) {
	if query == "" {
		return &Reply{Success: false, ErrorMessage: "query is empty"}, nil
	}
	res, err := r.Search.Call(ctx, query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: search failed: %v", ErrTransient, err)
	}

	results := parseSearchResults(res)
	cits := make([]models.Citation, 0, len(results))
	for _, sr := range results {
		cits = append(cits, models.Citation{
			SourceSystem: "web",
			SourceID:     sr.URL,
			Excerpt:      sr.Title + ": " + sr.Description,
		})
	}
	return &Reply{
		Success:   true,
		Payload:   map[string]any{"query": query, "results": results},
		Citations: cits,
	}, nil
}

type searchResult struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URL         string `json:"url"`
}

// parseSearchResults reads the "Title:/Description:/URL:" blocks the
// DuckDuckGo tool emits.
func parseSearchResults(text string) []searchResult {
	var out []searchResult
	var cur searchResult
	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "Title: "):
			cur = searchResult{Title: strings.TrimPrefix(line, "Title: ")}
		case strings.HasPrefix(line, "Description: "):
			cur.Description = strings.TrimPrefix(line, "Description: ")
		case strings.HasPrefix(line, "URL: "):
			cur.URL = strings.TrimPrefix(line, "URL: ")
			out = append(out, cur)
			cur = searchResult{}
		}
	}
	return out
}

func (r *Research) readPage(ctx context.Context, target string) (*Reply, error) {
	parsedURL, err := url.Parse(target)
	if err != nil || parsedURL.Scheme == "" || parsedURL.Host == "" {
		return &Reply{Success: false, ErrorMessage: fmt.Sprintf("invalid url %q", target)}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %v", err)
	}
	req.Header.Set("User-Agent", r.UserAgent)

	resp, err := r.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: failed to fetch URL: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("%w: status code %d", ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return &Reply{Success: false, ErrorMessage: fmt.Sprintf("failed to fetch URL: status code %d", resp.StatusCode)}, nil
	}

	article, err := readability.FromReader(resp.Body, parsedURL)
	if err != nil {
		return &Reply{Success: false, ErrorMessage: fmt.Sprintf("failed to parse article: %v", err)}, nil
	}

	content := r.policy.Sanitize(article.TextContent)
	content = truncateContent(content, maxPageContent)

	excerpt := article.Excerpt
	if excerpt == "" {
		excerpt = article.Title
	}
	return &Reply{
		Success: true,
		Payload: map[string]any{
			"title":   article.Title,
			"url":     target,
			"content": content,
		},
		Citations: []models.Citation{{SourceSystem: "web", SourceID: target, Excerpt: excerpt}},
	}, nil
}

// truncateContent keeps the first n runes of s.
func truncateContent(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	cut := 0
	for i := range s {
		if n == 0 {
			cut = i
			break
		}
		n--
	}
	return s[:cut] + "\n... (content truncated) ..."
}
