package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/aixgo-dev/hitl/internal/llm/provider"
)

// WebSearchName is the name the model uses for the search tool.
const WebSearchName = "web_search"

const (
	tavilyBaseURL       = "https://api.tavily.com"
	defaultSearchResult = 2
)

var webSearchSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "Search query"}
  },
  "required": ["query"]
}`)

// WebSearch queries the Tavily search API.
type WebSearch struct {
	apiKey     string
	baseURL    string
	maxResults int
	topic      string
	client     *http.Client
}

// WebSearchOption configures WebSearch.
type WebSearchOption func(*WebSearch)

// WithBaseURL points the tool at another Tavily-compatible endpoint.
func WithBaseURL(url string) WebSearchOption {
	return func(w *WebSearch) {
		if url != "" {
			w.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithMaxResults sets how many results a search returns.
func WithMaxResults(n int) WebSearchOption {
	return func(w *WebSearch) {
		if n > 0 {
			w.maxResults = n
		}
	}
}

// NewWebSearch creates the search tool. Requests carry no client timeout;
// only the caller's context bounds them.
func NewWebSearch(apiKey string, opts ...WebSearchOption) *WebSearch {
	w := &WebSearch{
		apiKey:     apiKey,
		baseURL:    tavilyBaseURL,
		maxResults: defaultSearchResult,
		topic:      "general",
		client:     &http.Client{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Spec describes the tool to the model.
func (w *WebSearch) Spec() provider.Tool {
	return provider.Tool{
		Name:        WebSearchName,
		Description: "Search the web for current information. Returns the top results with their content.",
		Parameters:  webSearchSchema,
	}
}

type tavilyRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
	Topic      string `json:"topic"`
}

// Invoke runs the search and returns Tavily's response as decoded JSON.
func (w *WebSearch) Invoke(ctx context.Context, args map[string]any) (any, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is required")
	}
	if w.apiKey == "" {
		return nil, errors.New("TAVILY_API_KEY not set")
	}

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: w.maxResults, Topic: w.topic})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+w.apiKey)

	resp, err := w.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return data, nil
}
