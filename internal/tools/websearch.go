package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Searcher answers web_search queries. Deployments plug in a real backend;
// the default refuses with a clear message so the model can proceed without
// the tool.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// ErrSearchUnconfigured is returned when no search backend is wired.
var ErrSearchUnconfigured = errors.New("web search is not configured on this host")

// UnconfiguredSearcher is the default no-backend searcher.
type UnconfiguredSearcher struct{}

func (UnconfiguredSearcher) Search(context.Context, string, int) ([]SearchResult, error) {
	return nil, ErrSearchUnconfigured
}

type webSearchInput struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func (e *Executor) runWebSearch(ctx context.Context, input json.RawMessage) (string, bool) {
	var in webSearchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return fmt.Sprintf("Error: invalid web_search input: %v", err), true
	}
	max := in.MaxResults
	if max <= 0 {
		max = 5
	}

	results, err := e.searcher.Search(ctx, in.Query, max)
	if err != nil {
		return fmt.Sprintf("Error: %v", err), true
	}
	if len(results) == 0 {
		return "No results found.", false
	}

	var b strings.Builder
	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n   %s\n", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   %s\n", r.Snippet)
		}
	}
	return e.truncateText(b.String()), false
}
