package web_search

import (
	"context"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
	"github.com/mohammad-safakhou/deepscout/internal/helpers"
	"github.com/mohammad-safakhou/deepscout/tools/web_search/brave"
	"github.com/mohammad-safakhou/deepscout/tools/web_search/models"
	"github.com/mohammad-safakhou/deepscout/tools/web_search/serper"
)

// WebSearcher is the low-level discovery interface both providers speak.
type WebSearcher interface {
	Discover(ctx context.Context, q string, k int, sites []string, recency int) ([]models.Result, error)
}

type Provider string

const (
	SerperProvider Provider = "serper"
	BraveProvider  Provider = "brave"
)

var ErrUnsupportedProvider = &Error{"unsupported provider"}

type Error struct{ msg string }

func (e *Error) Error() string { return e.msg }

// NewWebSearcher selects a provider implementation.
func NewWebSearcher(provider Provider, apiKey string) (WebSearcher, error) {
	switch provider {
	case SerperProvider:
		return serper.Search{ApiKey: apiKey}, nil
	case BraveProvider:
		return brave.Search{ApiKey: apiKey}, nil
	default:
		return nil, ErrUnsupportedProvider
	}
}

// SearchProvider adapts a WebSearcher to the core interface, applying
// the configured rate limit and passing the recency window on to the
// searcher (the brave client ignores it).
type SearchProvider struct {
	searcher WebSearcher
	limiter  *helpers.RateLimiter
	recency  int
}

// NewFromConfig builds the core-facing provider from config.
func NewFromConfig(cfg config.SearchConfig) (*SearchProvider, error) {
	key := cfg.SerperKey
	if Provider(cfg.Provider) == BraveProvider {
		key = cfg.BraveKey
	}
	searcher, err := NewWebSearcher(Provider(cfg.Provider), key)
	if err != nil {
		return nil, err
	}
	return &SearchProvider{
		searcher: searcher,
		limiter:  helpers.NewRateLimiter(cfg.RatePerMin, cfg.RateBurst),
		recency:  cfg.RecencyDays,
	}, nil
}

// Search implements core.SearchProvider.
func (p *SearchProvider) Search(ctx context.Context, query string, maxResults int) ([]core.SearchHit, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	results, err := p.searcher.Discover(ctx, query, maxResults, nil, p.recency)
	if err != nil {
		return nil, err
	}
	out := make([]core.SearchHit, 0, len(results))
	for _, r := range results {
		out = append(out, core.SearchHit{URL: r.URL, Title: r.Title, Snippet: r.Snippet})
	}
	return out, nil
}
