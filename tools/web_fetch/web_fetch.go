package web_fetch

import (
	"context"
	"strings"
	"time"

	"github.com/mohammad-safakhou/deepscout/config"
	"github.com/mohammad-safakhou/deepscout/internal/agent/core"
	"github.com/mohammad-safakhou/deepscout/internal/helpers"
	chromedp_fetch "github.com/mohammad-safakhou/deepscout/tools/web_fetch/chromedp"
	"github.com/mohammad-safakhou/deepscout/tools/web_fetch/httpfetch"
	"github.com/mohammad-safakhou/deepscout/tools/web_fetch/models"
)

// WebFetcher is the low-level fetch interface.
type WebFetcher interface {
	Exec(ctx context.Context, url string) (models.Result, error)
}

// FetchProvider adapts fetchers to the core interface: plain HTTP
// first, an optional headless-browser fallback when extraction comes
// back empty.
type FetchProvider struct {
	primary  WebFetcher
	fallback WebFetcher
	limiter  *helpers.RateLimiter
}

// NewFromConfig builds the provider from config.
func NewFromConfig(cfg config.FetchConfig) *FetchProvider {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	p := &FetchProvider{
		primary: httpfetch.Fetch{
			Timeout:   timeout,
			MaxChars:  cfg.MaxContentSize,
			UserAgent: cfg.UserAgent,
		},
		limiter: helpers.NewRateLimiter(cfg.RatePerMin, cfg.RateBurst),
	}
	if cfg.BrowserEnabled {
		p.fallback = chromedp_fetch.Fetch{
			Timeout:   timeout,
			MaxChars:  cfg.MaxContentSize,
			UserAgent: cfg.UserAgent,
		}
	}
	return p
}

// Fetch implements core.FetchProvider.
func (p *FetchProvider) Fetch(ctx context.Context, url string) (core.FetchResult, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return core.FetchResult{}, err
	}
	res, err := p.primary.Exec(ctx, url)
	if (err != nil || strings.TrimSpace(res.Text) == "") && p.fallback != nil && ctx.Err() == nil {
		if fres, ferr := p.fallback.Exec(ctx, url); ferr == nil && strings.TrimSpace(fres.Text) != "" {
			res, err = fres, nil
		}
	}
	if err != nil {
		return core.FetchResult{}, err
	}
	return core.FetchResult{
		URL:       res.URL,
		Title:     res.Title,
		Text:      res.Text,
		FetchedAt: time.Now(),
	}, nil
}
