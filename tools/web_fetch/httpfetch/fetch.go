package httpfetch

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	"github.com/mohammad-safakhou/deepscout/tools/web_fetch/models"
)

// Fetch retrieves pages over plain HTTP and extracts the article body
// with readability. JS-heavy pages need the chromedp fetcher instead.
type Fetch struct {
	Timeout   time.Duration
	MaxChars  int
	UserAgent string
	Client    *http.Client
}

func (f Fetch) Exec(ctx context.Context, rawURL string) (models.Result, error) {
	if strings.TrimSpace(rawURL) == "" {
		return models.Result{}, errors.New("invalid url")
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: f.Timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()
	t0 := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return models.Result{}, err
	}
	if f.UserAgent != "" {
		req.Header.Set("User-Agent", f.UserAgent)
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.Result{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Result{URL: rawURL, Status: resp.StatusCode}, fmt.Errorf("fetch %s: %s", rawURL, resp.Status)
	}

	htmlBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return models.Result{}, err
	}
	html := string(htmlBytes)

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(rawURL))
	if err != nil {
		return models.Result{URL: rawURL, Status: resp.StatusCode, RenderMS: int(time.Since(t0) / time.Millisecond)}, nil
	}
	text := strings.TrimSpace(article.TextContent)
	if f.MaxChars > 0 && len(text) > f.MaxChars {
		text = text[:f.MaxChars]
	}

	sum := sha1.Sum(htmlBytes)
	return models.Result{
		URL:      rawURL,
		Title:    strings.TrimSpace(article.Title),
		Byline:   strings.TrimSpace(article.Byline),
		Text:     text,
		HTMLHash: hex.EncodeToString(sum[:]),
		Status:   resp.StatusCode,
		RenderMS: int(time.Since(t0) / time.Millisecond),
	}, nil
}

func mustParseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}
