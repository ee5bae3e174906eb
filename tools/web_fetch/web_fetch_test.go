package web_fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/deepscout/config"
)

const articleHTML = `<!DOCTYPE html>
<html><head><title>Paris — Wikipedia</title></head>
<body><article>
<h1>Paris</h1>
<p>Paris is the capital and largest city of France, with an estimated population of over two million residents in the city proper. It has been one of Europe's major centres of finance, diplomacy, commerce and science for centuries.</p>
<p>The City of Light hosts landmark institutions and remains a leading global destination for culture and the arts, drawing tens of millions of visitors every year to its museums and monuments.</p>
</article></body></html>`

func TestFetchExtractsArticleText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(articleHTML))
	}))
	defer srv.Close()

	p := NewFromConfig(config.FetchConfig{Timeout: 5 * time.Second, MaxContentSize: 10000})
	res, err := p.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(res.Text, "capital and largest city of France") {
		t.Fatalf("extracted text missing article body: %q", res.Text)
	}
	if res.Title == "" {
		t.Fatalf("expected a title")
	}
}

func TestFetchPropagatesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewFromConfig(config.FetchConfig{Timeout: 5 * time.Second})
	if _, err := p.Fetch(context.Background(), srv.URL); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestFetchRespectsContentCap(t *testing.T) {
	big := strings.Repeat("All work and no play makes for a very long paragraph of text. ", 200)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<html><head><title>Big</title></head><body><article><p>" + big + "</p></article></body></html>"))
	}))
	defer srv.Close()

	p := NewFromConfig(config.FetchConfig{Timeout: 5 * time.Second, MaxContentSize: 500})
	res, err := p.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Text) > 500 {
		t.Fatalf("content cap not applied: %d chars", len(res.Text))
	}
}
