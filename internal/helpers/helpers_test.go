package helpers

import (
	"context"
	"testing"
	"time"
)

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty text should estimate 0, got %d", got)
	}
	if got := EstimateTokens("one two three"); got < 3 {
		t.Fatalf("estimate should be at least the word count, got %d", got)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("disabled limiter should never block: %v", err)
		}
	}
}

func TestRateLimiterBurstThenBlock(t *testing.T) {
	rl := NewRateLimiter(60, 2) // 1/sec after a burst of 2
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("first token: %v", err)
	}
	if err := rl.Wait(ctx); err != nil {
		t.Fatalf("second token: %v", err)
	}
	if err := rl.Wait(ctx); err == nil {
		t.Fatalf("third token should block past the context deadline")
	}
}
