package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestLimiterDelaysSameHost(t *testing.T) {
	var mu sync.Mutex
	var delayed []string
	l := New(Config{
		RequestsPerSecond: 10,
		Burst:             1,
		OnDelay: func(host string, _ time.Duration) {
			mu.Lock()
			delayed = append(delayed, host)
			mu.Unlock()
		},
	})
	ctx := context.Background()

	if err := l.Wait(ctx, "https://example.org/a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	start := time.Now()
	if err := l.Wait(ctx, "https://example.org/b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dur := time.Since(start); dur < 80*time.Millisecond {
		t.Errorf("expected wait ~100ms, got %v", dur)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(delayed) != 1 || delayed[0] != "example.org" {
		t.Fatalf("expected one delay on example.org, got %v", delayed)
	}
}

func TestLimiterSeparatesHosts(t *testing.T) {
	l := New(Config{RequestsPerSecond: 1, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for _, u := range []string{"https://example.org/p/1", "https://img.example.org/1.png", "https://cdn.example.net/1.png"} {
		if err := l.Wait(ctx, u); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if dur := time.Since(start); dur > 500*time.Millisecond {
		t.Fatalf("distinct hosts should not wait on each other, took %v", dur)
	}
	if l.Hosts() != 3 {
		t.Fatalf("expected 3 hosts, got %d", l.Hosts())
	}
}

func TestLimiterUnlimited(t *testing.T) {
	l := New(Config{})
	if !l.Unlimited() {
		t.Fatal("expected zero rate to disable limiting")
	}
	for range 100 {
		if err := l.Wait(context.Background(), "https://example.org"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if l.Hosts() != 0 {
		t.Fatalf("unlimited limiter should not track hosts, got %d", l.Hosts())
	}
}

func TestLimiterContextCancel(t *testing.T) {
	l := New(Config{RequestsPerSecond: 0.1, Burst: 1})
	if err := l.Wait(context.Background(), "https://example.org"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Wait(ctx, "https://example.org")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}

func TestHost(t *testing.T) {
	if got := Host("https://Example.org:8443/x"); got != "example.org" {
		t.Fatalf("unexpected host %q", got)
	}
	if got := Host("::bad"); got != "unknown" {
		t.Fatalf("expected unknown, got %q", got)
	}
}
