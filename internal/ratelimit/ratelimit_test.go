package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/keithlinneman/couponforge-web/internal/httpmw"
)

func TestAllow_WithinBurst(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(ctx, WithRate(1, 3))

	for i := 0; i < 3; i++ {
		if !f.Allow("198.51.100.1") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if f.Allow("198.51.100.1") {
		t.Error("request over burst should be denied")
	}
}

func TestAllow_PerIPIsolation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(ctx, WithRate(1, 1))

	if !f.Allow("198.51.100.1") {
		t.Fatal("first request should be allowed")
	}
	if f.Allow("198.51.100.1") {
		t.Error("second request from same ip should be denied")
	}
	if !f.Allow("198.51.100.2") {
		t.Error("different ip should have its own bucket")
	}
}

func TestAllow_Hooks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var first, denied atomic.Int64
	f := New(ctx,
		WithRate(1, 1),
		WithOnFirstDenied(func(string) { first.Add(1) }),
		WithOnDenied(func(string) { denied.Add(1) }),
	)

	f.Allow("198.51.100.1")
	f.Allow("198.51.100.1")
	f.Allow("198.51.100.1")

	if got := first.Load(); got != 1 {
		t.Errorf("OnFirstDenied fired %d times, want 1", got)
	}
	if got := denied.Load(); got != 2 {
		t.Errorf("OnDenied fired %d times, want 2", got)
	}
}

func TestAllow_CapacityCap(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var capacity atomic.Int64
	f := New(ctx,
		WithRate(100, 100),
		WithMaxClients(2),
		WithOnCapacity(func() { capacity.Add(1) }),
	)

	if !f.Allow("198.51.100.1") || !f.Allow("198.51.100.2") {
		t.Fatal("requests under the client cap should be allowed")
	}
	if f.Allow("198.51.100.3") {
		t.Error("new ip at capacity should be denied")
	}
	if f.Allow("198.51.100.4") {
		t.Error("new ip at capacity should be denied")
	}
	if !f.Allow("198.51.100.1") {
		t.Error("already tracked ip should still be allowed at capacity")
	}
	if got := capacity.Load(); got != 1 {
		t.Errorf("OnCapacity fired %d times, want 1", got)
	}
}

func TestEviction(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(ctx, WithRate(1, 1), WithTTL(20*time.Millisecond))

	f.Allow("198.51.100.1")
	if f.Allow("198.51.100.1") {
		t.Fatal("bucket should be drained")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		n := len(f.clients)
		f.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("idle client not evicted")
}

func TestMiddleware_Denies429(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := New(ctx, WithRate(1, 1))

	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	handler := httpmw.ClientIP(f.Middleware(inner))

	mkReq := func() *http.Request {
		r := httptest.NewRequest(http.MethodPost, "/t/acme/submit", nil)
		r.RemoteAddr = "203.0.113.9:51234"
		return r
	}

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, mkReq())
	if w.Code != http.StatusNoContent {
		t.Fatalf("first request status = %d, want 204", w.Code)
	}

	w = httptest.NewRecorder()
	handler.ServeHTTP(w, mkReq())
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("content type = %q", ct)
	}
}
