package harvester

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, time.Minute, 30*time.Second, srv.Client())
	return c, srv
}

func TestGetTokens_FetchesOnEmptyCache(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tokens" {
			t.Errorf("path = %q, want /tokens", r.URL.Path)
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "tok-1", ExpiresAt: 1})
	})

	tok, hit, err := c.GetTokens(t.Context(), false)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if hit {
		t.Error("expected a cache miss on first call")
	}
	if tok.AccessToken != "tok-1" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "tok-1")
	}
}

func TestGetTokens_ServesFreshCacheHit(t *testing.T) {
	var calls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(Token{AccessToken: "tok-1"})
	})

	if _, _, err := c.GetTokens(t.Context(), false); err != nil {
		t.Fatalf("GetTokens (first): %v", err)
	}
	tok, hit, err := c.GetTokens(t.Context(), false)
	if err != nil {
		t.Fatalf("GetTokens (second): %v", err)
	}
	if !hit {
		t.Error("expected the second call to be a cache hit")
	}
	if tok.AccessToken != "tok-1" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "tok-1")
	}
	if calls.Load() != 1 {
		t.Errorf("upstream called %d times, want 1", calls.Load())
	}
}

func TestGetTokens_RequiresArkoseForcesRefresh(t *testing.T) {
	var tokensCalls, refreshCalls atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tokens":
			tokensCalls.Add(1)
			json.NewEncoder(w).Encode(Token{AccessToken: "tok-no-arkose"})
		case "/refresh":
			refreshCalls.Add(1)
			json.NewEncoder(w).Encode(Token{AccessToken: "tok-with-arkose", ArkoseToken: "arkose-1"})
		default:
			http.NotFound(w, r)
		}
	})

	tok, hit, err := c.GetTokens(t.Context(), true)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if hit {
		t.Error("a forced refresh should never report as a cache hit")
	}
	if tok.ArkoseToken != "arkose-1" {
		t.Errorf("ArkoseToken = %q, want %q", tok.ArkoseToken, "arkose-1")
	}
	if tokensCalls.Load() != 1 || refreshCalls.Load() != 1 {
		t.Errorf("tokensCalls=%d refreshCalls=%d, want 1 and 1", tokensCalls.Load(), refreshCalls.Load())
	}
}

func TestGetTokens_RetriesOnFailure(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		n := attempts.Add(1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "tok-after-retries"})
	})

	tok, _, err := c.GetTokens(t.Context(), false)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if tok.AccessToken != "tok-after-retries" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "tok-after-retries")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestGetTokens_ExhaustsRetriesAndFails(t *testing.T) {
	var attempts atomic.Int32
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, _, err := c.GetTokens(t.Context(), false); err == nil {
		t.Error("expected error after exhausting retries")
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3 (max retries)", attempts.Load())
	}
}

func TestRefreshTokens_PostsAndUpdatesCache(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %q, want POST", r.Method)
		}
		if r.URL.Path != "/refresh" {
			t.Errorf("path = %q, want /refresh", r.URL.Path)
		}
		var body map[string]bool
		json.NewDecoder(r.Body).Decode(&body)
		if !body["force_arkose"] {
			t.Error("expected force_arkose=true in request body")
		}
		json.NewEncoder(w).Encode(Token{AccessToken: "refreshed"})
	})

	tok, err := c.RefreshTokens(t.Context(), true)
	if err != nil {
		t.Fatalf("RefreshTokens: %v", err)
	}
	if tok.AccessToken != "refreshed" {
		t.Errorf("AccessToken = %q, want %q", tok.AccessToken, "refreshed")
	}

	cached, hit, err := c.GetTokens(t.Context(), false)
	if err != nil {
		t.Fatalf("GetTokens: %v", err)
	}
	if !hit || cached.AccessToken != "refreshed" {
		t.Errorf("expected RefreshTokens to populate the cache, got hit=%v token=%+v", hit, cached)
	}
}

func TestHealthCheck_Success(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(HealthInfo{BrowserAlive: true, SessionValid: true, LastTokenRefresh: "2026-07-31T00:00:00Z"})
	})

	info, err := c.HealthCheck(t.Context())
	if err != nil {
		t.Fatalf("HealthCheck: %v", err)
	}
	if !info.BrowserAlive || !info.SessionValid {
		t.Errorf("info = %+v, want BrowserAlive and SessionValid true", info)
	}
}

func TestHealthCheck_NonOKStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	if _, err := c.HealthCheck(t.Context()); err == nil {
		t.Error("expected error on non-2xx health status")
	}
}
