package provider

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/howard-nolan/llmrouter/internal/harvester"
	"github.com/howard-nolan/llmrouter/internal/metrics"
)

func TestOpenAIBackend_SupportsModel(t *testing.T) {
	p := NewOpenAIBackendProvider(nil, http.DefaultClient, newTestBreaker(), metrics.New())
	if !p.SupportsModel("gpt-4") {
		t.Error("expected gpt- prefix to be supported")
	}
	if p.SupportsModel("claude-3-opus") {
		t.Error("expected claude- prefix to be unsupported")
	}
	if p.ProviderType() != TagOpenAIBackend {
		t.Errorf("ProviderType = %q, want %q", p.ProviderType(), TagOpenAIBackend)
	}
}

func TestRequiresArkose(t *testing.T) {
	cases := map[string]bool{
		"gpt-4":         true,
		"gpt-4-turbo":   true,
		"gpt-3.5-turbo": false,
		"gpt-4o":        true,
	}
	for model, want := range cases {
		if got := requiresArkose(model); got != want {
			t.Errorf("requiresArkose(%q) = %v, want %v", model, got, want)
		}
	}
}

func TestOpenAIBackend_FetchTokens_RecordsArkoseSolveTime(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(harvester.Token{AccessToken: "acc-1", ArkoseToken: "arkose-1"})
	}))
	defer srv.Close()

	h := harvester.New(srv.URL, time.Minute, time.Minute, srv.Client())
	m := metrics.New()
	p := NewOpenAIBackendProvider(h, srv.Client(), newTestBreaker(), m)

	tok, err := p.fetchTokens(t.Context(), "gpt-4")
	if err != nil {
		t.Fatalf("fetchTokens: %v", err)
	}
	if tok.ArkoseToken != "arkose-1" {
		t.Errorf("ArkoseToken = %q, want %q", tok.ArkoseToken, "arkose-1")
	}

	snap := m.Snapshot()
	if snap.ArkoseSolves != 1 {
		t.Errorf("ArkoseSolves = %d, want 1", snap.ArkoseSolves)
	}
}

func TestOpenAIBackend_FetchTokens_NoArkoseNeeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(harvester.Token{AccessToken: "acc-1"})
	}))
	defer srv.Close()

	h := harvester.New(srv.URL, time.Minute, time.Minute, srv.Client())
	m := metrics.New()
	p := NewOpenAIBackendProvider(h, srv.Client(), newTestBreaker(), m)

	if _, err := p.fetchTokens(t.Context(), "gpt-3.5-turbo"); err != nil {
		t.Fatalf("fetchTokens: %v", err)
	}
	if snap := m.Snapshot(); snap.ArkoseSolves != 0 {
		t.Errorf("ArkoseSolves = %d, want 0 for a non-gpt-4 model", snap.ArkoseSolves)
	}
}

func TestOpenAIBackend_FetchTokens_HarvesterError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := harvester.New(srv.URL, time.Minute, time.Minute, srv.Client())
	p := NewOpenAIBackendProvider(h, srv.Client(), newTestBreaker(), metrics.New())

	if _, err := p.fetchTokens(t.Context(), "gpt-4"); err == nil {
		t.Error("expected an error when the harvester is unreachable")
	}
}
