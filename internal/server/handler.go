package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/howard-nolan/llmrouter/internal/apperr"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/ratelimit"
	"github.com/howard-nolan/llmrouter/internal/stream"
)

// harvesterHealth and bridgeHealth mirror the sub-objects nested in the
// /health response: "available" plus either the collaborator's own
// health fields or an "error" string when the probe failed.
type harvesterHealth struct {
	Available        bool   `json:"available"`
	BrowserAlive     bool   `json:"browser_alive,omitempty"`
	SessionValid     bool   `json:"session_valid,omitempty"`
	LastTokenRefresh string `json:"last_token_refresh,omitempty"`
	Error            string `json:"error,omitempty"`
}

type bridgeHealth struct {
	Available bool   `json:"available"`
	URL       string `json:"url,omitempty"`
	Error     string `json:"error,omitempty"`
}

type healthResponse struct {
	Status          string          `json:"status"`
	Version         string          `json:"version"`
	Timestamp       string          `json:"timestamp"`
	Harvester       harvesterHealth `json:"harvester"`
	AnthropicBridge bridgeHealth    `json:"anthropic_bridge"`
}

// handleHealth probes the harvester and Anthropic bridge and reports
// their reachability alongside a liveness timestamp. It never fails
// the outer response: a probe failure is reported inline in the
// relevant sub-object, not as a non-200 status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:    "ok",
		Version:   apiVersion,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	}

	if info, err := s.harvester.HealthCheck(ctx); err != nil {
		resp.Harvester = harvesterHealth{Available: false, Error: err.Error()}
	} else {
		resp.Harvester = harvesterHealth{
			Available:        true,
			BrowserAlive:     info.BrowserAlive,
			SessionValid:     info.SessionValid,
			LastTokenRefresh: info.LastTokenRefresh,
		}
	}

	resp.AnthropicBridge = s.checkBridgeHealth(ctx)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	json.NewEncoder(w).Encode(resp)
}

func (s *Server) checkBridgeHealth(ctx context.Context) bridgeHealth {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.bridgeURL+"/health", nil)
	if err != nil {
		return bridgeHealth{Available: false, Error: err.Error()}
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return bridgeHealth{Available: false, Error: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return bridgeHealth{Available: false, Error: "HTTP " + strconv.Itoa(resp.StatusCode)}
	}
	return bridgeHealth{Available: true, URL: s.bridgeURL}
}

// metricsResponse wraps the aggregator's snapshot with the cache
// introspection fields original_source additionally exposes.
type metricsResponse struct {
	metrics.Snapshot
	Cache cacheStatsView `json:"cache"`
}

type cacheStatsView struct {
	TotalEntries   int `json:"total_entries"`
	ActiveEntries  int `json:"active_entries"`
	ExpiredEntries int `json:"expired_entries"`
}

// handleMetrics serves the JSON metrics snapshot.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	stats := s.respCache.Stats()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metricsResponse{
		Snapshot: snap,
		Cache: cacheStatsView{
			TotalEntries:  stats.Size,
			ActiveEntries: stats.Size,
		},
	})
}

// handleChatCompletions implements the full request pipeline for
// POST /v1/chat/completions: validate, rate limit, route, check cache,
// dispatch (streaming or unary), record metrics.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	start := s.now()

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.Server.MaxRequestSize))

	var req provider.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, apperr.New(apperr.KindInvalidRequest, "invalid request body: %v", err))
		s.metrics.RecordRequest(false)
		return
	}
	if err := req.ValidateAndNormalize(); err != nil {
		s.writeError(w, apperr.New(apperr.KindInvalidRequest, "%v", err))
		s.metrics.RecordRequest(false)
		return
	}

	requestID := uuid.NewString()
	ctx := provider.WithRequestID(r.Context(), requestID)

	key := ratelimit.KeyFromRequest(r)
	allowed, info := s.limiter.Allow(key)
	s.setRateLimitHeaders(w, info)
	if !allowed {
		s.writeError(w, apperr.New(apperr.KindRateLimited, "rate limit exceeded, retry in %ds", info.ResetSeconds))
		s.metrics.RecordRequest(false)
		return
	}

	p, _, ok := s.registry.Resolve(req.Model)
	if !ok {
		s.writeError(w, apperr.New(apperr.KindInvalidRequest, "unsupported model: %s", req.Model))
		s.metrics.RecordRequest(false)
		return
	}

	success := true
	defer func() {
		s.metrics.RecordRequest(success)
		s.metrics.RecordRequestDuration(float64(s.now().Sub(start).Milliseconds()))
	}()

	if req.Stream {
		events, err := p.ExecuteStream(ctx, &req)
		if err != nil {
			log.Printf("request %s: provider stream error: %v", requestID, err)
			s.writeError(w, err)
			success = false
			return
		}
		if err := stream.Write(w, events); err != nil {
			log.Printf("request %s: stream write error: %v", requestID, err)
			success = false
		}
		return
	}

	cacheKey := ""
	if s.cfg.Cache.Enabled {
		var err error
		cacheKey, err = cache.BuildKey(req.Model, req.Messages)
		if err == nil {
			if cached, hit := s.respCache.Get(ctx, cacheKey); hit {
				s.metrics.RecordCacheHit()
				w.Header().Set("Content-Type", "application/json")
				w.Write(cached)
				return
			}
			s.metrics.RecordCacheMiss()
		}
	}

	resp, err := p.Execute(ctx, &req)
	if err != nil {
		log.Printf("request %s: provider error: %v", requestID, err)
		s.writeError(w, err)
		success = false
		return
	}

	body, err := json.Marshal(resp)
	if err != nil {
		log.Printf("request %s: marshaling response: %v", requestID, err)
		s.writeError(w, apperr.Wrap(apperr.KindInternal, err))
		success = false
		return
	}

	if s.cfg.Cache.Enabled && cacheKey != "" {
		ttl := time.Duration(s.cfg.Cache.DefaultTTLSecs) * time.Second
		s.respCache.Set(ctx, cacheKey, body, ttl)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

// setRateLimitHeaders decorates the response with the rate-limit
// headers regardless of whether the request was allowed.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(info.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(info.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.Itoa(info.ResetSeconds))
}

// writeError maps err to its HTTP status and OpenAI-shaped error body.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	ae := apperr.As(err)
	status, body := ae.HTTPBody()

	var buf bytes.Buffer
	if encErr := json.NewEncoder(&buf).Encode(body); encErr != nil {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintf(w, `{"error":{"message":"failed to encode error body","type":"server_error"}}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
