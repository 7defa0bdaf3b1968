// Package main is the entry point for the llmrouter gateway.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"golang.org/x/oauth2/google"

	"github.com/howard-nolan/llmrouter/internal/breaker"
	"github.com/howard-nolan/llmrouter/internal/cache"
	"github.com/howard-nolan/llmrouter/internal/config"
	"github.com/howard-nolan/llmrouter/internal/harvester"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/provider"
	"github.com/howard-nolan/llmrouter/internal/ratelimit"
	"github.com/howard-nolan/llmrouter/internal/server"
)

// vertexOAuthScope is the single scope needed to call the Vertex AI
// publisher-model endpoints under Application Default Credentials.
const vertexOAuthScope = "https://www.googleapis.com/auth/cloud-platform"

func main() {
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	httpClient := &http.Client{Timeout: 60 * time.Second}

	m := metrics.New()

	registry := provider.NewRegistry()
	registry.Register(provider.TagVertex, newVertexProvider(cfg, httpClient))
	registry.Register(provider.TagAnthropic, provider.NewAnthropicBridgeProvider(
		cfg.Anthropic.BridgeURL,
		httpClient,
		breaker.New(cfg.CircuitBreaker.FailureThreshold, time.Duration(cfg.CircuitBreaker.TimeoutSecs)*time.Second, cfg.CircuitBreaker.SuccessThreshold),
	))

	h := harvester.New(
		cfg.OpenAI.HarvesterURL,
		time.Duration(cfg.OpenAI.AccessTokenTTLSecs)*time.Second,
		time.Duration(cfg.OpenAI.ArkoseTokenTTLSecs)*time.Second,
		httpClient,
	)
	registry.Register(provider.TagOpenAIBackend, provider.NewOpenAIBackendProvider(
		h,
		httpClient,
		breaker.New(cfg.CircuitBreaker.FailureThreshold, time.Duration(cfg.CircuitBreaker.TimeoutSecs)*time.Second, cfg.CircuitBreaker.SuccessThreshold),
		m,
	))

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.RefillPerSecond)

	respCache, err := newCache(cfg)
	if err != nil {
		log.Fatalf("failed to initialize response cache: %v", err)
	}

	srv := server.New(cfg, registry, limiter, respCache, m, h, cfg.Anthropic.BridgeURL, httpClient)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	log.Printf("llmrouter listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// newVertexProvider builds the Vertex provider in whichever credential
// mode the config selects: a raw API key takes priority, otherwise
// Application Default Credentials mint the OAuth bearer via
// google.DefaultTokenSource, matching how the rest of the ecosystem
// authenticates against Vertex AI.
func newVertexProvider(cfg *config.Config, httpClient *http.Client) *provider.VertexProvider {
	apiKeyBaseURL := cfg.Vertex.APIKeyBaseURL
	if apiKeyBaseURL == "" {
		apiKeyBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	oauthBaseURL := cfg.Vertex.OAuthBaseURL
	if oauthBaseURL == "" {
		oauthBaseURL = fmt.Sprintf("https://%s-aiplatform.googleapis.com/v1", cfg.Vertex.Region)
	}

	var tokenSource provider.TokenSource
	if cfg.Vertex.APIKey == "" {
		ts, err := google.DefaultTokenSource(context.Background(), vertexOAuthScope)
		if err != nil {
			log.Fatalf("failed to obtain Google application default credentials: %v", err)
		}
		tokenSource = func(ctx context.Context) (string, error) {
			tok, err := ts.Token()
			if err != nil {
				return "", err
			}
			return tok.AccessToken, nil
		}
	}

	cb := breaker.New(cfg.CircuitBreaker.FailureThreshold, time.Duration(cfg.CircuitBreaker.TimeoutSecs)*time.Second, cfg.CircuitBreaker.SuccessThreshold)

	return provider.NewVertexProvider(
		cfg.Vertex.APIKey,
		apiKeyBaseURL,
		oauthBaseURL,
		cfg.Vertex.ProjectID,
		cfg.Vertex.Region,
		tokenSource,
		httpClient,
		cb,
	)
}

// newCache selects the response cache backend: Redis when
// cache.redis_url is configured, otherwise the in-memory map.
func newCache(cfg *config.Config) (cache.Cache, error) {
	if cfg.Cache.RedisURL != "" {
		return cache.NewRedis(cfg.Cache.RedisURL)
	}
	return cache.NewMemory(), nil
}
