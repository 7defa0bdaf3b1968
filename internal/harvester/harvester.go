// Package harvester implements a cached, retrying HTTP client that
// fetches short-lived upstream credentials (an access token and, for
// gpt-4 models, an Arkose anti-bot token) the OpenAI-backend provider
// needs on every call.
package harvester

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// Token is the credential pair cached under a single slot.
type Token struct {
	AccessToken string `json:"access_token"`
	ArkoseToken string `json:"arkose_token,omitempty"`
	ExpiresAt   int64  `json:"expires_at"`
}

// HealthInfo mirrors the harvester's own /health response, surfaced
// through GET /health on this gateway.
type HealthInfo struct {
	BrowserAlive     bool   `json:"browser_alive"`
	SessionValid     bool   `json:"session_valid"`
	LastTokenRefresh string `json:"last_token_refresh"`
}

type cacheSlot struct {
	token    Token
	cachedAt time.Time
}

// Client fetches and caches harvested tokens. The cache is a single
// mutable cell guarded for single-writer update: concurrent GetTokens
// calls may each race a fetch and each overwrite the slot — last
// writer wins, by design. A single-flight guard would dedupe those
// races but isn't implemented here.
type Client struct {
	baseURL         string
	client          *http.Client
	accessTokenTTL  time.Duration
	arkoseTokenTTL  time.Duration

	mu    sync.Mutex
	cache *cacheSlot

	now func() time.Time
}

// New creates a Client. accessTokenTTL/arkoseTokenTTL come from
// config.OpenAIConfig (defaults 3600s / 120s).
func New(baseURL string, accessTokenTTL, arkoseTokenTTL time.Duration, httpClient *http.Client) *Client {
	return &Client{
		baseURL:        baseURL,
		client:         httpClient,
		accessTokenTTL: accessTokenTTL,
		arkoseTokenTTL: arkoseTokenTTL,
		now:            time.Now,
	}
}

// GetTokens serves a fresh cache hit, else fetches with retry, else
// (when requireArkose demands an Arkose token the cached/fetched token
// lacks) falls through to a forced RefreshTokens.
func (c *Client) GetTokens(ctx context.Context, requireArkose bool) (Token, bool /* cacheHit */, error) {
	c.mu.Lock()
	slot := c.cache
	c.mu.Unlock()

	if slot != nil {
		ttl := c.accessTokenTTL
		if requireArkose && slot.token.ArkoseToken != "" {
			ttl = c.arkoseTokenTTL
		}
		if c.now().Sub(slot.cachedAt) < ttl {
			return slot.token, true, nil
		}
	}

	tok, err := c.fetchWithRetry(ctx)
	if err != nil {
		return Token{}, false, err
	}

	if requireArkose && tok.ArkoseToken == "" {
		refreshed, rerr := c.RefreshTokens(ctx, true)
		if rerr != nil {
			return Token{}, false, rerr
		}
		return refreshed, false, nil
	}

	c.store(tok)
	return tok, false, nil
}

// fetchWithRetry performs GET <harvester>/tokens up to 3 times with
// linear backoff (500ms * attempt). Any transport error, non-2xx
// status, or JSON decode failure counts as a failed attempt.
func (c *Client) fetchWithRetry(ctx context.Context) (Token, error) {
	const maxAttempts = 3
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		tok, err := c.doGet(ctx, "/tokens")
		if err == nil {
			return tok, nil
		}
		lastErr = err

		if attempt < maxAttempts {
			select {
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			case <-ctx.Done():
				return Token{}, ctx.Err()
			}
		}
	}

	return Token{}, fmt.Errorf("harvester: exhausted %d attempts fetching tokens: %w", maxAttempts, lastErr)
}

func (c *Client) doGet(ctx context.Context, path string) (Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return Token{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("harvester %s returned status %d", path, resp.StatusCode)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Token{}, fmt.Errorf("decoding harvester response: %w", err)
	}
	return tok, nil
}

// RefreshTokens performs a single POST <harvester>/refresh with no
// retry, and updates the cache on success.
func (c *Client) RefreshTokens(ctx context.Context, forceArkose bool) (Token, error) {
	body, err := json.Marshal(map[string]bool{"force_arkose": forceArkose})
	if err != nil {
		return Token{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/refresh", bytes.NewReader(body))
	if err != nil {
		return Token{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("harvester refresh: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("harvester refresh returned status %d", resp.StatusCode)
	}

	var tok Token
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return Token{}, fmt.Errorf("decoding harvester refresh response: %w", err)
	}

	c.store(tok)
	return tok, nil
}

func (c *Client) store(tok Token) {
	c.mu.Lock()
	c.cache = &cacheSlot{token: tok, cachedAt: c.now()}
	c.mu.Unlock()
}

// HealthCheck performs GET <harvester>/health with a short, caller
// supplied deadline (2s typical).
func (c *Client) HealthCheck(ctx context.Context) (HealthInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return HealthInfo{}, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return HealthInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return HealthInfo{}, fmt.Errorf("harvester health returned status %d", resp.StatusCode)
	}

	var info HealthInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return HealthInfo{}, fmt.Errorf("decoding harvester health response: %w", err)
	}
	return info, nil
}
