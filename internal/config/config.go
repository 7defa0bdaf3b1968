// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config is the top-level configuration for the llmrouter gateway.
type Config struct {
	Server         ServerConfig         `koanf:"server"`
	Auth           AuthConfig           `koanf:"auth"`
	Vertex         VertexConfig         `koanf:"vertex" validate:"required"`
	OpenAI         OpenAIConfig         `koanf:"openai" validate:"required"`
	Anthropic      AnthropicConfig      `koanf:"anthropic" validate:"required"`
	RateLimit      RateLimitConfig      `koanf:"rate_limit" validate:"required"`
	CircuitBreaker CircuitBreakerConfig `koanf:"circuit_breaker" validate:"required"`
	Cache          CacheConfig          `koanf:"cache"`
	Log            LogConfig            `koanf:"log"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port" validate:"min=1,max=65535"`
	MaxRequestSize int           `koanf:"max_request_size" validate:"min=1"`
	ReadTimeout    time.Duration `koanf:"read_timeout"`
	WriteTimeout   time.Duration `koanf:"write_timeout"`
}

// AuthConfig controls bearer-token auth on non-public endpoints.
type AuthConfig struct {
	RequireAuth bool   `koanf:"require_auth"`
	MasterKey   string `koanf:"master_key"`
}

// VertexConfig holds Google Vertex/Gemini connection settings. Either
// APIKey (Gemini API key flow) or ProjectID+CredentialsFile (Vertex
// OAuth flow) must be usable; Load validates the combination.
type VertexConfig struct {
	ProjectID       string `koanf:"project_id"`
	Region          string `koanf:"region" validate:"required"`
	APIKey          string `koanf:"api_key"`
	CredentialsFile string `koanf:"credentials_file"`
	APIKeyBaseURL   string `koanf:"api_key_base_url"`
	OAuthBaseURL    string `koanf:"oauth_base_url"`
}

// OpenAIConfig configures the token-harvester-backed OpenAI-backend path.
type OpenAIConfig struct {
	HarvesterURL       string `koanf:"harvester_url" validate:"required"`
	AccessTokenTTLSecs int    `koanf:"access_token_ttl_secs" validate:"min=1"`
	ArkoseTokenTTLSecs int    `koanf:"arkose_token_ttl_secs" validate:"min=1"`
}

// AnthropicConfig configures the Anthropic-bridge provider.
type AnthropicConfig struct {
	BridgeURL string `koanf:"bridge_url" validate:"required"`
}

// RateLimitConfig configures the per-key token bucket.
type RateLimitConfig struct {
	Capacity        int `koanf:"capacity" validate:"min=1"`
	RefillPerSecond int `koanf:"refill_per_second" validate:"min=1"`
}

// CircuitBreakerConfig configures the breaker guarding upstream calls.
type CircuitBreakerConfig struct {
	FailureThreshold int `koanf:"failure_threshold" validate:"min=1"`
	TimeoutSecs      int `koanf:"timeout_secs" validate:"min=1"`
	SuccessThreshold int `koanf:"success_threshold" validate:"min=1"`
}

// CacheConfig configures the non-streaming response cache. RedisURL is
// optional: when set, the cache is backed by Redis instead of the
// in-memory map (see internal/cache).
type CacheConfig struct {
	Enabled        bool   `koanf:"enabled"`
	DefaultTTLSecs int    `koanf:"default_ttl_secs" validate:"min=1"`
	RedisURL       string `koanf:"redis_url"`
}

// LogConfig configures log verbosity/format.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// defaults mirrors the fallback values every deployment can run with
// out of the box; the YAML file and then environment variables layer
// on top of these.
var defaults = map[string]interface{}{
	"server.host":                       "127.0.0.1",
	"server.port":                       4000,
	"server.max_request_size":           10 * 1024 * 1024,
	"server.read_timeout":               "30s",
	"server.write_timeout":              "90s",
	"auth.require_auth":                 false,
	"vertex.region":                     "us-central1",
	"openai.harvester_url":              "http://localhost:3001",
	"openai.access_token_ttl_secs":      3600,
	"openai.arkose_token_ttl_secs":      120,
	"anthropic.bridge_url":              "http://localhost:4001",
	"rate_limit.capacity":               100,
	"rate_limit.refill_per_second":      10,
	"circuit_breaker.failure_threshold": 10,
	"circuit_breaker.timeout_secs":      60,
	"circuit_breaker.success_threshold": 3,
	"cache.enabled":                     false,
	"cache.default_ttl_secs":            3600,
	"log.level":                         "info",
	"log.format":                        "pretty",
}

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
//
// Layering order (lowest to highest precedence): built-in defaults, the
// YAML file, APP_ prefixed environment variables, then a handful of
// GOOGLE_ prefixed variables that exist because Google's own tooling
// (gcloud, client libraries) already uses that naming and operators
// expect it to work without an APP_ prefix.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment, if present.
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	// Load the YAML config file, if present. A missing file is not an
	// error — defaults plus environment variables can fully configure
	// the gateway in container deployments that never ship a file.
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	}

	// Layer environment variables on top. Any env var starting with
	// "APP_" can override a config value. The callback transforms
	// the env var name into a koanf key path:
	//   APP_SERVER__PORT -> server.port
	if err := k.Load(env.ProviderWithValue("APP_", ".", func(s, v string) (string, interface{}) {
		key := strings.ReplaceAll(
			strings.ToLower(strings.TrimPrefix(s, "APP_")),
			"__", ".",
		)
		return key, v
	}), nil); err != nil {
		return nil, fmt.Errorf("loading APP_ env vars: %w", err)
	}

	// A second, narrower source: GOOGLE_* variables map onto the vertex
	// section, because that's what Google's own SDKs and gcloud already
	// read and operators won't want to set the same key twice.
	googleMap := map[string]string{
		"GOOGLE_API_KEY":                 "vertex.api_key",
		"GOOGLE_CLOUD_PROJECT":           "vertex.project_id",
		"GOOGLE_APPLICATION_CREDENTIALS": "vertex.credentials_file",
	}
	if err := k.Load(env.ProviderWithValue("GOOGLE_", ".", func(s, v string) (string, interface{}) {
		key, ok := googleMap[s]
		if !ok {
			return "", nil
		}
		return key, v
	}), nil); err != nil {
		return nil, fmt.Errorf("loading GOOGLE_ env vars: %w", err)
	}

	// Unmarshal the loaded key-value pairs into our Config struct.
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR_NAME} placeholders in the two secret-bearing fields.
	// koanf doesn't do this automatically, so we handle it ourselves
	// using os.Getenv to look up the actual environment variable value.
	cfg.Vertex.APIKey = expandEnvRef(cfg.Vertex.APIKey)
	cfg.Auth.MasterKey = expandEnvRef(cfg.Auth.MasterKey)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.Auth.RequireAuth && cfg.Auth.MasterKey == "" {
		return nil, fmt.Errorf("auth.master_key is required when auth.require_auth is true")
	}

	if cfg.Vertex.APIKey == "" && (cfg.Vertex.ProjectID == "" || cfg.Vertex.CredentialsFile == "") {
		return nil, fmt.Errorf("vertex: must provide either api_key or (project_id + credentials_file)")
	}

	return &cfg, nil
}

// expandEnvRef resolves a "${VAR_NAME}" placeholder against the process
// environment. Values that aren't wrapped in ${...} are returned as-is.
func expandEnvRef(value string) string {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return os.Getenv(value[2 : len(value)-1])
	}
	return value
}
