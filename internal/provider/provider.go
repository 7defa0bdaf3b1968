// Package provider defines the Provider interface, the OpenAI-shaped
// request/response types every handler and transformer works with, and
// the small set of pure validation helpers applied before any upstream
// call is made.
//
// Every upstream (Vertex, the Anthropic bridge, the OpenAI backend)
// implements Provider. The rest of the gateway — registry, handler,
// cache, metrics — only ever sees these unified types, never a
// provider's own wire format.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tag identifies a provider implementation, independent of any one
// model name. Used for registry lookups, metrics labels, and the
// provider_type() contract exposed to callers.
type Tag string

const (
	TagVertex        Tag = "vertex"
	TagAnthropic     Tag = "anthropic"
	TagOpenAIBackend Tag = "openai_backend"
)

// Provider is the contract every upstream adapter satisfies. Go
// interfaces are implicit — any type with these four methods already
// is a Provider, no "implements" declaration needed.
type Provider interface {
	// Execute sends req and returns the complete, non-streaming response.
	Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ExecuteStream sends req and returns a channel of StreamEvents.
	// The provider owns all upstream framing (SSE, or whatever shape its
	// wire protocol actually uses) and is responsible for closing the
	// channel when the upstream stream ends. A terminal Err event is
	// always the last value sent before the channel closes.
	ExecuteStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error)

	// ProviderType returns this provider's registry tag.
	ProviderType() Tag

	// SupportsModel reports whether this provider should handle model.
	SupportsModel(model string) bool
}

// StreamEvent is one item flowing out of a provider's streaming channel.
// Exactly one of Chunk, RawLine, Comment, or Err is set:
//   - Chunk:   a normalized chunk to re-serialize as an SSE data event.
//   - RawLine: an already-framed SSE line to forward to the client
//     unchanged (the Anthropic bridge already speaks OpenAI SSE, so
//     nothing needs re-encoding).
//   - Comment: upstream noise (keep-alives, unparseable frames) to
//     surface as an SSE comment line rather than drop silently.
//   - Err:     a terminal failure; the handler re-emits it as an
//     OpenAI-shaped error chunk and the stream ends.
type StreamEvent struct {
	Chunk   *ChatChunk
	RawLine string
	Comment string
	Err     error
}

// Message is one entry in a ChatRequest's conversation history.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	Name    string `json:"name,omitempty"`
}

// StringOrSlice decodes a JSON value that may arrive as either a bare
// string or an array of strings — exactly the shape ChatRequest.Stop
// is allowed to take on the wire.
type StringOrSlice []string

func (s *StringOrSlice) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*s = nil
		return nil
	}
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*s = StringOrSlice{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or array of strings: %w", err)
	}
	*s = StringOrSlice(many)
	return nil
}

func (s StringOrSlice) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}

// ChatRequest is the OpenAI-shaped chat completion request the handler
// decodes from the inbound HTTP body. Defaults (temperature 1.0, top_p
// 1.0, stream false) are applied by ValidateAndNormalize, not by the
// JSON decoder, so a caller who omits them entirely still gets them.
type ChatRequest struct {
	Model       string        `json:"model"`
	Messages    []Message     `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        StringOrSlice `json:"stop,omitempty"`
}

// validRoles is the set of roles accepted in an inbound message.
var validRoles = map[string]bool{
	"system": true, "user": true, "assistant": true, "tool": true,
}

// ValidateAndNormalize checks the request invariants and fills in
// default temperature/top_p. It never touches the network — it is the
// one gate every ChatRequest passes through before any provider sees it.
func (r *ChatRequest) ValidateAndNormalize() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must be a non-empty array")
	}
	for i, m := range r.Messages {
		if !validRoles[m.Role] {
			return fmt.Errorf("messages[%d].role %q is not one of system, user, assistant, tool", i, m.Role)
		}
	}
	if r.Temperature == nil {
		def := 1.0
		r.Temperature = &def
	} else if *r.Temperature < 0 || *r.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %v", *r.Temperature)
	}
	if r.TopP == nil {
		def := 1.0
		r.TopP = &def
	} else if *r.TopP < 0 || *r.TopP > 1 {
		return fmt.Errorf("top_p must be between 0 and 1, got %v", *r.TopP)
	}
	if r.MaxTokens != nil && *r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", *r.MaxTokens)
	}
	return nil
}

// Usage holds token counts, normalized across providers that name these
// fields differently on the wire (promptTokenCount, input_tokens, ...).
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the OpenAI-shaped non-streaming response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// Choice is one completion choice. The gateway never requests n>1, so
// there is always exactly one.
type Choice struct {
	Index        int      `json:"index"`
	Message      Message  `json:"message"`
	FinishReason *string  `json:"finish_reason"`
}

// ChatChunk is one OpenAI-shaped streaming event.
type ChatChunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// ChunkChoice is one streaming choice, carrying a delta rather than a
// full message.
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Delta is the incremental content of one streaming chunk. Role is
// only set on the first chunk of a stream (when a provider sends one);
// Content is omitted on the terminal chunk.
type Delta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

// StrPtr is a small helper so callers can write StrPtr("stop") instead
// of spelling out the address-of-a-local-variable dance every time a
// FinishReason needs setting.
func StrPtr(s string) *string { return &s }

// ---------------------------------------------------------------------
// Request-scoped identifiers
// ---------------------------------------------------------------------

type contextKey int

const requestIDKey contextKey = iota

// WithRequestID attaches the handler-generated request id to ctx so
// provider adapters can stamp it onto ChatResponse.ID /
// ChatChunk.ID without threading an extra parameter through every
// Provider method.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext returns the request id stashed by WithRequestID.
func RequestIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}
