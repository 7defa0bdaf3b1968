package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/howard-nolan/llmrouter/internal/apperr"
	"github.com/howard-nolan/llmrouter/internal/breaker"
)

// AnthropicBridgeProvider is a thin pass-through to an internal HTTP
// bridge that speaks the Anthropic protocol but already exposes
// OpenAI-compatible SSE on its own streaming responses. Unlike Vertex
// and the OpenAI backend, there is no request/response transformer
// here: the bridge is trusted to already be OpenAI-shaped.
type AnthropicBridgeProvider struct {
	bridgeURL string
	client    *http.Client
	cb        *breaker.Breaker
}

// NewAnthropicBridgeProvider creates an AnthropicBridgeProvider. cb
// guards every call to the bridge.
func NewAnthropicBridgeProvider(bridgeURL string, client *http.Client, cb *breaker.Breaker) *AnthropicBridgeProvider {
	return &AnthropicBridgeProvider{bridgeURL: bridgeURL, client: client, cb: cb}
}

func (a *AnthropicBridgeProvider) ProviderType() Tag { return TagAnthropic }

func (a *AnthropicBridgeProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "claude-")
}

type bridgeRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
}

type bridgeErrorBody struct {
	Error string `json:"error"`
}

// Execute posts {model, messages} to <bridge>/anthropic/chat under the
// circuit breaker and returns its JSON body decoded as a ChatResponse
// (the bridge is expected to already answer in OpenAI shape).
func (a *AnthropicBridgeProvider) Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return breaker.Call(a.cb, func() (*ChatResponse, error) {
		body, err := json.Marshal(bridgeRequest{Model: req.Model, Messages: req.Messages})
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.bridgeURL+"/anthropic/chat", bytes.NewReader(body))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err)
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := a.client.Do(httpReq)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNetwork, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, bridgeError(resp)
		}

		var chatResp ChatResponse
		if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
			return nil, apperr.New(apperr.KindInternal, "decoding bridge response: %v", err)
		}
		return &chatResp, nil
	})
}

// bridgeError builds an Unavailable error carrying the bridge's status
// and, when present, its {"error": "..."} message text.
func bridgeError(resp *http.Response) error {
	var body bridgeErrorBody
	data := make([]byte, 0, 512)
	buf := make([]byte, 512)
	n, _ := resp.Body.Read(buf)
	data = append(data, buf[:n]...)
	_ = json.Unmarshal(data, &body)

	msg := body.Error
	if msg == "" {
		msg = string(data)
	}
	return apperr.New(apperr.KindUnavailable, "anthropic bridge returned status %d: %s", resp.StatusCode, msg)
}

// ExecuteStream posts the same body with streaming in mind and forwards
// the bridge's raw SSE lines to the client unchanged — no parsing, no
// re-encoding: the bridge's bytes are forwarded unchanged.
func (a *AnthropicBridgeProvider) ExecuteStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	var resp *http.Response
	err := a.cb.Execute(func() error {
		body, merr := json.Marshal(bridgeRequest{Model: req.Model, Messages: req.Messages})
		if merr != nil {
			return apperr.Wrap(apperr.KindInternal, merr)
		}

		httpReq, rerr := http.NewRequestWithContext(ctx, http.MethodPost, a.bridgeURL+"/anthropic/chat", bytes.NewReader(body))
		if rerr != nil {
			return apperr.Wrap(apperr.KindInternal, rerr)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Accept", "text/event-stream")

		r, derr := a.client.Do(httpReq)
		if derr != nil {
			return apperr.Wrap(apperr.KindNetwork, derr)
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			defer r.Body.Close()
			return bridgeError(r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			select {
			case ch <- StreamEvent{RawLine: line + "\n"}:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamEvent{Err: fmt.Errorf("reading anthropic bridge stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
