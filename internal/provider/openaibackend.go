package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/llmrouter/internal/apperr"
	"github.com/howard-nolan/llmrouter/internal/breaker"
	"github.com/howard-nolan/llmrouter/internal/harvester"
	"github.com/howard-nolan/llmrouter/internal/metrics"
	"github.com/howard-nolan/llmrouter/internal/sse"
	"github.com/howard-nolan/llmrouter/internal/transform"
)

const (
	backendConversationURL = "https://chatgpt.com/backend-api/conversation"
	backendUserAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"
	backendReferer         = "https://chatgpt.com/"
	backendAcceptLanguage  = "en-US,en;q=0.9"
)

// OpenAIBackendProvider drives the "gpt-*" path: a harvester-backed
// client that authenticates against ChatGPT's own web conversation API
// rather than the official OpenAI API.
type OpenAIBackendProvider struct {
	harvester *harvester.Client
	client    *http.Client
	cb        *breaker.Breaker
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewOpenAIBackendProvider creates an OpenAIBackendProvider.
func NewOpenAIBackendProvider(h *harvester.Client, client *http.Client, cb *breaker.Breaker, m *metrics.Metrics) *OpenAIBackendProvider {
	return &OpenAIBackendProvider{harvester: h, client: client, cb: cb, metrics: m, now: time.Now}
}

func (o *OpenAIBackendProvider) ProviderType() Tag { return TagOpenAIBackend }

func (o *OpenAIBackendProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gpt-")
}

// requiresArkose reports whether model needs an Arkose anti-bot token
// alongside the access token (only the gpt-4 family requires one).
func requiresArkose(model string) bool {
	return strings.HasPrefix(model, "gpt-4")
}

// fetchTokens runs the harvester step shared by Execute and
// ExecuteStream, recording an arkose_solve sample when the returned
// token carries one.
func (o *OpenAIBackendProvider) fetchTokens(ctx context.Context, model string) (harvester.Token, error) {
	needArkose := requiresArkose(model)
	start := o.now()

	tok, _, err := o.harvester.GetTokens(ctx, needArkose)
	if err != nil {
		return harvester.Token{}, apperr.Wrap(apperr.KindUnavailable, err)
	}

	if needArkose && tok.ArkoseToken != "" {
		o.metrics.RecordArkoseSolve(float64(o.now().Sub(start).Milliseconds()))
	}

	return tok, nil
}

// sendToBackend performs the breaker-guarded POST to the conversation
// endpoint and returns the raw response, or an apperr-classified error.
// On HTTP 403 it fires a detached WAF-block metric write and never
// blocks the error return on it.
func (o *OpenAIBackendProvider) sendToBackend(ctx context.Context, tok harvester.Token, breq *transform.BackendRequest) (*http.Response, error) {
	var resp *http.Response
	err := o.cb.Execute(func() error {
		body, merr := json.Marshal(breq)
		if merr != nil {
			return apperr.Wrap(apperr.KindInternal, merr)
		}

		httpReq, rerr := http.NewRequestWithContext(ctx, http.MethodPost, backendConversationURL, bytes.NewReader(body))
		if rerr != nil {
			return apperr.Wrap(apperr.KindInternal, rerr)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+tok.AccessToken)
		if tok.ArkoseToken != "" {
			httpReq.Header.Set("OpenAI-Sentinel-Arkose-Token", tok.ArkoseToken)
		}
		httpReq.Header.Set("User-Agent", backendUserAgent)
		httpReq.Header.Set("Referer", backendReferer)
		httpReq.Header.Set("Accept-Language", backendAcceptLanguage)

		r, derr := o.client.Do(httpReq)
		if derr != nil {
			return apperr.Wrap(apperr.KindNetwork, derr)
		}

		if r.StatusCode == http.StatusForbidden {
			go o.metrics.RecordWAFBlock()
			defer r.Body.Close()
			return apperr.New(apperr.KindAuth, "openai backend: WAF blocked request (403)")
		}
		if r.StatusCode < 200 || r.StatusCode >= 300 {
			defer r.Body.Close()
			return apperr.New(apperr.KindNetwork, "openai backend returned status %d", r.StatusCode)
		}

		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// Execute drives the non-streaming path: fetch tokens, transform,
// send, then consume the ENTIRE backend SSE stream and concatenate
// deltas into one ChatResponse (the backend always answers via SSE,
// even for a "unary" gateway-facing request).
func (o *OpenAIBackendProvider) Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	tok, err := o.fetchTokens(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	breq := transform.ToBackendRequest(req)
	resp, err := o.sendToBackend(ctx, tok, breq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	requestID, _ := RequestIDFromContext(ctx)

	var content strings.Builder
	var finishReason *string
	var parser sse.Parser

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		for _, ev := range parser.Feed(append(scanner.Bytes(), '\n')) {
			eventType := ev.Type
			if ev.Done {
				eventType = "done"
			}
			chunk, ok, cerr := transform.BackendEventToChunk(eventType, ev.Data, requestID, req.Model, o.now().Unix())
			if cerr != nil {
				return nil, apperr.Wrap(apperr.KindInternal, cerr)
			}
			if !ok {
				continue
			}
			if chunk.Choices[0].Delta.Content != "" {
				content.WriteString(chunk.Choices[0].Delta.Content)
			}
			if chunk.Choices[0].FinishReason != nil {
				finishReason = chunk.Choices[0].FinishReason
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindNetwork, err)
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + requestID,
		Object:  "chat.completion",
		Created: o.now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      Message{Role: "assistant", Content: content.String()},
			FinishReason: finishReason,
		}},
	}, nil
}

// ExecuteStream drives the streaming path: fetch tokens, transform,
// send, then run the byte stream through the SSE parser and the
// backend transformer, re-emitting one StreamEvent per parsed chunk.
func (o *OpenAIBackendProvider) ExecuteStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	tok, err := o.fetchTokens(ctx, req.Model)
	if err != nil {
		return nil, err
	}

	breq := transform.ToBackendRequest(req)
	resp, err := o.sendToBackend(ctx, tok, breq)
	if err != nil {
		return nil, err
	}

	requestID, _ := RequestIDFromContext(ctx)
	ch := make(chan StreamEvent)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		var parser sse.Parser
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			events := parser.Feed(append(scanner.Bytes(), '\n'))
			for _, ev := range events {
				eventType := ev.Type
				if ev.Done {
					eventType = "done"
				}
				chunk, ok, cerr := transform.BackendEventToChunk(eventType, ev.Data, requestID, req.Model, o.now().Unix())
				if cerr != nil {
					select {
					case ch <- StreamEvent{Err: fmt.Errorf("transforming backend event: %w", cerr)}:
					case <-ctx.Done():
					}
					return
				}
				if !ok {
					continue
				}
				select {
				case ch <- StreamEvent{Chunk: chunk}:
				case <-ctx.Done():
					return
				}
			}
		}
		if err := scanner.Err(); err != nil {
			select {
			case ch <- StreamEvent{Err: fmt.Errorf("reading openai backend stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}
