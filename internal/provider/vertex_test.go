package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/howard-nolan/llmrouter/internal/apperr"
	"github.com/howard-nolan/llmrouter/internal/transform"
)

func TestVertex_SupportsModel(t *testing.T) {
	p := NewVertexProvider("key", "https://example", "", "", "", nil, http.DefaultClient, newTestBreaker())
	if !p.SupportsModel("gemini-1.5-pro") {
		t.Error("expected gemini- prefix to be supported")
	}
	if p.SupportsModel("gpt-4") {
		t.Error("expected gpt- prefix to be unsupported")
	}
}

func TestVertex_Endpoint_APIKeyMode(t *testing.T) {
	p := NewVertexProvider("secret-key", "https://generativelanguage.googleapis.com/v1beta", "", "", "", nil, http.DefaultClient, newTestBreaker())

	url, headers, err := p.endpoint(context.Background(), "gemini-1.5-pro", "generateContent", false)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if !strings.Contains(url, "key=secret-key") {
		t.Errorf("url = %q, want it to carry the api key", url)
	}
	if strings.Contains(url, "alt=sse") {
		t.Error("non-streaming endpoint should not carry alt=sse")
	}
	if headers.Get("Authorization") != "" {
		t.Error("api key mode should not set an Authorization header")
	}
}

func TestVertex_Endpoint_APIKeyMode_Streaming(t *testing.T) {
	p := NewVertexProvider("secret-key", "https://generativelanguage.googleapis.com/v1beta", "", "", "", nil, http.DefaultClient, newTestBreaker())

	url, _, err := p.endpoint(context.Background(), "gemini-1.5-pro", "streamGenerateContent", true)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if !strings.HasSuffix(url, "&alt=sse") {
		t.Errorf("url = %q, want it to end with &alt=sse", url)
	}
}

func TestVertex_Endpoint_OAuthMode(t *testing.T) {
	ts := func(ctx context.Context) (string, error) { return "bearer-tok", nil }
	p := NewVertexProvider("", "", "https://us-central1-aiplatform.googleapis.com/v1", "my-project", "us-central1",
		ts, http.DefaultClient, newTestBreaker())

	url, headers, err := p.endpoint(context.Background(), "gemini-1.5-pro", "generateContent", false)
	if err != nil {
		t.Fatalf("endpoint: %v", err)
	}
	if !strings.Contains(url, "my-project") || !strings.Contains(url, "us-central1") {
		t.Errorf("url = %q, want it to carry project and region", url)
	}
	if headers.Get("Authorization") != "Bearer bearer-tok" {
		t.Errorf("Authorization = %q, want %q", headers.Get("Authorization"), "Bearer bearer-tok")
	}
}

func TestVertex_Endpoint_OAuthMode_TokenSourceError(t *testing.T) {
	ts := func(ctx context.Context) (string, error) { return "", fmt.Errorf("adc unavailable") }
	p := NewVertexProvider("", "", "https://x", "proj", "region", ts, http.DefaultClient, newTestBreaker())

	if _, _, err := p.endpoint(context.Background(), "gemini-1.5-pro", "generateContent", false); err == nil {
		t.Error("expected error when the token source fails")
	}
}

func TestVertex_Execute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(transform.VertexResponse{
			Candidates: []transform.VertexCandidate{{
				Content:      transform.VertexContent{Parts: []transform.VertexPart{{Text: "Paris"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: &transform.VertexUsageMetadata{PromptTokenCount: 2, CandidatesTokenCount: 1, TotalTokenCount: 3},
		})
	}))
	defer srv.Close()

	p := NewVertexProvider("key", srv.URL, "", "", "", nil, srv.Client(), newTestBreaker())
	resp, err := p.Execute(context.Background(), &ChatRequest{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: "user", Content: "capital of france?"}},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if resp.Choices[0].Message.Content != "Paris" {
		t.Errorf("content = %q, want %q", resp.Choices[0].Message.Content, "Paris")
	}
	if resp.Usage.TotalTokens != 3 {
		t.Errorf("TotalTokens = %d, want 3", resp.Usage.TotalTokens)
	}
}

func TestVertex_Execute_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]any{"error": "quota exceeded"})
	}))
	defer srv.Close()

	p := NewVertexProvider("key", srv.URL, "", "", "", nil, srv.Client(), newTestBreaker())
	_, err := p.Execute(context.Background(), &ChatRequest{
		Model:    "gemini-1.5-pro",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected an error on non-200 vertex response")
	}
	if apperr.As(err).Kind != apperr.KindNetwork {
		t.Errorf("Kind = %q, want %q", apperr.As(err).Kind, apperr.KindNetwork)
	}
}

func TestVertex_ExecuteStream_ParsesObjectArray(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		fmt.Fprint(w, "[")
		flusher.Flush()
		obj1, _ := json.Marshal(transform.VertexResponse{
			Candidates: []transform.VertexCandidate{{Content: transform.VertexContent{Parts: []transform.VertexPart{{Text: "Hel"}}}}},
		})
		w.Write(obj1)
		fmt.Fprint(w, ",")
		flusher.Flush()
		obj2, _ := json.Marshal(transform.VertexResponse{
			Candidates: []transform.VertexCandidate{{Content: transform.VertexContent{Parts: []transform.VertexPart{{Text: "lo"}}}, FinishReason: "STOP"}},
		})
		w.Write(obj2)
		fmt.Fprint(w, "]")
		flusher.Flush()
	}))
	defer srv.Close()

	p := NewVertexProvider("key", srv.URL, "", "", "", nil, srv.Client(), newTestBreaker())
	ctx := WithRequestID(context.Background(), "req-1")
	events, err := p.ExecuteStream(ctx, &ChatRequest{Model: "gemini-1.5-pro", Messages: []Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("ExecuteStream: %v", err)
	}

	var chunks []*ChatChunk
	for ev := range events {
		if ev.Err != nil {
			t.Fatalf("unexpected stream error: %v", ev.Err)
		}
		if ev.Chunk != nil {
			chunks = append(chunks, ev.Chunk)
		}
	}
	if len(chunks) != 2 {
		t.Fatalf("got %d chunks, want 2", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Content != "Hel" {
		t.Errorf("chunk 0 content = %q, want %q", chunks[0].Choices[0].Delta.Content, "Hel")
	}
	if chunks[1].Choices[0].FinishReason == nil || *chunks[1].Choices[0].FinishReason != "stop" {
		t.Error("expected chunk 1 to carry finish_reason=stop")
	}
}

func TestVertexObjectReader_SplitAcrossReads(t *testing.T) {
	r1 := iotest.OneByteReader(bytes.NewReader([]byte(`[{"a":1},{"b":"x,y"},`)))
	reader := newVertexObjectReader(r1)

	first, err := reader.Next()
	if err != nil {
		t.Fatalf("Next (1): %v", err)
	}
	if string(first) != `{"a":1}` {
		t.Errorf("first = %q, want %q", first, `{"a":1}`)
	}

	second, err := reader.Next()
	if err != nil {
		t.Fatalf("Next (2): %v", err)
	}
	if string(second) != `{"b":"x,y"}` {
		t.Errorf("second = %q, want %q", second, `{"b":"x,y"}`)
	}

	if _, err := reader.Next(); err != errVertexEOF {
		t.Errorf("Next (3) err = %v, want errVertexEOF", err)
	}
}

func TestVertexObjectReader_EmptyArray(t *testing.T) {
	reader := newVertexObjectReader(bytes.NewReader([]byte("[]")))
	if _, err := reader.Next(); err != errVertexEOF {
		t.Errorf("err = %v, want errVertexEOF for an empty array", err)
	}
}
