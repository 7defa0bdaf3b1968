package provider

import (
	"context"
	"encoding/json"
	"testing"
)

func TestStringOrSlice_UnmarshalString(t *testing.T) {
	var s StringOrSlice
	if err := json.Unmarshal([]byte(`"stop"`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s) != 1 || s[0] != "stop" {
		t.Errorf("got %v, want [stop]", s)
	}
}

func TestStringOrSlice_UnmarshalArray(t *testing.T) {
	var s StringOrSlice
	if err := json.Unmarshal([]byte(`["a","b"]`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(s) != 2 || s[0] != "a" || s[1] != "b" {
		t.Errorf("got %v, want [a b]", s)
	}
}

func TestStringOrSlice_UnmarshalNull(t *testing.T) {
	s := StringOrSlice{"preexisting"}
	if err := json.Unmarshal([]byte(`null`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s != nil {
		t.Errorf("got %v, want nil", s)
	}
}

func TestStringOrSlice_UnmarshalInvalid(t *testing.T) {
	var s StringOrSlice
	if err := json.Unmarshal([]byte(`42`), &s); err == nil {
		t.Error("expected error unmarshaling a number into StringOrSlice")
	}
}

func TestValidateAndNormalize_RejectsMissingModel(t *testing.T) {
	req := &ChatRequest{Messages: []Message{{Role: "user", Content: "hi"}}}
	if err := req.ValidateAndNormalize(); err == nil {
		t.Error("expected error for missing model")
	}
}

func TestValidateAndNormalize_RejectsEmptyMessages(t *testing.T) {
	req := &ChatRequest{Model: "gpt-4"}
	if err := req.ValidateAndNormalize(); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestValidateAndNormalize_RejectsBadRole(t *testing.T) {
	req := &ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: "narrator", Content: "hi"}},
	}
	if err := req.ValidateAndNormalize(); err == nil {
		t.Error("expected error for invalid role")
	}
}

func TestValidateAndNormalize_DefaultsTemperatureAndTopP(t *testing.T) {
	req := &ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: "user", Content: "hi"}},
	}
	if err := req.ValidateAndNormalize(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Temperature == nil || *req.Temperature != 1.0 {
		t.Errorf("Temperature = %v, want 1.0", req.Temperature)
	}
	if req.TopP == nil || *req.TopP != 1.0 {
		t.Errorf("TopP = %v, want 1.0", req.TopP)
	}
}

func TestValidateAndNormalize_RejectsOutOfRangeTemperature(t *testing.T) {
	temp := 2.5
	req := &ChatRequest{
		Model:       "gpt-4",
		Messages:    []Message{{Role: "user", Content: "hi"}},
		Temperature: &temp,
	}
	if err := req.ValidateAndNormalize(); err == nil {
		t.Error("expected error for temperature > 2")
	}
}

func TestValidateAndNormalize_RejectsOutOfRangeTopP(t *testing.T) {
	topP := 1.5
	req := &ChatRequest{
		Model:    "gpt-4",
		Messages: []Message{{Role: "user", Content: "hi"}},
		TopP:     &topP,
	}
	if err := req.ValidateAndNormalize(); err == nil {
		t.Error("expected error for top_p > 1")
	}
}

func TestValidateAndNormalize_RejectsNonPositiveMaxTokens(t *testing.T) {
	zero := 0
	req := &ChatRequest{
		Model:     "gpt-4",
		Messages:  []Message{{Role: "user", Content: "hi"}},
		MaxTokens: &zero,
	}
	if err := req.ValidateAndNormalize(); err == nil {
		t.Error("expected error for non-positive max_tokens")
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-123")
	id, ok := RequestIDFromContext(ctx)
	if !ok {
		t.Fatal("expected request id to be present")
	}
	if id != "req-123" {
		t.Errorf("id = %q, want %q", id, "req-123")
	}
}

func TestRequestID_AbsentWhenNotSet(t *testing.T) {
	if _, ok := RequestIDFromContext(context.Background()); ok {
		t.Error("expected no request id on a bare context")
	}
}
