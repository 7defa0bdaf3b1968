// Package transform holds the pure functions that translate between the
// OpenAI chat schema and each upstream provider's wire schema. None of
// these functions touch the network or the clock — the handler and
// provider adapters inject request IDs and timestamps so the
// translation itself stays deterministic and easy to table-test.
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/howard-nolan/llmrouter/internal/provider"
)

// ---------------------------------------------------------------------
// OpenAI -> Vertex
// ---------------------------------------------------------------------

// VertexContent is one entry in a Vertex/Gemini "contents" array.
type VertexContent struct {
	Role  string       `json:"role"`
	Parts []VertexPart `json:"parts"`
}

// VertexPart is a single piece of content. Text-only in this gateway —
// multimodal parts are out of scope.
type VertexPart struct {
	Text string `json:"text"`
}

// VertexGenerationConfig carries the caller's sampling parameters.
type VertexGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// VertexRequest is the body posted to generateContent /
// streamGenerateContent.
type VertexRequest struct {
	Contents          []VertexContent         `json:"contents"`
	SystemInstruction *VertexContent          `json:"system_instruction,omitempty"`
	GenerationConfig  *VertexGenerationConfig `json:"generationConfig,omitempty"`
}

// vertexRole maps an OpenAI role onto a Vertex content role. system and
// tool both collapse onto "user"; any system message is additionally
// lifted into system_instruction by ToVertexRequest.
func vertexRole(role string) string {
	switch role {
	case "assistant":
		return "model"
	default: // "user", "system", "tool"
		return "user"
	}
}

// ToVertexRequest builds a VertexRequest from req. If any system
// message is present, the first one is extracted into
// system_instruction and removed from contents by text equality, not
// identity: the removal scan walks every message regardless of role
// and drops the first one whose content equals the lifted system
// text. If an earlier non-system message happens to carry the exact
// same text, that message is removed instead of the system message
// itself. This is the observed (arguably unsafe) behavior and is
// preserved rather than switched to identity/index-based removal —
// see DESIGN.md.
func ToVertexRequest(req *provider.ChatRequest) *VertexRequest {
	vr := &VertexRequest{}

	var systemText string
	var haveSystem bool
	for _, m := range req.Messages {
		if m.Role == "system" {
			systemText = m.Content
			haveSystem = true
			break
		}
	}

	removed := false
	for _, m := range req.Messages {
		if haveSystem && !removed && m.Content == systemText {
			removed = true
			continue
		}
		vr.Contents = append(vr.Contents, VertexContent{
			Role:  vertexRole(m.Role),
			Parts: []VertexPart{{Text: m.Content}},
		})
	}

	if haveSystem {
		vr.SystemInstruction = &VertexContent{Parts: []VertexPart{{Text: systemText}}}
	}

	vr.GenerationConfig = &VertexGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   []string(req.Stop),
	}

	return vr
}

// VertexCandidate is one generated candidate in a Vertex response.
type VertexCandidate struct {
	Content      VertexContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

// VertexUsageMetadata mirrors Vertex's token accounting field names.
type VertexUsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

// VertexResponse is the unary generateContent response body.
type VertexResponse struct {
	Candidates    []VertexCandidate    `json:"candidates"`
	UsageMetadata *VertexUsageMetadata `json:"usageMetadata"`
}

// VertexResponseToChat translates a VertexResponse into a ChatResponse.
// Only the first candidate is used, and candidate.content.parts[0].text
// must be present or this fails (callers should surface that as an
// Internal error).
func VertexResponseToChat(vr *VertexResponse, requestID, model string, created int64) (*provider.ChatResponse, error) {
	if len(vr.Candidates) == 0 || len(vr.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("vertex response has no candidate text")
	}
	c := vr.Candidates[0]

	var usage provider.Usage
	if vr.UsageMetadata != nil {
		usage = provider.Usage{
			PromptTokens:     vr.UsageMetadata.PromptTokenCount,
			CompletionTokens: vr.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      vr.UsageMetadata.TotalTokenCount,
		}
	}

	var finish *string
	if c.FinishReason != "" {
		finish = provider.StrPtr(lower(c.FinishReason))
	}

	return &provider.ChatResponse{
		ID:      requestID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Usage:   usage,
		Choices: []provider.Choice{{
			Index:        0,
			Message:      provider.Message{Role: "assistant", Content: c.Content.Parts[0].Text},
			FinishReason: finish,
		}},
	}, nil
}

// VertexChunkToChat translates one Vertex stream object into a
// ChatChunk. The delta carries no role; finish_reason is only set once
// Vertex reports one.
func VertexChunkToChat(vr *VertexResponse, requestID, model string, created int64) *provider.ChatChunk {
	var text string
	var finish *string
	if len(vr.Candidates) > 0 {
		c := vr.Candidates[0]
		if len(c.Content.Parts) > 0 {
			text = c.Content.Parts[0].Text
		}
		if c.FinishReason != "" {
			finish = provider.StrPtr(lower(c.FinishReason))
		}
	}

	return &provider.ChatChunk{
		ID:      requestID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []provider.ChunkChoice{{
			Index:        0,
			Delta:        provider.Delta{Content: text},
			FinishReason: finish,
		}},
	}
}

func lower(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// ---------------------------------------------------------------------
// OpenAI -> Backend (ChatGPT web conversation API)
// ---------------------------------------------------------------------

// BackendContent is a backend conversation message's content. The
// wire format accepts either this structured shape or a bare string;
// this gateway always sends the structured shape.
type BackendContent struct {
	ContentType string   `json:"content_type"`
	Parts       []string `json:"parts"`
}

// BackendMessage is one message in a BackendRequest.
type BackendMessage struct {
	ID      string         `json:"id"`
	Role    string         `json:"role"`
	Content BackendContent `json:"content"`
}

// BackendRequest is the body posted to the OpenAI backend's
// conversation endpoint.
type BackendRequest struct {
	Action          string           `json:"action"`
	Messages        []BackendMessage `json:"messages"`
	Model           string           `json:"model"`
	ParentMessageID string           `json:"parent_message_id,omitempty"`
	ConversationID  string           `json:"conversation_id,omitempty"`
	Temperature     *float64         `json:"temperature,omitempty"`
	MaxTokens       *int             `json:"max_tokens,omitempty"`
}

// ToBackendRequest builds a BackendRequest. Each message gets a fresh
// "node_<uuid>" id — the backend wire format requires unique message
// ids to thread conversation state, and this gateway never needs to
// re-send the same message twice, so a fresh uuid per call is enough.
func ToBackendRequest(req *provider.ChatRequest) *BackendRequest {
	br := &BackendRequest{
		Action:      "next",
		Model:       req.Model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	for _, m := range req.Messages {
		br.Messages = append(br.Messages, BackendMessage{
			ID:   "node_" + uuid.NewString(),
			Role: m.Role,
			Content: BackendContent{
				ContentType: "text",
				Parts:       []string{m.Content},
			},
		})
	}
	return br
}

// BackendSSEMessage is the payload of a backend "message" SSE event.
type BackendSSEMessage struct {
	Message struct {
		Content struct {
			Parts []string `json:"parts"`
		} `json:"content"`
	} `json:"message"`
}

// BackendEventToChunk translates one backend SSE (event-type, payload)
// pair into a ChatChunk:
//
//	"done"    -> terminal chunk, empty delta, finish_reason "stop"
//	"message" -> delta.content = parts joined with no separator
//	other     -> no output (ok=false)
func BackendEventToChunk(eventType string, payload []byte, requestID, model string, created int64) (chunk *provider.ChatChunk, ok bool, err error) {
	switch eventType {
	case "done":
		return &provider.ChatChunk{
			ID: requestID, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []provider.ChunkChoice{{
				Index:        0,
				Delta:        provider.Delta{},
				FinishReason: provider.StrPtr("stop"),
			}},
		}, true, nil
	case "message":
		var m BackendSSEMessage
		if len(payload) > 0 {
			if e := json.Unmarshal(payload, &m); e != nil {
				return nil, false, e
			}
		}
		content := ""
		for _, p := range m.Message.Content.Parts {
			content += p
		}
		return &provider.ChatChunk{
			ID: requestID, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []provider.ChunkChoice{{
				Index: 0,
				Delta: provider.Delta{Content: content},
			}},
		}, true, nil
	default:
		return nil, false, nil
	}
}
