package provider

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/llmrouter/internal/apperr"
	"github.com/howard-nolan/llmrouter/internal/breaker"
	"github.com/howard-nolan/llmrouter/internal/transform"
)

// TokenSource returns a fresh OAuth bearer token for Vertex's
// project/region-scoped endpoint. Left as an injected function (rather
// than a concrete OAuth client) so tests can fake it and so the actual
// token-minting mechanism — gcloud application-default credentials, a
// service account key file, whatever the deployment uses — stays out
// of this package's concern; the actual token-minting mechanism is an
// external seam, except for the OpenAI backend's harvester.
type TokenSource func(ctx context.Context) (string, error)

// VertexProvider implements Provider for Google's Vertex/Gemini API,
// in either of two credential modes: a raw API key against the public
// generativelanguage endpoint, or an OAuth bearer against the
// project/region-scoped aiplatform endpoint.
type VertexProvider struct {
	client *http.Client
	cb     *breaker.Breaker

	// API-key mode.
	apiKey        string
	apiKeyBaseURL string

	// OAuth mode.
	oauthBaseURL string
	projectID    string
	region       string
	tokenSource  TokenSource

	now func() time.Time
}

// NewVertexProvider creates a VertexProvider. Exactly one of apiKey or
// (projectID + tokenSource) should be set; Execute/ExecuteStream
// prefer the API key when both are present. cb guards every upstream
// call, matching the other two providers.
func NewVertexProvider(apiKey, apiKeyBaseURL, oauthBaseURL, projectID, region string, tokenSource TokenSource, client *http.Client, cb *breaker.Breaker) *VertexProvider {
	return &VertexProvider{
		client:        client,
		cb:            cb,
		apiKey:        apiKey,
		apiKeyBaseURL: apiKeyBaseURL,
		oauthBaseURL:  oauthBaseURL,
		projectID:     projectID,
		region:        region,
		tokenSource:   tokenSource,
		now:           time.Now,
	}
}

func (v *VertexProvider) ProviderType() Tag { return TagVertex }

func (v *VertexProvider) SupportsModel(model string) bool {
	return strings.HasPrefix(model, "gemini-")
}

// endpoint builds the full URL for either mode. action is
// "generateContent" or "streamGenerateContent"; stream adds ?alt=sse
// for the streaming call, matching both credential modes' URL shapes.
func (v *VertexProvider) endpoint(ctx context.Context, model, action string, stream bool) (string, http.Header, error) {
	headers := http.Header{"Content-Type": []string{"application/json"}}

	if v.apiKey != "" {
		url := fmt.Sprintf("%s/models/%s:%s?key=%s", v.apiKeyBaseURL, model, action, v.apiKey)
		if stream {
			url += "&alt=sse"
		}
		return url, headers, nil
	}

	token, err := v.tokenSource(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("vertex oauth token: %w", err)
	}
	headers.Set("Authorization", "Bearer "+token)

	url := fmt.Sprintf("%s/projects/%s/locations/%s/publishers/google/models/%s:%s",
		v.oauthBaseURL, v.projectID, v.region, model, action)
	if stream {
		url += "?alt=sse"
	}
	return url, headers, nil
}

// Execute sends a non-streaming generateContent call, guarded by the
// breaker. It sets no deadline of its own: the call is bounded only by
// ctx and the http.Client's Timeout.
func (v *VertexProvider) Execute(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return breaker.Call(v.cb, func() (*ChatResponse, error) {
		vreq := transform.ToVertexRequest(req)
		body, err := json.Marshal(vreq)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err)
		}

		url, headers, err := v.endpoint(ctx, req.Model, "generateContent", false)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err)
		}
		httpReq.Header = headers

		resp, err := v.client.Do(httpReq)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindNetwork, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			var errBody map[string]any
			json.NewDecoder(resp.Body).Decode(&errBody)
			return nil, apperr.New(apperr.KindNetwork, "vertex returned status %d: %v", resp.StatusCode, errBody)
		}

		var vresp transform.VertexResponse
		if err := json.NewDecoder(resp.Body).Decode(&vresp); err != nil {
			return nil, apperr.New(apperr.KindInternal, "decoding vertex response: %v", err)
		}

		requestID, _ := RequestIDFromContext(ctx)
		chat, cerr := transform.VertexResponseToChat(&vresp, requestID, req.Model, v.now().Unix())
		if cerr != nil {
			return nil, apperr.Wrap(apperr.KindInternal, cerr)
		}
		return chat, nil
	})
}

// ExecuteStream sends a streaming streamGenerateContent call. The
// upstream body is not standard SSE: it concatenates JSON objects
// inside a top-level array, so the reader strips the surrounding '[',
// ']', and ',' decoration and decodes each object as it completes —
// see vertexObjectReader below. The breaker guards only the initial
// request/response handshake; once headers arrive, the body is read
// outside the breaker like the other providers' streaming paths.
func (v *VertexProvider) ExecuteStream(ctx context.Context, req *ChatRequest) (<-chan StreamEvent, error) {
	vreq := transform.ToVertexRequest(req)
	body, err := json.Marshal(vreq)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}

	url, headers, err := v.endpoint(ctx, req.Model, "streamGenerateContent", true)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err)
	}

	var resp *http.Response
	err = v.cb.Execute(func() error {
		httpReq, rerr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if rerr != nil {
			return apperr.Wrap(apperr.KindInternal, rerr)
		}
		httpReq.Header = headers

		r, derr := v.client.Do(httpReq)
		if derr != nil {
			return apperr.Wrap(apperr.KindNetwork, derr)
		}
		if r.StatusCode != http.StatusOK {
			defer r.Body.Close()
			var errBody map[string]any
			json.NewDecoder(r.Body).Decode(&errBody)
			return apperr.New(apperr.KindNetwork, "vertex stream returned status %d: %v", r.StatusCode, errBody)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	ch := make(chan StreamEvent)
	requestID, ok := RequestIDFromContext(ctx)
	if !ok {
		requestID = fmt.Sprintf("chatcmpl-vertex-%d", v.now().UnixNano())
	}
	model := req.Model

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		reader := newVertexObjectReader(resp.Body)
		for {
			raw, err := reader.Next()
			if err != nil {
				if err != errVertexEOF {
					select {
					case ch <- StreamEvent{Err: fmt.Errorf("reading vertex stream: %w", err)}:
					case <-ctx.Done():
					}
				}
				return
			}
			if len(raw) == 0 {
				select {
				case ch <- StreamEvent{Comment: "keep-alive"}:
				case <-ctx.Done():
					return
				}
				continue
			}

			var vresp transform.VertexResponse
			if err := json.Unmarshal(raw, &vresp); err != nil {
				select {
				case ch <- StreamEvent{Comment: "parse-error"}:
				case <-ctx.Done():
					return
				}
				continue
			}

			chunk := transform.VertexChunkToChat(&vresp, requestID, model, v.now().Unix())
			select {
			case ch <- StreamEvent{Chunk: chunk}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

var errVertexEOF = fmt.Errorf("vertex object stream: eof")

// vertexObjectReader peels individual JSON objects out of a stream
// that concatenates them inside a (possibly still-arriving) top-level
// array: "[{...},\n{...},\n{...}]". It tracks brace depth and string
// state so commas and brackets inside string values don't confuse the
// boundary detection, and it works across arbitrarily small reads from
// the underlying body.
type vertexObjectReader struct {
	r      *bufio.Reader
	object bytes.Buffer

	depth    int
	inString bool
	escaped  bool
	started  bool
}

func newVertexObjectReader(r io.Reader) *vertexObjectReader {
	return &vertexObjectReader{r: bufio.NewReader(r)}
}

// Next blocks until it can return the next complete JSON object's
// bytes; it never returns an empty slice. It returns errVertexEOF when
// the underlying reader is exhausted with no partial object pending or
// a closing ']' is reached, and an error when the reader ends
// mid-object.
func (d *vertexObjectReader) Next() ([]byte, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			if d.object.Len() > 0 {
				return nil, fmt.Errorf("vertex stream ended mid-object: %w", err)
			}
			return nil, errVertexEOF
		}

		if !d.started {
			// Skip decoration before the first object: '[', whitespace,
			// and the commas separating array elements.
			switch b {
			case '[', ',', ' ', '\n', '\r', '\t':
				continue
			case ']':
				return nil, errVertexEOF
			}
		}

		d.started = true
		d.object.WriteByte(b)

		if d.inString {
			switch {
			case d.escaped:
				d.escaped = false
			case b == '\\':
				d.escaped = true
			case b == '"':
				d.inString = false
			}
			continue
		}

		switch b {
		case '"':
			d.inString = true
		case '{':
			d.depth++
		case '}':
			d.depth--
			if d.depth == 0 {
				out := append([]byte(nil), d.object.Bytes()...)
				d.object.Reset()
				d.started = false
				return out, nil
			}
		}
	}
}
