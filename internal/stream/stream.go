// Package stream writes a provider's StreamEvent channel out to an
// http.ResponseWriter as OpenAI-compatible server-sent events.
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/howard-nolan/llmrouter/internal/apperr"
	"github.com/howard-nolan/llmrouter/internal/provider"
)

// KeepAliveInterval is how long the writer waits for the next event
// before injecting an SSE comment to hold the connection open.
const KeepAliveInterval = 15 * time.Second

// Write reads StreamEvents from events and writes them to w as
// server-sent events until the channel closes, then appends the
// "[DONE]" sentinel. A terminal Err event is re-emitted inline as an
// OpenAI-shaped error chunk — the outer response stays 200 because
// headers are already flushed — after which the stream ends without a
// [DONE] sentinel.
func Write(w http.ResponseWriter, events <-chan provider.StreamEvent) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
					return fmt.Errorf("writing SSE done marker: %w", err)
				}
				flusher.Flush()
				return nil
			}
			ticker.Reset(KeepAliveInterval)

			if err := writeEvent(w, ev); err != nil {
				return err
			}
			flusher.Flush()

			if ev.Err != nil {
				// Error already re-emitted inline; no [DONE] sentinel
				// follows a mid-stream error.
				return ev.Err
			}

		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return fmt.Errorf("writing keep-alive comment: %w", err)
			}
			flusher.Flush()
		}
	}
}

// writeEvent renders a single StreamEvent as its SSE wire form.
func writeEvent(w http.ResponseWriter, ev provider.StreamEvent) error {
	switch {
	case ev.Err != nil:
		body := apperr.ToBody(502, ev.Err.Error())
		if ae, ok := ev.Err.(*apperr.Error); ok {
			_, body = ae.HTTPBody()
		}
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling stream error body: %w", err)
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err

	case ev.Chunk != nil:
		data, err := json.Marshal(ev.Chunk)
		if err != nil {
			return fmt.Errorf("marshaling SSE chunk: %w", err)
		}
		_, err = fmt.Fprintf(w, "data: %s\n\n", data)
		return err

	case ev.RawLine != "":
		_, err := fmt.Fprint(w, ev.RawLine)
		return err

	default:
		comment := ev.Comment
		if comment == "" {
			comment = "keep-alive"
		}
		_, err := fmt.Fprintf(w, ": %s\n\n", comment)
		return err
	}
}
