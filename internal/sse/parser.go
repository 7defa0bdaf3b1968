// Package sse implements an incremental server-sent-events parser: a
// single-threaded, stateful decoder that accepts arbitrary,
// possibly-partial byte chunks off an upstream response body and emits
// complete (event-type, JSON-payload) records as soon as each is
// delimited by a blank line.
//
// This generalizes the line-at-a-time bufio.Scanner reads a provider
// adapter would otherwise run directly against http.Response.Body: here
// the buffering state is its own type so it can be fed byte chunks of
// any size (as they arrive off the wire) instead of requiring the
// scanner's own internal buffering over a live io.Reader.
package sse

import (
	"encoding/json"
	"strings"
)

// Event is one parsed SSE record. Data is the joined JSON payload, or
// nil when the payload was the literal "[DONE]" sentinel (Type is then
// synthesized as "done"). A payload that isn't valid JSON produces no
// Event at all.
type Event struct {
	Type string
	Data json.RawMessage
	// Done is true for the synthetic "[DONE]" event, so callers don't
	// need to string-compare Type.
	Done bool
}

// Parser holds the residual state between Feed calls. Zero value is
// ready to use. Not safe for concurrent use — one instance per stream.
type Parser struct {
	buffer       string
	currentEvent string
	currentData  []string
}

// Feed appends decoded bytes to the parser and returns every event
// completed by this call. Multiple events may complete in one Feed
// call if the chunk contained more than one blank-line-delimited
// group; none are lost if a chunk splits a line across two calls.
func (p *Parser) Feed(chunk []byte) []Event {
	p.buffer += string(chunk)

	var events []Event

	for {
		idx := strings.IndexByte(p.buffer, '\n')
		if idx == -1 {
			break
		}
		line := p.buffer[:idx]
		p.buffer = p.buffer[idx+1:]
		line = strings.TrimSuffix(line, "\r")

		switch {
		case line == "":
			if ev, ok := p.flush(); ok {
				events = append(events, ev)
			}
		case strings.HasPrefix(line, "event:"):
			if ev, ok := p.flush(); ok {
				events = append(events, ev)
			}
			p.currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			p.currentData = append(p.currentData, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		default:
			// Comment lines (":") and any other field we don't track
			// are ignored.
		}
	}

	return events
}

// flush builds an Event from the accumulated event type/data, if any
// data was collected, and resets the accumulators. It returns ok=false
// when there is nothing to emit (an empty blank-line group).
func (p *Parser) flush() (Event, bool) {
	if len(p.currentData) == 0 && p.currentEvent == "" {
		return Event{}, false
	}

	eventType := p.currentEvent
	if eventType == "" {
		eventType = "message"
	}
	payload := strings.Join(p.currentData, "\n")

	p.currentEvent = ""
	p.currentData = nil

	if payload == "[DONE]" {
		return Event{Type: "done", Done: true}, true
	}

	var raw json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		// Non-JSON data yields no event.
		return Event{}, false
	}

	return Event{Type: eventType, Data: raw}, true
}
