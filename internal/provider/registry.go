package provider

import "strings"

// Registry maps a provider Tag to its implementation and resolves an
// inbound model name to one of them by prefix.
type Registry struct {
	byTag map[Tag]Provider
}

// NewRegistry returns an empty Registry ready for Register calls.
func NewRegistry() *Registry {
	return &Registry{byTag: make(map[Tag]Provider)}
}

// Register adds (or replaces) the implementation for tag.
func (r *Registry) Register(tag Tag, impl Provider) {
	r.byTag[tag] = impl
}

// Get returns the provider registered under tag, if any.
func (r *Registry) Get(tag Tag) (Provider, bool) {
	p, ok := r.byTag[tag]
	return p, ok
}

// RouteByModel maps a raw model string to a provider tag by
// case-sensitive prefix:
//
//	"gemini-*" -> Vertex
//	"claude-*" -> Anthropic-bridge
//	"gpt-*"    -> OpenAI-backend
//	otherwise  -> Vertex (default)
//
// Prefixes don't overlap, so there's no ambiguity to resolve.
func RouteByModel(model string) Tag {
	switch {
	case strings.HasPrefix(model, "gemini-"):
		return TagVertex
	case strings.HasPrefix(model, "claude-"):
		return TagAnthropic
	case strings.HasPrefix(model, "gpt-"):
		return TagOpenAIBackend
	default:
		return TagVertex
	}
}

// Resolve is the single call the handler makes: route the model to a
// tag, then look up the registered implementation for that tag. It
// reports ok=false both when the tag has no registered implementation
// (an "unsupported model" condition) and lets the caller
// decide how to translate that into an HTTP error.
func (r *Registry) Resolve(model string) (Provider, Tag, bool) {
	tag := RouteByModel(model)
	p, ok := r.byTag[tag]
	return p, tag, ok
}
