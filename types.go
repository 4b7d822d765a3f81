// Package orchard is the client facade for a shared, out-of-process
// inference engine: it acquires an engine lease, resolves and loads
// models through the registry, formats conversations into wire
// requests, and aggregates or streams the engine's deltas back to the
// caller.
package orchard

import "github.com/theproxycompany/orchard/chatformat"

// Message is one conversation turn; re-exported from chatformat so
// callers don't need a second import for the common case.
type Message = chatformat.Message

// Part is one element of a multi-part Message's content.
type Part = chatformat.Part

// Usage reports token accounting for one ClientResponse.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ClientResponse is chat's aggregated result.
type ClientResponse struct {
	Text         string
	FinishReason string
	Usage        Usage
	Deltas       []ClientDelta
}

// ClientDelta mirrors wire.ClientDelta at the facade boundary so
// callers of this package never need to import wire directly.
type ClientDelta struct {
	RequestID    uint64
	PromptIndex  int
	Content      string
	IsFinal      bool
	FinishReason string
	Error        string
}
