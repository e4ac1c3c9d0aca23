// Package providers speaks the OpenAI-compatible chat protocol the resolved
// platforms expose.
package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is one completion call. ExtraParams are merged into the payload
// top-level, so stored per-model parameters pass through untouched.
type ChatRequest struct {
	Model       string
	Messages    []Message
	ExtraParams map[string]any
}

type ChatResponse struct {
	Text string
}

// Chunk is one streamed fragment.
type Chunk struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	ChatStream(ctx context.Context, req ChatRequest, onChunk func(Chunk) error) error
}
