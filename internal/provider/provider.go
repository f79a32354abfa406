// Package provider wraps the language-model provider behind a small
// client interface and a failure-isolating circuit breaker. The rest of
// the daemon only sees Client; whether calls reach the network or fail
// fast is the breaker's concern.
package provider

import "context"

// Message is one chat message in provider wire order.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a provider-neutral chat completion request.
type ChatRequest struct {
	// Model overrides the client's default model when non-empty.
	Model    string
	Messages []Message
}

// ChatReply is the provider-neutral result of a chat call.
type ChatReply struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is the interface every provider implementation satisfies.
type Client interface {
	// Chat sends a chat completion request and returns the reply.
	Chat(ctx context.Context, req ChatRequest) (*ChatReply, error)
}
