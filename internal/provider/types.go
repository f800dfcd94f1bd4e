package provider

import (
	"context"
	"time"
)

// Streamer is implemented by chat-completion backends that stream their replies.
type Streamer interface {
	ChatStream(ctx context.Context, req *ChatRequest) (<-chan StreamChunk, error)
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatRequest represents a request to the completion endpoint.
type ChatRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
	// APIKey is sent as the bearer credential, never in the body.
	APIKey string `json:"-"`
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// StreamChunk is one element of a streamed reply. A chunk with Done set
// ends a complete reply; a chunk with Err set ends a failed one. The
// channel closes without either when the caller's context is cancelled.
type StreamChunk struct {
	Content string
	Done    bool
	Err     error
}

// ProviderConfig holds configuration for a provider instance.
type ProviderConfig struct {
	Endpoint string        `json:"endpoint"`
	Model    string        `json:"model"`
	Timeout  time.Duration `json:"timeout,omitempty"`
}
