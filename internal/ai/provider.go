// Package ai abstracts the token-producing model service. The rest of the
// system treats providers as opaque: send an ordered message history, get
// back either a final string or a channel of incremental content chunks.
package ai

import "context"

type Message struct {
	Role    string
	Content string
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan string, <-chan error)
}
