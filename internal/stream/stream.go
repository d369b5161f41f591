// Package stream provides the resumable publish/subscribe channel that backs
// in-flight chat generations. A producer writes an ordered sequence of chunks
// exactly once; any number of subscribers can attach at any point before the
// retention window elapses and receive the full buffered history followed by
// live chunks until the producer closes.
package stream

import (
	"context"
	"errors"
)

var (
	// ErrAlreadyOpen is returned when a live producer already exists for the
	// stream id. At most one producer may write to a stream.
	ErrAlreadyOpen = errors.New("stream: producer already open")

	// ErrNotFound is returned by Subscribe when no channel exists for the id,
	// live or within the retention window. Callers fall back to
	// persisted-message replay.
	ErrNotFound = errors.New("stream: not found")

	// ErrUnavailable signals that no channel backend is configured or it
	// errored. It degrades resumability, it is never surfaced to users.
	ErrUnavailable = errors.New("stream: transport unavailable")
)

// Producer is the write side of one stream channel.
type Producer interface {
	// Emit appends one chunk and notifies current subscribers. Emission
	// order is preserved for every subscriber.
	Emit(ctx context.Context, chunk []byte) error
	// Close marks end-of-stream. The buffer stays subscribable for the
	// retention window, then is discarded.
	Close(ctx context.Context) error
}

// Transport abstracts the channel backend so the generation driver and the
// resume coordinator take it as an explicit dependency.
type Transport interface {
	Open(ctx context.Context, streamID string) (Producer, error)
	Subscribe(ctx context.Context, streamID string) (<-chan []byte, error)
}
