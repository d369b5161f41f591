package chat

import (
	"context"
	"errors"
	"time"

	"github.com/gopherchat/backend/internal/auth"
	"github.com/gopherchat/backend/internal/stream"
	"github.com/gopherchat/backend/internal/wire"
)

// ErrNoContent means there is nothing meaningful to resume for the chat.
// The HTTP layer maps it to 204; it is not a fault.
var ErrNoContent = errors.New("chat: no resumable content")

// Resumer reattaches a reconnecting client to its chat's latest generation.
// Two tiers: the stream transport serves in-flight or recently finished
// generations (buffered replay plus live tail); when the transport has
// nothing, a just-persisted assistant message is replayed as a synthetic
// append-message record. Resumability stays a best-effort optimization over
// the correctness-preserving persistence path.
type Resumer struct {
	svc       *Service
	transport stream.Transport
	freshness time.Duration
}

func NewResumer(svc *Service, transport stream.Transport, freshness time.Duration) *Resumer {
	if freshness <= 0 {
		freshness = 15 * time.Second
	}
	return &Resumer{svc: svc, transport: transport, freshness: freshness}
}

// Resume returns the record sequence for the chat's most recent stream.
// Errors: chaterr NotFound/Forbidden for lookup and authorization failures,
// ErrNoContent when no generation was started or the fallback window has
// passed.
func (r *Resumer) Resume(ctx context.Context, chatID string, requester *auth.Identity) (<-chan []byte, error) {
	requestedAt := time.Now()

	c, err := r.svc.GetChat(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if err := r.svc.AuthorizeRead(c, requester); err != nil {
		return nil, err
	}

	ids, err := r.svc.repo.ListStreamIDs(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		// The chat may simply never have started a resumable generation.
		return nil, ErrNoContent
	}
	recent := ids[len(ids)-1]

	ch, err := r.transport.Subscribe(ctx, recent)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, stream.ErrNotFound) && !errors.Is(err, stream.ErrUnavailable) {
		return nil, err
	}

	return r.replayPersisted(ctx, chatID, requestedAt)
}

// replayPersisted covers the race where the generation concluded (or the
// transport is disabled) before the client reconnected: if the latest
// persisted message is a fresh assistant message, ship it whole as an
// append-message record so the client renders it as if it had streamed.
func (r *Resumer) replayPersisted(ctx context.Context, chatID string, requestedAt time.Time) (<-chan []byte, error) {
	last, err := r.svc.repo.LastMessage(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if last == nil || last.Role != "assistant" {
		return nil, ErrNoContent
	}
	if requestedAt.Sub(last.CreatedAt) > r.freshness {
		return nil, ErrNoContent
	}

	rec, err := wire.AppendMessage(last)
	if err != nil {
		return nil, err
	}
	out := make(chan []byte, 1)
	out <- rec
	close(out)
	return out, nil
}
