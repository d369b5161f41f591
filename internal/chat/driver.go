package chat

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gopherchat/backend/internal/ai"
	"github.com/gopherchat/backend/internal/stream"
	"github.com/gopherchat/backend/internal/wire"
)

// RequestHints is opaque locale/geo context forwarded into the system prompt.
type RequestHints struct {
	Longitude string
	Latitude  string
	City      string
	Country   string
}

// GenerateRequest carries everything one generation attempt needs.
type GenerateRequest struct {
	Chat      *Chat
	History   []Message // full ordered history including the new user message
	Provider  string    // empty selects the service default
	ModelID   string
	Hints     RequestHints
	UseTools  bool // accepted for parity with the request schema; current providers expose no tools
	Streaming bool

	// OnFinish is invoked exactly once with the terminal result, after the
	// assistant message has been persisted (on success) and before Generate's
	// output channel closes.
	OnFinish func(FinishResult)
}

// FinishResult is the terminal outcome of one generation attempt.
type FinishResult struct {
	StreamID string
	Message  *Message // persisted assistant message; nil on failure
	Err      error
}

// Driver orchestrates one generation: it registers the stream, opens the
// transport producer, invokes the model, fans chunks out to both the
// transport and the original requester, and persists the final assistant
// message. The transport is an explicit dependency; no process-global state.
type Driver struct {
	svc       *Service
	transport stream.Transport
	timeout   time.Duration
}

func NewDriver(svc *Service, transport stream.Transport, timeout time.Duration) *Driver {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Driver{svc: svc, transport: transport, timeout: timeout}
}

// Generate registers a new stream id for the chat, then launches the
// generation detached from the caller's context: the returned channel feeds
// the original HTTP response, but a client disconnect does not cancel the
// generation. The channel is closed when the generation terminates.
func (d *Driver) Generate(ctx context.Context, req GenerateRequest) (<-chan []byte, string, error) {
	streamID := uuid.NewString()
	if err := d.svc.repo.CreateStreamRecord(ctx, &StreamRecord{
		ID:        streamID,
		ChatID:    req.Chat.ID,
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, "", err
	}

	producer, err := d.transport.Open(ctx, streamID)
	if err != nil {
		// Capability degradation only: the original requester still gets the
		// stream, reconnects fall back to persisted-message replay.
		producer = nil
		log.Printf("stream transport open unavailable stream_id=%s err=%v", streamID, err)
	}

	out := make(chan []byte, 32)

	// Generation keeps running after the requester disconnects; only the
	// wall-clock timeout bounds it.
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	go func() {
		defer cancel()
		d.run(dctx, req, streamID, producer, out)
	}()

	return out, streamID, nil
}

func (d *Driver) run(ctx context.Context, req GenerateRequest, streamID string, producer stream.Producer, out chan<- []byte) {
	defer close(out)

	emit := func(rec []byte) {
		if producer != nil {
			if err := producer.Emit(ctx, rec); err != nil {
				log.Printf("stream emit failed stream_id=%s err=%v", streamID, err)
				producer = nil
			}
		}
		select {
		case out <- rec:
		case <-ctx.Done():
		}
	}

	text, err := d.produce(ctx, req, emit)

	res := FinishResult{StreamID: streamID, Err: err}
	if err == nil {
		usage := wire.Usage{CompletionTokens: len(text)}
		emit(wire.Finish(wire.FinishEvent{FinishReason: "stop", Usage: usage}))
		emit(wire.Data(wire.DataEvent{FinishReason: "stop", Usage: usage}))

		assistant := &Message{
			ID:        uuid.NewString(),
			ChatID:    req.Chat.ID,
			Role:      "assistant",
			Parts:     TextParts(text),
			CreatedAt: time.Now(),
		}
		// Persistence failure is non-fatal to the stream: the requester has
		// the output already. It must show up in logs though, silent loss is
		// only acceptable as a documented degraded mode.
		if serr := d.svc.repo.SaveMessages(ctx, []Message{*assistant}); serr != nil {
			log.Printf("failed to save assistant message chat_id=%s stream_id=%s err=%v", req.Chat.ID, streamID, serr)
		} else {
			res.Message = assistant
		}
	} else {
		// No partial assistant message is persisted. The error goes to the
		// original requester only; resubscribers observe a clean end.
		log.Printf("generation failed chat_id=%s stream_id=%s err=%v", req.Chat.ID, streamID, err)
		select {
		case out <- wire.Error("Oops, an error occurred!"):
		default:
		}
	}

	if producer != nil {
		cctx, ccancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if cerr := producer.Close(cctx); cerr != nil {
			log.Printf("stream close failed stream_id=%s err=%v", streamID, cerr)
		}
		ccancel()
	}

	if req.OnFinish != nil {
		req.OnFinish(res)
	}
}

// produce invokes the provider and emits text deltas in wire format,
// returning the assembled response text. Single-shot mode emits the whole
// response as one synthetic delta so consumers decode both modes identically.
func (d *Driver) produce(ctx context.Context, req GenerateRequest, emit func([]byte)) (string, error) {
	name := req.Provider
	if name == "" {
		name = d.svc.defaultProvider
	}
	provider, err := d.svc.registry.Get(ctx, name, req.ModelID)
	if err != nil {
		return "", err
	}

	msgs := make([]ai.Message, 0, len(req.History)+1)
	msgs = append(msgs, ai.Message{Role: "system", Content: systemPrompt(req.Hints)})
	msgs = append(msgs, d.svc.providerMessages(req.History)...)

	sp, streamable := provider.(ai.StreamProvider)
	if !req.Streaming || !streamable {
		text, err := provider.Chat(ctx, msgs)
		if err != nil {
			return "", err
		}
		emit(wire.TextDelta(text))
		return text, nil
	}

	pChunks, pErrs := sp.StreamChat(ctx, msgs)

	var b strings.Builder
	for c := range pChunks {
		b.WriteString(c)
		emit(wire.TextDelta(c))
	}

	select {
	case err := <-pErrs:
		if err != nil {
			return "", err
		}
	default:
		// no error sent
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return b.String(), nil
}

func systemPrompt(hints RequestHints) string {
	base := "You are a friendly assistant! Keep your responses concise and helpful."
	if hints == (RequestHints{}) {
		return base
	}
	return fmt.Sprintf(`%s

About the origin of user's request:
- lat: %s
- lon: %s
- city: %s
- country: %s`, base, hints.Latitude, hints.Longitude, hints.City, hints.Country)
}
