package stream

import (
	"context"
	"fmt"
	"log"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	chunkField = "c"
	endField   = "end"
	initField  = "init"

	// How long a subscriber blocks on one XREAD before re-checking whether
	// the producer is still alive.
	readBlock = 2 * time.Second
)

// Redis implements Transport on top of Redis Streams. Each channel is one
// stream key holding chunk entries plus a terminal end marker; a companion
// SETNX lock key enforces the single-producer rule and doubles as the
// liveness signal for subscribers.
//
// A nil *Redis (or one built with a nil client) reports ErrUnavailable from
// every operation, so wiring stays the same whether or not a backend is
// configured.
type Redis struct {
	client    *redis.Client
	retention time.Duration
	openTTL   time.Duration
}

// NewRedis builds the transport. retention bounds how long a closed buffer
// stays subscribable; openTTL bounds how long an abandoned producer lock can
// block reopening (and how long subscribers of a crashed producer wait).
func NewRedis(client *redis.Client, retention, openTTL time.Duration) *Redis {
	if retention <= 0 {
		retention = 30 * time.Second
	}
	if openTTL <= 0 {
		openTTL = 90 * time.Second
	}
	return &Redis{client: client, retention: retention, openTTL: openTTL}
}

func chunksKey(streamID string) string { return "chatstream:" + streamID + ":chunks" }
func lockKey(streamID string) string   { return "chatstream:" + streamID + ":open" }

func (r *Redis) available() bool { return r != nil && r.client != nil }

func (r *Redis) Open(ctx context.Context, streamID string) (Producer, error) {
	if !r.available() {
		return nil, ErrUnavailable
	}

	ok, err := r.client.SetNX(ctx, lockKey(streamID), "1", r.openTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, ErrAlreadyOpen
	}

	// Seed the stream key so subscribers can find the channel before the
	// first chunk arrives.
	key := chunksKey(streamID)
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{initField: "1"},
	}).Err(); err != nil {
		_ = r.client.Del(ctx, lockKey(streamID)).Err()
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// GC bound for streams whose producer never closes.
	_ = r.client.PExpire(ctx, key, r.openTTL+r.retention).Err()

	return &redisProducer{transport: r, streamID: streamID}, nil
}

func (r *Redis) Subscribe(ctx context.Context, streamID string) (<-chan []byte, error) {
	if !r.available() {
		return nil, ErrUnavailable
	}

	key := chunksKey(streamID)
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if n == 0 {
		return nil, ErrNotFound
	}

	out := make(chan []byte, 16)
	go r.tail(ctx, streamID, out)
	return out, nil
}

// tail replays buffered entries from the beginning and then follows live
// appends, terminating on the end marker, context cancellation, or producer
// death (lock expired without an end marker).
func (r *Redis) tail(ctx context.Context, streamID string, out chan<- []byte) {
	defer close(out)

	key := chunksKey(streamID)
	lastID := "0"

	for {
		res, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, lastID},
			Block:   readBlock,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == redis.Nil {
				// Block timed out with no new entries. If the producer lock
				// is gone and we have not seen the end marker, the producer
				// died; terminate instead of waiting forever.
				alive, lerr := r.client.Exists(ctx, lockKey(streamID)).Result()
				if lerr != nil || alive == 0 {
					return
				}
				continue
			}
			log.Printf("stream subscribe read failed stream_id=%s err=%v", streamID, err)
			return
		}

		for _, str := range res {
			for _, msg := range str.Messages {
				lastID = msg.ID
				if _, done := msg.Values[endField]; done {
					return
				}
				c, ok := msg.Values[chunkField].(string)
				if !ok {
					continue
				}
				select {
				case out <- []byte(c):
				case <-ctx.Done():
					return
				}
			}
		}
	}
}

type redisProducer struct {
	transport *Redis
	streamID  string
}

func (p *redisProducer) Emit(ctx context.Context, chunk []byte) error {
	err := p.transport.client.XAdd(ctx, &redis.XAddArgs{
		Stream: chunksKey(p.streamID),
		Values: map[string]any{chunkField: chunk},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (p *redisProducer) Close(ctx context.Context) error {
	r := p.transport
	key := chunksKey(p.streamID)
	if err := r.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{endField: "1"},
	}).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	// The buffer outlives the producer by the retention window so reconnect
	// races still find it.
	_ = r.client.PExpire(ctx, key, r.retention).Err()
	return r.client.Del(ctx, lockKey(p.streamID)).Err()
}
