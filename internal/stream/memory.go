package stream

import (
	"context"
	"sync"
	"time"
)

// Memory implements Transport in process memory. Buffers do not survive the
// process, so it serves single-instance deployments and tests; multi-instance
// deployments need the Redis transport.
type Memory struct {
	mu        sync.Mutex
	retention time.Duration
	channels  map[string]*memChannel
}

func NewMemory(retention time.Duration) *Memory {
	if retention <= 0 {
		retention = 30 * time.Second
	}
	return &Memory{retention: retention, channels: make(map[string]*memChannel)}
}

type memChannel struct {
	mu        sync.Mutex
	cond      *sync.Cond
	chunks    [][]byte
	closed    bool
	expiresAt time.Time
}

func newMemChannel() *memChannel {
	c := &memChannel{}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (m *Memory) Open(_ context.Context, streamID string) (Producer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.channels[streamID]; ok {
		existing.mu.Lock()
		live := !existing.closed
		existing.mu.Unlock()
		if live {
			return nil, ErrAlreadyOpen
		}
	}

	ch := newMemChannel()
	m.channels[streamID] = ch
	return &memProducer{parent: m, streamID: streamID, ch: ch}, nil
}

func (m *Memory) Subscribe(ctx context.Context, streamID string) (<-chan []byte, error) {
	m.mu.Lock()
	ch, ok := m.channels[streamID]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	ch.mu.Lock()
	expired := ch.closed && time.Now().After(ch.expiresAt)
	ch.mu.Unlock()
	if expired {
		m.drop(streamID, ch)
		return nil, ErrNotFound
	}

	out := make(chan []byte, 16)
	stop := context.AfterFunc(ctx, func() {
		ch.mu.Lock()
		ch.cond.Broadcast()
		ch.mu.Unlock()
	})

	go func() {
		defer close(out)
		defer stop()

		next := 0
		for {
			ch.mu.Lock()
			for next >= len(ch.chunks) && !ch.closed && ctx.Err() == nil {
				ch.cond.Wait()
			}
			if ctx.Err() != nil || (next >= len(ch.chunks) && ch.closed) {
				ch.mu.Unlock()
				return
			}
			chunk := ch.chunks[next]
			next++
			ch.mu.Unlock()

			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (m *Memory) drop(streamID string, ch *memChannel) {
	m.mu.Lock()
	if cur, ok := m.channels[streamID]; ok && cur == ch {
		delete(m.channels, streamID)
	}
	m.mu.Unlock()
}

type memProducer struct {
	parent   *Memory
	streamID string
	ch       *memChannel
}

func (p *memProducer) Emit(_ context.Context, chunk []byte) error {
	c := p.ch
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotFound
	}
	buf := make([]byte, len(chunk))
	copy(buf, chunk)
	c.chunks = append(c.chunks, buf)
	c.cond.Broadcast()
	return nil
}

func (p *memProducer) Close(_ context.Context) error {
	c := p.ch
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.expiresAt = time.Now().Add(p.parent.retention)
	c.cond.Broadcast()
	c.mu.Unlock()

	time.AfterFunc(p.parent.retention, func() {
		p.parent.drop(p.streamID, c)
	})
	return nil
}
