// Package memory is an in-process transport used by tests and single-process demos.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/DoyleJ11/spinparty/internal/transport"
)

const Kind = "memory"

type Option func(*Bus)

// WithEcho delivers events back to the emitting transport.
func WithEcho() Option {
	return func(b *Bus) { b.echo = true }
}

// WithDrop installs a filter; returning true drops that delivery.
func WithDrop(drop func(event, from, to string) bool) Option {
	return func(b *Bus) { b.drop = drop }
}

// Bus fans events out to every transport dialed for the same code.
// Delivery is synchronous on the emitter's goroutine.
type Bus struct {
	mu    sync.Mutex
	rooms map[string]map[*Transport]struct{}
	next  int
	echo  bool
	drop  func(event, from, to string) bool
}

func NewBus(opts ...Option) *Bus {
	b := &Bus{rooms: make(map[string]map[*Transport]struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dialer returns a transport.Dialer attached to this bus.
func (b *Bus) Dialer() transport.Dialer {
	return func(ctx context.Context, code string) (transport.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return b.Dial(code), nil
	}
}

func (b *Bus) Dial(code string) *Transport {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next++
	t := &Transport{
		bus:      b,
		code:     code,
		name:     fmt.Sprintf("mem-%d", b.next),
		handlers: make(map[string][]transport.Handler),
	}
	if b.rooms[code] == nil {
		b.rooms[code] = make(map[*Transport]struct{})
	}
	b.rooms[code][t] = struct{}{}
	return t
}

// Peers counts open transports on code.
func (b *Bus) Peers(code string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.rooms[code])
}

func (b *Bus) detach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.rooms[t.code], t)
	if len(b.rooms[t.code]) == 0 {
		delete(b.rooms, t.code)
	}
}

func (b *Bus) targets(from *Transport) []*Transport {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Transport, 0, len(b.rooms[from.code]))
	for t := range b.rooms[from.code] {
		if t == from && !b.echo {
			continue
		}
		out = append(out, t)
	}
	return out
}

type Transport struct {
	bus  *Bus
	code string
	name string

	mu       sync.Mutex
	handlers map[string][]transport.Handler
	closed   bool
}

func (t *Transport) Kind() string { return Kind }

// Name is a stable per-dial identifier used by drop filters.
func (t *Transport) Name() string { return t.name }

func (t *Transport) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrClosed
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	for _, peer := range t.bus.targets(t) {
		if t.bus.drop != nil && t.bus.drop(event, t.name, peer.name) {
			continue
		}
		peer.deliver(event, raw)
	}
	return nil
}

func (t *Transport) On(event string, h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = make(map[string][]transport.Handler)
	t.mu.Unlock()

	t.bus.detach(t)
	return nil
}

func (t *Transport) deliver(event string, raw json.RawMessage) {
	t.mu.Lock()
	hs := append([]transport.Handler(nil), t.handlers[event]...)
	t.mu.Unlock()
	for _, h := range hs {
		h(raw)
	}
}
