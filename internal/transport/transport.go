// Package transport defines the room-scoped publish/subscribe contract the
// party session runs on. Delivery is unordered and at-most-once.
package transport

import (
	"context"
	"encoding/json"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Handler receives the raw JSON payload of one event.
type Handler func(payload json.RawMessage)

type Transport interface {
	Emit(ctx context.Context, event string, payload any) error
	On(event string, h Handler)
	Close() error
	// Kind identifies the implementation, e.g. "memory", "nats", "ws".
	Kind() string
}

// Dialer acquires a transport bound to one room code.
type Dialer func(ctx context.Context, code string) (Transport, error)
