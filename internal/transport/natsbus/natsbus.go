// Package natsbus carries party events over core NATS subjects, one subject
// per room and event: spinparty.<code>.<event>. Delivery is at-most-once
// and unordered across publishers, which is all the session expects.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/transport"
)

const Kind = "nats"

const subjectRoot = "spinparty"

// Subject is the subject an event for room code is published on.
func Subject(code, event string) string {
	return subjectRoot + "." + code + "." + event
}

func roomSubjects(code string) string {
	return subjectRoot + "." + code + ".*"
}

// eventOf extracts the event from a room subject, "" when it does not belong to code.
func eventOf(subject, code string) string {
	prefix := subjectRoot + "." + code + "."
	if !strings.HasPrefix(subject, prefix) {
		return ""
	}
	return strings.TrimPrefix(subject, prefix)
}

// Dialer opens one NATS connection per join. NoEcho keeps our own
// publications off our subscription.
func Dialer(url string, log *zap.Logger, opts ...nats.Option) transport.Dialer {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, code string) (transport.Transport, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		all := []nats.Option{
			nats.Name("spinparty-" + code),
			nats.NoEcho(),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2 * time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				log.Warn("nats disconnected", zap.String("code", code), zap.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				log.Info("nats reconnected", zap.String("code", code), zap.String("url", nc.ConnectedUrl()))
			}),
		}
		if deadline, ok := ctx.Deadline(); ok {
			all = append(all, nats.Timeout(time.Until(deadline)))
		}
		nc, err := nats.Connect(url, append(all, opts...)...)
		if err != nil {
			return nil, fmt.Errorf("nats connect %s: %w", url, err)
		}
		t, err := New(nc, code, log)
		if err != nil {
			nc.Close()
			return nil, err
		}
		return t, nil
	}
}

type Transport struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	code string
	log  *zap.Logger

	mu       sync.RWMutex
	handlers map[string][]transport.Handler
	closed   bool
}

// New subscribes nc to every event of room code. The Transport owns nc.
func New(nc *nats.Conn, code string, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	t := &Transport{
		nc:       nc,
		code:     code,
		log:      log,
		handlers: make(map[string][]transport.Handler),
	}
	sub, err := nc.Subscribe(roomSubjects(code), t.dispatch)
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", code, err)
	}
	t.sub = sub
	return t, nil
}

func (t *Transport) Kind() string { return Kind }

func (t *Transport) Emit(ctx context.Context, event string, payload any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := t.nc.Publish(Subject(t.code, event), data); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (t *Transport) On(event string, h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

// Close unsubscribes and drains, so a bye emitted just before still goes out.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.handlers = nil
	t.mu.Unlock()

	if err := t.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		t.log.Debug("nats unsubscribe", zap.Error(err))
	}
	return t.nc.Drain()
}

func (t *Transport) dispatch(msg *nats.Msg) {
	event := eventOf(msg.Subject, t.code)
	if event == "" {
		return
	}
	t.mu.RLock()
	hs := t.handlers[event]
	t.mu.RUnlock()
	for _, h := range hs {
		h(json.RawMessage(msg.Data))
	}
}
