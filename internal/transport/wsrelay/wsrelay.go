// Package wsrelay connects a session to the relay server over one websocket
// per join. Frames are types.Envelope values; the relay fans them out to
// every other socket in the room.
package wsrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/transport"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

const Kind = "ws"

const maxFrameSize = 64 << 10

// Dialer connects to the relay socket at endpoint, e.g. ws://localhost:8080/ws.
// clientID, when set, names this peer to the relay.
func Dialer(endpoint, clientID string, log *zap.Logger) transport.Dialer {
	return func(ctx context.Context, code string) (transport.Transport, error) {
		return Dial(ctx, endpoint, code, clientID, log)
	}
}

type Transport struct {
	conn   *websocket.Conn
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu       sync.RWMutex
	handlers map[string][]transport.Handler
	closed   bool
	once     sync.Once
}

func Dial(ctx context.Context, endpoint, code, clientID string, log *zap.Logger) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("relay endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("code", code)
	if clientID != "" {
		q.Set("client", clientID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(maxFrameSize)

	rctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:     conn,
		log:      log.With(zap.String("code", code)),
		ctx:      rctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		handlers: make(map[string][]transport.Handler),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) Kind() string { return Kind }

func (t *Transport) Emit(ctx context.Context, event string, payload any) error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return transport.ErrClosed
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(types.Envelope{Event: event, Payload: body})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}
	return nil
}

func (t *Transport) On(event string, h transport.Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], h)
}

// Close sends a normal closure and waits for the read loop to stop.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.handlers = nil
		t.mu.Unlock()

		err = t.conn.Close(websocket.StatusNormalClosure, "bye")
		t.cancel()
		<-t.done
		if errors.Is(err, net.ErrClosed) || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			err = nil
		}
	})
	return err
}

// Done is closed when the socket stops reading, by Close or by the relay.
func (t *Transport) Done() <-chan struct{} { return t.done }

func (t *Transport) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.Read(t.ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && t.ctx.Err() == nil {
				t.log.Warn("relay socket lost", zap.Error(err))
			}
			return
		}
		var env types.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			t.log.Debug("dropping frame", zap.Error(err))
			continue
		}
		t.mu.RLock()
		hs := t.handlers[env.Event]
		t.mu.RUnlock()
		for _, h := range hs {
			h(env.Payload)
		}
	}
}
