// Package lobby is the relay-side room: one actor per room code that fans
// each published frame out to every other subscriber. It keeps no party
// state; peers sync among themselves.
package lobby

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/metrics"
)

var ErrClosed = errors.New("lobby closed")

type Msg interface{ isLobbyMsg() }

// Frame is one encoded envelope as received from a socket.
type Frame struct {
	From  string
	Event string
	Data  []byte
}

type Join struct {
	ClientID string
	Outbox   chan Frame // frames from other subscribers
}

func (Join) isLobbyMsg() {}

// Leave drops ClientID only while Outbox is still its registered outbox, so
// a stale socket cannot close its replacement.
type Leave struct {
	ClientID string
	Outbox   chan Frame
}

func (Leave) isLobbyMsg() {}

// Publish relays Frame to everyone except its sender.
type Publish struct {
	Frame Frame
}

func (Publish) isLobbyMsg() {}

type Shutdown struct{}

func (Shutdown) isLobbyMsg() {}

type GetState struct {
	Reply chan View
}

func (GetState) isLobbyMsg() {}

type View struct {
	Code       string
	NumClients int
	Relayed    int
	LastActive time.Time
}

type Lobby struct {
	code       string
	inbox      chan Msg
	clients    map[string]chan Frame
	relayed    int
	lastActive time.Time
	now        func() time.Time
	log        *zap.Logger
	ctx        context.Context
	cancel     context.CancelFunc
}

type Option func(*Lobby)

func WithLogger(log *zap.Logger) Option {
	return func(l *Lobby) { l.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(l *Lobby) { l.now = now }
}

func NewLobby(parent context.Context, code string, opts ...Option) *Lobby {
	ctx, cancel := context.WithCancel(parent)

	l := &Lobby{
		code:    code,
		inbox:   make(chan Msg, 64),
		clients: make(map[string]chan Frame),
		now:     time.Now,
		log:     zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(zap.String("code", code))
	l.lastActive = l.now()

	go l.loop()
	return l
}

func (l *Lobby) Code() string { return l.code }

// Inbox exposes the actor's mailbox. Prefer Send once the lobby may be gone.
func (l *Lobby) Inbox() chan<- Msg { return l.inbox }

// Done is closed once the lobby has shut down.
func (l *Lobby) Done() <-chan struct{} { return l.ctx.Done() }

// Send delivers m unless the lobby has shut down or ctx ends first.
func (l *Lobby) Send(ctx context.Context, m Msg) error {
	if l.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case l.inbox <- m:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State asks the loop for a View.
func (l *Lobby) State(ctx context.Context) (View, error) {
	reply := make(chan View, 1)
	if err := l.Send(ctx, GetState{Reply: reply}); err != nil {
		return View{}, err
	}
	select {
	case v := <-reply:
		return v, nil
	case <-l.ctx.Done():
		return View{}, ErrClosed
	case <-ctx.Done():
		return View{}, ctx.Err()
	}
}

func (l *Lobby) loop() {
	for {
		select {
		case <-l.ctx.Done():
			l.shutdown()
			return

		case m := <-l.inbox:
			switch msg := m.(type) {
			case Join:
				if old, ok := l.clients[msg.ClientID]; ok {
					// Same client on a new socket; the old one stops receiving.
					close(old)
				}
				l.clients[msg.ClientID] = msg.Outbox
				l.lastActive = l.now()
				l.log.Debug("subscriber joined", zap.String("client", msg.ClientID), zap.Int("clients", len(l.clients)))

			case Leave:
				if ch, ok := l.clients[msg.ClientID]; ok && ch == msg.Outbox {
					close(ch)
					delete(l.clients, msg.ClientID)
				}
				l.lastActive = l.now()

			case Publish:
				l.relayed++
				l.lastActive = l.now()
				l.broadcast(msg.Frame)

			case GetState:
				msg.Reply <- View{
					Code:       l.code,
					NumClients: len(l.clients),
					Relayed:    l.relayed,
					LastActive: l.lastActive,
				}

			case Shutdown:
				l.shutdown()
				return
			}
		}
	}
}

func (l *Lobby) shutdown() {
	for id, ch := range l.clients {
		close(ch)
		delete(l.clients, id)
	}
	l.cancel()
}

func (l *Lobby) broadcast(f Frame) {
	for id, ch := range l.clients {
		if id == f.From {
			continue
		}
		select {
		case ch <- f:
		default:
			// Slow subscriber: drop it rather than stall the room.
			close(ch)
			delete(l.clients, id)
			metrics.RelaySlowClients.Inc()
			l.log.Warn("dropped slow subscriber", zap.String("client", id))
		}
	}
}
