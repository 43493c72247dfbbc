// Package hub owns the set of relay lobbies keyed by room code.
package hub

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/lobby"
	"github.com/DoyleJ11/spinparty/internal/metrics"
)

type HubMsg interface{ isHubMsg() }

// CreateLobby opens a lobby for a fresh code. Reply gets nil when the code is taken.
type CreateLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type GetLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

// EnsureLobby returns the lobby for Code, opening it if needed.
type EnsureLobby struct {
	Code  string
	Reply chan *lobby.Lobby
}

type RemoveLobby struct {
	Code string
}

// SweepIdle closes lobbies with no subscribers that have been quiet for the
// hub's idle timeout. Reply, when set, gets the number closed.
type SweepIdle struct {
	Reply chan int
}

type ShutdownHub struct{}

func (CreateLobby) isHubMsg() {}
func (GetLobby) isHubMsg()    {}
func (EnsureLobby) isHubMsg() {}
func (RemoveLobby) isHubMsg() {}
func (SweepIdle) isHubMsg()   {}
func (ShutdownHub) isHubMsg() {}

const stateTimeout = time.Second

type Hub struct {
	inbox   chan HubMsg
	lobbies map[string]*lobby.Lobby
	idle    time.Duration
	now     func() time.Time
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

type Option func(*Hub)

// WithIdleTimeout enables periodic sweeping of empty lobbies.
func WithIdleTimeout(d time.Duration) Option {
	return func(h *Hub) { h.idle = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(h *Hub) { h.log = log }
}

func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

func NewHub(parent context.Context, opts ...Option) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:   make(chan HubMsg, 64),
		lobbies: make(map[string]*lobby.Lobby),
		now:     time.Now,
		log:     zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- HubMsg { return h.inbox }

// Done is closed once the hub has shut down.
func (h *Hub) Done() <-chan struct{} { return h.ctx.Done() }

// Ensure is EnsureLobby as a call. It returns nil once the hub is gone.
func (h *Hub) Ensure(ctx context.Context, code string) *lobby.Lobby {
	return h.ask(ctx, func(reply chan *lobby.Lobby) HubMsg { return EnsureLobby{Code: code, Reply: reply} })
}

func (h *Hub) Get(ctx context.Context, code string) *lobby.Lobby {
	return h.ask(ctx, func(reply chan *lobby.Lobby) HubMsg { return GetLobby{Code: code, Reply: reply} })
}

func (h *Hub) Create(ctx context.Context, code string) *lobby.Lobby {
	return h.ask(ctx, func(reply chan *lobby.Lobby) HubMsg { return CreateLobby{Code: code, Reply: reply} })
}

func (h *Hub) ask(ctx context.Context, build func(chan *lobby.Lobby) HubMsg) *lobby.Lobby {
	reply := make(chan *lobby.Lobby, 1)
	select {
	case h.inbox <- build(reply):
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
	select {
	case lb := <-reply:
		return lb
	case <-h.ctx.Done():
		return nil
	case <-ctx.Done():
		return nil
	}
}

func (h *Hub) loop() {
	var tick <-chan time.Time
	if h.idle > 0 {
		t := time.NewTicker(h.idle / 2)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case <-tick:
			h.sweep()

		case m := <-h.inbox:
			switch msg := m.(type) {
			case CreateLobby:
				if h.lobbies[msg.Code] != nil {
					msg.Reply <- nil
					break
				}
				msg.Reply <- h.open(msg.Code)

			case GetLobby:
				msg.Reply <- h.live(msg.Code) // May be nil

			case EnsureLobby:
				if lb := h.live(msg.Code); lb != nil {
					msg.Reply <- lb
					break
				}
				msg.Reply <- h.open(msg.Code)

			case RemoveLobby:
				if lb := h.lobbies[msg.Code]; lb != nil {
					_ = lb.Send(h.ctx, lobby.Shutdown{})
					delete(h.lobbies, msg.Code)
					metrics.RelayRooms.Set(float64(len(h.lobbies)))
				}

			case SweepIdle:
				n := h.sweep()
				if msg.Reply != nil {
					msg.Reply <- n
				}

			case ShutdownHub:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) open(code string) *lobby.Lobby {
	lb := lobby.NewLobby(h.ctx, code, lobby.WithLogger(h.log), lobby.WithClock(h.now))
	h.lobbies[code] = lb
	metrics.RelayRooms.Set(float64(len(h.lobbies)))
	h.log.Info("lobby opened", zap.String("code", code))
	return lb
}

// live returns the lobby for code, forgetting it if it has already stopped.
func (h *Hub) live(code string) *lobby.Lobby {
	lb := h.lobbies[code]
	if lb == nil {
		return nil
	}
	select {
	case <-lb.Done():
		delete(h.lobbies, code)
		metrics.RelayRooms.Set(float64(len(h.lobbies)))
		return nil
	default:
		return lb
	}
}

func (h *Hub) sweep() int {
	if h.idle <= 0 {
		return 0
	}
	closed := 0
	now := h.now()
	for code, lb := range h.lobbies {
		ctx, cancel := context.WithTimeout(h.ctx, stateTimeout)
		v, err := lb.State(ctx)
		cancel()
		if err != nil {
			if errors.Is(err, lobby.ErrClosed) {
				delete(h.lobbies, code)
			}
			continue
		}
		if v.NumClients == 0 && now.Sub(v.LastActive) >= h.idle {
			_ = lb.Send(h.ctx, lobby.Shutdown{})
			delete(h.lobbies, code)
			closed++
			h.log.Info("lobby closed idle", zap.String("code", code), zap.Int("relayed", v.Relayed))
		}
	}
	metrics.RelayRooms.Set(float64(len(h.lobbies)))
	return closed
}

func (h *Hub) shutdown() {
	for _, lb := range h.lobbies {
		_ = lb.Send(context.Background(), lobby.Shutdown{})
	}
	clear(h.lobbies)
	metrics.RelayRooms.Set(0)
	h.cancel()
}
