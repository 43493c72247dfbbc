// Package session runs one client's membership in a party room: presence,
// host derivation, voting, spins, sync and chat over a Transport.
//
// All room state is owned by a single loop goroutine per join. Transport
// callbacks, heartbeat ticks, user commands and selection results reach it
// through one inbox, mirroring the lobby actor on the relay side.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/engine"
	"github.com/DoyleJ11/spinparty/internal/presence"
	"github.com/DoyleJ11/spinparty/internal/spin"
	"github.com/DoyleJ11/spinparty/internal/transport"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

const (
	DefaultHeartbeat = 15 * time.Second
	defaultInboxSize = 256
	emitTimeout      = 3 * time.Second
	maxSyncAttempts  = 3
)

var ErrTransportUnavailable = errors.New("transport unavailable")
var ErrNotConnected = errors.New("session not connected")
var ErrAlreadyJoined = errors.New("session already joined")
var ErrNotHost = errors.New("only the host can do that")
var ErrInvalidConfig = errors.New("invalid session config")

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

type Config struct {
	Code        string
	ClientID    string
	Nickname    string
	Creator     bool
	Constraints spin.Constraints

	TTL           time.Duration
	Heartbeat     time.Duration
	GCFactor      int
	SelectTimeout time.Duration
	InboxSize     int
}

type Deps struct {
	Dial     transport.Dialer
	Selector spin.Selector
	Logger   *zap.Logger
	Clock    func() time.Time
}

// Alert is a user-facing failure. Only spin and reroll failures raise one.
type Alert struct {
	Action string // "spin" or "reroll"
	Slot   int    // -1 for a full spin
	Err    error
}

// View is a read-only snapshot of the session.
type View struct {
	State         State
	Code          string
	ClientID      string
	Host          string
	IsHost        bool
	Quorum        int
	Roster        []presence.Peer
	Board         engine.Board
	Votes         [types.SlotCount]engine.Count
	Chat          []types.Chat
	Synced        bool
	TransportKind string
}

type Session struct {
	dial     transport.Dialer
	selector spin.Selector
	log      *zap.Logger
	now      func() time.Time
	alerts   chan Alert

	mu    sync.Mutex
	cfg   Config
	state State
	run   *room
}

func New(cfg Config, deps Deps) (*Session, error) {
	if !types.ValidCode(cfg.Code) {
		return nil, fmt.Errorf("%w: room code %q", ErrInvalidConfig, cfg.Code)
	}
	if deps.Dial == nil {
		return nil, fmt.Errorf("%w: dialer required", ErrInvalidConfig)
	}
	if deps.Selector == nil {
		return nil, fmt.Errorf("%w: selector required", ErrInvalidConfig)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	cfg.Nickname = presence.NormalizeNickname(cfg.Nickname)
	if cfg.TTL <= 0 {
		cfg.TTL = presence.DefaultTTL
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.GCFactor <= 0 {
		cfg.GCFactor = presence.DefaultGCFactor
	}
	if cfg.SelectTimeout <= 0 {
		cfg.SelectTimeout = spin.DefaultSelectTimeout
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = defaultInboxSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	return &Session{
		dial:     deps.Dial,
		selector: deps.Selector,
		log:      deps.Logger,
		now:      deps.Clock,
		alerts:   make(chan Alert, 16),
		cfg:      cfg,
		state:    StateDisconnected,
	}, nil
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) ClientID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.ClientID
}

// Alerts delivers spin and reroll failures. Alerts are dropped when nobody reads.
func (s *Session) Alerts() <-chan Alert { return s.alerts }

// Join acquires the transport, attaches listeners, starts the loop and the
// heartbeat, then announces itself with hello and sync_request.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.state = StateConnecting
	cfg := s.cfg
	s.mu.Unlock()

	log := s.log.With(zap.String("code", cfg.Code), zap.String("client", cfg.ClientID))

	tr, err := s.dial(ctx, cfg.Code)
	if err != nil {
		s.setState(StateDisconnected)
		log.Warn("transport unavailable", zap.Error(err))
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}

	r := newRoom(context.WithoutCancel(ctx), s, cfg, tr, log)

	s.mu.Lock()
	if s.state != StateConnecting {
		// Leave ran while we were dialing.
		s.mu.Unlock()
		r.cancel()
		_ = tr.Close()
		return fmt.Errorf("%w: join aborted", ErrTransportUnavailable)
	}
	s.run = r
	s.state = StateConnected
	s.mu.Unlock()

	r.start()
	r.announce()
	log.Info("joined room", zap.String("transport", tr.Kind()))
	return nil
}

// Leave emits bye, stops the loop and timers, and closes the transport.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	r := s.run
	s.run = nil
	s.state = StateDisconnected
	s.mu.Unlock()

	if r == nil {
		return nil
	}
	err := r.teardown(ctx)
	r.log.Info("left room", zap.Error(err))
	return err
}

// Rejoin tears the current room down completely and joins code as
// clientID. Nothing from the previous room's listeners survives.
func (s *Session) Rejoin(ctx context.Context, code, clientID string) error {
	if !types.ValidCode(code) {
		return fmt.Errorf("%w: room code %q", ErrInvalidConfig, code)
	}
	leaveErr := s.Leave(ctx)
	if leaveErr != nil {
		s.log.Warn("teardown before rejoin", zap.Error(leaveErr))
	}

	s.mu.Lock()
	s.cfg.Code = code
	if clientID != "" {
		s.cfg.ClientID = clientID
	}
	s.mu.Unlock()
	return s.Join(ctx)
}

// Spin asks the host loop for a full spin keeping the board's current locks.
func (s *Session) Spin(ctx context.Context, categories [types.SlotCount]string) error {
	return s.spin(ctx, categories, nil)
}

// SpinWithLocks is a full spin with an explicit lock set.
func (s *Session) SpinWithLocks(ctx context.Context, categories [types.SlotCount]string, locks [types.SlotCount]bool) error {
	return s.spin(ctx, categories, &locks)
}

func (s *Session) spin(ctx context.Context, categories [types.SlotCount]string, locks *[types.SlotCount]bool) error {
	r, err := s.current()
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	res, err := call(ctx, r, spinCmd{categories: categories, locks: locks, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

// Reroll replaces one slot; every other slot is locked for the service call.
func (s *Session) Reroll(ctx context.Context, idx int, override *[types.SlotCount]string) error {
	r, err := s.current()
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	res, err := call(ctx, r, rerollCmd{idx: idx, override: override, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

func (s *Session) Vote(ctx context.Context, idx int, kind engine.VoteKind) error {
	r, err := s.current()
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	res, err := call(ctx, r, voteCmd{idx: idx, kind: kind, reply: reply}, reply)
	if err != nil {
		return err
	}
	return res
}

func (s *Session) Chat(ctx context.Context, text string) (types.Chat, error) {
	r, err := s.current()
	if err != nil {
		return types.Chat{}, err
	}
	reply := make(chan chatReply, 1)
	res, err := call(ctx, r, chatCmd{text: text, reply: reply}, reply)
	if err != nil {
		return types.Chat{}, err
	}
	return res.msg, res.err
}

// Refocus forces an immediate heartbeat, for clients whose timers were
// throttled while in the background.
func (s *Session) Refocus(ctx context.Context) error {
	r, err := s.current()
	if err != nil {
		return err
	}
	select {
	case r.inbox <- beatCmd{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrNotConnected
	}
}

func (s *Session) View(ctx context.Context) (View, error) {
	r, err := s.current()
	if err != nil {
		return View{State: s.State()}, err
	}
	reply := make(chan View, 1)
	return call(ctx, r, viewCmd{reply: reply}, reply)
}

func (s *Session) current() (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.run == nil || s.state != StateConnected {
		return nil, ErrNotConnected
	}
	return s.run, nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) alert(a Alert) {
	select {
	case s.alerts <- a:
	default:
		s.log.Warn("alert dropped", zap.String("action", a.Action), zap.Error(a.Err))
	}
}

// call hands cmd to the loop and waits for its reply.
func call[T any](ctx context.Context, r *room, cmd command, reply chan T) (T, error) {
	var zero T
	select {
	case r.inbox <- cmd:
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.ctx.Done():
		return zero, ErrNotConnected
	}
	select {
	case v := <-reply:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-r.ctx.Done():
		return zero, ErrNotConnected
	}
}
