package session

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/spinparty/internal/chat"
	"github.com/DoyleJ11/spinparty/internal/engine"
	"github.com/DoyleJ11/spinparty/internal/metrics"
	"github.com/DoyleJ11/spinparty/internal/presence"
	"github.com/DoyleJ11/spinparty/internal/spin"
	"github.com/DoyleJ11/spinparty/internal/transport"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

type command interface{ isCommand() }

type inboundMsg struct{ msg types.Message }

// beatCmd is a heartbeat tick or a forced refocus beat.
type beatCmd struct{}

type spinCmd struct {
	categories [types.SlotCount]string
	locks      *[types.SlotCount]bool
	reply      chan error
}

type rerollCmd struct {
	idx      int
	override *[types.SlotCount]string
	reply    chan error
}

type voteCmd struct {
	idx   int
	kind  engine.VoteKind
	reply chan error
}

type chatReply struct {
	msg types.Chat
	err error
}

type chatCmd struct {
	text  string
	reply chan chatReply
}

type viewCmd struct{ reply chan View }

// spinDone carries a selection result back onto the loop.
type spinDone struct {
	action string
	slot   int
	res    spin.Result
	err    error
	reply  chan error
}

func (inboundMsg) isCommand() {}
func (beatCmd) isCommand()    {}
func (spinCmd) isCommand()    {}
func (rerollCmd) isCommand()  {}
func (voteCmd) isCommand()    {}
func (chatCmd) isCommand()    {}
func (viewCmd) isCommand()    {}
func (spinDone) isCommand()   {}

const (
	actionSpin   = "spin"
	actionReroll = "reroll"
)

// room is everything that lives for one join. A rejoin builds a new one.
type room struct {
	sess   *Session
	cfg    Config
	tr     transport.Transport
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	inbox  chan command

	// loop-owned
	presence     *presence.Tracker
	host         string
	tally        *engine.Tally
	spin         *spin.Coordinator
	chat         *chat.Relay
	rerolling    [types.SlotCount]bool
	synced       bool
	syncAttempts int
}

func newRoom(parent context.Context, s *Session, cfg Config, tr transport.Transport, log *zap.Logger) *room {
	ctx, cancel := context.WithCancel(parent)
	group, gctx := errgroup.WithContext(ctx)

	r := &room{
		sess:   s,
		cfg:    cfg,
		tr:     tr,
		log:    log,
		ctx:    gctx,
		cancel: cancel,
		group:  group,
		inbox:  make(chan command, cfg.InboxSize),
		presence: presence.NewTracker(
			presence.WithClock(s.now),
			presence.WithTTL(cfg.TTL),
			presence.WithGCFactor(cfg.GCFactor),
		),
		tally: engine.NewTally(),
		spin: spin.NewCoordinator(s.selector,
			spin.WithSelectTimeout(cfg.SelectTimeout),
			spin.WithLogger(log)),
		chat: chat.NewRelay(cfg.Code),
	}
	r.touchSelf()
	r.refreshHost()

	for _, event := range types.Events {
		tr.On(event, r.handler(event))
	}
	return r
}

func (r *room) start() {
	r.group.Go(r.loop)
	r.group.Go(r.heartbeat)
}

// announce runs once after the room is live.
func (r *room) announce() {
	r.emit(types.Hello{Code: r.cfg.Code, ClientID: r.cfg.ClientID, Nickname: r.cfg.Nickname, Creator: r.cfg.Creator})
	r.requestSync()
}

func (r *room) teardown(ctx context.Context) error {
	var err error

	emitCtx, cancel := context.WithTimeout(ctx, emitTimeout)
	if e := r.tr.Emit(emitCtx, types.EventBye, types.Bye{Code: r.cfg.Code, ClientID: r.cfg.ClientID}); e != nil {
		err = multierr.Append(err, e)
	}
	cancel()

	r.cancel()
	err = multierr.Append(err, r.group.Wait())
	err = multierr.Append(err, r.tr.Close())
	return err
}

// handler decodes at the transport boundary. Malformed or foreign-room
// payloads never reach the loop.
func (r *room) handler(event string) transport.Handler {
	return func(raw json.RawMessage) {
		msg, err := types.Decode(event, raw, r.cfg.Code)
		if err != nil {
			metrics.InboundMessages.WithLabelValues(event, "dropped").Inc()
			r.log.Debug("dropping payload", zap.String("event", event), zap.Error(err))
			return
		}
		r.post(inboundMsg{msg: msg})
	}
}

// post never blocks; a full inbox loses the message like the transport would.
func (r *room) post(c command) {
	select {
	case r.inbox <- c:
	case <-r.ctx.Done():
	default:
		r.log.Warn("inbox full, dropping command")
	}
}

func (r *room) postWait(c command) {
	select {
	case r.inbox <- c:
	case <-r.ctx.Done():
	}
}

func (r *room) loop() error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case c := <-r.inbox:
			r.handle(c)
		}
	}
}

func (r *room) heartbeat() error {
	t := time.NewTicker(r.cfg.Heartbeat)
	defer t.Stop()
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case <-t.C:
			r.post(beatCmd{})
		}
	}
}

func (r *room) handle(c command) {
	switch cmd := c.(type) {
	case inboundMsg:
		r.receive(cmd.msg)

	case beatCmd:
		r.touchSelf()
		r.emit(types.Beat{Code: r.cfg.Code, ClientID: r.cfg.ClientID})
		if n := r.presence.Sweep(); n > 0 {
			r.log.Debug("swept silent peers", zap.Int("removed", n))
		}
		r.refreshHost()
		if !r.synced && r.syncAttempts < maxSyncAttempts && len(r.presence.LiveRoster()) > 1 {
			r.requestSync()
		}

	case spinCmd:
		if !r.isHost() {
			cmd.reply <- ErrNotHost
			return
		}
		locks := r.spin.Board().Locks()
		if cmd.locks != nil {
			locks = *cmd.locks
		}
		r.launch(actionSpin, -1, r.spin.PlanFull(cmd.categories, locks, r.cfg.Constraints), cmd.reply)

	case rerollCmd:
		if !r.isHost() {
			cmd.reply <- ErrNotHost
			return
		}
		if err := r.reroll(cmd.idx, cmd.override, cmd.reply); err != nil {
			cmd.reply <- err
		}

	case voteCmd:
		cmd.reply <- r.vote(cmd.idx, cmd.kind)

	case chatCmd:
		msg, err := r.chat.Send(r.displayName(), cmd.text)
		if err == nil {
			r.emit(msg)
		}
		cmd.reply <- chatReply{msg: msg, err: err}

	case viewCmd:
		cmd.reply <- r.view()

	case spinDone:
		r.finishSpin(cmd)
	}
}

func (r *room) receive(msg types.Message) {
	event := msg.Event()
	switch m := msg.(type) {
	case types.Hello:
		if m.ClientID == r.cfg.ClientID {
			return
		}
		r.presence.Touch(m.ClientID, presence.WithNickname(m.Nickname), presence.WithCreator(m.Creator))
		r.refreshHost()
		r.emit(types.Here{Code: r.cfg.Code, ClientID: r.cfg.ClientID, Nickname: r.cfg.Nickname, Creator: r.cfg.Creator})

	case types.Here:
		if m.ClientID == r.cfg.ClientID {
			return
		}
		r.presence.Touch(m.ClientID, presence.WithNickname(m.Nickname), presence.WithCreator(m.Creator))
		r.refreshHost()

	case types.Beat:
		if m.ClientID == r.cfg.ClientID {
			return
		}
		r.presence.Touch(m.ClientID)
		r.refreshHost()

	case types.Bye:
		if m.ClientID == r.cfg.ClientID {
			return
		}
		r.presence.Remove(m.ClientID)
		r.tally.Forget(m.ClientID)
		r.refreshHost()

	case types.Chat:
		r.chat.Receive(m)

	case types.Vote:
		if m.ClientID == r.cfg.ClientID || m.VoterID == r.cfg.ClientID {
			return
		}
		if m.ClientID != "" {
			r.presence.Touch(m.ClientID)
			r.refreshHost()
		}
		// Decode already validated the kind and index.
		_ = r.tally.Cast(m.Idx, m.VoterID, engine.VoteKind(m.Kind))
		if r.isHost() {
			r.evaluate(m.Idx)
		}

	case types.SpinResult:
		if m.Host != "" && m.Host == r.cfg.ClientID {
			return
		}
		if m.Host != "" && m.Host != r.host {
			// Two peers acting as host. Weak consistency: the latest result wins.
			metrics.HostRaces.Inc()
			r.log.Warn("spin result from non-host peer",
				zap.String("sender", m.Host), zap.String("host", r.host))
		}
		touched, err := r.spin.Adopt(m)
		if err != nil {
			r.log.Debug("dropping spin result", zap.Error(err))
			return
		}
		for _, i := range touched {
			r.tally.Clear(i)
		}
		r.synced = true

	case types.SyncRequest:
		if m.ClientID == r.cfg.ClientID {
			return
		}
		r.presence.Touch(m.ClientID)
		r.refreshHost()
		// Answer as the host of everyone but the requester, so a joining
		// creator still gets state from whoever held it.
		if presence.ComputeHostExcluding(r.presence.LiveRoster(), m.ClientID) == r.cfg.ClientID && r.hasBoard() {
			r.broadcastBoard()
		}
	}
	metrics.InboundMessages.WithLabelValues(event, "handled").Inc()
}

func (r *room) vote(idx int, kind engine.VoteKind) error {
	if err := r.tally.Cast(idx, r.cfg.ClientID, kind); err != nil {
		return err
	}
	r.emit(types.Vote{
		Code:     r.cfg.Code,
		Idx:      idx,
		Kind:     string(kind),
		VoterID:  r.cfg.ClientID,
		ClientID: r.cfg.ClientID,
	})
	if r.isHost() {
		r.evaluate(idx)
	}
	return nil
}

// evaluate runs the quorum action for slot idx. Host only. Votes from
// peers that left or went silent do not count toward the quorum.
func (r *room) evaluate(idx int) {
	roster := r.presence.LiveRoster()
	live := make(map[string]bool, len(roster))
	for _, p := range roster {
		live[p.ID] = true
	}
	quorum := engine.Quorum(len(roster))
	count := r.tally.CountAmong(idx, func(voter string) bool { return live[voter] })
	switch engine.Decide(count, quorum) {
	case engine.DecisionLock:
		if err := r.spin.Lock(idx); err != nil {
			return
		}
		r.tally.Clear(idx)
		metrics.QuorumActions.WithLabelValues(string(engine.DecisionLock)).Inc()
		r.log.Info("slot locked by vote", zap.Int("slot", idx), zap.Int("quorum", quorum))
		r.broadcastBoard()

	case engine.DecisionReroll:
		r.tally.Clear(idx)
		metrics.QuorumActions.WithLabelValues(string(engine.DecisionReroll)).Inc()
		r.log.Info("slot reroll by vote", zap.Int("slot", idx), zap.Int("quorum", quorum))
		if err := r.reroll(idx, nil, nil); err != nil {
			r.log.Warn("reroll not started", zap.Int("slot", idx), zap.Error(err))
		}
	}
}

// reroll starts a single-slot reroll unless one is already running for idx.
// On success reply, when set, later receives the final outcome.
func (r *room) reroll(idx int, override *[types.SlotCount]string, reply chan error) error {
	if idx >= 0 && idx < types.SlotCount && r.rerolling[idx] {
		return errRerollInFlight
	}
	plan, err := r.spin.PlanReroll(idx, override, r.cfg.Constraints)
	if err != nil {
		return err
	}
	r.rerolling[idx] = true
	r.launch(actionReroll, idx, plan, reply)
	return nil
}

var errRerollInFlight = errors.New("reroll already in flight")

// launch runs the selection call off the loop and posts the result back.
func (r *room) launch(action string, slot int, plan spin.Result, reply chan error) {
	r.group.Go(func() error {
		res, err := r.spin.Execute(r.ctx, plan)
		r.postWait(spinDone{action: action, slot: slot, res: res, err: err, reply: reply})
		return nil
	})
}

func (r *room) finishSpin(d spinDone) {
	if d.action == actionReroll && d.slot >= 0 {
		r.rerolling[d.slot] = false
	}
	reply := func(err error) {
		if d.reply != nil {
			d.reply <- err
		}
	}

	if r.ctx.Err() != nil {
		metrics.Spins.WithLabelValues(d.action, "stale").Inc()
		reply(ErrNotConnected)
		return
	}
	if d.err != nil {
		metrics.Spins.WithLabelValues(d.action, "error").Inc()
		r.log.Warn("selection failed", zap.String("action", d.action), zap.Int("slot", d.slot), zap.Error(d.err))
		r.sess.alert(Alert{Action: d.action, Slot: d.slot, Err: d.err})
		reply(d.err)
		return
	}
	if !r.isHost() {
		// Leadership moved while the call was in flight.
		metrics.Spins.WithLabelValues(d.action, "stale").Inc()
		r.log.Info("discarding selection after losing host", zap.String("action", d.action))
		reply(ErrNotHost)
		return
	}

	for _, i := range r.spin.Apply(d.res) {
		r.tally.Clear(i)
	}
	r.synced = true
	metrics.Spins.WithLabelValues(d.action, "ok").Inc()
	r.broadcastBoard()
	reply(nil)
}

func (r *room) broadcastBoard() {
	payload := r.spin.Snapshot(r.cfg.Code)
	payload.Host = r.cfg.ClientID
	payload.TS = r.sess.now().UnixMilli()
	r.emit(payload)
}

func (r *room) requestSync() {
	r.syncAttempts++
	r.emit(types.SyncRequest{Code: r.cfg.Code, ClientID: r.cfg.ClientID})
}

func (r *room) emit(msg types.Message) {
	ctx, cancel := context.WithTimeout(r.ctx, emitTimeout)
	defer cancel()
	if err := r.tr.Emit(ctx, msg.Event(), msg); err != nil {
		r.log.Warn("emit failed", zap.String("event", msg.Event()), zap.Error(err))
	}
}

func (r *room) touchSelf() {
	r.presence.Touch(r.cfg.ClientID, presence.WithNickname(r.cfg.Nickname), presence.WithCreator(r.cfg.Creator))
}

// refreshHost recomputes the derived host after any roster change.
func (r *room) refreshHost() {
	next := presence.ComputeHost(r.presence.LiveRoster())
	if next != r.host {
		r.log.Info("host changed", zap.String("from", r.host), zap.String("to", next))
		r.host = next
	}
}

func (r *room) isHost() bool { return r.host == r.cfg.ClientID }

func (r *room) hasBoard() bool {
	for _, d := range r.spin.Board().Dishes() {
		if d != nil {
			return true
		}
	}
	return false
}

func (r *room) displayName() string {
	if r.cfg.Nickname != "" {
		return r.cfg.Nickname
	}
	return r.cfg.ClientID
}

func (r *room) view() View {
	roster := r.presence.LiveRoster()
	chatHistory := r.chat.History()
	return View{
		State:         StateConnected,
		Code:          r.cfg.Code,
		ClientID:      r.cfg.ClientID,
		Host:          r.host,
		IsHost:        r.isHost(),
		Quorum:        engine.Quorum(len(roster)),
		Roster:        roster,
		Board:         r.spin.Board(),
		Votes:         r.tally.Counts(),
		Chat:          chatHistory,
		Synced:        r.synced,
		TransportKind: r.tr.Kind(),
	}
}
