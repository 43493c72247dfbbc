// Package presence keeps the party roster and derives the host from it.
package presence

import (
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"
)

const (
	DefaultTTL      = 120 * time.Second
	DefaultGCFactor = 3
)

// Peer is one member of the room as last announced.
type Peer struct {
	ID       string    `json:"id"`
	Nickname string    `json:"nickname"`
	Creator  bool      `json:"creator"`
	LastSeen time.Time `json:"lastSeen"`
}

type TouchOption func(*Peer)

func WithNickname(nick string) TouchOption {
	return func(p *Peer) { p.Nickname = NormalizeNickname(nick) }
}

func WithCreator(creator bool) TouchOption {
	return func(p *Peer) { p.Creator = creator }
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func WithTTL(ttl time.Duration) Option {
	return func(t *Tracker) {
		if ttl > 0 {
			t.ttl = ttl
		}
	}
}

// WithGCFactor sets how many TTLs a silent peer survives before Sweep drops it.
func WithGCFactor(k int) Option {
	return func(t *Tracker) {
		if k > 0 {
			t.gcFactor = k
		}
	}
}

// Tracker is the roster keyed by peer id. Entries leave only on Remove or
// Sweep; stale entries are filtered from LiveRoster, not deleted.
type Tracker struct {
	mu       sync.RWMutex
	peers    map[string]Peer
	now      func() time.Time
	ttl      time.Duration
	gcFactor int
}

func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		peers:    make(map[string]Peer),
		now:      time.Now,
		ttl:      DefaultTTL,
		gcFactor: DefaultGCFactor,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Touch upserts id and marks it seen now. Fields without an option keep
// their previously known value.
func (t *Tracker) Touch(id string, opts ...TouchOption) Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.peers[id]
	if !ok {
		p = Peer{ID: id}
	}
	for _, opt := range opts {
		opt(&p)
	}
	p.LastSeen = t.now()
	t.peers[id] = p
	return p
}

func (t *Tracker) Remove(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.peers[id]
	delete(t.peers, id)
	return ok
}

func (t *Tracker) Get(id string) (Peer, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.peers[id]
	return p, ok
}

// LiveRoster returns peers seen within the TTL, creator first, then by id.
func (t *Tracker) LiveRoster() []Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	now := t.now()
	out := make([]Peer, 0, len(t.peers))
	for _, p := range t.peers {
		if now.Sub(p.LastSeen) <= t.ttl {
			out = append(out, p)
		}
	}
	SortRoster(out)
	return out
}

// Sweep deletes peers silent for longer than gcFactor TTLs.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Duration(t.gcFactor) * t.ttl
	now := t.now()
	removed := 0
	for id, p := range t.peers {
		if now.Sub(p.LastSeen) > cutoff {
			delete(t.peers, id)
			removed++
		}
	}
	return removed
}

// Len counts every tracked entry, live or not.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

// Less is the roster order, which is also the host-selection rule.
func Less(a, b Peer) bool {
	if a.Creator != b.Creator {
		return a.Creator
	}
	return a.ID < b.ID
}

func SortRoster(peers []Peer) {
	slices.SortFunc(peers, func(a, b Peer) int {
		switch {
		case Less(a, b):
			return -1
		case Less(b, a):
			return 1
		default:
			return 0
		}
	})
}

func NormalizeNickname(nick string) string {
	return norm.NFC.String(strings.TrimSpace(nick))
}
