package presence

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func ids(peers []Peer) []string {
	out := make([]string, len(peers))
	for i, p := range peers {
		out[i] = p.ID
	}
	return out
}

func TestTracker_TTLBoundary(t *testing.T) {
	clock := newClock()
	tr := NewTracker(WithClock(clock.now))
	tr.Touch("peer-a")

	clock.advance(119 * time.Second)
	assert.Equal(t, []string{"peer-a"}, ids(tr.LiveRoster()), "present at 119s")

	clock.advance(time.Second)
	assert.Equal(t, []string{"peer-a"}, ids(tr.LiveRoster()), "present at exactly the TTL")

	clock.advance(time.Second)
	assert.Empty(t, tr.LiveRoster(), "absent at 121s")

	// filtered, not deleted
	assert.Equal(t, 1, tr.Len())
}

func TestTracker_LiveRosterMatchesTouchTimes(t *testing.T) {
	clock := newClock()
	tr := NewTracker(WithClock(clock.now))
	rng := rand.New(rand.NewSource(7))

	lastSeen := map[string]time.Time{}
	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("p%02d", rng.Intn(20))
		tr.Touch(id)
		lastSeen[id] = clock.now()
		clock.advance(time.Duration(rng.Intn(30)) * time.Second)
	}

	want := map[string]bool{}
	for id, seen := range lastSeen {
		if clock.now().Sub(seen) <= DefaultTTL {
			want[id] = true
		}
	}
	got := map[string]bool{}
	for _, p := range tr.LiveRoster() {
		got[p.ID] = true
	}
	assert.Equal(t, want, got)
}

func TestTracker_TouchPreservesKnownFields(t *testing.T) {
	tr := NewTracker()
	tr.Touch("c1", WithNickname("  Ana "), WithCreator(true))
	p := tr.Touch("c1")

	assert.Equal(t, "Ana", p.Nickname)
	assert.True(t, p.Creator)

	p = tr.Touch("c1", WithNickname("Bea"))
	assert.Equal(t, "Bea", p.Nickname)
	assert.True(t, p.Creator)
}

func TestTracker_NicknameIsNFC(t *testing.T) {
	tr := NewTracker()
	// "e" followed by a combining acute accent
	p := tr.Touch("c1", WithNickname("Rene\u0301"))
	assert.Equal(t, "Ren\u00e9", p.Nickname)
}

func TestTracker_RosterOrder(t *testing.T) {
	tr := NewTracker()
	tr.Touch("zed")
	tr.Touch("amy")
	tr.Touch("max", WithCreator(true))
	tr.Touch("bob")

	assert.Equal(t, []string{"max", "amy", "bob", "zed"}, ids(tr.LiveRoster()))
}

func TestTracker_Remove(t *testing.T) {
	tr := NewTracker()
	tr.Touch("a")
	tr.Touch("b")

	require.True(t, tr.Remove("a"))
	assert.False(t, tr.Remove("a"))
	assert.Equal(t, []string{"b"}, ids(tr.LiveRoster()))
}

func TestTracker_SweepDropsLongSilentPeers(t *testing.T) {
	clock := newClock()
	tr := NewTracker(WithClock(clock.now), WithGCFactor(3))
	tr.Touch("old")
	clock.advance(2 * DefaultTTL)
	tr.Touch("recent")

	assert.Equal(t, 0, tr.Sweep(), "stale but within 3xTTL")

	clock.advance(DefaultTTL + time.Second)
	assert.Equal(t, 1, tr.Sweep())
	_, ok := tr.Get("old")
	assert.False(t, ok)
	_, ok = tr.Get("recent")
	assert.True(t, ok)
}
