package spin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DoyleJ11/spinparty/pkg/types"
)

type stubSelector struct {
	requests []Request
	next     func(req Request) (Selection, error)
}

func (s *stubSelector) Select(ctx context.Context, req Request) (Selection, error) {
	s.requests = append(s.requests, req)
	return s.next(req)
}

// fillUnlocked returns a dish named prefix+index for every unlocked slot.
func fillUnlocked(prefix string) func(Request) (Selection, error) {
	return func(req Request) (Selection, error) {
		var sel Selection
		for i := range sel.Slots {
			if !req.Locks[i] {
				sel.Slots[i] = &types.Dish{ID: prefix + string(rune('0'+i)), Name: prefix}
			}
		}
		sel.Summary = types.Summary{Headline: prefix}
		return sel, nil
	}
}

var cats = [types.SlotCount]string{"main", "side", "dessert"}

func TestFullSpin_ReplacesUnlockedSlots(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)

	touched, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{Allergens: []string{"peanut"}})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, touched)

	sel.next = fillUnlocked("b")
	touched, err = c.FullSpin(context.Background(), cats, [3]bool{true, false, false}, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, touched, "slot 0 changed lock state")

	board := c.Board()
	assert.Equal(t, "a0", board.Slots[0].Dish.ID)
	assert.True(t, board.Slots[0].Locked)
	assert.Equal(t, "b1", board.Slots[1].Dish.ID)
	assert.Equal(t, "b2", board.Slots[2].Dish.ID)
	assert.Equal(t, []string{"main", "side", "dessert"}, board.Summary.Categories)

	require.Len(t, sel.requests, 2)
	assert.Equal(t, []string{"peanut"}, sel.requests[0].Allergens)
	assert.Equal(t, "a0", sel.requests[1].Current[0].ID)
}

func TestSingleSlotReroll_LocksEveryOtherSlot(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)
	_, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	require.NoError(t, err)

	sel.next = fillUnlocked("r")
	touched, err := c.SingleSlotReroll(context.Background(), 1, nil, Constraints{})
	require.NoError(t, err)

	req := sel.requests[1]
	assert.Equal(t, [3]bool{true, false, true}, req.Locks)
	assert.Equal(t, cats, req.Categories, "categories carried from last summary")
	assert.Equal(t, []int{1}, touched)

	board := c.Board()
	assert.Equal(t, "a0", board.Slots[0].Dish.ID)
	assert.Equal(t, "r1", board.Slots[1].Dish.ID)
	assert.Equal(t, "a2", board.Slots[2].Dish.ID)
	assert.Equal(t, [3]bool{false, false, false}, board.Locks(), "forced locks are not persisted")
}

func TestSingleSlotReroll_CategoryOverride(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)
	override := [3]string{"x", "y", "z"}

	_, err := c.SingleSlotReroll(context.Background(), 2, &override, Constraints{})
	require.NoError(t, err)
	assert.Equal(t, override, sel.requests[0].Categories)
}

func TestSingleSlotReroll_RejectsBadIndex(t *testing.T) {
	c := NewCoordinator(&stubSelector{next: fillUnlocked("a")})
	_, err := c.SingleSlotReroll(context.Background(), 3, nil, Constraints{})
	assert.Error(t, err)
}

func TestFailedSelection_KeepsPriorState(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)
	_, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	require.NoError(t, err)
	before := c.Board()

	sel.next = func(Request) (Selection, error) { return Selection{}, errors.New("boom") }
	_, err = c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	assert.ErrorIs(t, err, ErrSelectionFailed)
	assert.Equal(t, before, c.Board())
}

func TestIncompleteSelection_IsAllOrNothing(t *testing.T) {
	sel := &stubSelector{next: func(Request) (Selection, error) {
		return Selection{Slots: [3]*types.Dish{{ID: "only-one"}}}, nil
	}}
	c := NewCoordinator(sel)

	_, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	assert.ErrorIs(t, err, ErrSelectionFailed)
	assert.Nil(t, c.Board().Slots[0].Dish)
}

func TestFullSpin_LockDuringSelectionWins(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)
	_, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	require.NoError(t, err)

	sel.next = fillUnlocked("b")
	plan := c.PlanFull(cats, [3]bool{}, Constraints{})
	require.NoError(t, c.Lock(0))
	res, err := c.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, c.Apply(res))
	board := c.Board()
	assert.Equal(t, "a0", board.Slots[0].Dish.ID)
	assert.True(t, board.Slots[0].Locked)
	assert.Equal(t, "b1", board.Slots[1].Dish.ID)
}

func TestSingleSlotReroll_LockDuringSelectionWins(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)
	_, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	require.NoError(t, err)

	sel.next = fillUnlocked("r")
	plan, err := c.PlanReroll(1, nil, Constraints{})
	require.NoError(t, err)
	require.NoError(t, c.Lock(0))
	res, err := c.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Equal(t, []int{1}, c.Apply(res))
	board := c.Board()
	assert.True(t, board.Slots[0].Locked, "lock taken mid-reroll survives")
	assert.Equal(t, "a0", board.Slots[0].Dish.ID)
	assert.Equal(t, "r1", board.Slots[1].Dish.ID)
	assert.False(t, board.Slots[1].Locked)
}

func TestSingleSlotReroll_TargetLockedDuringSelection(t *testing.T) {
	sel := &stubSelector{next: fillUnlocked("a")}
	c := NewCoordinator(sel)
	_, err := c.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	require.NoError(t, err)

	sel.next = fillUnlocked("r")
	plan, err := c.PlanReroll(1, nil, Constraints{})
	require.NoError(t, err)
	require.NoError(t, c.Lock(1))
	res, err := c.Execute(context.Background(), plan)
	require.NoError(t, err)

	assert.Empty(t, c.Apply(res))
	assert.Equal(t, "a1", c.Board().Slots[1].Dish.ID)
	assert.True(t, c.Board().Slots[1].Locked)
}

func TestExecute_AppliesTimeout(t *testing.T) {
	c := NewCoordinator(selectorFunc(func(ctx context.Context, req Request) (Selection, error) {
		<-ctx.Done()
		return Selection{}, ctx.Err()
	}), WithSelectTimeout(20*time.Millisecond))

	_, err := c.Execute(context.Background(), c.PlanFull(cats, [3]bool{}, Constraints{}))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrSelectionFailed)
}

func TestAdoptAndSnapshot(t *testing.T) {
	host := NewCoordinator(&stubSelector{next: fillUnlocked("h")})
	_, err := host.FullSpin(context.Background(), cats, [3]bool{}, Constraints{})
	require.NoError(t, err)
	require.NoError(t, host.Lock(0))

	joiner := NewCoordinator(nil)
	touched, err := joiner.Adopt(host.Snapshot("ABC123"))
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2}, touched)
	assert.Equal(t, host.Board(), joiner.Board())
}

type selectorFunc func(ctx context.Context, req Request) (Selection, error)

func (f selectorFunc) Select(ctx context.Context, req Request) (Selection, error) { return f(ctx, req) }
