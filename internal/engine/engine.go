package engine

import (
	"errors"
	"fmt"

	"github.com/DoyleJ11/spinparty/pkg/types"
)

var ErrSlotOutOfRange = errors.New("slot out of range")
var ErrUnknownVoteKind = errors.New("unknown vote kind")
var ErrEmptyVoter = errors.New("voter id required")

type VoteKind string

const (
	VoteKeep   VoteKind = "keep"
	VoteReroll VoteKind = "reroll"
)

// ParseVoteKind maps a wire vote kind onto a VoteKind.
func ParseVoteKind(s string) (VoteKind, error) {
	switch VoteKind(s) {
	case VoteKeep, VoteReroll:
		return VoteKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVoteKind, s)
	}
}

type Decision string

const (
	DecisionNone   Decision = "none"
	DecisionLock   Decision = "lock"
	DecisionReroll Decision = "reroll"
)

type Slot struct {
	Index  int
	Dish   *types.Dish
	Locked bool
}

// Board is the authoritative spin state. Only the host mutates it; every
// other peer replaces it wholesale from spin_result broadcasts.
type Board struct {
	Slots   [types.SlotCount]Slot
	Summary types.Summary
}

type Count struct {
	Keep   int
	Reroll int
}

// Decide evaluates a slot's tally against quorum. Keep wins ties with reroll.
func Decide(c Count, quorum int) Decision {
	if quorum < 1 {
		quorum = 1
	}
	if c.Keep >= quorum {
		return DecisionLock
	}
	if c.Reroll >= quorum {
		return DecisionReroll
	}
	return DecisionNone
}

// Lock marks slot idx locked.
func (b *Board) Lock(idx int) error {
	if err := checkSlot(idx); err != nil {
		return err
	}
	b.Slots[idx].Locked = true
	return nil
}

func (b Board) Locks() [types.SlotCount]bool {
	var locks [types.SlotCount]bool
	for i, s := range b.Slots {
		locks[i] = s.Locked
	}
	return locks
}

func (b Board) Dishes() [types.SlotCount]*types.Dish {
	var dishes [types.SlotCount]*types.Dish
	for i, s := range b.Slots {
		dishes[i] = s.Dish
	}
	return dishes
}

// Payload renders the board as a spin_result for room code.
func (b Board) Payload(code string) types.SpinResult {
	out := types.SpinResult{
		Code:    code,
		Slots:   make([]*types.Dish, types.SlotCount),
		Locks:   make([]bool, types.SlotCount),
		Summary: b.Summary,
	}
	for i, s := range b.Slots {
		out.Slots[i] = s.Dish
		out.Locks[i] = s.Locked
	}
	return out
}

// Replace overwrites the board from a decoded spin_result and returns the
// indices whose dish or lock changed.
func (b *Board) Replace(res types.SpinResult) ([]int, error) {
	if len(res.Slots) != types.SlotCount || len(res.Locks) != types.SlotCount {
		return nil, fmt.Errorf("%w: spin result shape", types.ErrMalformedPayload)
	}
	var touched []int
	for i := range b.Slots {
		if !b.Slots[i].Dish.Equal(res.Slots[i]) || b.Slots[i].Locked != res.Locks[i] {
			touched = append(touched, i)
		}
		b.Slots[i].Dish = res.Slots[i]
		b.Slots[i].Locked = res.Locks[i]
	}
	b.Summary = res.Summary
	return touched, nil
}

func checkSlot(idx int) error {
	if idx < 0 || idx >= types.SlotCount {
		return fmt.Errorf("%w: %d", ErrSlotOutOfRange, idx)
	}
	return nil
}
