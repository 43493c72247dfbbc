package engine

import (
	"slices"

	"github.com/DoyleJ11/spinparty/pkg/types"
)

type VoteEntry struct {
	Keep   map[string]struct{}
	Reroll map[string]struct{}
}

func newVoteEntry() VoteEntry {
	return VoteEntry{Keep: map[string]struct{}{}, Reroll: map[string]struct{}{}}
}

// Tally holds the keep/reroll sets for every slot. A voter sits in at most
// one set per slot. Not safe for concurrent use.
type Tally struct {
	slots [types.SlotCount]VoteEntry
}

func NewTally() *Tally {
	t := &Tally{}
	for i := range t.slots {
		t.slots[i] = newVoteEntry()
	}
	return t
}

// Cast moves voter into the kind set for slot, replacing any earlier vote.
func (t *Tally) Cast(slot int, voter string, kind VoteKind) error {
	if err := checkSlot(slot); err != nil {
		return err
	}
	if voter == "" {
		return ErrEmptyVoter
	}
	if _, err := ParseVoteKind(string(kind)); err != nil {
		return err
	}

	e := t.slots[slot]
	delete(e.Keep, voter)
	delete(e.Reroll, voter)
	switch kind {
	case VoteKeep:
		e.Keep[voter] = struct{}{}
	case VoteReroll:
		e.Reroll[voter] = struct{}{}
	}
	return nil
}

func (t *Tally) Count(slot int) Count {
	if checkSlot(slot) != nil {
		return Count{}
	}
	return Count{Keep: len(t.slots[slot].Keep), Reroll: len(t.slots[slot].Reroll)}
}

// CountAmong counts only the voters for which member reports true.
func (t *Tally) CountAmong(slot int, member func(voter string) bool) Count {
	var c Count
	if checkSlot(slot) != nil {
		return c
	}
	for v := range t.slots[slot].Keep {
		if member(v) {
			c.Keep++
		}
	}
	for v := range t.slots[slot].Reroll {
		if member(v) {
			c.Reroll++
		}
	}
	return c
}

// Forget drops voter from every slot.
func (t *Tally) Forget(voter string) {
	for _, e := range t.slots {
		delete(e.Keep, voter)
		delete(e.Reroll, voter)
	}
}

func (t *Tally) Counts() [types.SlotCount]Count {
	var out [types.SlotCount]Count
	for i := range out {
		out[i] = t.Count(i)
	}
	return out
}

// Clear empties both vote sets for slot.
func (t *Tally) Clear(slot int) {
	if checkSlot(slot) != nil {
		return
	}
	t.slots[slot] = newVoteEntry()
}

// Voters returns the sorted keep and reroll voter ids for slot.
func (t *Tally) Voters(slot int) (keep, reroll []string) {
	if checkSlot(slot) != nil {
		return nil, nil
	}
	keep = sortedKeys(t.slots[slot].Keep)
	reroll = sortedKeys(t.slots[slot].Reroll)
	return keep, reroll
}

// Has reports which set voter is in for slot, or "" when abstaining.
func (t *Tally) Has(slot int, voter string) VoteKind {
	if checkSlot(slot) != nil {
		return ""
	}
	if _, ok := t.slots[slot].Keep[voter]; ok {
		return VoteKeep
	}
	if _, ok := t.slots[slot].Reroll[voter]; ok {
		return VoteReroll
	}
	return ""
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
