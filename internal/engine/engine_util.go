package engine

import "github.com/DoyleJ11/spinparty/pkg/types"

func NewBoard() Board {
	var b Board
	for i := range b.Slots {
		b.Slots[i].Index = i
	}
	return b
}

// Quorum is floor(n/2)+1 and never below 1.
func Quorum(n int) int {
	if n < 1 {
		return 1
	}
	return n/2 + 1
}

// LocksExcept returns a lock set with every slot locked except idx.
func LocksExcept(idx int) [types.SlotCount]bool {
	var locks [types.SlotCount]bool
	for i := range locks {
		locks[i] = i != idx
	}
	return locks
}
