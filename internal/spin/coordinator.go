// Package spin owns the authoritative slot board on the host and the calls
// to the external selection service that fill it.
package spin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/spinparty/internal/engine"
	"github.com/DoyleJ11/spinparty/pkg/types"
)

const DefaultSelectTimeout = 10 * time.Second

var ErrSelectionFailed = errors.New("selection service failed")

// Selector is the external dish-selection service. It must honor Locks:
// locked slots are never replaced.
type Selector interface {
	Select(ctx context.Context, req Request) (Selection, error)
}

type Constraints struct {
	Tags      []string
	Allergens []string
	Powerups  []string
}

type Request struct {
	Categories [types.SlotCount]string
	Tags       []string
	Allergens  []string
	Locks      [types.SlotCount]bool
	Current    [types.SlotCount]*types.Dish
	Powerups   []string
}

// Selection holds up to three dishes aligned by slot index.
type Selection struct {
	Slots   [types.SlotCount]*types.Dish
	Summary types.Summary
}

// Result is a selection ready to apply. Locks is the lock set the board
// takes afterwards, which differs from Request.Locks for a single-slot reroll.
// Planned is the board's lock set when the request was built.
type Result struct {
	Request   Request
	Selection Selection
	Locks     [types.SlotCount]bool
	Planned   [types.SlotCount]bool
}

type Option func(*Coordinator)

func WithSelectTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// Coordinator is not safe for concurrent use except for Execute, which
// touches only the selector.
type Coordinator struct {
	selector Selector
	board    engine.Board
	timeout  time.Duration
	log      *zap.Logger
}

func NewCoordinator(selector Selector, opts ...Option) *Coordinator {
	c := &Coordinator{
		selector: selector,
		board:    engine.NewBoard(),
		timeout:  DefaultSelectTimeout,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Coordinator) Board() engine.Board { return c.board }

// Lock marks a slot locked after a keep quorum.
func (c *Coordinator) Lock(idx int) error { return c.board.Lock(idx) }

// PlanFull builds the request for a full spin honoring locks.
func (c *Coordinator) PlanFull(categories [types.SlotCount]string, locks [types.SlotCount]bool, cons Constraints) Result {
	req := Request{
		Categories: categories,
		Tags:       cons.Tags,
		Allergens:  cons.Allergens,
		Locks:      locks,
		Current:    c.board.Dishes(),
		Powerups:   cons.Powerups,
	}
	return Result{Request: req, Locks: locks, Planned: c.board.Locks()}
}

// PlanReroll builds a request that leaves only idx unlocked. The board keeps
// its other locks and idx comes back unlocked.
func (c *Coordinator) PlanReroll(idx int, override *[types.SlotCount]string, cons Constraints) (Result, error) {
	if idx < 0 || idx >= types.SlotCount {
		return Result{}, fmt.Errorf("%w: %d", engine.ErrSlotOutOfRange, idx)
	}
	categories := [types.SlotCount]string{}
	for i, cat := range c.board.Summary.Categories {
		if i < types.SlotCount {
			categories[i] = cat
		}
	}
	if override != nil {
		categories = *override
	}

	locks := c.board.Locks()
	locks[idx] = false
	req := Request{
		Categories: categories,
		Tags:       cons.Tags,
		Allergens:  cons.Allergens,
		Locks:      engine.LocksExcept(idx),
		Current:    c.board.Dishes(),
		Powerups:   cons.Powerups,
	}
	return Result{Request: req, Locks: locks, Planned: c.board.Locks()}, nil
}

// Execute calls the selector for a planned result. It does not touch the board.
func (c *Coordinator) Execute(ctx context.Context, plan Result) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	sel, err := c.selector.Select(ctx, plan.Request)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSelectionFailed, err)
	}
	for i := range sel.Slots {
		if !plan.Request.Locks[i] && sel.Slots[i] == nil {
			return Result{}, fmt.Errorf("%w: no dish for slot %d", ErrSelectionFailed, i)
		}
	}
	plan.Selection = sel
	return plan, nil
}

// Apply replaces every slot the request left unlocked and returns the
// indices it touched. It is all-or-nothing: Execute already rejected
// incomplete selections. A slot locked after planning keeps its dish and
// its lock.
func (c *Coordinator) Apply(res Result) []int {
	var touched []int
	for i := range c.board.Slots {
		if c.board.Slots[i].Locked && !res.Planned[i] {
			continue
		}
		if res.Request.Locks[i] {
			if c.board.Slots[i].Locked != res.Locks[i] {
				touched = append(touched, i)
			}
			c.board.Slots[i].Locked = res.Locks[i]
			continue
		}
		c.board.Slots[i].Dish = res.Selection.Slots[i]
		c.board.Slots[i].Locked = res.Locks[i]
		touched = append(touched, i)
	}

	summary := res.Selection.Summary
	if len(summary.Categories) == 0 {
		summary.Categories = res.Request.Categories[:]
	}
	if len(summary.Powerups) == 0 {
		summary.Powerups = res.Request.Powerups
	}
	c.board.Summary = summary

	c.log.Debug("spin applied", zap.Ints("touched", touched), zap.Bools("locks", res.Locks[:]))
	return touched
}

// Adopt replaces the board from a host broadcast.
func (c *Coordinator) Adopt(res types.SpinResult) ([]int, error) {
	return c.board.Replace(res)
}

// Snapshot renders the current board for a spin_result broadcast.
func (c *Coordinator) Snapshot(code string) types.SpinResult {
	return c.board.Payload(code)
}

// FullSpin plans, executes and applies a full spin in one call. Callers
// must own the coordinator exclusively for the duration.
func (c *Coordinator) FullSpin(ctx context.Context, categories [types.SlotCount]string, locks [types.SlotCount]bool, cons Constraints) ([]int, error) {
	res, err := c.Execute(ctx, c.PlanFull(categories, locks, cons))
	if err != nil {
		c.log.Warn("full spin failed", zap.Error(err))
		return nil, err
	}
	return c.Apply(res), nil
}

// SingleSlotReroll replaces only slot idx; every other slot is locked in
// the service call.
func (c *Coordinator) SingleSlotReroll(ctx context.Context, idx int, override *[types.SlotCount]string, cons Constraints) ([]int, error) {
	plan, err := c.PlanReroll(idx, override, cons)
	if err != nil {
		return nil, err
	}
	res, err := c.Execute(ctx, plan)
	if err != nil {
		c.log.Warn("slot reroll failed", zap.Int("slot", idx), zap.Error(err))
		return nil, err
	}
	return c.Apply(res), nil
}
