package tree

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/arborkit/arbor/ordkey"
	"github.com/arborkit/arbor/relation"
)

// ErrMissingRelation is returned when a command names an entity that has no
// ChildOf relation.
var ErrMissingRelation = errors.New("entity has no relation")

type CmdKind int

const (
	// CmdMove places Target between A and B.
	CmdMove CmdKind = iota
	// CmdMoveAfter places Target right after A.
	CmdMoveAfter
	// CmdMoveBefore places Target right before B.
	CmdMoveBefore
)

func (k CmdKind) String() string {
	switch k {
	case CmdMove:
		return "move"
	case CmdMoveAfter:
		return "move_after"
	case CmdMoveBefore:
		return "move_before"
	default:
		return fmt.Sprintf("CmdKind(%d)", int(k))
	}
}

// Command is a request to reposition Target. A is unused by CmdMoveBefore and
// B by CmdMoveAfter.
type Command struct {
	Kind   CmdKind
	Target relation.EntityID
	A      relation.EntityID
	B      relation.EntityID
}

func Move(target, a, b relation.EntityID) Command {
	return Command{Kind: CmdMove, Target: target, A: a, B: b}
}

func MoveAfter(target, a relation.EntityID) Command {
	return Command{Kind: CmdMoveAfter, Target: target, A: a}
}

func MoveBefore(target, b relation.EntityID) Command {
	return Command{Kind: CmdMoveBefore, Target: target, B: b}
}

// Refs lists the entities the command reads, target first.
func (c Command) Refs() []relation.EntityID {
	switch c.Kind {
	case CmdMoveAfter:
		return []relation.EntityID{c.Target, c.A}
	case CmdMoveBefore:
		return []relation.EntityID{c.Target, c.B}
	default:
		return []relation.EntityID{c.Target, c.A, c.B}
	}
}

func (c Command) String() string {
	switch c.Kind {
	case CmdMoveAfter:
		return fmt.Sprintf("%s(%d after %d)", c.Kind, c.Target, c.A)
	case CmdMoveBefore:
		return fmt.Sprintf("%s(%d before %d)", c.Kind, c.Target, c.B)
	default:
		return fmt.Sprintf("%s(%d between %d and %d)", c.Kind, c.Target, c.A, c.B)
	}
}

// Queue is a FIFO of pending commands, safe for concurrent use. Commands
// pushed while a drain is running are seen by the next drain.
type Queue struct {
	lk   sync.Mutex
	cmds []Command
}

func NewQueue() *Queue {
	return &Queue{}
}

func (q *Queue) Push(cmds ...Command) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.cmds = append(q.cmds, cmds...)
}

func (q *Queue) Len() int {
	q.lk.Lock()
	defer q.lk.Unlock()
	return len(q.cmds)
}

// Pending returns a copy of the queued commands in order.
func (q *Queue) Pending() []Command {
	q.lk.Lock()
	defer q.lk.Unlock()
	return slices.Clone(q.cmds)
}

// Drop removes and returns the command at the head of the queue.
func (q *Queue) Drop() (Command, bool) {
	q.lk.Lock()
	defer q.lk.Unlock()
	if len(q.cmds) == 0 {
		return Command{}, false
	}
	cmd := q.cmds[0]
	q.cmds = q.cmds[1:]
	return cmd, true
}

func (q *Queue) take() []Command {
	q.lk.Lock()
	defer q.lk.Unlock()
	cmds := q.cmds
	q.cmds = nil
	return cmds
}

// requeue puts cmds back ahead of anything pushed since the last take.
func (q *Queue) requeue(cmds []Command) {
	q.lk.Lock()
	defer q.lk.Unlock()
	q.cmds = append(slices.Clone(cmds), q.cmds...)
}

type ReordererOptions struct {
	// Rebalance renumbers the destination sibling run when a move finds no
	// room between its bounds. When false the colliding key is kept and the
	// SiblingID tie-break orders it.
	Rebalance bool
	Logger    *slog.Logger
}

// Reorderer resolves reorder commands into ChildOf writes.
type Reorderer struct {
	rebalance bool
	log       *slog.Logger
}

func NewReorderer(opts *ReordererOptions) *Reorderer {
	if opts == nil {
		opts = &ReordererOptions{}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default().With("system", "reorderer")
	}
	return &Reorderer{
		rebalance: opts.Rebalance,
		log:       log,
	}
}

// Drain applies every queued command in submission order and returns how many
// were applied. On failure the failing command and all after it go back to
// the front of the queue.
func (r *Reorderer) Drain(ctx context.Context, store relation.Store, q *Queue) (int, error) {
	cmds := q.take()
	for i, cmd := range cmds {
		if err := r.Apply(ctx, store, cmd); err != nil {
			q.requeue(cmds[i:])
			reorderFailures.WithLabelValues(cmd.Kind.String()).Inc()
			return i, fmt.Errorf("applying %s: %w", cmd, err)
		}
	}
	return len(cmds), nil
}

// placement is a resolved destination: Target goes under parent somewhere in
// (lo, hi), next to anchor.
type placement struct {
	parent relation.EntityID
	lo, hi ordkey.Key

	anchor    relation.EntityID
	anchorKey ordkey.Key
	before    bool

	path string
}

// Apply resolves a single command and writes the new relation of its target.
func (r *Reorderer) Apply(ctx context.Context, store relation.Store, cmd Command) error {
	if _, err := r.relationOf(ctx, store, "target", cmd.Target); err != nil {
		return err
	}

	var pl placement
	var err error
	switch cmd.Kind {
	case CmdMove:
		pl, err = r.resolveMove(ctx, store, cmd)
	case CmdMoveAfter:
		pl, err = r.resolveAfter(ctx, store, cmd.Target, cmd.A)
	case CmdMoveBefore:
		pl, err = r.resolveBefore(ctx, store, cmd.Target, cmd.B)
	default:
		return fmt.Errorf("unknown command kind %d", cmd.Kind)
	}
	if err != nil {
		return err
	}

	if ordkey.Exhausted(pl.lo, pl.hi) {
		keysExhausted.Inc()
		if r.rebalance {
			reorderCommands.WithLabelValues(cmd.Kind.String(), "rebalanced").Inc()
			return r.rebalanceRun(ctx, store, cmd.Target, pl)
		}
		r.log.Warn("no room between order keys, keeping colliding key",
			"cmd", cmd, "parent", pl.parent, "lo", pl.lo, "hi", pl.hi)
		pl.path = "exhausted"
	}

	rel := relation.ChildOf{Parent: pl.parent, Key: ordkey.Between(pl.lo, pl.hi)}
	if err := store.Set(ctx, cmd.Target, rel); err != nil {
		return fmt.Errorf("writing relation of %d: %w", cmd.Target, err)
	}
	reorderCommands.WithLabelValues(cmd.Kind.String(), pl.path).Inc()
	return nil
}

func (r *Reorderer) relationOf(ctx context.Context, store relation.Store, role string, id relation.EntityID) (relation.ChildOf, error) {
	rel, ok, err := store.Get(ctx, id)
	if err != nil {
		return relation.ChildOf{}, fmt.Errorf("reading relation of %s %d: %w", role, id, err)
	}
	if !ok {
		return relation.ChildOf{}, fmt.Errorf("%s %d: %w", role, id, ErrMissingRelation)
	}
	return rel, nil
}

func (r *Reorderer) resolveMove(ctx context.Context, store relation.Store, cmd Command) (placement, error) {
	a, err := r.relationOf(ctx, store, "a", cmd.A)
	if err != nil {
		return placement{}, err
	}
	b, err := r.relationOf(ctx, store, "b", cmd.B)
	if err != nil {
		return placement{}, err
	}

	if a.Parent == b.Parent {
		return placement{
			parent:    a.Parent,
			lo:        a.Key,
			hi:        b.Key,
			anchor:    cmd.A,
			anchorKey: a.Key,
			path:      "direct",
		}, nil
	}

	// A and B drifted apart: land right after A under A's parent, bounded by
	// A's current successor, which may be the target itself.
	hi, err := successor(ctx, store, a)
	if err != nil {
		return placement{}, err
	}
	r.log.Debug("move bounds under different parents, following a",
		"cmd", cmd, "a_parent", a.Parent, "b_parent", b.Parent)
	return placement{
		parent:    a.Parent,
		lo:        a.Key,
		hi:        hi,
		anchor:    cmd.A,
		anchorKey: a.Key,
		path:      "conflict",
	}, nil
}

func (r *Reorderer) resolveAfter(ctx context.Context, store relation.Store, target, id relation.EntityID) (placement, error) {
	a, err := r.relationOf(ctx, store, "a", id)
	if err != nil {
		return placement{}, err
	}
	hi, err := successor(ctx, store, a, target)
	if err != nil {
		return placement{}, err
	}
	return placement{
		parent:    a.Parent,
		lo:        a.Key,
		hi:        hi,
		anchor:    id,
		anchorKey: a.Key,
		path:      "direct",
	}, nil
}

func (r *Reorderer) resolveBefore(ctx context.Context, store relation.Store, target, id relation.EntityID) (placement, error) {
	b, err := r.relationOf(ctx, store, "b", id)
	if err != nil {
		return placement{}, err
	}
	lo, err := predecessor(ctx, store, b, target)
	if err != nil {
		return placement{}, err
	}
	return placement{
		parent:    b.Parent,
		lo:        lo,
		hi:        b.Key,
		anchor:    id,
		anchorKey: b.Key,
		before:    true,
		path:      "direct",
	}, nil
}

// successor returns the smallest key strictly greater than rel.Key among the
// children of rel.Parent not in skip, or ordkey.Max.
func successor(ctx context.Context, store relation.Store, rel relation.ChildOf, skip ...relation.EntityID) (ordkey.Key, error) {
	siblings, err := store.ChildrenOf(ctx, rel.Parent)
	if err != nil {
		return 0, fmt.Errorf("scanning children of %d: %w", rel.Parent, err)
	}
	hi := ordkey.Max
	for _, s := range siblings {
		if s.Key > rel.Key && s.Key < hi && !slices.Contains(skip, s.Child) {
			hi = s.Key
		}
	}
	return hi, nil
}

// predecessor returns the largest key strictly less than rel.Key among the
// children of rel.Parent not in skip, or ordkey.Min.
func predecessor(ctx context.Context, store relation.Store, rel relation.ChildOf, skip ...relation.EntityID) (ordkey.Key, error) {
	siblings, err := store.ChildrenOf(ctx, rel.Parent)
	if err != nil {
		return 0, fmt.Errorf("scanning children of %d: %w", rel.Parent, err)
	}
	lo := ordkey.Min
	for _, s := range siblings {
		if s.Key < rel.Key && s.Key > lo && !slices.Contains(skip, s.Child) {
			lo = s.Key
		}
	}
	return lo, nil
}

// rebalanceRun renumbers every child of pl.parent with evenly spread keys,
// slotting target next to the anchor. Only relations whose value changes are
// written.
func (r *Reorderer) rebalanceRun(ctx context.Context, store relation.Store, target relation.EntityID, pl placement) error {
	entries, err := store.ChildrenOf(ctx, pl.parent)
	if err != nil {
		return fmt.Errorf("scanning children of %d: %w", pl.parent, err)
	}

	run := make([]SiblingID, 0, len(entries))
	for _, e := range entries {
		if e.Child == target {
			continue
		}
		run = append(run, SiblingID{Key: e.Key, ID: e.Child})
	}
	sortSiblings(run)

	at, found := searchSiblings(run, SiblingID{Key: pl.anchorKey, ID: pl.anchor})
	if found && !pl.before {
		at++
	}
	run = slices.Insert(run, at, SiblingID{ID: target})

	keys := ordkey.Spread(len(run))
	written := 0
	for i, s := range run {
		if s.ID != target && s.Key == keys[i] {
			continue
		}
		rel := relation.ChildOf{Parent: pl.parent, Key: keys[i]}
		if err := store.Set(ctx, s.ID, rel); err != nil {
			return fmt.Errorf("writing relation of %d: %w", s.ID, err)
		}
		written++
	}

	siblingRebalances.Inc()
	r.log.Info("rebalanced sibling run", "parent", pl.parent, "children", len(run), "written", written)
	return nil
}
