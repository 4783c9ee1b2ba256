// Package treesvc wraps a relation store, the tree indexer and the reorderer
// into a single-writer service.
//
// A cycle drains queued reorder commands into the store and then runs one
// index pass over the resulting diff. Cycles are exclusive; relation writes
// and index reads may run concurrently with each other but never with a cycle.
package treesvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/arborkit/arbor/relation"
	"github.com/arborkit/arbor/tree"

	"github.com/xlab/treeprint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type Config struct {
	Logger *slog.Logger
	Tracer trace.Tracer
	// Rebalance renumbers a sibling run when a move finds no room between
	// its bounds.
	Rebalance bool
}

type Service struct {
	store   relation.Store
	index   *tree.Indexer
	reorder *tree.Reorderer
	queue   *tree.Queue

	lk     sync.RWMutex
	log    *slog.Logger
	tracer trace.Tracer

	dlk       sync.Mutex
	discarded []tree.Command
}

// maxDiscarded bounds the list of discarded commands kept for inspection.
const maxDiscarded = 256

// CycleResult reports what one cycle did.
type CycleResult struct {
	Commands int           `json:"commands"`
	Pending  int           `json:"pending"`
	Events   int           `json:"events"`
	Duration time.Duration `json:"duration"`
}

// New builds a service over store and derives the indices from its current
// contents.
func New(ctx context.Context, store relation.Store, config Config) (*Service, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = otel.Tracer("treesvc")
	}

	svc := &Service{
		store: store,
		index: tree.NewIndexer(&tree.IndexerOptions{
			Logger: logger.With("system", "indexer"),
		}),
		reorder: tree.NewReorderer(&tree.ReordererOptions{
			Rebalance: config.Rebalance,
			Logger:    logger.With("system", "reorderer"),
		}),
		queue:  tree.NewQueue(),
		log:    logger.With("system", "treesvc"),
		tracer: tracer,
	}

	if err := svc.index.Rebuild(ctx, store); err != nil {
		return nil, fmt.Errorf("building initial index: %w", err)
	}
	return svc, nil
}

// Cycle drains the command queue and indexes the resulting relation changes.
// Changes written since the last cycle are indexed even when the drain fails.
func (svc *Service) Cycle(ctx context.Context) (CycleResult, error) {
	ctx, span := svc.tracer.Start(ctx, "Service.Cycle")
	defer span.End()

	svc.lk.Lock()
	defer svc.lk.Unlock()

	start := time.Now()
	var res CycleResult

	n, drainErr := svc.reorder.Drain(ctx, svc.store, svc.queue)
	res.Commands = n
	res.Pending = svc.queue.Len()

	events, indexErr := svc.syncIndex(ctx)
	res.Events = events
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.Int("commands", res.Commands),
		attribute.Int("events", res.Events),
	)
	cycleDuration.Observe(res.Duration.Seconds())
	pendingCommands.Set(float64(res.Pending))

	if err := errors.Join(drainErr, indexErr); err != nil {
		cycleErrors.Inc()
		span.RecordError(err)
		return res, err
	}
	return res, nil
}

// syncIndex must be called with the write lock held.
func (svc *Service) syncIndex(ctx context.Context) (int, error) {
	if svc.index.Stats().Broken {
		return 0, tree.ErrBroken
	}
	diff, err := svc.store.Diff(ctx)
	if err != nil {
		return 0, fmt.Errorf("reading relation diff: %w", err)
	}
	if err := svc.index.Apply(ctx, svc.store, diff); err != nil {
		return 0, err
	}
	return diff.Len(), nil
}

// Run executes a cycle every interval until ctx is done. A broken index is
// rebuilt from the store before the next cycle.
func (svc *Service) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()

	var lastErr string

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}

		res, err := svc.Cycle(ctx)
		switch {
		case errors.Is(err, tree.ErrCorruptIndex), errors.Is(err, tree.ErrBroken):
			lastErr = ""
			svc.log.Error("index broken, rebuilding", "err", err)
			if err := svc.Rebuild(ctx); err != nil {
				svc.log.Error("failed to rebuild index", "err", err)
			}
		case err != nil:
			// a stuck command fails the same way every tick until it is
			// fixed or discarded
			if msg := err.Error(); msg != lastErr {
				lastErr = msg
				svc.log.Warn("cycle failed", "err", err, "pending", res.Pending)
			} else {
				svc.log.Debug("cycle failed again", "err", err, "pending", res.Pending)
			}
		default:
			lastErr = ""
			if res.Commands > 0 || res.Events > 0 {
				svc.log.Debug("cycle complete", "commands", res.Commands, "events", res.Events, "duration", res.Duration)
			}
		}
	}
}

// Rebuild discards the indices and derives them from a full store scan.
func (svc *Service) Rebuild(ctx context.Context) error {
	ctx, span := svc.tracer.Start(ctx, "Service.Rebuild")
	defer span.End()

	svc.lk.Lock()
	defer svc.lk.Unlock()

	return svc.index.Rebuild(ctx, svc.store)
}

// Verify indexes any pending changes and checks the indices against the
// store.
func (svc *Service) Verify(ctx context.Context) error {
	svc.lk.Lock()
	defer svc.lk.Unlock()

	if _, err := svc.syncIndex(ctx); err != nil {
		return err
	}
	return svc.index.Verify(ctx, svc.store)
}

func (svc *Service) NewEntity(ctx context.Context) (relation.EntityID, error) {
	return svc.store.NewEntity(ctx)
}

func (svc *Service) Relation(ctx context.Context, id relation.EntityID) (relation.ChildOf, bool, error) {
	return svc.store.Get(ctx, id)
}

// SetRelation writes the relation of id. The indices pick it up on the next
// cycle.
func (svc *Service) SetRelation(ctx context.Context, id relation.EntityID, rel relation.ChildOf) error {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	return svc.store.Set(ctx, id, rel)
}

func (svc *Service) DeleteRelation(ctx context.Context, id relation.EntityID) error {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	return svc.store.Delete(ctx, id)
}

// Enqueue queues reorder commands for the next cycle.
func (svc *Service) Enqueue(cmds ...tree.Command) {
	svc.queue.Push(cmds...)
	commandsQueued.Add(float64(len(cmds)))
}

func (svc *Service) Pending() []tree.Command {
	return svc.queue.Pending()
}

// DiscardHead removes the command at the head of the queue, typically one
// that keeps failing, and keeps it in the discarded list.
func (svc *Service) DiscardHead() (tree.Command, bool) {
	// a drain holds the commands outside the queue
	svc.lk.Lock()
	defer svc.lk.Unlock()

	cmd, ok := svc.queue.Drop()
	if !ok {
		return tree.Command{}, false
	}

	svc.dlk.Lock()
	svc.discarded = append(svc.discarded, cmd)
	if len(svc.discarded) > maxDiscarded {
		svc.discarded = slices.Delete(svc.discarded, 0, len(svc.discarded)-maxDiscarded)
	}
	svc.dlk.Unlock()

	commandsDiscarded.Inc()
	pendingCommands.Set(float64(svc.queue.Len()))
	svc.log.Warn("discarded queued command", "cmd", cmd)
	return cmd, true
}

// Discarded returns the most recently discarded commands, oldest first.
func (svc *Service) Discarded() []tree.Command {
	svc.dlk.Lock()
	defer svc.dlk.Unlock()
	return slices.Clone(svc.discarded)
}

func (svc *Service) Sibling(id relation.EntityID) (tree.SiblingIndex, bool) {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	return svc.index.Sibling(id)
}

func (svc *Service) Children(parent relation.EntityID) (tree.ParentIndex, bool) {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	return svc.index.Parent(parent)
}

func (svc *Service) Stats() tree.IndexStats {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	return svc.index.Stats()
}

// Node is one entry of a subtree listing.
type Node struct {
	ID    relation.EntityID `json:"id"`
	Depth int               `json:"depth"`
}

// Subtree lists root and its descendants depth first, children in order.
func (svc *Service) Subtree(root relation.EntityID) []Node {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	var out []Node
	svc.index.Walk(root, func(id relation.EntityID, depth int) error {
		out = append(out, Node{ID: id, Depth: depth})
		return nil
	})
	return out
}

// Render draws the subtree under root as text, one entity per line with its
// order key.
func (svc *Service) Render(root relation.EntityID) string {
	svc.lk.RLock()
	defer svc.lk.RUnlock()

	var branches []treeprint.Tree
	svc.index.Walk(root, func(id relation.EntityID, depth int) error {
		if depth == 0 {
			branches = append(branches[:0], treeprint.NewWithRoot(fmt.Sprintf("%d", id)))
			return nil
		}
		label := fmt.Sprintf("%d", id)
		if si, ok := svc.index.Sibling(id); ok {
			label = fmt.Sprintf("%d [%s]", id, si.Self.Key)
		}
		b := branches[depth-1].AddBranch(label)
		branches = append(branches[:depth], b)
		return nil
	})
	return branches[0].String()
}
