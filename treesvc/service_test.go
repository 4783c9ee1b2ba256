package treesvc_test

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/arborkit/arbor/relation"
	"github.com/arborkit/arbor/tree"
	"github.com/arborkit/arbor/treesvc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(t *testing.T, store relation.Store) *treesvc.Service {
	svc, err := treesvc.New(context.Background(), store, treesvc.Config{})
	require.NoError(t, err)
	return svc
}

func TestNewIndexesExistingRelations(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	store := relation.NewMemStore()

	root, _ := store.NewEntity(ctx)
	a, _ := store.NewEntity(ctx)
	b, _ := store.NewEntity(ctx)
	require.NoError(t, store.Set(ctx, a, relation.NewChildOf(root, 2)))
	require.NoError(t, store.Set(ctx, b, relation.NewChildOf(root, 1)))

	svc := newService(t, store)
	pi, ok := svc.Children(root)
	assert.True(ok)
	assert.Equal([]relation.EntityID{b, a}, pi.IDs())

	// the initial build consumed the pending diff
	res, err := svc.Cycle(ctx)
	assert.NoError(err)
	assert.Zero(res.Events)
}

func TestCycle(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	svc := newService(t, relation.NewMemStore())

	root, err := svc.NewEntity(ctx)
	require.NoError(t, err)
	var kids []relation.EntityID
	for i := 0; i < 3; i++ {
		id, err := svc.NewEntity(ctx)
		require.NoError(t, err)
		require.NoError(t, svc.SetRelation(ctx, id, relation.NewChildOf(root, uint8(i))))
		kids = append(kids, id)
	}

	res, err := svc.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(3, res.Events)
	assert.Zero(res.Commands)

	svc.Enqueue(tree.MoveBefore(kids[2], kids[0]))
	assert.Len(svc.Pending(), 1)

	res, err = svc.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(1, res.Commands)
	assert.Equal(1, res.Events)
	assert.Zero(res.Pending)

	pi, _ := svc.Children(root)
	assert.Equal([]relation.EntityID{kids[2], kids[0], kids[1]}, pi.IDs())
	assert.NoError(svc.Verify(ctx))

	si, ok := svc.Sibling(kids[0])
	assert.True(ok)
	assert.Equal(kids[2], si.Prev.ID)
	assert.Equal(kids[1], si.Next.ID)

	require.NoError(t, svc.DeleteRelation(ctx, kids[0]))
	assert.NoError(svc.Verify(ctx))
	pi, _ = svc.Children(root)
	assert.Equal([]relation.EntityID{kids[2], kids[1]}, pi.IDs())

	nodes := svc.Subtree(root)
	assert.Equal([]treesvc.Node{{ID: root}, {ID: kids[2], Depth: 1}, {ID: kids[1], Depth: 1}}, nodes)
}

func TestCycleKeepsFailedCommands(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	svc := newService(t, relation.NewMemStore())

	root, _ := svc.NewEntity(ctx)
	a, _ := svc.NewEntity(ctx)
	loose, _ := svc.NewEntity(ctx)
	require.NoError(t, svc.SetRelation(ctx, a, relation.NewChildOf(root, 0)))

	svc.Enqueue(tree.MoveAfter(loose, a))
	res, err := svc.Cycle(ctx)
	assert.ErrorIs(err, tree.ErrMissingRelation)
	assert.Equal(1, res.Pending)
	// relation writes made before the cycle are still indexed
	assert.Equal(1, res.Events)

	require.NoError(t, svc.SetRelation(ctx, loose, relation.NewChildOf(root, 0)))
	res, err = svc.Cycle(ctx)
	assert.NoError(err)
	assert.Equal(1, res.Commands)

	pi, _ := svc.Children(root)
	assert.Equal([]relation.EntityID{a, loose}, pi.IDs())
}

func TestRender(t *testing.T) {
	ctx := context.Background()
	svc := newService(t, relation.NewMemStore())

	root, _ := svc.NewEntity(ctx)
	a, _ := svc.NewEntity(ctx)
	b, _ := svc.NewEntity(ctx)
	require.NoError(t, svc.SetRelation(ctx, a, relation.NewChildOf(root, 0)))
	require.NoError(t, svc.SetRelation(ctx, b, relation.NewChildOf(a, 0)))
	_, err := svc.Cycle(ctx)
	require.NoError(t, err)

	out := svc.Render(root)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "1", lines[0])
	assert.Contains(t, lines[1], "2 [1fffffff]")
	assert.Contains(t, lines[2], "3 [1fffffff]")
}

func TestRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc := newService(t, relation.NewMemStore())

	root, _ := svc.NewEntity(ctx)
	a, _ := svc.NewEntity(ctx)
	require.NoError(t, svc.SetRelation(ctx, a, relation.NewChildOf(root, 0)))

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, 5*time.Millisecond)
	}()

	assert.Eventually(t, func() bool {
		pi, ok := svc.Children(root)
		return ok && len(pi.Children) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDiscardHead(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()
	svc := newService(t, relation.NewMemStore())

	root, _ := svc.NewEntity(ctx)
	a, _ := svc.NewEntity(ctx)
	b, _ := svc.NewEntity(ctx)
	loose, _ := svc.NewEntity(ctx)
	require.NoError(t, svc.SetRelation(ctx, a, relation.NewChildOf(root, 1)))
	require.NoError(t, svc.SetRelation(ctx, b, relation.NewChildOf(root, 0)))

	stuck := tree.MoveBefore(loose, a)
	svc.Enqueue(stuck, tree.MoveAfter(b, a))

	_, err := svc.Cycle(ctx)
	assert.ErrorIs(err, tree.ErrMissingRelation)
	res, err := svc.Cycle(ctx)
	assert.ErrorIs(err, tree.ErrMissingRelation)
	assert.Equal(2, res.Pending)

	cmd, ok := svc.DiscardHead()
	assert.True(ok)
	assert.Equal(stuck, cmd)
	assert.Equal([]tree.Command{stuck}, svc.Discarded())
	assert.Len(svc.Pending(), 1)

	res, err = svc.Cycle(ctx)
	assert.NoError(err)
	assert.Equal(1, res.Commands)
	pi, _ := svc.Children(root)
	assert.Equal([]relation.EntityID{a, b}, pi.IDs())

	_, ok = svc.DiscardHead()
	assert.False(ok)
}

func TestRunWarnsOncePerFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	svc, err := treesvc.New(ctx, relation.NewMemStore(), treesvc.Config{Logger: logger})
	require.NoError(t, err)

	root, _ := svc.NewEntity(ctx)
	a, _ := svc.NewEntity(ctx)
	loose, _ := svc.NewEntity(ctx)
	require.NoError(t, svc.SetRelation(ctx, a, relation.NewChildOf(root, 0)))
	svc.Enqueue(tree.MoveAfter(loose, a))

	done := make(chan error, 1)
	go func() {
		done <- svc.Run(ctx, 2*time.Millisecond)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, 1, strings.Count(buf.String(), "cycle failed"))
	assert.Len(t, svc.Pending(), 1)
}
