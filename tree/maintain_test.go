package tree_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/arborkit/arbor/ordkey"
	"github.com/arborkit/arbor/relation"
	"github.com/arborkit/arbor/tree"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	t     *testing.T
	ctx   context.Context
	store *relation.MemStore
	ix    *tree.Indexer
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		t:     t,
		ctx:   context.Background(),
		store: relation.NewMemStore(),
		ix:    tree.NewIndexer(nil),
	}
}

func (f *fixture) entity() relation.EntityID {
	id, err := f.store.NewEntity(f.ctx)
	require.NoError(f.t, err)
	return id
}

func (f *fixture) child(parent relation.EntityID, hint uint8) relation.EntityID {
	id := f.entity()
	f.set(id, relation.NewChildOf(parent, hint))
	return id
}

func (f *fixture) set(child relation.EntityID, rel relation.ChildOf) {
	require.NoError(f.t, f.store.Set(f.ctx, child, rel))
}

func (f *fixture) del(child relation.EntityID) {
	require.NoError(f.t, f.store.Delete(f.ctx, child))
}

func (f *fixture) sync() {
	require.NoError(f.t, f.ix.Sync(f.ctx, f.store))
	require.NoError(f.t, f.ix.Verify(f.ctx, f.store))
}

func ids(v ...relation.EntityID) []relation.EntityID {
	return v
}

func TestScenarios(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	// A: hinted children come out ordered by hint
	x := f.entity()
	c6 := f.child(x, 6)
	c3 := f.child(x, 3)
	c1 := f.child(x, 1)
	c2 := f.child(x, 2)
	f.sync()
	assert.Equal(ids(c1, c2, c3, c6), f.ix.Children(x))

	// B: more siblings and a grandchild chain
	c7 := f.child(x, 7)
	c0 := f.child(x, 0)
	c4 := f.child(x, 4)
	y := f.child(c1, 0)
	z := f.child(y, 0)
	f.sync()
	assert.Equal(ids(c0, c1, c2, c3, c4, c6, c7), f.ix.Children(x))
	assert.Equal(ids(y), f.ix.Children(c1))
	assert.Equal(ids(z), f.ix.Children(y))

	next, ok := f.ix.NextSibling(c0)
	assert.True(ok)
	assert.Equal(c1, next)
	_, ok = f.ix.PrevSibling(c0)
	assert.False(ok)
	_, ok = f.ix.NextSibling(c7)
	assert.False(ok)

	// y is an only child
	sy, ok := f.ix.Sibling(y)
	assert.True(ok)
	assert.Equal(c1, sy.Parent)
	assert.Nil(sy.Prev)
	assert.Nil(sy.Next)

	// C: deletions leave orphaned structure behind
	f.del(c7)
	f.del(c4)
	f.del(c0)
	f.del(y)
	f.sync()
	assert.Equal(ids(c1, c2, c3, c6), f.ix.Children(x))

	_, ok = f.ix.Sibling(y)
	assert.False(ok)
	pi, ok := f.ix.Parent(y)
	assert.True(ok)
	assert.Equal(ids(z), pi.IDs())
	zsi, ok := f.ix.Sibling(z)
	assert.True(ok)
	assert.Equal(y, zsi.Parent)

	pi, ok = f.ix.Parent(c1)
	assert.True(ok)
	assert.Empty(pi.Children)
	assert.Equal(ids(c1), f.ix.EmptyParents())

	first, ok := f.ix.Sibling(c1)
	assert.True(ok)
	assert.Nil(first.Prev)
	assert.Equal(c2, first.Next.ID)
	last, ok := f.ix.Sibling(c6)
	assert.True(ok)
	assert.Equal(c3, last.Prev.ID)
	assert.Nil(last.Next)
}

func TestInsertIdempotent(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	x := f.entity()
	a := f.child(x, 1)
	b := f.child(x, 2)
	diff, err := f.store.Diff(f.ctx)
	require.NoError(t, err)

	require.NoError(t, f.ix.Apply(f.ctx, f.store, diff))
	require.NoError(t, f.ix.Apply(f.ctx, f.store, diff))
	assert.NoError(f.ix.Verify(f.ctx, f.store))
	assert.Equal(ids(a, b), f.ix.Children(x))
}

func TestModifyReorders(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	x := f.entity()
	a := f.child(x, 1)
	b := f.child(x, 2)
	c := f.child(x, 3)
	f.sync()

	f.set(a, relation.NewChildOf(x, 9))
	f.sync()
	assert.Equal(ids(b, c, a), f.ix.Children(x))

	// same key as b, id breaks the tie
	f.set(c, relation.NewChildOf(x, 2))
	f.sync()
	assert.Equal(ids(b, c, a), f.ix.Children(x))

	// delete and re-add with the same value is seen as two events
	f.del(b)
	f.set(b, relation.NewChildOf(x, 2))
	f.sync()
	assert.Equal(ids(b, c, a), f.ix.Children(x))
}

func TestMoveToFreshParent(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	x := f.entity()
	a := f.child(x, 1)
	b := f.child(x, 2)
	c := f.child(x, 3)
	d := f.child(x, 4)
	f.sync()

	p := f.entity()
	f.set(c, relation.NewChildOf(p, 5))
	f.set(b, relation.NewChildOf(p, 6))
	f.sync()

	assert.Equal(ids(a, d), f.ix.Children(x))
	assert.Equal(ids(c, b), f.ix.Children(p))
	parent, ok := f.ix.ParentOf(b)
	assert.True(ok)
	assert.Equal(p, parent)
	next, ok := f.ix.NextSibling(a)
	assert.True(ok)
	assert.Equal(d, next)
}

func TestRemoveParentIndex(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	x := f.entity()
	a := f.child(x, 1)
	f.sync()

	err := f.ix.RemoveParentIndex(x)
	assert.True(errors.Is(err, tree.ErrParentNotEmpty))

	f.del(a)
	f.sync()
	assert.Equal(ids(x), f.ix.EmptyParents())
	assert.NoError(f.ix.RemoveParentIndex(x))
	_, ok := f.ix.Parent(x)
	assert.False(ok)
	assert.NoError(f.ix.RemoveParentIndex(x))

	// naming x as a parent again materializes a new index
	b := f.child(x, 1)
	f.sync()
	assert.Equal(ids(b), f.ix.Children(x))
}

func TestWalk(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	root := f.entity()
	a := f.child(root, 2)
	b := f.child(root, 1)
	aa := f.child(a, 0)
	f.sync()

	type visit struct {
		id    relation.EntityID
		depth int
	}
	var got []visit
	err := f.ix.Walk(root, func(id relation.EntityID, depth int) error {
		got = append(got, visit{id, depth})
		return nil
	})
	assert.NoError(err)
	assert.Equal([]visit{{root, 0}, {b, 1}, {a, 1}, {aa, 2}}, got)

	stop := errors.New("stop")
	n := 0
	err = f.ix.Walk(root, func(id relation.EntityID, depth int) error {
		n++
		if id == b {
			return stop
		}
		return nil
	})
	assert.ErrorIs(err, stop)
	assert.Equal(2, n)
}

func TestBrokenUntilRebuild(t *testing.T) {
	assert := assert.New(t)
	f := newFixture(t)

	x := f.entity()
	a := f.child(x, 1)
	f.sync()

	err := f.ix.Apply(f.ctx, f.store, &relation.Diff{Deleted: ids(999)})
	assert.ErrorIs(err, tree.ErrNoSiblingIndex)
	assert.ErrorIs(err, tree.ErrCorruptIndex)
	assert.True(f.ix.Stats().Broken)

	b := f.child(x, 2)
	assert.ErrorIs(f.ix.Sync(f.ctx, f.store), tree.ErrBroken)

	require.NoError(t, f.ix.Rebuild(f.ctx, f.store))
	assert.False(f.ix.Stats().Broken)
	assert.NoError(f.ix.Verify(f.ctx, f.store))
	assert.Equal(ids(a, b), f.ix.Children(x))

	c := f.child(x, 3)
	f.sync()
	assert.Equal(ids(a, b, c), f.ix.Children(x))
}

func TestVerifyDetectsDrift(t *testing.T) {
	f := newFixture(t)

	x := f.entity()
	a := f.child(x, 1)
	f.sync()

	// a relation change the index has not seen yet
	f.set(a, relation.ChildOf{Parent: x, Key: ordkey.Max})
	assert.ErrorIs(t, f.ix.Verify(f.ctx, f.store), tree.ErrInvariant)

	f.sync()
}

func TestRandomOperations(t *testing.T) {
	f := newFixture(t)
	rng := rand.New(rand.NewSource(42))

	const n = 40
	ents := make([]relation.EntityID, n)
	for i := range ents {
		ents[i] = f.entity()
	}

	for round := 0; round < 50; round++ {
		for op := 0; op < 20; op++ {
			child := ents[rng.Intn(n)]
			switch rng.Intn(4) {
			case 0:
				f.del(child)
			default:
				parent := ents[rng.Intn(n/4)]
				if parent == child {
					continue
				}
				var key ordkey.Key
				if rng.Intn(3) == 0 {
					key = ordkey.Hinted(uint8(rng.Intn(4)))
				} else {
					key = ordkey.Key(rng.Uint32())
				}
				f.set(child, relation.ChildOf{Parent: parent, Key: key})
			}
		}
		f.sync()
	}

	stats := f.ix.Stats()
	assert.False(t, stats.Broken)
	assert.NotZero(t, stats.Siblings)
}
