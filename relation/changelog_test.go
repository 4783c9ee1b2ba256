package relation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldChanges(t *testing.T) {
	assert := assert.New(t)

	r1 := NewChildOf(1, 1)
	r2 := NewChildOf(1, 2)
	r3 := NewChildOf(2, 1)

	d := FoldChanges([]Change{
		{Child: 10, Next: &r1},            // created
		{Child: 11, Prev: &r1, Next: &r2}, // updated
		{Child: 11, Prev: &r2, Next: &r3}, // updated again
		{Child: 12, Prev: &r1},            // deleted
		{Child: 13, Prev: &r1},            // deleted ...
		{Child: 13, Next: &r1},            // ... and re-added unchanged
		{Child: 14, Prev: &r1, Next: &r2}, // updated ...
		{Child: 14, Prev: &r2, Next: &r1}, // ... and reverted
		{Child: 15, Next: &r1},            // created ...
		{Child: 15, Prev: &r1},            // ... and deleted
		{Child: 16, Next: &r2},            // created, deleted, created
		{Child: 16, Prev: &r2},
		{Child: 16, Next: &r3},
	})

	assert.Equal([]Entry{{Child: 10, ChildOf: r1}, {Child: 13, ChildOf: r1}, {Child: 16, ChildOf: r3}}, d.Inserted)
	assert.Equal([]Entry{{Child: 11, ChildOf: r3}}, d.Modified)
	assert.Equal([]EntityID{12, 13}, d.Deleted)

	assert.True(FoldChanges(nil).Empty())
}

func TestChangeKinds(t *testing.T) {
	r := NewChildOf(1, 1)
	assert.True(t, Change{Next: &r}.IsCreate())
	assert.True(t, Change{Prev: &r, Next: &r}.IsUpdate())
	assert.True(t, Change{Prev: &r}.IsDelete())
	assert.False(t, Change{}.IsCreate() || Change{}.IsUpdate() || Change{}.IsDelete())
}
