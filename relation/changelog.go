package relation

import (
	"sort"
)

// Change is one logged mutation of a child's relation. A nil Prev means the
// relation was absent before the change; a nil Next means it was deleted.
type Change struct {
	Child EntityID
	Prev  *ChildOf
	Next  *ChildOf
}

func (c Change) IsCreate() bool {
	return c.Prev == nil && c.Next != nil
}

func (c Change) IsUpdate() bool {
	return c.Prev != nil && c.Next != nil
}

func (c Change) IsDelete() bool {
	return c.Prev != nil && c.Next == nil
}

type foldState struct {
	before  *ChildOf
	after   *ChildOf
	deleted bool
}

// FoldChanges classifies an ordered change log into a Diff. The relation state
// before the window is taken from the first change of each child, the state
// after it from the last one.
func FoldChanges(changes []Change) *Diff {
	states := make(map[EntityID]*foldState)
	for _, c := range changes {
		st, ok := states[c.Child]
		if !ok {
			st = &foldState{before: c.Prev}
			states[c.Child] = st
		}
		if c.IsDelete() {
			st.deleted = true
		}
		st.after = c.Next
	}

	d := &Diff{}
	for child, st := range states {
		switch {
		case st.before == nil && st.after != nil:
			d.Inserted = append(d.Inserted, Entry{Child: child, ChildOf: *st.after})
		case st.before != nil && st.after == nil:
			d.Deleted = append(d.Deleted, child)
		case st.before != nil && st.after != nil:
			if st.deleted {
				d.Deleted = append(d.Deleted, child)
				d.Inserted = append(d.Inserted, Entry{Child: child, ChildOf: *st.after})
			} else if *st.before != *st.after {
				d.Modified = append(d.Modified, Entry{Child: child, ChildOf: *st.after})
			}
		}
	}

	sort.Slice(d.Inserted, func(i, j int) bool { return d.Inserted[i].Child < d.Inserted[j].Child })
	sort.Slice(d.Modified, func(i, j int) bool { return d.Modified[i].Child < d.Modified[j].Child })
	sort.Slice(d.Deleted, func(i, j int) bool { return d.Deleted[i] < d.Deleted[j] })
	return d
}

func relPtr(rel ChildOf) *ChildOf {
	return &rel
}
