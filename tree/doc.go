/*
Package tree derives fast navigation indices from the ChildOf relation and
resolves reorder commands against it.

## Terminology

relation: the ChildOf value of a child, its parent and order key. The only
source of truth for tree shape; kept by a relation.Store.

sibling id: the pair (order key, entity id). Children of one parent are sorted
by sibling id, so two children sharing a key still have a total order. A
sibling id also serves as a reference to a sibling that carries its key with
it.

sibling index: per child, its parent plus the sibling ids of itself and its
previous and next siblings. Together they form a doubly linked list.

parent index: per parent, the sorted list of its children's sibling ids.

## Passes

The Indexer consumes one relation.Diff per pass: deletions first, then
insertions, then modifications. A modification is an unlink followed by a
fresh insert. The first insert under a parent that has no parent index
materializes it from a scan of the store; later inserts are binary searches.

A parent index is never removed when its last child goes away. Callers that
want to reclaim empty records use RemoveParentIndex.

## Reordering

The Reorderer drains a Queue of commands. A Move names two reference entities;
when they still share a parent the target lands at the midpoint of their keys.
When another actor has since moved one of them elsewhere the target lands right
after the first reference under its current parent. Every replica that applies
the same command to the same relation state computes the same result.

Neither the Indexer nor the Reorderer is safe for concurrent use. A pass must
run to completion with no other writer touching the indices.
*/
package tree
