package index

import "fmt"

// Iterator is a position in a Tree's leaf chain. The zero value and End() are
// not valid positions. Iterators are values and stay usable as long as the
// tree is not modified.
type Iterator struct {
	tree *Tree
	leaf nodeID
	slot int
}

func (it Iterator) Valid() bool {
	return it.tree != nil && it.leaf != nilNode
}

// Key panics when the iterator is not Valid.
func (it Iterator) Key() uint32 {
	return it.tree.nodes[it.leaf].keys[it.slot]
}

// Offset panics when the iterator is not Valid.
func (it Iterator) Offset() int64 {
	return it.tree.nodes[it.leaf].offsets[it.slot]
}

// Next advances one entry; advancing the last entry yields End().
func (it Iterator) Next() Iterator {
	if !it.Valid() {
		return it
	}
	return it.tree.at(it.leaf, it.slot+1)
}

// Equal reports whether two iterators denote the same position. All invalid
// iterators are equal to each other.
func (it Iterator) Equal(other Iterator) bool {
	if !it.Valid() || !other.Valid() {
		return it.Valid() == other.Valid()
	}
	return it.tree == other.tree && it.leaf == other.leaf && it.slot == other.slot
}

func (it Iterator) String() string {
	if !it.Valid() {
		return "end"
	}
	return fmt.Sprintf("%d@%d", it.Key(), it.Offset())
}
