// Package index implements the ordered multimap that maps a user identifier to
// the byte offsets of the log lines carrying it.
//
// The structure is a B+ tree whose nodes live in a single arena slice. Child
// and sibling links are arena indices, so splitting never creates ownership
// cycles and the whole tree is released with the arena. Leaves keep sorted,
// parallel key/offset slices with repeated keys for duplicates and are chained
// left to right for ordered iteration.
//
// A Tree is built by a single writer and is read-only afterwards; concurrent
// readers need no locking once the last Insert has returned.
package index

import (
	"slices"
	"sort"
)

const (
	// DefaultSlots is the fan-out used when Options leaves a slot count unset.
	DefaultSlots = 128
	// MinSlots is the smallest fan-out a node can be split with.
	MinSlots = 4
)

type nodeID int32

const nilNode nodeID = -1

type node struct {
	leaf bool
	keys []uint32

	// leaf only
	offsets    []int64
	prev, next nodeID

	// inner only; len(children) == len(keys)+1 and every key in
	// children[i] is <= keys[i] <= every key in children[i+1].
	children []nodeID
}

// Options sets node capacities. Wider nodes lower the tree; narrower nodes
// make each in-node search cheaper.
type Options struct {
	LeafSlots  int
	InnerSlots int
}

// Multimap is the contract the builder and the query engine rely on.
type Multimap interface {
	Insert(key uint32, offset int64)
	Begin() Iterator
	End() Iterator
	EqualRange(key uint32) (first, last Iterator)
	UpperBound(key uint32) Iterator
	Len() int
}

var _ Multimap = (*Tree)(nil)

// Tree is a B+ tree multimap from uint32 keys to int64 offsets.
type Tree struct {
	nodes      []node
	root       nodeID
	head, tail nodeID
	height     int
	size       int
	leafSlots  int
	innerSlots int
}

// New returns an empty tree.
func New(opts Options) *Tree {
	t := &Tree{
		leafSlots:  normalizeSlots(opts.LeafSlots),
		innerSlots: normalizeSlots(opts.InnerSlots),
		height:     1,
	}
	t.root = t.newLeaf()
	t.head, t.tail = t.root, t.root
	return t
}

func normalizeSlots(n int) int {
	if n == 0 {
		return DefaultSlots
	}
	return max(n, MinSlots)
}

func (t *Tree) newLeaf() nodeID {
	t.nodes = append(t.nodes, node{
		leaf:    true,
		keys:    make([]uint32, 0, t.leafSlots+1),
		offsets: make([]int64, 0, t.leafSlots+1),
		prev:    nilNode,
		next:    nilNode,
	})
	return nodeID(len(t.nodes) - 1)
}

func (t *Tree) newInner() nodeID {
	t.nodes = append(t.nodes, node{
		keys:     make([]uint32, 0, t.innerSlots+1),
		children: make([]nodeID, 0, t.innerSlots+2),
		prev:     nilNode,
		next:     nilNode,
	})
	return nodeID(len(t.nodes) - 1)
}

// Insert adds an entry. Entries with an equal key keep their insertion order.
func (t *Tree) Insert(key uint32, offset int64) {
	sep, right, split := t.insert(t.root, key, offset)
	if split {
		root := t.newInner()
		n := &t.nodes[root]
		n.keys = append(n.keys, sep)
		n.children = append(n.children, t.root, right)
		t.root = root
		t.height++
	}
	t.size++
}

// insert places the entry under id and reports a split as the separator to
// push up and the new right sibling.
func (t *Tree) insert(id nodeID, key uint32, offset int64) (uint32, nodeID, bool) {
	n := &t.nodes[id]
	if n.leaf {
		i := upperBound(n.keys, key)
		n.keys = slices.Insert(n.keys, i, key)
		n.offsets = slices.Insert(n.offsets, i, offset)
		if len(n.keys) <= t.leafSlots {
			return 0, nilNode, false
		}
		return t.splitLeaf(id)
	}

	i := upperBound(n.keys, key)
	sep, right, split := t.insert(n.children[i], key, offset)
	if !split {
		return 0, nilNode, false
	}
	// The arena may have grown during the split below us.
	n = &t.nodes[id]
	n.keys = slices.Insert(n.keys, i, sep)
	n.children = slices.Insert(n.children, i+1, right)
	if len(n.keys) <= t.innerSlots {
		return 0, nilNode, false
	}
	return t.splitInner(id)
}

func (t *Tree) splitLeaf(id nodeID) (uint32, nodeID, bool) {
	right := t.newLeaf()
	l, r := &t.nodes[id], &t.nodes[right]
	mid := len(l.keys) / 2

	r.keys = append(r.keys, l.keys[mid:]...)
	r.offsets = append(r.offsets, l.offsets[mid:]...)
	l.keys = l.keys[:mid]
	l.offsets = l.offsets[:mid]

	r.prev, r.next = id, l.next
	if l.next != nilNode {
		t.nodes[l.next].prev = right
	} else {
		t.tail = right
	}
	l.next = right
	return l.keys[mid-1], right, true
}

func (t *Tree) splitInner(id nodeID) (uint32, nodeID, bool) {
	right := t.newInner()
	l, r := &t.nodes[id], &t.nodes[right]
	mid := len(l.keys) / 2
	sep := l.keys[mid]

	r.keys = append(r.keys, l.keys[mid+1:]...)
	r.children = append(r.children, l.children[mid+1:]...)
	l.keys = l.keys[:mid]
	l.children = l.children[:mid+1]
	return sep, right, true
}

// Begin returns an iterator at the smallest entry.
func (t *Tree) Begin() Iterator {
	return t.at(t.head, 0)
}

// End returns the past-the-end iterator.
func (t *Tree) End() Iterator {
	return Iterator{tree: t, leaf: nilNode}
}

// LowerBound returns the first entry whose key is >= key.
func (t *Tree) LowerBound(key uint32) Iterator {
	id := t.root
	for !t.nodes[id].leaf {
		n := &t.nodes[id]
		id = n.children[lowerBound(n.keys, key)]
	}
	return t.at(id, lowerBound(t.nodes[id].keys, key))
}

// UpperBound returns the first entry whose key is > key.
func (t *Tree) UpperBound(key uint32) Iterator {
	id := t.root
	for !t.nodes[id].leaf {
		n := &t.nodes[id]
		id = n.children[upperBound(n.keys, key)]
	}
	return t.at(id, upperBound(t.nodes[id].keys, key))
}

// EqualRange returns the half-open span of entries whose key equals key.
// An absent key yields an empty span.
func (t *Tree) EqualRange(key uint32) (first, last Iterator) {
	first = t.LowerBound(key)
	if !first.Valid() || first.Key() != key {
		return first, first
	}
	return first, t.UpperBound(key)
}

// Offsets collects the offsets stored under key in iteration order.
func (t *Tree) Offsets(key uint32) []int64 {
	var out []int64
	for it, end := t.EqualRange(key); !it.Equal(end); it = it.Next() {
		out = append(out, it.Offset())
	}
	return out
}

// WalkKeys visits every distinct key once in ascending order by jumping from
// each key to its upper bound. It stops early when fn returns false.
func (t *Tree) WalkKeys(fn func(key uint32) bool) {
	for it := t.Begin(); it.Valid(); it = t.UpperBound(it.Key()) {
		if !fn(it.Key()) {
			return
		}
	}
}

// DistinctKeys counts the distinct keys.
func (t *Tree) DistinctKeys() int {
	n := 0
	t.WalkKeys(func(uint32) bool {
		n++
		return true
	})
	return n
}

// Len returns the number of entries.
func (t *Tree) Len() int {
	return t.size
}

// Height returns the number of levels, counting the leaf level.
func (t *Tree) Height() int {
	return t.height
}

// NodeCount returns the number of allocated nodes.
func (t *Tree) NodeCount() int {
	return len(t.nodes)
}

// at positions an iterator, skipping forward over exhausted leaves.
func (t *Tree) at(id nodeID, slot int) Iterator {
	for id != nilNode && slot >= len(t.nodes[id].keys) {
		id, slot = t.nodes[id].next, 0
	}
	if id == nilNode {
		return t.End()
	}
	return Iterator{tree: t, leaf: id, slot: slot}
}

func lowerBound(keys []uint32, key uint32) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] >= key })
}

func upperBound(keys []uint32, key uint32) int {
	return sort.Search(len(keys), func(i int) bool { return keys[i] > key })
}
