package index

import (
	"errors"
	"fmt"
)

var ErrCorrupt = errors.New("index structure violated")

// Verify walks the whole tree and checks ordering, separator bounds, node
// capacities, uniform leaf depth and the leaf chain. It is meant for tests and
// debugging; it is O(n).
func (t *Tree) Verify() error {
	leafDepth := -1
	if _, _, _, err := t.verifyNode(t.root, 1, &leafDepth); err != nil {
		return err
	}
	if leafDepth != t.height {
		return fmt.Errorf("%w: leaves at depth %d, height %d", ErrCorrupt, leafDepth, t.height)
	}
	return t.verifyChain()
}

// verifyNode returns the subtree's min key, max key and whether it is empty.
func (t *Tree) verifyNode(id nodeID, depth int, leafDepth *int) (uint32, uint32, bool, error) {
	n := &t.nodes[id]
	for i := 1; i < len(n.keys); i++ {
		if n.keys[i-1] > n.keys[i] {
			return 0, 0, false, fmt.Errorf("%w: node %d keys out of order at %d", ErrCorrupt, id, i)
		}
	}
	if n.leaf {
		if *leafDepth == -1 {
			*leafDepth = depth
		} else if *leafDepth != depth {
			return 0, 0, false, fmt.Errorf("%w: leaf %d at depth %d, expected %d", ErrCorrupt, id, depth, *leafDepth)
		}
		if len(n.keys) > t.leafSlots {
			return 0, 0, false, fmt.Errorf("%w: leaf %d holds %d > %d", ErrCorrupt, id, len(n.keys), t.leafSlots)
		}
		if len(n.keys) != len(n.offsets) {
			return 0, 0, false, fmt.Errorf("%w: leaf %d key/offset length mismatch", ErrCorrupt, id)
		}
		if len(n.keys) == 0 {
			if id != t.root {
				return 0, 0, false, fmt.Errorf("%w: empty non-root leaf %d", ErrCorrupt, id)
			}
			return 0, 0, true, nil
		}
		return n.keys[0], n.keys[len(n.keys)-1], false, nil
	}

	if len(n.keys) == 0 || len(n.keys) > t.innerSlots {
		return 0, 0, false, fmt.Errorf("%w: inner node %d holds %d keys", ErrCorrupt, id, len(n.keys))
	}
	if len(n.children) != len(n.keys)+1 {
		return 0, 0, false, fmt.Errorf("%w: inner node %d has %d children for %d keys",
			ErrCorrupt, id, len(n.children), len(n.keys))
	}
	var lo, hi uint32
	for i, child := range n.children {
		cmin, cmax, empty, err := t.verifyNode(child, depth+1, leafDepth)
		if err != nil {
			return 0, 0, false, err
		}
		if empty {
			return 0, 0, false, fmt.Errorf("%w: empty child %d under %d", ErrCorrupt, child, id)
		}
		if i < len(n.keys) && cmax > n.keys[i] {
			return 0, 0, false, fmt.Errorf("%w: child %d max %d above separator %d", ErrCorrupt, child, cmax, n.keys[i])
		}
		if i > 0 && cmin < n.keys[i-1] {
			return 0, 0, false, fmt.Errorf("%w: child %d min %d below separator %d", ErrCorrupt, child, cmin, n.keys[i-1])
		}
		if i == 0 {
			lo = cmin
		}
		hi = cmax
	}
	return lo, hi, false, nil
}

func (t *Tree) verifyChain() error {
	count := 0
	prev := nilNode
	var last uint32
	for id := t.head; id != nilNode; id = t.nodes[id].next {
		n := &t.nodes[id]
		if !n.leaf {
			return fmt.Errorf("%w: inner node %d in leaf chain", ErrCorrupt, id)
		}
		if n.prev != prev {
			return fmt.Errorf("%w: leaf %d prev link %d, expected %d", ErrCorrupt, id, n.prev, prev)
		}
		for _, k := range n.keys {
			if count > 0 && k < last {
				return fmt.Errorf("%w: leaf chain out of order at leaf %d", ErrCorrupt, id)
			}
			last = k
			count++
		}
		prev = id
	}
	if prev != t.tail {
		return fmt.Errorf("%w: chain ends at %d, tail is %d", ErrCorrupt, prev, t.tail)
	}
	if count != t.size {
		return fmt.Errorf("%w: chain holds %d entries, size %d", ErrCorrupt, count, t.size)
	}
	return nil
}
