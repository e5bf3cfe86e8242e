package index

import (
	"math/rand"
	"slices"
	"testing"
)

func buildRandom(t *testing.T, slots, n, keySpace int, seed int64) (*Tree, map[uint32][]int64) {
	t.Helper()
	rng := rand.New(rand.NewSource(seed))
	tree := New(Options{LeafSlots: slots, InnerSlots: slots})
	want := make(map[uint32][]int64)
	for i := 0; i < n; i++ {
		key := uint32(rng.Intn(keySpace))
		off := int64(i * 61)
		tree.Insert(key, off)
		want[key] = append(want[key], off)
	}
	return tree, want
}

func TestEmptyTree(t *testing.T) {
	tree := New(Options{})
	if tree.Len() != 0 || tree.Height() != 1 {
		t.Fatalf("len=%d height=%d", tree.Len(), tree.Height())
	}
	if tree.Begin().Valid() {
		t.Error("Begin of empty tree should be End")
	}
	first, last := tree.EqualRange(7)
	if !first.Equal(last) || first.Valid() {
		t.Error("EqualRange on empty tree should be empty")
	}
	if tree.UpperBound(0).Valid() {
		t.Error("UpperBound on empty tree should be End")
	}
	if err := tree.Verify(); err != nil {
		t.Fatal(err)
	}
}

func TestEqualRangeCompleteness(t *testing.T) {
	for _, slots := range []int{4, 5, 16, 128} {
		tree, want := buildRandom(t, slots, 20000, 700, int64(slots))
		if err := tree.Verify(); err != nil {
			t.Fatalf("slots=%d: %v", slots, err)
		}
		if tree.Len() != 20000 {
			t.Fatalf("slots=%d: len=%d", slots, tree.Len())
		}
		for key, offs := range want {
			got := tree.Offsets(key)
			if !slices.Equal(got, offs) {
				t.Fatalf("slots=%d key=%d: got %d offsets, want %d (order must follow insertion)",
					slots, key, len(got), len(offs))
			}
		}
		if got := tree.Offsets(100000); got != nil {
			t.Errorf("absent key returned %v", got)
		}
	}
}

func TestDistinctKeyWalk(t *testing.T) {
	tree, want := buildRandom(t, 4, 5000, 300, 42)
	var keys []uint32
	tree.WalkKeys(func(k uint32) bool {
		keys = append(keys, k)
		return true
	})
	if len(keys) != len(want) {
		t.Fatalf("walked %d keys, want %d", len(keys), len(want))
	}
	for i := 1; i < len(keys); i++ {
		if keys[i-1] >= keys[i] {
			t.Fatalf("keys not strictly ascending at %d: %d then %d", i, keys[i-1], keys[i])
		}
	}
	for _, k := range keys {
		if _, ok := want[k]; !ok {
			t.Errorf("walk produced unknown key %d", k)
		}
	}
	if tree.DistinctKeys() != len(want) {
		t.Errorf("DistinctKeys = %d, want %d", tree.DistinctKeys(), len(want))
	}
}

func TestWalkKeysStopsEarly(t *testing.T) {
	tree, _ := buildRandom(t, 8, 1000, 50, 3)
	visited := 0
	tree.WalkKeys(func(uint32) bool {
		visited++
		return visited < 5
	})
	if visited != 5 {
		t.Errorf("visited %d keys, want 5", visited)
	}
}

func TestSingleKeySpanningManyLeaves(t *testing.T) {
	tree := New(Options{LeafSlots: 4, InnerSlots: 4})
	tree.Insert(1, 0)
	for i := 1; i <= 500; i++ {
		tree.Insert(5, int64(i))
	}
	tree.Insert(9, 999)
	if err := tree.Verify(); err != nil {
		t.Fatal(err)
	}
	if tree.Height() < 3 {
		t.Errorf("expected the tree to grow, height=%d", tree.Height())
	}

	first, last := tree.EqualRange(5)
	n := 0
	for it := first; !it.Equal(last); it = it.Next() {
		n++
		if it.Key() != 5 || it.Offset() != int64(n) {
			t.Fatalf("entry %d = %s", n, it)
		}
	}
	if n != 500 {
		t.Errorf("range held %d entries, want 500", n)
	}
	if last.Key() != 9 {
		t.Errorf("upper bound of 5 = %s, want key 9", last)
	}

	var keys []uint32
	tree.WalkKeys(func(k uint32) bool {
		keys = append(keys, k)
		return true
	})
	if !slices.Equal(keys, []uint32{1, 5, 9}) {
		t.Errorf("walk = %v", keys)
	}
}

func TestBounds(t *testing.T) {
	tree := New(Options{LeafSlots: 4, InnerSlots: 4})
	for _, k := range []uint32{10, 20, 20, 30, 40, 40, 40, 50} {
		tree.Insert(k, int64(k))
	}
	tests := []struct {
		key        uint32
		lower      uint32
		upper      uint32
		upperValid bool
	}{
		{5, 10, 10, true},
		{20, 20, 30, true},
		{25, 30, 30, true},
		{40, 40, 50, true},
		{50, 50, 0, false},
	}
	for _, tt := range tests {
		lb := tree.LowerBound(tt.key)
		if !lb.Valid() || lb.Key() != tt.lower {
			t.Errorf("LowerBound(%d) = %s, want %d", tt.key, lb, tt.lower)
		}
		ub := tree.UpperBound(tt.key)
		if ub.Valid() != tt.upperValid || (tt.upperValid && ub.Key() != tt.upper) {
			t.Errorf("UpperBound(%d) = %s, want %d", tt.key, ub, tt.upper)
		}
	}
	if tree.LowerBound(51).Valid() {
		t.Error("LowerBound past the max key should be End")
	}
}

func TestFullIterationIsSorted(t *testing.T) {
	tree, _ := buildRandom(t, 6, 3000, 1<<30, 9)
	n := 0
	var prev uint32
	for it := tree.Begin(); it.Valid(); it = it.Next() {
		if n > 0 && it.Key() < prev {
			t.Fatalf("iteration out of order at %d", n)
		}
		prev = it.Key()
		n++
	}
	if n != tree.Len() {
		t.Errorf("iterated %d entries, len %d", n, tree.Len())
	}
	if !tree.End().Next().Equal(tree.End()) {
		t.Error("advancing End should stay at End")
	}
}

func TestSlotsAreNormalized(t *testing.T) {
	tree := New(Options{LeafSlots: 1, InnerSlots: 2})
	if tree.leafSlots != MinSlots || tree.innerSlots != MinSlots {
		t.Errorf("slots = %d/%d", tree.leafSlots, tree.innerSlots)
	}
	if New(Options{}).leafSlots != DefaultSlots {
		t.Error("zero slots should use the default")
	}
}
