// Package manifest implements the engine's in-memory directory of SSTs
// (C6): per-stream interval trees over (start_id, end_id) so overlap
// queries run in O(log n + k), refreshed wholesale by listing the bucket.
//
// Grounded on original_source/kronos/kronos/storage/s3/manifest.py's
// refresh-by-listing algorithm (per-stream dict of SSTs rebuilt from a
// bucket listing) and internal/storage/block.Storage.List's recursive prefix
// listing (no delimiter). No interval-tree library exists anywhere in the
// retrieval pack (checked across every example repo's manifest/index code
// and other_examples/); this is therefore a from-scratch augmented BST with
// a subtree-max-endpoint field, the standard textbook structure for this
// query shape — a stdlib-only component, recorded in DESIGN.md.
package manifest

import (
	"storage-engine/internal/tuid"
)

// Interval is a half-open-by-convention (but queried inclusively, per spec
// §4.6) [Start, End] range tagged with an opaque value.
type Interval struct {
	Start tuid.TimeUUID
	End   tuid.TimeUUID
	Value interface{}
}

type node struct {
	interval    Interval
	maxEnd      tuid.TimeUUID
	left, right *node
	// height drives AVL rotations on every insert, keeping the tree
	// balanced across insert-heavy manifest refreshes and avoiding
	// degenerate chains when SSTs are listed in sorted order.
	height int
}

// IntervalTree augments a BST keyed on Start with each subtree's maximum
// End, so overlap queries can prune entire subtrees.
type IntervalTree struct {
	root *node
}

func height(n *node) int {
	if n == nil {
		return 0
	}
	return n.height
}

func maxUUID(a, b tuid.TimeUUID) tuid.TimeUUID {
	return tuid.Max(a, b)
}

func updateNode(n *node) {
	n.height = 1 + maxInt(height(n.left), height(n.right))
	m := n.interval.End
	if n.left != nil {
		m = maxUUID(m, n.left.maxEnd)
	}
	if n.right != nil {
		m = maxUUID(m, n.right.maxEnd)
	}
	n.maxEnd = m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func balanceFactor(n *node) int {
	if n == nil {
		return 0
	}
	return height(n.left) - height(n.right)
}

func rotateRight(y *node) *node {
	x := y.left
	t2 := x.right
	x.right = y
	y.left = t2
	updateNode(y)
	updateNode(x)
	return x
}

func rotateLeft(x *node) *node {
	y := x.right
	t2 := y.left
	y.left = x
	x.right = t2
	updateNode(x)
	updateNode(y)
	return y
}

func rebalance(n *node) *node {
	updateNode(n)
	bf := balanceFactor(n)
	if bf > 1 {
		if balanceFactor(n.left) < 0 {
			n.left = rotateLeft(n.left)
		}
		return rotateRight(n)
	}
	if bf < -1 {
		if balanceFactor(n.right) > 0 {
			n.right = rotateRight(n.right)
		}
		return rotateLeft(n)
	}
	return n
}

// Insert adds an interval to the tree.
func (t *IntervalTree) Insert(iv Interval) {
	t.root = insert(t.root, iv)
}

func insert(n *node, iv Interval) *node {
	if n == nil {
		return &node{interval: iv, maxEnd: iv.End, height: 1}
	}
	if iv.Start.Compare(n.interval.Start, tuid.Ascending) < 0 {
		n.left = insert(n.left, iv)
	} else {
		n.right = insert(n.right, iv)
	}
	return rebalance(n)
}

// Overlapping returns every interval whose [Start, End] intersects [lo, hi].
func (t *IntervalTree) Overlapping(lo, hi tuid.TimeUUID) []Interval {
	var out []Interval
	var walk func(n *node)
	walk = func(n *node) {
		if n == nil {
			return
		}
		// Prune: nothing in this subtree ends at or after lo.
		if n.maxEnd.Compare(lo, tuid.Ascending) < 0 {
			return
		}
		if n.left != nil {
			walk(n.left)
		}
		if n.interval.Start.Compare(hi, tuid.Ascending) <= 0 && n.interval.End.Compare(lo, tuid.Ascending) >= 0 {
			out = append(out, n.interval)
		}
		// Prune the right subtree: everything there starts at or after this
		// node's start, so if this node's start already exceeds hi, no
		// right-subtree interval can start at or before hi either... but
		// right-subtree starts can still be <= hi even if this node's isn't
		// relevant, so only prune when this node's own start already beats
		// hi AND the BST ordering guarantees the right subtree's starts are
		// not smaller.
		if n.interval.Start.Compare(hi, tuid.Ascending) > 0 {
			return
		}
		if n.right != nil {
			walk(n.right)
		}
	}
	walk(t.root)
	return out
}

// Len returns the number of intervals in the tree (O(n)).
func (t *IntervalTree) Len() int {
	var count func(n *node) int
	count = func(n *node) int {
		if n == nil {
			return 0
		}
		return 1 + count(n.left) + count(n.right)
	}
	return count(t.root)
}
