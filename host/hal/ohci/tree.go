package ohci

import "math/bits"

// The periodic schedule is a binary tree of 63 nodes over the 32-entry HCCA
// interrupt table. Depth 0 holds the 32 ms nodes, one per table entry; each
// deeper level halves the node count and the polling interval, down to the
// single 1 ms node at depth 5. Slots 63 and 64 hold the control and bulk
// lists.
const (
	treeDepths   = 6
	maxDepth     = treeDepths - 1
	tableEntries = 32
	treeNodes    = 63

	slotControl = 63
	slotBulk    = 64
	numSlots    = 65
)

// depthBase is the first slot of each depth.
var depthBase = [treeDepths]int{0, 32, 48, 56, 60, 62}

// bitOrder is the 5-bit bit-reversal permutation. Walking table entries in
// this order visits siblings of every depth next to one another: the 2^d
// consecutive positions starting at a multiple of 2^d are exactly the depth-0
// descendants of one depth-d node.
var bitOrder = [tableEntries]int{
	0, 16, 8, 24, 4, 20, 12, 28,
	2, 18, 10, 26, 6, 22, 14, 30,
	1, 17, 9, 25, 5, 21, 13, 29,
	3, 19, 11, 27, 7, 23, 15, 31,
}

// nodeBit maps natural index k at depth to its position in that depth's
// bandwidth bitmap.
func nodeBit(depth, k int) int {
	return bitOrder[k] >> depth
}

// nodesAt returns the number of nodes at depth.
func nodesAt(depth int) int {
	return tableEntries >> depth
}

// slotDepth returns the depth of a tree slot.
func slotDepth(slot int) int {
	return bits.LeadingZeros8(uint8(treeNodes-slot)) - 2
}

// depthForInterval returns the deepest level whose period does not exceed
// interval milliseconds.
func depthForInterval(interval uint16) int {
	if interval == 0 {
		interval = 1
	}
	p := bits.Len16(interval) - 1
	if p > maxDepth {
		p = maxDepth
	}
	return maxDepth - p
}

// intervalForDepth returns the polling period of depth in milliseconds.
func intervalForDepth(depth int) int {
	return 1 << (maxDepth - depth)
}

// placementSlot returns the slot of the depth-level node whose depth-0
// descendants start at ordered position pos.
func placementSlot(depth, pos int) int {
	mask := nodesAt(depth) - 1
	return bitOrder[pos]&mask + depthBase[depth]
}

// ancestorWalk enumerates the ancestors of a tree node, nearest depth
// first, that are not yet known to reach it. Ancestors here are the
// shallower, longer-interval nodes whose table positions fall inside the
// node's group. Once an ancestor is linked to the node, every ancestor of
// that ancestor is covered through it and drops out of the walk.
type ancestorWalk struct {
	pending [treeDepths]uint32
	depth   int
}

// newAncestorWalk prepares a walk above slot.
func newAncestorWalk(slot int) ancestorWalk {
	d := slotDepth(slot)
	w := ancestorWalk{depth: d}
	w.mark(d, nodeBit(d, slot-depthBase[d]), true)
	return w
}

// next returns the next pending ancestor slot.
func (w *ancestorWalk) next() (int, bool) {
	for d := w.depth; d >= 0; d-- {
		if w.pending[d] == 0 {
			continue
		}
		w.depth = d
		b := bits.TrailingZeros32(w.pending[d])
		w.pending[d] &^= 1 << b
		return depthBase[d] + nodeBit(d, b), true
	}
	return 0, false
}

// cover removes every ancestor of slot from the walk.
func (w *ancestorWalk) cover(slot int) {
	d := slotDepth(slot)
	w.mark(d, nodeBit(d, slot-depthBase[d]), false)
}

// mark sets or clears the bits of every shallower node below bit b of
// depth d.
func (w *ancestorWalk) mark(d, b int, set bool) {
	for j := 0; j < d; j++ {
		n := uint(1) << (d - j)
		m := (uint32(1)<<n - 1) << (uint(b) << (d - j))
		if set {
			w.pending[j] |= m
		} else {
			w.pending[j] &^= m
		}
	}
}
