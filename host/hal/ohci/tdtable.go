package ohci

import (
	"fmt"
	"math/bits"

	"github.com/ardnew/softohci/pkg"
)

// LookupMode selects how the done-queue processor maps a retired hardware
// TD back to its software descriptor.
type LookupMode uint8

// Lookup modes.
const (
	// LookupIndexed stores a handle in the TD control word and resolves it
	// through a table in constant time.
	LookupIndexed LookupMode = iota
	// LookupScan stores the endpoint slot instead and scans that slot's
	// endpoints for the TD. It needs no table memory.
	LookupScan
)

// String returns the mode name.
func (m LookupMode) String() string {
	switch m {
	case LookupIndexed:
		return "indexed"
	case LookupScan:
		return "scan"
	default:
		return "unknown"
	}
}

// ParseLookupMode maps a mode name to a LookupMode.
func ParseLookupMode(s string) (LookupMode, error) {
	switch s {
	case "", "indexed":
		return LookupIndexed, nil
	case "scan":
		return LookupScan, nil
	default:
		return 0, fmt.Errorf("%w: lookup mode %q", pkg.ErrInvalidParameter, s)
	}
}

// tdTable is a bounded handle table from the index carried in a hardware
// TD to its software descriptor.
type tdTable struct {
	slots []*transferDesc
	used  []uint64
}

func newTDTable(n int) *tdTable {
	if n > tdIndexMax+1 {
		n = tdIndexMax + 1
	}
	return &tdTable{
		slots: make([]*transferDesc, n),
		used:  make([]uint64, (n+63)/64),
	}
}

// insert stores td and returns its handle.
func (t *tdTable) insert(td *transferDesc) (uint32, error) {
	for w, word := range t.used {
		if word == ^uint64(0) {
			continue
		}
		b := bits.TrailingZeros64(^word)
		ix := w*64 + b
		if ix >= len(t.slots) {
			break
		}
		t.used[w] |= 1 << b
		t.slots[ix] = td
		return uint32(ix), nil
	}
	return 0, fmt.Errorf("%w: transfer descriptor table full", pkg.ErrNoMemory)
}

// lookup resolves a handle. Out-of-range and vacant handles are faults.
func (t *tdTable) lookup(ix uint32) (*transferDesc, error) {
	if int(ix) >= len(t.slots) {
		return nil, &FaultError{Kind: FaultIndexRange, Addr: ix}
	}
	td := t.slots[ix]
	if td == nil {
		return nil, &FaultError{Kind: FaultIndexEmpty, Addr: ix}
	}
	return td, nil
}

// remove releases a handle.
func (t *tdTable) remove(ix uint32) {
	if int(ix) >= len(t.slots) {
		return
	}
	t.slots[ix] = nil
	t.used[ix/64] &^= 1 << (ix % 64)
}

// len returns the number of live handles.
func (t *tdTable) len() int {
	n := 0
	for _, w := range t.used {
		n += bits.OnesCount64(w)
	}
	return n
}
