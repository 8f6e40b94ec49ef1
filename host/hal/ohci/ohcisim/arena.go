package ohcisim

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ardnew/softohci/host/hal/ohci"
)

// Arena is simulated DMA memory: one byte slice seen by the controller at
// bus addresses Base through Base+len-1. Slices returned by Bytes alias
// the arena, so PhysAddr recognizes them as DMA-visible.
type Arena struct {
	mu   sync.RWMutex
	base uint32
	mem  []byte
}

var _ ohci.Memory = (*Arena)(nil)

// NewArena allocates size bytes of simulated memory at bus address base.
func NewArena(base, size uint32) *Arena {
	return &Arena{base: base, mem: make([]byte, size)}
}

// Region returns the bus address range of the arena.
func (a *Arena) Region() ohci.Region {
	return ohci.Region{Base: a.base, Size: uint32(len(a.mem))}
}

func (a *Arena) off(addr, n uint32) (int, bool) {
	if addr < a.base || uint64(addr-a.base)+uint64(n) > uint64(len(a.mem)) {
		return 0, false
	}
	return int(addr - a.base), true
}

// Read32 reads a little-endian word. Reads outside the arena return all
// ones, as a bus error would.
func (a *Arena) Read32(addr uint32) uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	o, ok := a.off(addr, 4)
	if !ok {
		return 0xFFFFFFFF
	}
	return binary.LittleEndian.Uint32(a.mem[o:])
}

// Write32 writes a little-endian word. Writes outside the arena are
// dropped.
func (a *Arena) Write32(addr, val uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.off(addr, 4); ok {
		binary.LittleEndian.PutUint32(a.mem[o:], val)
	}
}

// ReadAt copies arena bytes at addr into p.
func (a *Arena) ReadAt(p []byte, addr uint32) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if o, ok := a.off(addr, uint32(len(p))); ok {
		copy(p, a.mem[o:])
	}
}

// WriteAt copies p into the arena at addr.
func (a *Arena) WriteAt(p []byte, addr uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if o, ok := a.off(addr, uint32(len(p))); ok {
		copy(a.mem[o:], p)
	}
}

// PhysAddr reports the bus address of p if p aliases the arena.
func (a *Arena) PhysAddr(p []byte) (uint32, bool) {
	if len(p) == 0 || len(a.mem) == 0 {
		return 0, false
	}
	start := uintptr(unsafe.Pointer(unsafe.SliceData(a.mem)))
	ptr := uintptr(unsafe.Pointer(unsafe.SliceData(p)))
	if ptr < start || ptr+uintptr(len(p)) > start+uintptr(len(a.mem)) {
		return 0, false
	}
	return a.base + uint32(ptr-start), true
}

// Bytes returns the n bytes of the arena at addr, or nil if the range is
// outside it.
func (a *Arena) Bytes(addr, n uint32) []byte {
	o, ok := a.off(addr, n)
	if !ok {
		return nil
	}
	return a.mem[o : o+int(n) : o+int(n)]
}

// Cache counts coherence operations. The arena is coherent, so nothing
// else happens; tests use the counts to see that the driver maintains the
// cache where a real system would need it.
type Cache struct {
	flushes     atomic.Int64
	invalidates atomic.Int64
}

var _ ohci.Cache = (*Cache)(nil)

// Flush counts a write-back.
func (c *Cache) Flush(addr, n uint32) { c.flushes.Add(1) }

// Invalidate counts an invalidation.
func (c *Cache) Invalidate(addr, n uint32) { c.invalidates.Add(1) }

// Flushes returns the number of Flush calls.
func (c *Cache) Flushes() int64 { return c.flushes.Load() }

// Invalidates returns the number of Invalidate calls.
func (c *Cache) Invalidates() int64 { return c.invalidates.Load() }
