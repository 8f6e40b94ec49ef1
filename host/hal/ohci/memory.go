package ohci

// Memory is DMA-visible memory addressed by the bus address the controller
// uses. All multi-byte values are little-endian.
type Memory interface {
	Read32(addr uint32) uint32
	Write32(addr uint32, val uint32)

	// ReadAt copies len(p) bytes starting at addr into p.
	ReadAt(p []byte, addr uint32)

	// WriteAt copies p into memory starting at addr.
	WriteAt(p []byte, addr uint32)

	// PhysAddr reports the bus address of the first byte of p, or false if
	// p does not lie entirely within memory the controller can reach.
	PhysAddr(p []byte) (uint32, bool)
}

// Cache maintains coherence between the CPU data cache and memory shared
// with the controller. Flush writes back CPU-side changes before the
// controller may read them; Invalidate discards stale lines before the CPU
// reads what the controller may have written.
type Cache interface {
	Flush(addr, n uint32)
	Invalidate(addr, n uint32)
}

// NoCache is the Cache for coherent DMA memory.
type NoCache struct{}

// Flush does nothing.
func (NoCache) Flush(addr, n uint32) {}

// Invalidate does nothing.
func (NoCache) Invalidate(addr, n uint32) {}

// Region is a contiguous range of bus addresses.
type Region struct {
	Base uint32
	Size uint32
}

// Contains reports whether [addr, addr+n) lies within r.
func (r Region) Contains(addr, n uint32) bool {
	if r.Size == 0 {
		return false
	}
	end := uint64(addr) + uint64(n)
	return addr >= r.Base && end <= uint64(r.Base)+uint64(r.Size)
}

// dma bundles memory access with the cache maintenance that must bracket
// every access to a field the controller also touches.
type dma struct {
	mem   Memory
	cache Cache
}

// load invalidates then reads one word.
func (b dma) load(addr uint32) uint32 {
	b.cache.Invalidate(addr, 4)
	return b.mem.Read32(addr)
}

// store writes one word then flushes it.
func (b dma) store(addr, val uint32) {
	b.mem.Write32(addr, val)
	b.cache.Flush(addr, 4)
}

// set writes one word without cache maintenance. Callers flush the whole
// descriptor once it is complete.
func (b dma) set(addr, val uint32) {
	b.mem.Write32(addr, val)
}

// get reads one word without cache maintenance.
func (b dma) get(addr uint32) uint32 {
	return b.mem.Read32(addr)
}

func (b dma) flush(addr, n uint32)      { b.cache.Flush(addr, n) }
func (b dma) invalidate(addr, n uint32) { b.cache.Invalidate(addr, n) }
