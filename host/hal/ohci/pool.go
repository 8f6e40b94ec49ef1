package ohci

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/ardnew/softohci/pkg"
)

// Pool hands out fixed-size, fixed-alignment blocks of DMA memory by bus
// address. The driver uses one pool per hardware descriptor kind and,
// optionally, one for bounce buffers.
type Pool interface {
	Get() (uint32, error)
	Put(addr uint32) error
}

// BlockPool is a Pool over a contiguous Region split into equal blocks.
// It never allocates after construction.
type BlockPool struct {
	mu     sync.Mutex
	region Region
	block  uint32
	count  int
	free   []uint32
	inUse  []uint64
}

// NewBlockPool carves count blocks of blockSize bytes, each aligned to
// align, from the start of r. align must be a power of two and r.Base must
// be aligned to it.
func NewBlockPool(r Region, blockSize, align uint32, count int) (*BlockPool, error) {
	if align == 0 || bits.OnesCount32(align) != 1 {
		return nil, fmt.Errorf("%w: alignment %d is not a power of two", pkg.ErrInvalidParameter, align)
	}
	if r.Base&(align-1) != 0 {
		return nil, fmt.Errorf("%w: region base %#x not aligned to %d", pkg.ErrInvalidParameter, r.Base, align)
	}
	if blockSize == 0 || count <= 0 {
		return nil, fmt.Errorf("%w: empty pool", pkg.ErrInvalidParameter)
	}
	block := (blockSize + align - 1) &^ (align - 1)
	if uint64(block)*uint64(count) > uint64(r.Size) {
		return nil, fmt.Errorf("%w: %d blocks of %d bytes exceed region of %d bytes",
			pkg.ErrNoMemory, count, block, r.Size)
	}

	p := &BlockPool{
		region: Region{Base: r.Base, Size: block * uint32(count)},
		block:  block,
		count:  count,
		free:   make([]uint32, count),
		inUse:  make([]uint64, (count+63)/64),
	}
	// Lowest addresses are handed out first.
	for i := range count {
		p.free[count-1-i] = r.Base + uint32(i)*block
	}
	return p, nil
}

// Get returns the address of a free block.
func (p *BlockPool) Get() (uint32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return 0, fmt.Errorf("%w: pool of %d blocks exhausted", pkg.ErrNoMemory, p.count)
	}
	addr := p.free[n-1]
	p.free = p.free[:n-1]
	i := p.slot(addr)
	p.inUse[i/64] |= 1 << (i % 64)
	return addr, nil
}

// Put returns a block obtained from Get.
func (p *BlockPool) Put(addr uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.region.Contains(addr, p.block) || (addr-p.region.Base)%p.block != 0 {
		return fmt.Errorf("%w: %#x is not a block of this pool", pkg.ErrInvalidParameter, addr)
	}
	i := p.slot(addr)
	if p.inUse[i/64]&(1<<(i%64)) == 0 {
		return fmt.Errorf("%w: double free of %#x", pkg.ErrInvalidParameter, addr)
	}
	p.inUse[i/64] &^= 1 << (i % 64)
	p.free = append(p.free, addr)
	return nil
}

// Available returns the number of free blocks.
func (p *BlockPool) Available() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// BlockSize returns the aligned size of each block.
func (p *BlockPool) BlockSize() uint32 { return p.block }

// Region returns the span of memory managed by the pool.
func (p *BlockPool) Region() Region { return p.region }

func (p *BlockPool) slot(addr uint32) uint32 {
	return (addr - p.region.Base) / p.block
}

// slab is a fixed-capacity store of software descriptors. Callers hold the
// driver lock that guards the owning lists.
type slab[T any] struct {
	mu    sync.Mutex
	items []T
	free  []int
}

func newSlab[T any](n int) *slab[T] {
	s := &slab[T]{items: make([]T, n), free: make([]int, n)}
	for i := range n {
		s.free[n-1-i] = i
	}
	return s
}

// get returns a zeroed item and its slot.
func (s *slab[T]) get() (int, *T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.free)
	if n == 0 {
		return -1, nil, false
	}
	i := s.free[n-1]
	s.free = s.free[:n-1]
	var zero T
	s.items[i] = zero
	return i, &s.items[i], true
}

func (s *slab[T]) put(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.items[i] = zero
	s.free = append(s.free, i)
}

func (s *slab[T]) available() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.free)
}
