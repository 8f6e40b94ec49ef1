package ohcisim

import (
	"fmt"
	"sync"

	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

// DefaultArenaBase is where simulated DMA memory starts on the bus.
const DefaultArenaBase uint32 = 0x1000_0000

// Bus is a simulated controller together with the memory it shares with
// the driver, carved the way a board support package would carve it.
type Bus struct {
	Arena      *Arena
	Cache      *Cache
	Controller *Controller
	Layout     ohci.Layout
	Bounce     bool

	mu   sync.Mutex
	next uint32
}

// NewBus allocates size bytes of DMA memory, carves it per lc and attaches
// a controller. With lc.CopyBufs > 0 the carved data area becomes the
// driver's DMA region and other buffers are bounced.
func NewBus(cfg Config, lc ohci.LayoutConfig, size uint32) (*Bus, error) {
	arena := NewArena(DefaultArenaBase, size)
	layout, err := ohci.Carve(arena.Region(), lc)
	if err != nil {
		return nil, fmt.Errorf("carve DMA memory: %w", err)
	}
	b := &Bus{
		Arena:      arena,
		Cache:      &Cache{},
		Controller: New(cfg, arena),
		Layout:     layout,
		Bounce:     lc.CopyBufs > 0,
		next:       layout.Data.Base,
	}
	pkg.LogDebug(pkg.ComponentSim, "bus created",
		"arena", fmt.Sprintf("%#08x+%#x", arena.base, size),
		"data", fmt.Sprintf("%#08x+%#x", layout.Data.Base, layout.Data.Size))
	return b, nil
}

// DriverConfig returns a driver configuration wired to the bus. Callers
// add callbacks, limits and metrics.
func (b *Bus) DriverConfig() ohci.Config {
	cfg := ohci.Config{
		Registers: b.Controller,
		Memory:    b.Arena,
		Cache:     b.Cache,
		HCCA:      b.Layout.HCCA,
		EDPool:    b.Layout.EDPool,
		TDPool:    b.Layout.TDPool,
		Delay:     b.Controller.Delay,
	}
	if b.Bounce {
		cfg.DataRegion = b.Layout.Data
		cfg.CopyPool = b.Layout.CopyPool
		cfg.CopyBufSize = b.Layout.CopyPool.BlockSize()
	}
	return cfg
}

// Alloc returns n bytes of the data area aligned to align, which must be
// a power of two. It panics when the data area is exhausted.
func (b *Bus) Alloc(n, align uint32) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	if align == 0 {
		align = 1
	}
	addr := (b.next + align - 1) &^ (align - 1)
	buf := b.Arena.Bytes(addr, n)
	if buf == nil || !b.Layout.Data.Contains(addr, n) {
		panic(fmt.Sprintf("ohcisim: data area exhausted allocating %d bytes", n))
	}
	b.next = addr + n
	return buf
}

// AllocAt returns n bytes of the data area starting offset bytes into the
// next 4 KiB page, for transfers that must cross pages at a known point.
func (b *Bus) AllocAt(n, offset uint32) []byte {
	b.mu.Lock()
	page := (b.next + 0xFFF) &^ 0xFFF
	b.next = page + offset
	b.mu.Unlock()
	return b.Alloc(n, 1)
}
