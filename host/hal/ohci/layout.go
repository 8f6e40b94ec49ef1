package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/pkg"
)

// LayoutConfig sizes the DMA memory a driver instance needs.
type LayoutConfig struct {
	EDs         int    `mapstructure:"eds"`
	TDs         int    `mapstructure:"tds"`
	CopyBufs    int    `mapstructure:"copy_bufs"`
	CopyBufSize uint32 `mapstructure:"copy_buf_size"`
}

// Layout is a DMA region carved into the HCCA, the descriptor pools and an
// optional bounce area. Data is what remains for transfer buffers.
type Layout struct {
	HCCA     uint32
	EDPool   *BlockPool
	TDPool   *BlockPool
	CopyPool *BlockPool
	Data     Region
}

// Carve splits r in address order: HCCA, EDs, TDs, copy buffers, data.
// One extra ED is reserved for the periodic dummy.
func Carve(r Region, lc LayoutConfig) (Layout, error) {
	var l Layout
	next := (r.Base + HCCAAlign - 1) &^ (HCCAAlign - 1)
	end := uint64(r.Base) + uint64(r.Size)
	take := func(n uint32, align uint32) (Region, error) {
		base := (next + align - 1) &^ (align - 1)
		if uint64(base)+uint64(n) > end {
			return Region{}, fmt.Errorf("%w: region of %d bytes too small for layout", pkg.ErrNoMemory, r.Size)
		}
		next = base + n
		return Region{Base: base, Size: n}, nil
	}

	hcca, err := take(HCCASize, HCCAAlign)
	if err != nil {
		return l, err
	}
	l.HCCA = hcca.Base

	eds, err := take(EDSize*uint32(lc.EDs+1), EDAlign)
	if err != nil {
		return l, err
	}
	if l.EDPool, err = NewBlockPool(eds, EDSize, EDAlign, lc.EDs+1); err != nil {
		return l, err
	}

	tds, err := take(TDSize*uint32(lc.TDs), TDAlign)
	if err != nil {
		return l, err
	}
	if l.TDPool, err = NewBlockPool(tds, TDSize, TDAlign, lc.TDs); err != nil {
		return l, err
	}

	if lc.CopyBufs > 0 {
		size := (lc.CopyBufSize + TDAlign - 1) &^ (TDAlign - 1)
		cb, err := take(size*uint32(lc.CopyBufs), TDAlign)
		if err != nil {
			return l, err
		}
		if l.CopyPool, err = NewBlockPool(cb, lc.CopyBufSize, TDAlign, lc.CopyBufs); err != nil {
			return l, err
		}
	}

	l.Data = Region{Base: next, Size: uint32(end - uint64(next))}
	return l, nil
}
