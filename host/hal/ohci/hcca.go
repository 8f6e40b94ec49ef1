package ohci

// HCCA layout.
const (
	HCCAInterruptTable uint32 = 0x00 // 32 x 32-bit ED pointers
	HCCAFrameNumber    uint32 = 0x80 // 16-bit frame number, 2 bytes pad
	HCCADoneHead       uint32 = 0x84
	HCCAReserved       uint32 = 0x88 // 116 bytes
)

// hcca is the communication area shared with the controller.
type hcca struct {
	b    dma
	addr uint32
}

// clear zeroes the whole area.
func (h hcca) clear() {
	for off := uint32(0); off < HCCASize; off += 4 {
		h.b.set(h.addr+off, 0)
	}
	h.b.flush(h.addr, HCCASize)
}

func (h hcca) entryAddr(i int) uint32 {
	return h.addr + HCCAInterruptTable + 4*uint32(i)
}

// entry returns the ED pointer of interrupt table entry i.
func (h hcca) entry(i int) uint32 {
	return h.b.load(h.entryAddr(i)) & EDPtrMask
}

// setEntry points interrupt table entry i at an ED.
func (h hcca) setEntry(i int, ed uint32) {
	h.b.store(h.entryAddr(i), ed)
}

// frameNumber returns the frame number the controller last wrote.
func (h hcca) frameNumber() uint16 {
	return uint16(h.b.load(h.addr+HCCAFrameNumber) & FmNumberMask)
}

// doneHead returns the raw done-head word.
func (h hcca) doneHead() uint32 {
	return h.b.load(h.addr + HCCADoneHead)
}
