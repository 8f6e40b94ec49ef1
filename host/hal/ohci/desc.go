package ohci

// Hardware endpoint descriptor layout (16 bytes, 16-byte aligned).
const (
	EDCtrl   uint32 = 0x0
	EDTailP  uint32 = 0x4
	EDHeadP  uint32 = 0x8
	EDNextED uint32 = 0xC
	EDSize   uint32 = 16
	EDAlign  uint32 = 16
)

// Endpoint descriptor control word.
const (
	EDFAMask      uint32 = 0x7F
	EDENShift            = 7
	EDENMask      uint32 = 0xF << EDENShift
	EDDirMask     uint32 = 0x3 << 11
	EDDirTD       uint32 = 0
	EDDirOut      uint32 = 1 << 11
	EDDirIn       uint32 = 2 << 11
	EDSpeedLow    uint32 = 1 << 13
	EDSkip        uint32 = 1 << 14
	EDFormatIso   uint32 = 1 << 15
	EDMPSShift           = 16
	EDMPSMask     uint32 = 0x7FF << EDMPSShift
	EDTypeShift          = 27
	EDTypeMask    uint32 = 0x3 << EDTypeShift // software-only; hardware ignores bits 27..31
	EDPtrMask     uint32 = 0xFFFFFFF0
	EDHalted      uint32 = 1 << 0 // in HeadP
	EDToggleCarry uint32 = 1 << 1 // in HeadP
)

// Hardware transfer descriptor layout (16 bytes, 16-byte aligned; 32 for
// isochronous TDs).
const (
	TDCtrl     uint32 = 0x0
	TDCBP      uint32 = 0x4
	TDNextTD   uint32 = 0x8
	TDBE       uint32 = 0xC
	TDSize     uint32 = 16
	TDAlign    uint32 = 16
	TDIsoAlign uint32 = 32
)

// Transfer descriptor control word.
const (
	tdIndexMask  uint32 = 0x3FFFF // software-only; hardware ignores bits 0..17
	tdIndexMax          = 1<<18 - 1
	TDRounding   uint32 = 1 << 18
	TDPIDMask    uint32 = 0x3 << 19
	TDPIDSetup   uint32 = 0
	TDPIDOut     uint32 = 1 << 19
	TDPIDIn      uint32 = 2 << 19
	TDDelayMask  uint32 = 0x7 << 21
	TDNoInt      uint32 = 0x7 << 21
	TDToggleMask uint32 = 0x3 << 24
	TDToggleED   uint32 = 0
	TDToggle0    uint32 = 2 << 24
	TDToggle1    uint32 = 3 << 24
	TDErrShift          = 26
	TDErrMask    uint32 = 0x3 << TDErrShift
	TDCCShift           = 28
	TDCCMask     uint32 = 0xF << TDCCShift
)

// Largest span a single general TD may describe: the controller follows
// at most one 4 KiB page crossing.
const (
	pageSize  uint32 = 4096
	pageMask  uint32 = pageSize - 1
	tdMaxSpan uint32 = 2 * pageSize
)

// Token is the PID of a transfer stage.
type Token uint8

// Transfer tokens.
const (
	TokenSetup Token = iota
	TokenOut
	TokenIn
)

// String returns the token name.
func (t Token) String() string {
	switch t {
	case TokenSetup:
		return "SETUP"
	case TokenOut:
		return "OUT"
	case TokenIn:
		return "IN"
	default:
		return "unknown"
	}
}

func (t Token) pid() uint32 {
	switch t {
	case TokenOut:
		return TDPIDOut
	case TokenIn:
		return TDPIDIn
	default:
		return TDPIDSetup
	}
}

// hcED is the hardware half of an endpoint descriptor.
type hcED struct {
	b    dma
	addr uint32
}

func (e hcED) ctrl() uint32      { return e.b.get(e.addr + EDCtrl) }
func (e hcED) headRaw() uint32   { return e.b.load(e.addr + EDHeadP) }
func (e hcED) head() uint32      { return e.headRaw() & EDPtrMask }
func (e hcED) tail() uint32      { return e.b.get(e.addr+EDTailP) & EDPtrMask }
func (e hcED) next() uint32      { return e.b.get(e.addr+EDNextED) & EDPtrMask }
func (e hcED) halted() bool      { return e.headRaw()&EDHalted != 0 }
func (e hcED) setNext(v uint32)  { e.b.store(e.addr+EDNextED, v) }
func (e hcED) setTail(v uint32)  { e.b.store(e.addr+EDTailP, v) }
func (e hcED) setHead(v uint32)  { e.b.store(e.addr+EDHeadP, v) }
func (e hcED) setCtrl(v uint32)  { e.b.store(e.addr+EDCtrl, v) }
func (e hcED) skipped() bool     { return e.ctrl()&EDSkip != 0 }
func (e hcED) mps() uint32       { return (e.ctrl() & EDMPSMask) >> EDMPSShift }
func (e hcED) lowSpeed() bool    { return e.ctrl()&EDSpeedLow != 0 }
func (e hcED) isochronous() bool { return e.ctrl()&EDFormatIso != 0 }

// setSkip sets or clears the skip bit.
func (e hcED) setSkip(skip bool) {
	c := e.ctrl()
	if skip {
		c |= EDSkip
	} else {
		c &^= EDSkip
	}
	e.setCtrl(c)
}

// init writes a complete descriptor and flushes it once.
func (e hcED) init(ctrl, td uint32) {
	e.b.set(e.addr+EDCtrl, ctrl)
	e.b.set(e.addr+EDTailP, td)
	e.b.set(e.addr+EDHeadP, td)
	e.b.set(e.addr+EDNextED, 0)
	e.b.flush(e.addr, EDSize)
}

// hcTD is the hardware half of a transfer descriptor.
type hcTD struct {
	b    dma
	addr uint32
}

// invalidate refreshes the CPU view of the whole descriptor.
func (t hcTD) invalidate() { t.b.invalidate(t.addr, TDSize) }

func (t hcTD) ctrl() uint32     { return t.b.get(t.addr + TDCtrl) }
func (t hcTD) cbp() uint32      { return t.b.get(t.addr + TDCBP) }
func (t hcTD) next() uint32     { return t.b.get(t.addr+TDNextTD) & EDPtrMask }
func (t hcTD) be() uint32       { return t.b.get(t.addr + TDBE) }
func (t hcTD) index() uint32    { return t.ctrl() & tdIndexMask }
func (t hcTD) setNext(v uint32) { t.b.store(t.addr+TDNextTD, v) }

// code returns the completion code. Callers invalidate first.
func (t hcTD) code() CompletionCode {
	return CompletionCode((t.ctrl() & TDCCMask) >> TDCCShift)
}

// init writes an empty placeholder carrying only the software index.
func (t hcTD) init(ix uint32) {
	t.b.set(t.addr+TDCtrl, ix&tdIndexMask)
	t.b.set(t.addr+TDCBP, 0)
	t.b.set(t.addr+TDNextTD, 0)
	t.b.set(t.addr+TDBE, 0)
	t.b.flush(t.addr, TDSize)
}

// fill programs a TD for a buffer span and links it to next, then flushes.
// The software index bits are preserved.
func (t hcTD) fill(ctrl, buf, n, next uint32) {
	c := t.b.get(t.addr+TDCtrl)&tdIndexMask | ctrl&^tdIndexMask
	t.b.set(t.addr+TDCtrl, c)
	if n == 0 {
		t.b.set(t.addr+TDCBP, 0)
		t.b.set(t.addr+TDBE, 0)
	} else {
		t.b.set(t.addr+TDCBP, buf)
		t.b.set(t.addr+TDBE, buf+n-1)
	}
	t.b.set(t.addr+TDNextTD, next)
	t.b.flush(t.addr, TDSize)
}

// reset returns a TD to the empty placeholder state.
func (t hcTD) reset() {
	t.init(t.index())
}

// tdMaxLen returns the largest TD length at buffer address addr that keeps
// within one page crossing and ends on a packet boundary.
func tdMaxLen(addr, mps uint32) uint32 {
	span := tdMaxSpan - addr&pageMask
	if mps == 0 {
		return span
	}
	return span - span%mps
}
