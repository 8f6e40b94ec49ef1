package ohcisim

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

// Defaults.
const (
	DefaultPorts           = 2
	DefaultPacketsPerFrame = 16
	DefaultResetFrames     = 10
	DefaultRevision        = 0x10

	maxErrors  = 3   // transmission errors before a TD is retired
	maxListLen = 256 // EDs visited per list walk
)

// Config describes the simulated controller.
type Config struct {
	// Ports is the number of root hub ports, 1..15.
	Ports int `mapstructure:"ports"`

	// PowerSwitching selects ganged or per-port power. NoPowerSwitching
	// keeps every port powered.
	PowerSwitching   ohci.PowerSwitching `mapstructure:"power_switching"`
	NoPowerSwitching bool                `mapstructure:"no_power_switching"`

	// PowerOnToGood is reported in HcRhDescriptorA in units of 2 ms.
	PowerOnToGood uint8 `mapstructure:"power_on_to_good"`

	// PacketsPerFrame bounds the control and bulk transactions run in one
	// frame.
	PacketsPerFrame int `mapstructure:"packets_per_frame"`

	// ResetFrames is how long a port reset takes.
	ResetFrames int `mapstructure:"reset_frames"`

	// RemoteWakeupConnected sets HcControl.RWC.
	RemoteWakeupConnected bool `mapstructure:"remote_wakeup_connected"`
}

func (c Config) withDefaults() Config {
	if c.Ports <= 0 {
		c.Ports = DefaultPorts
	}
	c.Ports = min(c.Ports, ohci.MaxPorts)
	if c.PacketsPerFrame <= 0 {
		c.PacketsPerFrame = DefaultPacketsPerFrame
	}
	if c.ResetFrames <= 0 {
		c.ResetFrames = DefaultResetFrames
	}
	return c
}

// Controller is a software OHCI controller. It implements the register
// block, walks the schedule in Memory one frame per Step and signals
// interrupts by calling the handler given to SetInterruptHandler.
//
// Interrupts are only delivered from Step, never from a register access,
// so driver code may touch registers while holding its own locks.
type Controller struct {
	cfg Config
	mem ohci.Memory

	mu      sync.Mutex
	regs    [ohci.RegBlockSize / 4]uint32
	enable  uint32
	status  uint32
	done    uint32
	frame   uint32
	ports   []port
	stats   Stats
	handler func()

	step sync.Mutex
}

var _ ohci.Registers = (*Controller)(nil)

// New creates a controller in the reset state that walks descriptors in
// mem.
func New(cfg Config, mem ohci.Memory) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		cfg:   cfg,
		mem:   mem,
		ports: make([]port, cfg.Ports),
	}
	for i := range c.ports {
		c.ports[i].powered = cfg.NoPowerSwitching
	}
	c.hardReset()
	return c
}

// SetInterruptHandler installs the function Step calls while an enabled
// interrupt is pending.
func (c *Controller) SetInterruptHandler(f func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = f
}

func (c *Controller) hardReset() {
	c.regs = [len(c.regs)]uint32{}
	c.enable, c.status, c.done, c.frame = 0, 0, 0, 0
	c.set(ohci.RegRevision, DefaultRevision)
	c.set(ohci.RegFmInterval, ohci.DefaultFrameInterval)
	c.set(ohci.RegLSThreshold, 0x628)

	a := uint32(c.cfg.Ports) | uint32(c.cfg.PowerOnToGood)<<ohci.RhaPOTPGTShift | ohci.RhaNOCP
	var ppcm uint32
	switch {
	case c.cfg.NoPowerSwitching:
		a |= ohci.RhaNPS
	case c.cfg.PowerSwitching == ohci.PowerIndividual:
		a |= ohci.RhaPSM
		for p := 1; p <= c.cfg.Ports; p++ {
			ppcm |= 1 << p
		}
	}
	c.set(ohci.RegRhDescriptorA, a)
	c.set(ohci.RegRhDescriptorB, ppcm<<ohci.RhbPPCMShift)

	ctrl := ohci.CtrlHCFSReset
	if c.cfg.RemoteWakeupConnected {
		ctrl |= ohci.CtrlRWC
	}
	c.set(ohci.RegControl, ctrl)
}

func (c *Controller) get(off uint32) uint32    { return c.regs[off/4] }
func (c *Controller) set(off uint32, v uint32) { c.regs[off/4] = v }

// Read32 reads a register.
func (c *Controller) Read32(off uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off >= ohci.RegBlockSize || off&3 != 0:
		return 0
	case off == ohci.RegInterruptStatus:
		return c.status
	case off == ohci.RegInterruptEnable, off == ohci.RegInterruptDisable:
		return c.enable
	case off == ohci.RegFmNumber:
		return c.frame & ohci.FmNumberMask
	case off == ohci.RegRhStatus:
		return c.hubStatus()
	case off >= ohci.RegRhPortStatus:
		i := int(off-ohci.RegRhPortStatus) / 4
		if i >= len(c.ports) {
			return 0
		}
		return c.ports[i].read()
	}
	return c.get(off)
}

// Write32 writes a register with the hardware side effects of each.
func (c *Controller) Write32(off, val uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case off >= ohci.RegBlockSize || off&3 != 0:
	case off == ohci.RegCommandStatus:
		if val&ohci.CmdHCR != 0 {
			c.hardReset()
			c.set(ohci.RegControl, c.get(ohci.RegControl)&^ohci.CtrlHCFSMask|ohci.CtrlHCFSSuspend)
			return
		}
		c.set(off, c.get(off)|val&(ohci.CmdCLF|ohci.CmdBLF|ohci.CmdOCR))
	case off == ohci.RegInterruptStatus:
		c.status &^= val
	case off == ohci.RegInterruptEnable:
		c.enable |= val
	case off == ohci.RegInterruptDisable:
		c.enable &^= val
	case off == ohci.RegRevision, off == ohci.RegFmNumber, off == ohci.RegFmRemaining, off == ohci.RegDoneHead:
	case off == ohci.RegHCCA:
		c.set(off, val&^0xFF)
	case off == ohci.RegRhStatus:
		c.writeHubStatus(val)
	case off >= ohci.RegRhPortStatus:
		i := int(off-ohci.RegRhPortStatus) / 4
		if i < len(c.ports) {
			c.writePort(i, val)
		}
	case off == ohci.RegPeriodCurrentED, off == ohci.RegControlHeadED, off == ohci.RegControlCurED,
		off == ohci.RegBulkHeadED, off == ohci.RegBulkCurED:
		c.set(off, val&ohci.EDPtrMask)
	default:
		c.set(off, val)
	}
}

// Stats counts simulated bus activity.
type Stats struct {
	Frames     uint64
	Packets    [4]uint64 // by Handshake
	Retired    uint64
	Interrupts uint64
}

// Stats returns the activity counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Frame returns the full frame counter.
func (c *Controller) Frame() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frame
}

// Operational reports whether the controller is processing frames.
func (c *Controller) Operational() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.get(ohci.RegControl)&ohci.CtrlHCFSMask == ohci.CtrlHCFSOperational
}

// Step runs one 1 ms frame and delivers a pending interrupt. A controller
// that is not operational does not advance its frame counter.
func (c *Controller) Step() {
	c.step.Lock()
	defer c.step.Unlock()

	c.mu.Lock()
	c.runFrame()
	h := c.handler
	fire := h != nil && c.enable&ohci.IntMIE != 0 && c.status&c.enable&ohci.IntAll&^ohci.IntMIE != 0
	if fire {
		c.stats.Interrupts++
	}
	c.mu.Unlock()

	if fire {
		h()
	}
}

// Delay advances the simulation by whole frames, at least one for any
// positive duration. It is meant for ohci.Config.Delay.
func (c *Controller) Delay(d time.Duration) {
	if d <= 0 {
		return
	}
	n := int((d + time.Millisecond - 1) / time.Millisecond)
	for range n {
		c.Step()
	}
}

// Run steps the controller once per period until ctx ends.
func (c *Controller) Run(ctx context.Context, period time.Duration) error {
	t := time.NewTicker(period)
	defer t.Stop()
	pkg.LogInfo(pkg.ComponentSim, "frame engine running", "period", period, "ports", c.cfg.Ports)
	for {
		select {
		case <-ctx.Done():
			pkg.LogInfo(pkg.ComponentSim, "frame engine stopped", "frames", c.Stats().Frames)
			return ctx.Err()
		case <-t.C:
			c.Step()
		}
	}
}

// runFrame is one frame of controller work. Callers hold c.mu.
func (c *Controller) runFrame() {
	c.tickPorts()
	if c.get(ohci.RegControl)&ohci.CtrlHCFSMask != ohci.CtrlHCFSOperational {
		return
	}

	c.frame++
	c.stats.Frames++
	hcca := c.get(ohci.RegHCCA)
	if hcca != 0 {
		c.mem.Write32(hcca+ohci.HCCAFrameNumber, c.frame&ohci.FmNumberMask)
	}
	c.status |= ohci.IntSF
	if c.frame&0x7FFF == 0 {
		c.status |= ohci.IntFNO
	}

	ctrl := c.get(ohci.RegControl)
	budget := c.cfg.PacketsPerFrame
	if ctrl&ohci.CtrlCLE != 0 {
		c.runList(ohci.RegControlHeadED, ohci.CmdCLF, &budget)
	}
	if ctrl&ohci.CtrlPLE != 0 && hcca != 0 {
		c.runPeriodic(hcca)
	}
	if ctrl&ohci.CtrlBLE != 0 {
		c.runList(ohci.RegBulkHeadED, ohci.CmdBLF, &budget)
	}

	if c.done != 0 && c.status&ohci.IntWDH == 0 && hcca != 0 {
		head := c.done
		if c.status&c.enable&^(ohci.IntWDH|ohci.IntMIE) != 0 {
			head |= 1
		}
		c.mem.Write32(hcca+ohci.HCCADoneHead, head)
		c.set(ohci.RegDoneHead, 0)
		c.done = 0
		c.status |= ohci.IntWDH
	}
}

// runPeriodic walks the interrupt chain of this frame's table entry and
// gives each ED one transaction.
func (c *Controller) runPeriodic(hcca uint32) {
	addr := c.mem.Read32(hcca+ohci.HCCAInterruptTable+4*(c.frame%32)) & ohci.EDPtrMask
	for n := 0; addr != 0 && n < maxListLen; n++ {
		c.set(ohci.RegPeriodCurrentED, addr)
		ed := c.readED(addr)
		if ed.ctrl&ohci.EDFormatIso == 0 {
			c.transact(&ed)
		}
		addr = ed.next
	}
	c.set(ohci.RegPeriodCurrentED, 0)
}

// runList serves a control or bulk list while it has work and budget
// remains. The filled bit is cleared when a pass finds no TD.
func (c *Controller) runList(headReg, filled uint32, budget *int) {
	if c.get(ohci.RegCommandStatus)&filled == 0 {
		return
	}
	found := false
	for progress := true; progress && *budget > 0; {
		progress = false
		addr := c.get(headReg) & ohci.EDPtrMask
		for n := 0; addr != 0 && n < maxListLen && *budget > 0; n++ {
			ed := c.readED(addr)
			if ed.active() {
				found = true
				*budget--
				if c.transact(&ed) == ACK {
					progress = true
				}
			}
			addr = ed.next
		}
	}
	if !found {
		c.set(ohci.RegCommandStatus, c.get(ohci.RegCommandStatus)&^filled)
	}
}

// edState is a working copy of a hardware ED.
type edState struct {
	addr, ctrl, tail, head, next uint32
}

func (c *Controller) readED(addr uint32) edState {
	return edState{
		addr: addr,
		ctrl: c.mem.Read32(addr + ohci.EDCtrl),
		tail: c.mem.Read32(addr+ohci.EDTailP) & ohci.EDPtrMask,
		head: c.mem.Read32(addr + ohci.EDHeadP),
		next: c.mem.Read32(addr+ohci.EDNextED) & ohci.EDPtrMask,
	}
}

func (e *edState) active() bool {
	return e.ctrl&ohci.EDSkip == 0 && e.head&ohci.EDHalted == 0 && e.head&ohci.EDPtrMask != e.tail
}

// transact runs one transaction for the head TD of ed and retires the TD
// when it is done. It returns the device's handshake, or NAK when nothing
// was sent.
func (c *Controller) transact(ed *edState) Handshake {
	if !ed.active() {
		return NAK
	}
	td := ed.head & ohci.EDPtrMask
	tctrl := c.mem.Read32(td + ohci.TDCtrl)
	cbp := c.mem.Read32(td + ohci.TDCBP)
	be := c.mem.Read32(td + ohci.TDBE)

	tok := ohci.TokenIn
	switch ed.ctrl & ohci.EDDirMask {
	case ohci.EDDirOut:
		tok = ohci.TokenOut
	case ohci.EDDirIn:
	default:
		switch tctrl & ohci.TDPIDMask {
		case ohci.TDPIDSetup:
			tok = ohci.TokenSetup
		case ohci.TDPIDOut:
			tok = ohci.TokenOut
		}
	}

	toggle := uint8(ed.head>>1) & 1
	if tctrl&ohci.TDToggle0 != 0 {
		toggle = uint8(tctrl>>24) & 1
	}

	var remaining uint32
	if cbp != 0 {
		remaining = be - cbp + 1
	}
	mps := (ed.ctrl & ohci.EDMPSMask) >> ohci.EDMPSShift

	p := Packet{Endpoint: uint8((ed.ctrl & ohci.EDENMask) >> ohci.EDENShift), Token: tok, Toggle: toggle}
	if tok == ohci.TokenIn {
		p.Data = make([]byte, mps)
	} else {
		p.Data = make([]byte, min(remaining, mps))
		c.mem.ReadAt(p.Data, cbp)
	}

	var n int
	h := NoResponse
	if dev := c.device(uint8(ed.ctrl & ohci.EDFAMask)); dev != nil {
		n, h = dev.Handle(p)
	}
	c.stats.Packets[h]++

	switch h {
	case NAK:
		return NAK
	case STALL:
		c.retire(ed, td, tctrl, cbp, ohci.CCStall, toggle)
		return STALL
	case NoResponse:
		errs := (tctrl&ohci.TDErrMask)>>ohci.TDErrShift + 1
		if errs >= maxErrors {
			c.retire(ed, td, tctrl, cbp, ohci.CCDeviceNotResponding, toggle)
		} else {
			c.mem.Write32(td+ohci.TDCtrl, tctrl&^ohci.TDErrMask|errs<<ohci.TDErrShift)
		}
		return NoResponse
	}

	if tok == ohci.TokenIn {
		if uint32(n) > remaining || uint32(n) > mps {
			c.retire(ed, td, tctrl, cbp, ohci.CCDataOverrun, toggle)
			return ACK
		}
		c.mem.WriteAt(p.Data[:n], cbp)
	}
	toggle ^= 1
	tctrl = tctrl&^(ohci.TDToggleMask|ohci.TDErrMask) | ohci.TDToggle0 | uint32(toggle)<<24

	left := remaining - uint32(n)
	next := cbp + uint32(n)
	if left == 0 {
		next = 0
	}
	short := tok == ohci.TokenIn && uint32(n) < mps && left > 0
	switch {
	case left == 0:
		c.retire(ed, td, tctrl, next, ohci.CCNoError, toggle)
	case short && tctrl&ohci.TDRounding != 0:
		c.retire(ed, td, tctrl, next, ohci.CCNoError, toggle)
	case short:
		c.retire(ed, td, tctrl, next, ohci.CCDataUnderrun, toggle)
	default:
		c.mem.Write32(td+ohci.TDCtrl, tctrl)
		c.mem.Write32(td+ohci.TDCBP, next)
		ed.head = ed.head&^ohci.EDToggleCarry | uint32(toggle)<<1
		c.mem.Write32(ed.addr+ohci.EDHeadP, ed.head)
	}
	return ACK
}

// retire writes the completion code, moves the ED past the TD and pushes
// the TD on the done list. Any code but NoError halts the ED.
func (c *Controller) retire(ed *edState, td, tctrl, cbp uint32, cc ohci.CompletionCode, toggle uint8) {
	tctrl = tctrl&^ohci.TDCCMask | uint32(cc)<<ohci.TDCCShift
	c.mem.Write32(td+ohci.TDCtrl, tctrl)
	c.mem.Write32(td+ohci.TDCBP, cbp)
	next := c.mem.Read32(td+ohci.TDNextTD) & ohci.EDPtrMask

	head := next | uint32(toggle)<<1
	if cc != ohci.CCNoError {
		head |= ohci.EDHalted
	}
	ed.head = head
	c.mem.Write32(ed.addr+ohci.EDHeadP, head)

	c.mem.Write32(td+ohci.TDNextTD, c.done)
	c.done = td
	c.set(ohci.RegDoneHead, td)
	c.stats.Retired++
}
