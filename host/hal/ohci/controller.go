package ohci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softohci/pkg"
)

// resumeSignaling is how long the controller drives resume before it may
// return to the operational state.
const resumeSignaling = 20 * time.Millisecond

// Start resets the controller, programs the frame timing and the HCCA, and
// puts it in the operational state with interrupts enabled.
func (d *Driver) Start(ctx context.Context) error {
	if d.running.Load() {
		return pkg.ErrAlreadyRunning
	}

	r := d.regs
	r.Write32(RegInterruptDisable, IntAll)

	ctrl := r.Read32(RegControl)
	r.Write32(RegControl, ctrl&^(CtrlHCFSMask|CtrlAllListsMask))
	r.Write32(RegControlHeadED, 0)
	r.Write32(RegBulkHeadED, 0)
	r.Write32(RegHCCA, 0)

	r.Write32(RegCommandStatus, CmdHCR)
	d.cfg.Delay(time.Millisecond)
	if r.Read32(RegCommandStatus)&CmdHCR != 0 {
		return fmt.Errorf("%w: controller reset did not complete", pkg.ErrTimeout)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	r.Write32(RegFmInterval, fmIntervalValue(d.cfg.FrameInterval))
	r.Write32(RegPeriodicStart, periodicStartValue(d.cfg.FrameInterval))
	r.Write32(RegHCCA, d.cfg.HCCA)

	lists := CtrlPLE
	d.mu.Lock()
	if head := d.lists[slotControl]; head != nil {
		r.Write32(RegControlHeadED, head.hc.addr)
		r.Write32(RegCommandStatus, CmdCLF)
		lists |= CtrlCLE
	}
	if head := d.lists[slotBulk]; head != nil {
		r.Write32(RegBulkHeadED, head.hc.addr)
		r.Write32(RegCommandStatus, CmdBLF)
		lists |= CtrlBLE
	}
	d.mu.Unlock()

	ctrl = r.Read32(RegControl) &^ (CtrlHCFSMask | CtrlRWE)
	if d.cfg.RemoteWakeup && ctrl&CtrlRWC != 0 {
		ctrl |= CtrlRWE
	}
	d.running.Store(true)
	r.Write32(RegControl, ctrl|CtrlHCFSOperational|lists)
	r.Write32(RegInterruptEnable, baseInterrupts)

	pkg.LogInfo(pkg.ComponentHCD, "controller started",
		"revision", fmt.Sprintf("%#02x", r.Read32(RegRevision)&RevisionMask),
		"ports", d.numPorts(),
		"frame_interval", d.cfg.FrameInterval)
	return nil
}

// Stop puts the controller in reset. Open endpoints stay allocated.
func (d *Driver) Stop() error {
	if !d.running.Load() {
		return pkg.ErrNotRunning
	}
	d.regs.Write32(RegInterruptDisable, IntAll)
	d.regs.Write32(RegControl, CtrlHCFSReset)
	d.running.Store(false)
	pkg.LogInfo(pkg.ComponentHCD, "controller stopped")
	return nil
}

// Suspend stops list processing and, once the current frame is over,
// suspends the bus. It must not be called from the interrupt handler.
func (d *Driver) Suspend(ctx context.Context) error {
	if d.inISR.Load() {
		return ErrInterruptContext
	}
	ctrl := d.regs.Read32(RegControl)
	switch ctrl & CtrlHCFSMask {
	case CtrlHCFSReset, CtrlHCFSSuspend:
		return nil
	}

	d.regs.Write32(RegControl, ctrl&^CtrlAllListsMask)
	if err := d.waitFrame(ctx); err != nil {
		return err
	}
	ctrl = d.regs.Read32(RegControl)
	d.regs.Write32(RegControl, ctrl&^(CtrlHCFSMask|CtrlAllListsMask)|CtrlHCFSSuspend)
	pkg.LogInfo(pkg.ComponentHCD, "controller suspended")
	return nil
}

// Resume drives resume signaling and returns the controller to the
// operational state with the lists that have endpoints re-enabled.
func (d *Driver) Resume(ctx context.Context) error {
	ctrl := d.regs.Read32(RegControl)
	switch ctrl & CtrlHCFSMask {
	case CtrlHCFSResume, CtrlHCFSOperational:
		return nil
	}

	d.regs.Write32(RegControl, ctrl&^CtrlHCFSMask|CtrlHCFSResume)
	d.cfg.Delay(resumeSignaling)
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	lists := CtrlPLE
	if d.lists[slotControl] != nil && d.paused[0] == 0 {
		lists |= CtrlCLE
	}
	if d.lists[slotBulk] != nil && d.paused[1] == 0 {
		lists |= CtrlBLE
	}
	ctrl = d.regs.Read32(RegControl) &^ CtrlHCFSMask
	d.regs.Write32(RegControl, ctrl|CtrlHCFSOperational|lists)
	pkg.LogInfo(pkg.ComponentHCD, "controller resumed")
	return nil
}

// FrameNumber returns the current 16-bit frame number.
func (d *Driver) FrameNumber() uint16 {
	return uint16(d.regs.Read32(RegFmNumber) & FmNumberMask)
}

// Running reports whether Start has succeeded and Stop has not been called.
func (d *Driver) Running() bool { return d.running.Load() }
