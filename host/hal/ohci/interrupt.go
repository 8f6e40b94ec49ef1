package ohci

import "github.com/ardnew/softohci/pkg"

// baseInterrupts are enabled by Start.
const baseInterrupts = IntMIE | IntWDH | IntRD | IntSO | IntUE

// HandleInterrupt services the controller interrupt. It is the driver's
// interrupt entry point: it never blocks on a frame boundary, and
// operations that do are refused while it runs, including from the
// callbacks it invokes.
func (d *Driver) HandleInterrupt() {
	d.isr.Lock()
	defer d.isr.Unlock()

	d.inISR.Store(true)
	defer d.inISR.Store(false)

	status := d.regs.Read32(RegInterruptStatus) & d.regs.Read32(RegInterruptEnable) & IntAll &^ IntMIE
	if status == 0 {
		return
	}

	if status&IntSO != 0 {
		d.m.Interrupts.WithLabelValues("scheduling-overrun").Inc()
		pkg.LogWarn(pkg.ComponentHCD, "scheduling overrun",
			"count", (d.regs.Read32(RegCommandStatus)&CmdSOCMask)>>CmdSOCShift)
	}

	if status&IntUE != 0 {
		d.m.Interrupts.WithLabelValues("unrecoverable-error").Inc()
		pkg.LogError(pkg.ComponentHCD, "controller reported unrecoverable error")
		if d.cfg.OnUnrecoverable != nil {
			d.cfg.OnUnrecoverable()
		}
	}

	if status&IntRHSC != 0 {
		d.m.Interrupts.WithLabelValues("root-hub").Inc()
		if changed := d.rootHubChanges(); changed != 0 && d.cfg.OnRootHubChange != nil {
			d.cfg.OnRootHubChange(changed)
		}
	}

	if status&IntRD != 0 {
		d.m.Interrupts.WithLabelValues("resume").Inc()
		pkg.LogInfo(pkg.ComponentHCD, "resume detected")
	}

	if status&IntWDH != 0 {
		d.m.Interrupts.WithLabelValues("done-queue").Inc()
		head := d.hcca.doneHead()

		d.notes = d.notes[:0]
		d.mu.Lock()
		d.processDoneQueue(head)
		d.mu.Unlock()

		// The controller may write the done head again once WDH is clear.
		d.regs.Write32(RegInterruptStatus, IntWDH)
		status &^= IntWDH

		for _, n := range d.notes {
			if d.cfg.OnComplete != nil {
				d.cfg.OnComplete(n.ep, n.urb)
			}
		}
	}

	if status != 0 {
		d.regs.Write32(RegInterruptStatus, status)
	}
}

// rootHubChanges acknowledges a hub-level over-current change and collects
// the ports with pending change bits. Bit 0 stands for the hub itself and
// bit n for port n.
func (d *Driver) rootHubChanges() uint32 {
	var changed uint32
	if d.regs.Read32(RegRhStatus)&RhsOCIC != 0 {
		d.regs.Write32(RegRhStatus, RhsOCIC)
		pkg.LogWarn(pkg.ComponentRootHub, "root hub over-current change")
		changed |= 1
	}
	for port := 1; port <= d.numPorts(); port++ {
		if d.regs.Read32(PortReg(port))&PortChangeMask != 0 {
			changed |= 1 << port
		}
	}
	if changed&^1 != 0 {
		pkg.LogDebug(pkg.ComponentRootHub, "port status change", "ports", changed)
	}
	return changed
}
