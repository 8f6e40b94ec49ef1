package ohcisim

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

// port is one root hub port.
type port struct {
	dev       Device
	powered   bool
	enabled   bool
	suspended bool
	resetLeft int
	change    uint32
}

func (p *port) connected() bool { return p.dev != nil && p.powered }

func (p *port) read() uint32 {
	var v uint32
	if p.connected() {
		v |= ohci.PortCCS
		if p.dev.LowSpeed() {
			v |= ohci.PortLSDA
		}
	}
	if p.enabled {
		v |= ohci.PortPES
	}
	if p.suspended {
		v |= ohci.PortPSS
	}
	if p.resetLeft > 0 {
		v |= ohci.PortPRS
	}
	if p.powered {
		v |= ohci.PortPPS
	}
	return v | p.change
}

// flag records a port change and raises the root hub interrupt.
func (c *Controller) flag(i int, bits uint32) {
	c.ports[i].change |= bits
	c.status |= ohci.IntRHSC
}

// ganged reports whether port i (0-based) follows the global power switch.
func (c *Controller) ganged(i int) bool {
	a := c.get(ohci.RegRhDescriptorA)
	if a&ohci.RhaNPS != 0 {
		return false
	}
	if a&ohci.RhaPSM == 0 {
		return true
	}
	ppcm := c.get(ohci.RegRhDescriptorB) >> ohci.RhbPPCMShift
	return ppcm&(1<<(i+1)) == 0
}

func (c *Controller) setPower(i int, on bool) {
	p := &c.ports[i]
	if p.powered == on {
		return
	}
	p.powered = on
	if !on {
		p.enabled, p.suspended, p.resetLeft = false, false, 0
	}
	if p.dev != nil {
		c.flag(i, ohci.PortCSC)
	}
}

func (c *Controller) writePort(i int, val uint32) {
	p := &c.ports[i]
	if val&ohci.PortCCS != 0 && p.enabled {
		p.enabled = false
	}
	if val&ohci.PortPES != 0 {
		if p.connected() {
			p.enabled = true
		} else {
			c.flag(i, ohci.PortCSC)
		}
	}
	if val&ohci.PortPSS != 0 && p.enabled {
		p.suspended = true
	}
	if val&ohci.PortPOCI != 0 && p.suspended {
		p.suspended = false
		c.flag(i, ohci.PortPSSC)
	}
	if val&ohci.PortPRS != 0 {
		if p.connected() {
			p.resetLeft = c.cfg.ResetFrames
		} else {
			c.flag(i, ohci.PortCSC)
		}
	}
	if !c.ganged(i) && c.get(ohci.RegRhDescriptorA)&ohci.RhaNPS == 0 {
		if val&ohci.PortPPS != 0 {
			c.setPower(i, true)
		}
		if val&ohci.PortLSDA != 0 {
			c.setPower(i, false)
		}
	}
	p.change &^= val & ohci.PortChangeMask
}

// hubStatus reads HcRhStatus.
func (c *Controller) hubStatus() uint32 {
	return c.get(ohci.RegRhStatus)
}

func (c *Controller) writeHubStatus(val uint32) {
	for i := range c.ports {
		if !c.ganged(i) {
			continue
		}
		if val&ohci.RhsSetGP != 0 {
			c.setPower(i, true)
		}
		if val&ohci.RhsClrGP != 0 {
			c.setPower(i, false)
		}
	}
	v := c.get(ohci.RegRhStatus)
	v &^= val & ohci.RhsOCIC
	if val&ohci.RhsDRWE != 0 {
		v |= ohci.RhsDRWE
	}
	if val&ohci.RhsCRWE != 0 {
		v &^= ohci.RhsDRWE
	}
	c.set(ohci.RegRhStatus, v)
}

// tickPorts advances port resets by one frame.
func (c *Controller) tickPorts() {
	for i := range c.ports {
		p := &c.ports[i]
		if p.resetLeft == 0 {
			continue
		}
		p.resetLeft--
		if p.resetLeft > 0 {
			continue
		}
		if p.dev != nil {
			p.dev.Reset()
		}
		p.enabled, p.suspended = p.connected(), false
		c.flag(i, ohci.PortPRSC)
	}
}

// device returns the device answering to addr on an enabled port.
func (c *Controller) device(addr uint8) Device {
	for i := range c.ports {
		p := &c.ports[i]
		if p.connected() && p.enabled && !p.suspended && p.resetLeft == 0 && p.dev.Address() == addr {
			return p.dev
		}
	}
	return nil
}

// Attach connects dev to a 1-based port.
func (c *Controller) Attach(port int, dev Device) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port < 1 || port > len(c.ports) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	p := &c.ports[port-1]
	if p.dev != nil {
		return fmt.Errorf("%w: port %d occupied", pkg.ErrBusy, port)
	}
	p.dev = dev
	if p.powered {
		c.flag(port-1, ohci.PortCSC)
	}
	pkg.LogDebug(pkg.ComponentSim, "device attached", "port", port, "low_speed", dev.LowSpeed())
	return nil
}

// Detach disconnects the device on a 1-based port.
func (c *Controller) Detach(port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if port < 1 || port > len(c.ports) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	p := &c.ports[port-1]
	if p.dev == nil {
		return fmt.Errorf("%w: port %d", pkg.ErrNoDevice, port)
	}
	wasConnected, wasEnabled := p.connected(), p.enabled
	p.dev = nil
	p.enabled, p.suspended, p.resetLeft = false, false, 0
	switch {
	case wasConnected && wasEnabled:
		c.flag(port-1, ohci.PortCSC|ohci.PortPESC)
	case wasConnected:
		c.flag(port-1, ohci.PortCSC)
	}
	pkg.LogDebug(pkg.ComponentSim, "device detached", "port", port)
	return nil
}

// HubOverCurrent reports a hub-wide over-current change.
func (c *Controller) HubOverCurrent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.set(ohci.RegRhStatus, c.get(ohci.RegRhStatus)|ohci.RhsOCIC)
	c.status |= ohci.IntRHSC
}
