package ohci

import (
	"time"

	"github.com/ardnew/softohci/pkg"
)

// PowerSwitching describes how port power is controlled.
type PowerSwitching uint8

// Power switching modes.
const (
	PowerGanged PowerSwitching = iota
	PowerIndividual
)

// OverCurrentMode describes how over-current is reported.
type OverCurrentMode uint8

// Over-current modes.
const (
	OverCurrentGlobal OverCurrentMode = iota
	OverCurrentIndividual
	OverCurrentNone
)

// RootHubInfo describes the root hub from HcRhDescriptorA.
type RootHubInfo struct {
	Ports          int
	PowerSwitching PowerSwitching
	OverCurrent    OverCurrentMode
	PowerOnToGood  time.Duration
}

// RootHubInfo reads the root hub characteristics.
func (d *Driver) RootHubInfo() RootHubInfo {
	a := d.regs.Read32(RegRhDescriptorA)
	info := RootHubInfo{
		Ports:         int(a & RhaNDPMask),
		PowerOnToGood: time.Duration((a&RhaPOTPGTMask)>>RhaPOTPGTShift) * 2 * time.Millisecond,
	}
	if a&RhaNPS == 0 && a&RhaPSM != 0 {
		info.PowerSwitching = PowerIndividual
	}
	switch {
	case a&RhaNOCP != 0:
		info.OverCurrent = OverCurrentNone
	case a&RhaOCPM != 0:
		info.OverCurrent = OverCurrentIndividual
	}
	return info
}

func (d *Driver) numPorts() int {
	n := int(d.regs.Read32(RegRhDescriptorA) & RhaNDPMask)
	return min(n, MaxPorts)
}

func (d *Driver) validPort(port int) bool {
	return port >= 1 && port <= d.numPorts()
}

// PortStatus is the state and change halves of a port or hub status
// register.
type PortStatus struct {
	Status uint16
	Change uint16
}

// Connected reports a device on the port.
func (s PortStatus) Connected() bool { return uint32(s.Status)&PortCCS != 0 }

// Enabled reports an enabled port.
func (s PortStatus) Enabled() bool { return uint32(s.Status)&PortPES != 0 }

// LowSpeed reports a low-speed device on the port.
func (s PortStatus) LowSpeed() bool { return uint32(s.Status)&PortLSDA != 0 }

// PortStatus reads a port status register. Port 0 reads the hub status.
// Ports that do not exist read as zero.
func (d *Driver) PortStatus(port int) PortStatus {
	var v uint32
	switch {
	case port == 0:
		v = d.regs.Read32(RegRhStatus)
	case d.validPort(port):
		v = d.regs.Read32(PortReg(port))
	default:
		return PortStatus{}
	}
	return PortStatus{Status: uint16(v & PortStateMask), Change: uint16(v >> 16)}
}

// PortFeature is a hub class port feature selector.
type PortFeature uint8

// Port features.
const (
	FeatureConnection   PortFeature = 0
	FeatureEnable       PortFeature = 1
	FeatureSuspend      PortFeature = 2
	FeatureOverCurrent  PortFeature = 3
	FeatureReset        PortFeature = 4
	FeaturePower        PortFeature = 8
	FeatureLowSpeed     PortFeature = 9
	FeatureCConnection  PortFeature = 16
	FeatureCEnable      PortFeature = 17
	FeatureCSuspend     PortFeature = 18
	FeatureCOverCurrent PortFeature = 19
	FeatureCReset       PortFeature = 20
)

// PortRequest sets or clears a port feature. It reports false for ports
// that do not exist. Features a root hub cannot act on are accepted and
// ignored.
func (d *Driver) PortRequest(port int, f PortFeature, set bool) bool {
	if !d.validPort(port) {
		return false
	}
	reg := PortReg(port)
	var w uint32
	if set {
		switch f {
		case FeatureEnable:
			w = PortPES
		case FeatureSuspend:
			w = PortPSS
		case FeatureReset:
			w = PortPRS
		case FeaturePower:
			switch d.PowerMode(port) {
			case PortPowerGlobal:
				d.regs.Write32(RegRhStatus, RhsSetGP)
			case PortPowerIndividual:
				w = PortPPS
			}
		}
	} else {
		switch f {
		case FeatureEnable:
			w = PortCCS
		case FeatureSuspend:
			w = PortPOCI
		case FeaturePower:
			switch d.PowerMode(port) {
			case PortPowerGlobal:
				d.regs.Write32(RegRhStatus, RhsClrGP)
			case PortPowerIndividual:
				w = PortLSDA
			}
		case FeatureCConnection:
			w = PortCSC
		case FeatureCEnable:
			w = PortPESC
		case FeatureCSuspend:
			w = PortPSSC
		case FeatureCOverCurrent:
			w = PortOCIC
		case FeatureCReset:
			w = PortPRSC
		}
	}
	if w != 0 {
		d.regs.Write32(reg, w)
	}
	pkg.LogDebug(pkg.ComponentRootHub, "port request", "port", port, "feature", uint8(f), "set", set)
	return true
}

// PortPower is how a port's power is switched.
type PortPower uint8

// Port power modes.
const (
	PortPowerAlways PortPower = iota
	PortPowerIndividual
	PortPowerGlobal
)

// PowerMode reports how a port is powered.
func (d *Driver) PowerMode(port int) PortPower {
	a := d.regs.Read32(RegRhDescriptorA)
	if a&RhaNPS != 0 {
		return PortPowerAlways
	}
	if a&RhaPSM != 0 {
		ppcm := (d.regs.Read32(RegRhDescriptorB) & RhbPPCMMask) >> RhbPPCMShift
		if ppcm&(1<<port) != 0 {
			return PortPowerIndividual
		}
	}
	return PortPowerGlobal
}

// SetGlobalPower switches power to all ganged ports.
func (d *Driver) SetGlobalPower(on bool) {
	if on {
		d.regs.Write32(RegRhStatus, RhsSetGP)
	} else {
		d.regs.Write32(RegRhStatus, RhsClrGP)
	}
}

// RootHubInterrupts enables or disables root hub status change interrupts.
func (d *Driver) RootHubInterrupts(enable bool) {
	if enable {
		d.regs.Write32(RegInterruptEnable, IntRHSC)
	} else {
		d.regs.Write32(RegInterruptDisable, IntRHSC)
	}
}
