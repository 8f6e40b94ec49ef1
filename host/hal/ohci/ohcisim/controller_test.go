package ohcisim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/pkg"
)

func newTestController(cfg Config) (*Controller, *Arena) {
	a := NewArena(0x1000_0000, 4096)
	return New(cfg, a), a
}

// operational starts the controller with the HCCA at the arena base.
func operational(c *Controller) {
	c.Write32(ohci.RegHCCA, 0x1000_0000)
	c.Write32(ohci.RegControl, ohci.CtrlHCFSOperational)
}

// =============================================================================
// Register Tests
// =============================================================================

func TestController_ResetState(t *testing.T) {
	c, _ := newTestController(Config{PowerSwitching: ohci.PowerIndividual, PowerOnToGood: 5})

	tests := []struct {
		name string
		reg  uint32
		mask uint32
		want uint32
	}{
		{"revision", ohci.RegRevision, 0xFF, DefaultRevision},
		{"functional state", ohci.RegControl, ohci.CtrlHCFSMask, ohci.CtrlHCFSReset},
		{"frame interval", ohci.RegFmInterval, 0x3FFF, ohci.DefaultFrameInterval},
		{"ports", ohci.RegRhDescriptorA, ohci.RhaNDPMask, DefaultPorts},
		{"per-port power", ohci.RegRhDescriptorA, ohci.RhaPSM | ohci.RhaNPS, ohci.RhaPSM},
		{"power on to good", ohci.RegRhDescriptorA, ohci.RhaPOTPGTMask, 5 << ohci.RhaPOTPGTShift},
		{"port power control mask", ohci.RegRhDescriptorB, ohci.RhbPPCMMask, 0x6 << ohci.RhbPPCMShift},
		{"frame number", ohci.RegFmNumber, 0xFFFFFFFF, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.Read32(tt.reg) & tt.mask; got != tt.want {
				t.Errorf("Read32(%#x) & %#x = %#x, want %#x", tt.reg, tt.mask, got, tt.want)
			}
		})
	}
}

func TestController_InterruptRegisters(t *testing.T) {
	c, _ := newTestController(Config{})

	c.Write32(ohci.RegInterruptEnable, ohci.IntWDH|ohci.IntMIE)
	c.Write32(ohci.RegInterruptEnable, ohci.IntSF)
	if got := c.Read32(ohci.RegInterruptEnable); got != ohci.IntWDH|ohci.IntMIE|ohci.IntSF {
		t.Errorf("enable = %#x after two sets", got)
	}
	c.Write32(ohci.RegInterruptDisable, ohci.IntSF)
	if got := c.Read32(ohci.RegInterruptDisable); got != ohci.IntWDH|ohci.IntMIE {
		t.Errorf("enable read through disable = %#x", got)
	}

	operational(c)
	c.Step()
	if c.Read32(ohci.RegInterruptStatus)&ohci.IntSF == 0 {
		t.Fatal("start of frame not flagged")
	}
	c.Write32(ohci.RegInterruptStatus, ohci.IntWDH)
	if c.Read32(ohci.RegInterruptStatus)&ohci.IntSF == 0 {
		t.Error("writing another bit cleared start of frame")
	}
	c.Write32(ohci.RegInterruptStatus, ohci.IntSF)
	if c.Read32(ohci.RegInterruptStatus)&ohci.IntSF != 0 {
		t.Error("write-1-to-clear left start of frame set")
	}
}

func TestController_CommandStatus(t *testing.T) {
	c, _ := newTestController(Config{})

	c.Write32(ohci.RegCommandStatus, ohci.CmdCLF)
	c.Write32(ohci.RegCommandStatus, ohci.CmdBLF)
	if got := c.Read32(ohci.RegCommandStatus); got != ohci.CmdCLF|ohci.CmdBLF {
		t.Errorf("command status = %#x, want both filled bits", got)
	}

	c.Write32(ohci.RegControlHeadED, 0x1000_0047)
	c.Write32(ohci.RegHCCA, 0x1000_01FF)
	if got := c.Read32(ohci.RegControlHeadED); got != 0x1000_0040 {
		t.Errorf("control head = %#x, want low bits masked", got)
	}
	if got := c.Read32(ohci.RegHCCA); got != 0x1000_0100 {
		t.Errorf("HCCA = %#x, want 256-byte aligned", got)
	}

	c.Write32(ohci.RegCommandStatus, ohci.CmdHCR)
	if got := c.Read32(ohci.RegCommandStatus); got != 0 {
		t.Errorf("command status after reset = %#x", got)
	}
	if c.Read32(ohci.RegHCCA) != 0 || c.Read32(ohci.RegControlHeadED) != 0 {
		t.Error("software reset kept pointer registers")
	}
	if got := c.Read32(ohci.RegControl) & ohci.CtrlHCFSMask; got != ohci.CtrlHCFSSuspend {
		t.Errorf("state after software reset = %#x, want suspend", got)
	}
}

func TestController_ReadOnlyRegisters(t *testing.T) {
	c, _ := newTestController(Config{})
	c.Write32(ohci.RegRevision, 0xFF)
	c.Write32(ohci.RegFmNumber, 0x1234)
	c.Write32(0x3, 0xFF)
	c.Write32(ohci.RegBlockSize, 0xFF)

	if c.Read32(ohci.RegRevision) != DefaultRevision || c.Read32(ohci.RegFmNumber) != 0 {
		t.Error("read-only register was written")
	}
	if c.Read32(ohci.RegBlockSize) != 0 || c.Read32(0x3) != 0 {
		t.Error("access outside the block returned data")
	}
}

// =============================================================================
// Frame Engine Tests
// =============================================================================

func TestController_Frames(t *testing.T) {
	c, a := newTestController(Config{})

	c.Step()
	if c.Frame() != 0 {
		t.Fatal("frame counter advanced in reset")
	}

	operational(c)
	if !c.Operational() {
		t.Fatal("Operational() = false")
	}
	c.Step()
	if c.Frame() != 1 || a.Read32(0x1000_0000+ohci.HCCAFrameNumber) != 1 {
		t.Errorf("frame %d, HCCA frame %d; want 1", c.Frame(), a.Read32(0x1000_0000+ohci.HCCAFrameNumber))
	}

	tests := []struct {
		d    time.Duration
		want uint32
	}{
		{0, 0},
		{-time.Millisecond, 0},
		{time.Microsecond, 1},
		{time.Millisecond, 1},
		{2500 * time.Microsecond, 3},
	}
	for _, tt := range tests {
		before := c.Frame()
		c.Delay(tt.d)
		if got := c.Frame() - before; got != tt.want {
			t.Errorf("Delay(%v) advanced %d frames, want %d", tt.d, got, tt.want)
		}
	}
	if got := c.Stats().Frames; got != uint64(c.Frame()) {
		t.Errorf("Stats().Frames = %d, want %d", got, c.Frame())
	}
}

func TestController_InterruptDelivery(t *testing.T) {
	c, _ := newTestController(Config{})
	calls := 0
	c.SetInterruptHandler(func() {
		calls++
		c.Write32(ohci.RegInterruptStatus, ohci.IntSF)
	})
	operational(c)

	c.Step()
	if calls != 0 {
		t.Fatal("handler called with interrupts disabled")
	}
	c.Write32(ohci.RegInterruptEnable, ohci.IntSF)
	c.Step()
	if calls != 0 {
		t.Fatal("handler called without the master enable")
	}
	c.Write32(ohci.RegInterruptEnable, ohci.IntMIE)
	c.Step()
	c.Step()
	if calls != 2 || c.Stats().Interrupts != 2 {
		t.Errorf("handler called %d times, stats %d; want 2", calls, c.Stats().Interrupts)
	}
}

func TestController_Run(t *testing.T) {
	c, _ := newTestController(Config{})
	operational(c)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx, 100*time.Microsecond); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v", err)
	}
	if c.Frame() == 0 {
		t.Error("Run() stepped no frames")
	}
}

// =============================================================================
// Root Hub Tests
// =============================================================================

func TestController_AttachDetach(t *testing.T) {
	c, _ := newTestController(Config{NoPowerSwitching: true})
	fn := NewFunction(false, nil)

	if err := c.Attach(0, fn); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("Attach(0) error = %v", err)
	}
	if err := c.Attach(1, fn); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if err := c.Attach(1, fn); !errors.Is(err, pkg.ErrBusy) {
		t.Errorf("second Attach() error = %v, want ErrBusy", err)
	}

	got := c.Read32(ohci.PortReg(1))
	if got&ohci.PortCCS == 0 || got&ohci.PortPPS == 0 || got&ohci.PortCSC == 0 {
		t.Errorf("port status = %#x, want connected, powered and changed", got)
	}
	if c.Read32(ohci.RegInterruptStatus)&ohci.IntRHSC == 0 {
		t.Error("attach did not raise the root hub interrupt")
	}

	if err := c.Detach(2); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("Detach() of empty port error = %v", err)
	}
	if err := c.Detach(1); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if c.Read32(ohci.PortReg(1))&ohci.PortCCS != 0 {
		t.Error("port still connected after detach")
	}
}

func TestController_PortReset(t *testing.T) {
	c, _ := newTestController(Config{PowerSwitching: ohci.PowerIndividual, ResetFrames: 3})
	fn := NewFunction(false, nil)
	fn.addr = 9
	reg := ohci.PortReg(1)

	if err := c.Attach(1, fn); err != nil {
		t.Fatal(err)
	}
	if c.Read32(reg)&ohci.PortCCS != 0 {
		t.Fatal("unpowered port reports a connection")
	}

	c.Write32(reg, ohci.PortPPS)
	c.Write32(reg, ohci.PortCSC)
	if got := c.Read32(reg); got&ohci.PortCCS == 0 || got&ohci.PortCSC != 0 {
		t.Fatalf("port status = %#x after power and acknowledge", got)
	}

	c.Write32(reg, ohci.PortPRS)
	for i := range 3 {
		if c.Read32(reg)&ohci.PortPRS == 0 {
			t.Fatalf("reset ended after %d frames", i)
		}
		c.Step()
	}
	got := c.Read32(reg)
	if got&ohci.PortPRS != 0 || got&ohci.PortPES == 0 || got&ohci.PortPRSC == 0 {
		t.Errorf("port status = %#x, want enabled with reset change", got)
	}
	if fn.Address() != 0 {
		t.Errorf("device address = %d after reset, want 0", fn.Address())
	}

	c.Write32(reg, ohci.PortLSDA)
	if got := c.Read32(reg); got&(ohci.PortPPS|ohci.PortPES|ohci.PortCCS) != 0 {
		t.Errorf("port status = %#x after power off", got)
	}
}

func TestController_GangedPower(t *testing.T) {
	c, _ := newTestController(Config{Ports: 3, PowerSwitching: ohci.PowerGanged})

	// Per-port power writes do nothing on a ganged hub.
	c.Write32(ohci.PortReg(2), ohci.PortPPS)
	if c.Read32(ohci.PortReg(2))&ohci.PortPPS != 0 {
		t.Fatal("ganged port powered individually")
	}

	c.Write32(ohci.RegRhStatus, ohci.RhsSetGP)
	for port := 1; port <= 3; port++ {
		if c.Read32(ohci.PortReg(port))&ohci.PortPPS == 0 {
			t.Errorf("port %d unpowered after set global power", port)
		}
	}
	c.Write32(ohci.RegRhStatus, ohci.RhsClrGP)
	if c.Read32(ohci.PortReg(1))&ohci.PortPPS != 0 {
		t.Error("port powered after clear global power")
	}
	if c.Read32(ohci.PortReg(4)) != 0 {
		t.Error("port beyond the hub reads non-zero")
	}
}

func TestController_HubOverCurrent(t *testing.T) {
	c, _ := newTestController(Config{})
	c.HubOverCurrent()
	if c.Read32(ohci.RegRhStatus)&ohci.RhsOCIC == 0 {
		t.Fatal("over-current change not flagged")
	}
	c.Write32(ohci.RegRhStatus, ohci.RhsOCIC)
	if c.Read32(ohci.RegRhStatus)&ohci.RhsOCIC != 0 {
		t.Error("over-current change not cleared")
	}

	c.Write32(ohci.RegRhStatus, ohci.RhsDRWE)
	if c.Read32(ohci.RegRhStatus)&ohci.RhsDRWE == 0 {
		t.Error("remote wakeup enable not set")
	}
	c.Write32(ohci.RegRhStatus, ohci.RhsCRWE)
	if c.Read32(ohci.RegRhStatus)&ohci.RhsDRWE != 0 {
		t.Error("remote wakeup enable not cleared")
	}
}
