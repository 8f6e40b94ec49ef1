package ohci_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/ohcisim"
	"github.com/ardnew/softohci/pkg"
)

// =============================================================================
// Host HAL Tests
// =============================================================================

// newHostHAL returns an initialized and started adapter over a simulated
// controller whose frame engine runs until the test ends. Caller buffers
// are bounced, so ordinary Go slices work.
func newHostHAL(t *testing.T) (*ohci.HostHAL, *ohcisim.Bus) {
	t.Helper()

	bus, err := ohcisim.NewBus(ohcisim.Config{PowerSwitching: ohci.PowerIndividual},
		ohci.LayoutConfig{EDs: 16, TDs: 64, CopyBufs: 8, CopyBufSize: 512}, rigArenaSize)
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}
	cfg := bus.DriverConfig()
	cfg.MaxEndpoints, cfg.MaxTransfers = 16, 64

	h, err := ohci.NewHostHAL(cfg, ohci.HostOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("NewHostHAL() error = %v", err)
	}
	bus.Controller.SetInterruptHandler(h.Driver().HandleInterrupt)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Controller.Run(ctx, 100*time.Microsecond)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	if err := h.Init(ctx); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := h.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	return h, bus
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// enumerate connects fn to port 1, resets it and moves it to address 5.
func enumerate(t *testing.T, h *ohci.HostHAL, bus *ohcisim.Bus, fn *ohcisim.Function) {
	t.Helper()
	ctx := waitCtx(t)

	if err := bus.Controller.Attach(1, fn); err != nil {
		t.Fatal(err)
	}
	port, err := h.WaitForConnection(ctx)
	if err != nil || port != 1 {
		t.Fatalf("WaitForConnection() = %d, %v; want port 1", port, err)
	}
	if err := h.ResetPort(port); err != nil {
		t.Fatalf("ResetPort() error = %v", err)
	}
	if err := h.SetDeviceAddress(ctx, 5); err != nil {
		t.Fatalf("SetDeviceAddress() error = %v", err)
	}
	if fn.Address() != 5 {
		t.Fatalf("device address = %d, want 5", fn.Address())
	}
}

func TestHostHAL_Enumeration(t *testing.T) {
	h, bus := newHostHAL(t)
	ctx := waitCtx(t)
	fn := ohcisim.NewFunction(false, testDeviceDescriptor)

	if h.NumPorts() != ohcisim.DefaultPorts {
		t.Errorf("NumPorts() = %d, want %d", h.NumPorts(), ohcisim.DefaultPorts)
	}
	if _, err := h.GetPortStatus(0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("GetPortStatus(0) error = %v", err)
	}
	if err := h.ResetPort(2); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ResetPort() of empty port error = %v, want ErrNoDevice", err)
	}

	if err := bus.Controller.Attach(1, fn); err != nil {
		t.Fatal(err)
	}
	port, err := h.WaitForConnection(ctx)
	if err != nil || port != 1 {
		t.Fatalf("WaitForConnection() = %d, %v", port, err)
	}
	ps, err := h.GetPortStatus(1)
	if err != nil || !ps.Connected || !ps.PowerOn || ps.Speed != hal.SpeedFull {
		t.Fatalf("GetPortStatus(1) = %+v, %v", ps, err)
	}
	if err := h.ResetPort(1); err != nil {
		t.Fatalf("ResetPort() error = %v", err)
	}
	if ps, _ := h.GetPortStatus(1); !ps.Enabled {
		t.Fatalf("port not enabled after reset: %+v", ps)
	}

	setup := hal.SetupPacket{RequestType: 0x80, Request: 6, Value: 0x0100, Length: 18}
	desc := make([]byte, 64)
	n, err := h.ControlTransfer(ctx, 0, &setup, desc)
	if err != nil || n != 18 {
		t.Fatalf("ControlTransfer(GET_DESCRIPTOR) = %d, %v; want 18", n, err)
	}
	if !bytes.Equal(desc[:n], testDeviceDescriptor) {
		t.Errorf("descriptor = %x", desc[:n])
	}

	if err := h.SetDeviceAddress(ctx, 5); err != nil {
		t.Fatalf("SetDeviceAddress() error = %v", err)
	}
	if fn.Address() != 5 {
		t.Errorf("device address = %d, want 5", fn.Address())
	}
	if err := h.SetDeviceAddress(ctx, 0); !errors.Is(err, pkg.ErrInvalidParameter) {
		t.Errorf("SetDeviceAddress(0) error = %v", err)
	}
	if _, err := h.ControlTransfer(ctx, 0, &setup, desc); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ControlTransfer() to the old address error = %v, want ErrNoDevice", err)
	}

	setConfig := hal.SetupPacket{RequestType: 0x00, Request: 9, Value: 1}
	if _, err := h.ControlTransfer(ctx, 5, &setConfig, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION error = %v", err)
	}
	if fn.Configuration() != 1 {
		t.Errorf("configuration = %d, want 1", fn.Configuration())
	}

	if err := bus.Controller.Detach(1); err != nil {
		t.Fatal(err)
	}
	port, err = h.WaitForDisconnection(ctx)
	if err != nil || port != 1 {
		t.Fatalf("WaitForDisconnection() = %d, %v", port, err)
	}
	if _, err := h.ControlTransfer(ctx, 5, &setConfig, nil); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ControlTransfer() after disconnect error = %v, want ErrNoDevice", err)
	}
	if got := h.Driver().EndpointsInUse(); got != 0 {
		t.Errorf("EndpointsInUse() = %d after disconnect", got)
	}

	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestHostHAL_DataTransfers(t *testing.T) {
	h, bus := newHostHAL(t)
	ctx := waitCtx(t)
	fn := ohcisim.NewFunction(false, testDeviceDescriptor)
	enumerate(t, h, bus, fn)

	for _, desc := range []hal.EndpointDescriptor{
		{Address: 0x81, Attributes: 0x02, MaxPacketSize: 64},
		{Address: 0x02, Attributes: 0x02, MaxPacketSize: 64},
		{Address: 0x83, Attributes: 0x03, MaxPacketSize: 8, Interval: 8},
	} {
		if err := h.ConfigureEndpoint(ctx, 5, &desc); err != nil {
			t.Fatalf("ConfigureEndpoint(%#02x) error = %v", desc.Address, err)
		}
	}
	if err := h.ConfigureEndpoint(ctx, 9, &hal.EndpointDescriptor{Address: 0x81, Attributes: 0x02}); !errors.Is(err, pkg.ErrNoDevice) {
		t.Errorf("ConfigureEndpoint() on unknown device error = %v", err)
	}

	t.Run("bulk out larger than a copy buffer", func(t *testing.T) {
		data := make([]byte, 1000)
		fill(data, 11)
		n, err := h.BulkTransfer(ctx, 5, 0x02, data)
		if err != nil || n != len(data) {
			t.Fatalf("BulkTransfer() = %d, %v; want %d", n, err, len(data))
		}
		if got := fn.Received(2); !bytes.Equal(got, data) {
			t.Errorf("device received %d bytes, want all %d intact", len(got), len(data))
		}
	})

	t.Run("bulk in ends on short packet", func(t *testing.T) {
		want := make([]byte, 100)
		fill(want, 12)
		fn.QueueIn(1, want)
		buf := make([]byte, 600)
		n, err := h.BulkTransfer(ctx, 5, 0x81, buf)
		if err != nil || n != 100 {
			t.Fatalf("BulkTransfer() = %d, %v; want 100", n, err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Error("received data mismatch")
		}
	})

	t.Run("interrupt in", func(t *testing.T) {
		fn.QueueIn(3, []byte{1, 2, 3, 4})
		buf := make([]byte, 8)
		n, err := h.InterruptTransfer(ctx, 5, 0x83, buf)
		if err != nil || n != 4 {
			t.Fatalf("InterruptTransfer() = %d, %v; want 4", n, err)
		}
	})

	t.Run("isochronous", func(t *testing.T) {
		if _, err := h.IsochronousTransfer(ctx, 5, 0x84, make([]byte, 8)); !errors.Is(err, pkg.ErrNotSupported) {
			t.Errorf("IsochronousTransfer() error = %v, want ErrNotSupported", err)
		}
	})

	t.Run("stall is cleared for the next transfer", func(t *testing.T) {
		fn.Stall(1, true)
		if _, err := h.BulkTransfer(ctx, 5, 0x81, make([]byte, 64)); !errors.Is(err, pkg.ErrStall) {
			t.Fatalf("BulkTransfer() error = %v, want ErrStall", err)
		}
		fn.Stall(1, false)
		fn.QueueIn(1, []byte{9, 9})
		if n, err := h.BulkTransfer(ctx, 5, 0x81, make([]byte, 64)); err != nil || n != 2 {
			t.Errorf("BulkTransfer() after stall = %d, %v; want 2", n, err)
		}
	})

	t.Run("wrong transfer type", func(t *testing.T) {
		if _, err := h.InterruptTransfer(ctx, 5, 0x81, make([]byte, 8)); !errors.Is(err, pkg.ErrInvalidEndpoint) {
			t.Errorf("InterruptTransfer() on bulk pipe error = %v, want ErrInvalidEndpoint", err)
		}
	})

	t.Run("timeout aborts", func(t *testing.T) {
		fn.NAK(2, 1<<20)
		short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		if _, err := h.BulkTransfer(short, 5, 0x02, make([]byte, 8)); !errors.Is(err, pkg.ErrTimeout) {
			t.Fatalf("BulkTransfer() error = %v, want ErrTimeout", err)
		}
		fn.NAK(2, 0)
		if n, err := h.BulkTransfer(ctx, 5, 0x02, []byte{7}); err != nil || n != 1 {
			t.Errorf("BulkTransfer() after timeout = %d, %v", n, err)
		}
	})

	t.Run("cancel aborts", func(t *testing.T) {
		fn.NAK(2, 1<<20)
		cancelled, cancel := context.WithCancel(ctx)
		time.AfterFunc(20*time.Millisecond, cancel)
		_, err := h.BulkTransfer(cancelled, 5, 0x02, make([]byte, 8))
		if !errors.Is(err, pkg.ErrCancelled) || !errors.Is(err, context.Canceled) {
			t.Fatalf("BulkTransfer() error = %v, want ErrCancelled", err)
		}
		fn.NAK(2, 0)
		if n, err := h.BulkTransfer(ctx, 5, 0x02, []byte{8}); err != nil || n != 1 {
			t.Errorf("BulkTransfer() after cancel = %d, %v", n, err)
		}
	})

	if err := h.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if got := h.Driver().EndpointsInUse(); got != 0 {
		t.Errorf("EndpointsInUse() = %d after Close", got)
	}
}

func TestHostHAL_ReconfigureReopensPipe(t *testing.T) {
	h, bus := newHostHAL(t)
	ctx := waitCtx(t)
	fn := ohcisim.NewFunction(false, testDeviceDescriptor)
	enumerate(t, h, bus, fn)

	desc := hal.EndpointDescriptor{Address: 0x02, Attributes: 0x02, MaxPacketSize: 64}
	if err := h.ConfigureEndpoint(ctx, 5, &desc); err != nil {
		t.Fatal(err)
	}
	if _, err := h.BulkTransfer(ctx, 5, 0x02, []byte{1}); err != nil {
		t.Fatal(err)
	}
	before := h.Driver().EndpointsInUse()

	desc.MaxPacketSize = 32
	if err := h.ConfigureEndpoint(ctx, 5, &desc); err != nil {
		t.Fatalf("ConfigureEndpoint() error = %v", err)
	}
	if got := h.Driver().EndpointsInUse(); got != before-1 {
		t.Errorf("EndpointsInUse() = %d, want the stale pipe closed", got)
	}
	if _, err := h.BulkTransfer(ctx, 5, 0x02, make([]byte, 40)); err != nil {
		t.Fatalf("BulkTransfer() on reopened pipe error = %v", err)
	}

	var outs []int
	for _, tr := range fn.Transactions() {
		if tr.Endpoint == 2 {
			outs = append(outs, tr.Len)
		}
	}
	if len(outs) != 3 || outs[1] != 32 || outs[2] != 8 {
		t.Errorf("OUT packet sizes = %v, want [1 32 8]", outs)
	}
}
