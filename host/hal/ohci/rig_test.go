package ohci_test

import (
	"context"
	"slices"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
	"github.com/ardnew/softohci/host/hal/ohci/ohcisim"
)

// =============================================================================
// Simulated Controller Rig
// =============================================================================

const rigArenaSize = 256 << 10

// testDeviceDescriptor is what the rig's function returns for
// GET_DESCRIPTOR(device).
var testDeviceDescriptor = []byte{
	18, 1, 0x10, 0x01, 0, 0, 0, 8,
	0x34, 0x12, 0x78, 0x56, 0x00, 0x01,
	1, 2, 3, 1,
}

type rigOptions struct {
	sim        ohcisim.Config
	layout     ohci.LayoutConfig
	config     func(*ohci.Config)
	onComplete func(r *rig, ep *ohci.Endpoint, urb ohci.URB)
	noStart    bool
}

// rig is a driver running against a simulated controller with one
// full-speed function attached to port 1 at address 0.
type rig struct {
	t   *testing.T
	ctx context.Context
	bus *ohcisim.Bus
	d   *ohci.Driver
	fn  *ohcisim.Function
	reg *prometheus.Registry

	mu   sync.Mutex
	done []ohci.URB
}

func newRig(t *testing.T, opts rigOptions) *rig {
	t.Helper()

	if opts.sim == (ohcisim.Config{}) {
		opts.sim.PowerSwitching = ohci.PowerIndividual
	}
	if opts.layout == (ohci.LayoutConfig{}) {
		opts.layout = ohci.LayoutConfig{EDs: 16, TDs: 64}
	}
	bus, err := ohcisim.NewBus(opts.sim, opts.layout, rigArenaSize)
	if err != nil {
		t.Fatalf("NewBus() error = %v", err)
	}

	r := &rig{
		t:   t,
		ctx: context.Background(),
		bus: bus,
		fn:  ohcisim.NewFunction(false, testDeviceDescriptor),
		reg: prometheus.NewRegistry(),
	}

	cfg := bus.DriverConfig()
	cfg.MaxEndpoints = opts.layout.EDs
	cfg.MaxTransfers = opts.layout.TDs
	cfg.Metrics = ohci.NewMetrics(r.reg)
	cfg.OnComplete = func(ep *ohci.Endpoint, urb ohci.URB) {
		r.mu.Lock()
		r.done = append(r.done, urb)
		r.mu.Unlock()
		if opts.onComplete != nil {
			opts.onComplete(r, ep, urb)
		}
	}
	if opts.config != nil {
		opts.config(&cfg)
	}

	d, err := ohci.New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	r.d = d
	bus.Controller.SetInterruptHandler(d.HandleInterrupt)

	if opts.noStart {
		return r
	}
	if err := d.Start(r.ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := bus.Controller.Attach(1, r.fn); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	d.PortRequest(1, ohci.FeaturePower, true)
	d.PortRequest(1, ohci.FeatureReset, true)
	r.frames(ohcisim.DefaultResetFrames + 1)
	if !d.PortStatus(1).Enabled() {
		t.Fatalf("port 1 not enabled after reset: %+v", d.PortStatus(1))
	}
	return r
}

// frames advances the controller n frames.
func (r *rig) frames(n int) {
	for range n {
		r.bus.Controller.Step()
	}
}

// retired reports whether the driver has announced urb.
func (r *rig) retired(urb ohci.URB) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Contains(r.done, urb)
}

// completions returns the URBs announced so far, in order.
func (r *rig) completions() []ohci.URB {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.done)
}

// runUntil steps frames until urb is announced or limit frames pass.
func (r *rig) runUntil(urb ohci.URB, limit int) {
	r.t.Helper()
	for range limit {
		if r.retired(urb) {
			return
		}
		r.frames(1)
	}
	if !r.retired(urb) {
		r.t.Fatalf("transfer not retired after %d frames", limit)
	}
}

func (r *rig) open(info ohci.EndpointInfo) *ohci.Endpoint {
	r.t.Helper()
	ep, err := r.d.OpenEndpoint(nil, nil, info)
	if err != nil {
		r.t.Fatalf("OpenEndpoint(%+v) error = %v", info, err)
	}
	return ep
}

func (r *rig) bulk(number uint8) *ohci.Endpoint {
	return r.open(ohci.EndpointInfo{
		Type:          hal.TransferBulk,
		Speed:         hal.SpeedFull,
		Number:        number,
		MaxPacketSize: 64,
	})
}

func (r *rig) interrupt(number uint8, interval, mps uint16) *ohci.Endpoint {
	return r.open(ohci.EndpointInfo{
		Type:          hal.TransferInterrupt,
		Speed:         hal.SpeedFull,
		Number:        number,
		MaxPacketSize: mps,
		Interval:      interval,
	})
}

func (r *rig) submit(ep *ohci.Endpoint, tok ohci.Token, buf []byte) ohci.URB {
	r.t.Helper()
	urb, n, err := r.d.Submit(ep, tok, buf)
	if err != nil {
		r.t.Fatalf("Submit(%s, %d bytes) error = %v", tok, len(buf), err)
	}
	if n != len(buf) {
		r.t.Fatalf("Submit() queued %d of %d bytes", n, len(buf))
	}
	return urb
}

// alloc returns n bytes of DMA-visible memory filled with a pattern.
func (r *rig) alloc(n int, seed byte) []byte {
	buf := r.bus.Alloc(uint32(n), 16)
	fill(buf, seed)
	return buf
}

func fill(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i*7)
	}
}

// metricValue sums the samples of a metric family whose labels include
// every pair in labels.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var v float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			match := 0
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want == lp.GetValue() {
					match++
				}
			}
			if match == len(labels) {
				v += m.GetCounter().GetValue() + m.GetGauge().GetValue()
			}
		}
	}
	return v
}
