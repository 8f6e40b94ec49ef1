package ohci

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// counterValue sums the samples a collector exposes.
func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(c)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var v float64
	for _, mf := range mfs {
		for _, m := range mf.GetMetric() {
			v += m.GetCounter().GetValue() + m.GetGauge().GetValue()
		}
	}
	return v
}

func newQueueDriver(mem Memory) *Driver {
	return &Driver{
		bus: dma{mem: mem, cache: NoCache{}},
		cfg: Config{MaxTransfers: 8, MaxEndpoints: 2},
		m:   NewMetrics(nil),
	}
}

func TestReverseDoneQueue(t *testing.T) {
	mem := newFakeMem(0x2000, 0x100)
	d := newQueueDriver(mem)

	// Retired in order t1, t2, t3; the controller prepends each.
	const t1, t2, t3 = 0x2000, 0x2010, 0x2020
	mem.Write32(t3+TDNextTD, t2)
	mem.Write32(t2+TDNextTD, t1)
	mem.Write32(t1+TDNextTD, 0)

	head := d.reverseDoneQueue(t3 | 1)
	var got []uint32
	for addr := head; addr != 0; addr = mem.Read32(addr + TDNextTD) {
		got = append(got, addr)
	}

	want := []uint32{t1, t2, t3}
	if len(got) != len(want) {
		t.Fatalf("reversed queue = %#x, want %#x", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("reversed[%d] = %#x, want %#x", i, got[i], want[i])
		}
	}
}

func TestReverseDoneQueue_Empty(t *testing.T) {
	d := newQueueDriver(newFakeMem(0x2000, 0x100))
	if got := d.reverseDoneQueue(0); got != 0 {
		t.Errorf("reverseDoneQueue(0) = %#x, want 0", got)
	}
}

func TestReverseDoneQueue_IsBounded(t *testing.T) {
	mem := newFakeMem(0x2000, 0x100)
	d := newQueueDriver(mem)

	// More TDs than the driver could ever have retired.
	for i := uint32(0); i < 12; i++ {
		next := 0x2000 + 16*(i+1)
		if i == 11 {
			next = 0
		}
		mem.Write32(0x2000+16*i+TDNextTD, next)
	}

	d.reverseDoneQueue(0x2000)
	if got := counterValue(t, d.m.Faults); got != 1 {
		t.Errorf("faults = %v, want 1", got)
	}
}
