package ohci

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// Default capacities.
const (
	DefaultMaxEndpoints = 32
	DefaultMaxTransfers = 128
	DefaultQuiesceWaits = 3
)

// HCCASize and HCCAAlign describe the Host Controller Communication Area.
const (
	HCCASize  uint32 = 256
	HCCAAlign uint32 = 256
)

// Bandwidth holds the periodic admission budget per frame and the per
// packet protocol overhead charged on top of the max packet size.
type Bandwidth struct {
	MaxFull uint32 `mapstructure:"max_full"`
	MaxLow  uint32 `mapstructure:"max_low"`

	OverheadFull uint32 `mapstructure:"overhead_full"` // full-speed interrupt
	OverheadLow  uint32 `mapstructure:"overhead_low"`  // low-speed interrupt
	OverheadIso  uint32 `mapstructure:"overhead_iso"`
}

// DefaultBandwidth is the budget used when Config.Bandwidth is zero.
var DefaultBandwidth = Bandwidth{
	MaxFull:      900,
	MaxLow:       900,
	OverheadFull: 13,
	OverheadLow:  97,
	OverheadIso:  9,
}

// limit returns the periodic budget for a speed.
func (b Bandwidth) limit(low bool) uint32 {
	if low {
		return b.MaxLow
	}
	return b.MaxFull
}

// cost returns the bandwidth one packet of an endpoint consumes.
func (b Bandwidth) cost(mps uint32, low, iso bool) uint32 {
	switch {
	case iso:
		return mps + b.OverheadIso
	case low:
		return mps + b.OverheadLow
	default:
		return mps + b.OverheadFull
	}
}

// Config describes the controller instance and the memory it may use.
type Config struct {
	// Registers is the operational register block.
	Registers Registers

	// Memory is the DMA-visible address space descriptors live in.
	Memory Memory

	// Cache performs coherence maintenance; nil means coherent memory.
	Cache Cache

	// HCCA is the 256-byte aligned bus address of the communication area.
	HCCA uint32

	// EDPool and TDPool supply 16-byte aligned hardware descriptors.
	EDPool Pool
	TDPool Pool

	// MaxEndpoints and MaxTransfers bound the software descriptors.
	MaxEndpoints int
	MaxTransfers int

	// Lookup selects how retired TDs are correlated to their owners.
	Lookup LookupMode

	// DataRegion, when non-empty, is the only memory the controller may
	// read transfer data from. Buffers elsewhere are bounced through
	// CopyPool, whose blocks are CopyBufSize bytes.
	DataRegion  Region
	CopyPool    Pool
	CopyBufSize uint32

	// Bandwidth is the periodic admission table; zero uses DefaultBandwidth.
	Bandwidth Bandwidth

	// FrameInterval is the HcFmInterval FI value; zero uses 11999.
	FrameInterval uint32

	// QuiesceWaits bounds the frame waits of a quiesce; zero uses 3.
	QuiesceWaits int

	// Delay blocks for d. Nil uses time.Sleep. A simulated controller
	// supplies a delay that advances its frame counter.
	Delay func(d time.Duration)

	// RemoteWakeup enables device remote wakeup when the controller
	// reports it is wired.
	RemoteWakeup bool

	// OnComplete is called from HandleInterrupt when a transfer has been
	// retired by the controller. The handler must not block on a frame
	// boundary.
	OnComplete func(ep *Endpoint, urb URB)

	// OnRootHubChange is called from HandleInterrupt with a bitmap of ports
	// (bit n for port n) whose status changed; bit 0 is the hub itself.
	OnRootHubChange func(changed uint32)

	// OnUnrecoverable is called when the controller reports a system error.
	OnUnrecoverable func()

	// Metrics receives driver statistics; nil creates unregistered ones.
	Metrics *Metrics
}

func (c Config) withDefaults() Config {
	if c.Cache == nil {
		c.Cache = NoCache{}
	}
	if c.MaxEndpoints <= 0 {
		c.MaxEndpoints = DefaultMaxEndpoints
	}
	if c.MaxTransfers <= 0 {
		c.MaxTransfers = DefaultMaxTransfers
	}
	if c.Bandwidth == (Bandwidth{}) {
		c.Bandwidth = DefaultBandwidth
	}
	if c.FrameInterval == 0 {
		c.FrameInterval = DefaultFrameInterval
	}
	if c.QuiesceWaits <= 0 {
		c.QuiesceWaits = DefaultQuiesceWaits
	}
	if c.Delay == nil {
		c.Delay = time.Sleep
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
	return c
}

func (c Config) validate() error {
	switch {
	case c.Registers == nil:
		return fmt.Errorf("%w: no register block", pkg.ErrInvalidParameter)
	case c.Memory == nil:
		return fmt.Errorf("%w: no DMA memory", pkg.ErrInvalidParameter)
	case c.EDPool == nil || c.TDPool == nil:
		return fmt.Errorf("%w: no descriptor pools", pkg.ErrInvalidParameter)
	case c.HCCA == 0 || c.HCCA&(HCCAAlign-1) != 0:
		return fmt.Errorf("%w: HCCA %#x not 256-byte aligned", pkg.ErrInvalidParameter, c.HCCA)
	case c.DataRegion.Size != 0 && (c.CopyPool == nil || c.CopyBufSize == 0):
		return fmt.Errorf("%w: data region without copy pool", pkg.ErrInvalidParameter)
	}
	return nil
}

// Driver is an OHCI host controller driver instance.
//
// mu guards the class lists, the periodic tree, every endpoint's TD queue
// and the TD index table. It is never held across a frame wait.
type Driver struct {
	cfg   Config
	regs  Registers
	bus   dma
	hcca  hcca
	dummy hcED
	m     *Metrics

	mu     sync.Mutex
	lists  [numSlots]*Endpoint
	eds    *slab[*Endpoint]
	tds    *slab[transferDesc]
	table  *tdTable
	paused [2]int // control, bulk
	gen    uint32

	isr   sync.Mutex // serializes HandleInterrupt; owns notes
	notes []notification

	inISR   atomic.Bool
	running atomic.Bool
}

// New creates a driver and initializes the HCCA. The controller is left
// untouched until Start.
func New(cfg Config) (*Driver, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	d := &Driver{
		cfg:   cfg,
		regs:  cfg.Registers,
		bus:   dma{mem: cfg.Memory, cache: cfg.Cache},
		m:     cfg.Metrics,
		eds:   newSlab[*Endpoint](cfg.MaxEndpoints),
		tds:   newSlab[transferDesc](cfg.MaxTransfers),
		notes: make([]notification, 0, cfg.MaxTransfers),
	}
	d.hcca = hcca{b: d.bus, addr: cfg.HCCA}
	if cfg.Lookup == LookupIndexed {
		d.table = newTDTable(cfg.MaxTransfers)
	}

	addr, err := cfg.EDPool.Get()
	if err != nil {
		return nil, fmt.Errorf("allocate periodic dummy: %w", err)
	}
	d.dummy = hcED{b: d.bus, addr: addr}
	d.dummy.init(EDSkip, 0)

	// Every table entry starts at the dummy so the controller never
	// follows a null pointer while the tree is empty.
	d.hcca.clear()
	for i := range tableEntries {
		d.hcca.setEntry(i, d.dummy.addr)
	}

	pkg.LogDebug(pkg.ComponentHCD, "driver created",
		"hcca", fmt.Sprintf("%#08x", cfg.HCCA),
		"lookup", cfg.Lookup.String(),
		"endpoints", cfg.MaxEndpoints,
		"transfers", cfg.MaxTransfers)
	return d, nil
}

// Close releases the periodic dummy. The controller must be stopped.
func (d *Driver) Close() error {
	if d.running.Load() {
		return pkg.ErrAlreadyRunning
	}
	return d.cfg.EDPool.Put(d.dummy.addr)
}

// Metrics returns the driver statistics.
func (d *Driver) Metrics() *Metrics { return d.m }

// listClass maps a transfer type to its class list slot, or -1 for
// periodic endpoints.
func listClass(t hal.TransferType) int {
	switch t {
	case hal.TransferControl:
		return slotControl
	case hal.TransferBulk:
		return slotBulk
	default:
		return -1
	}
}

// pauseList stops the controller from walking a control or bulk list.
// Pauses nest.
func (d *Driver) pauseList(slot int) {
	i, bit := slot-slotControl, CtrlCLE
	if slot == slotBulk {
		bit = CtrlBLE
	}
	if d.paused[i] == 0 {
		d.regs.Write32(RegControl, d.regs.Read32(RegControl)&^bit)
	}
	d.paused[i]++
}

// resumeList undoes one pauseList.
func (d *Driver) resumeList(slot int) {
	i, bit := slot-slotControl, CtrlCLE
	if slot == slotBulk {
		bit = CtrlBLE
	}
	if d.paused[i] == 0 {
		return
	}
	d.paused[i]--
	if d.paused[i] == 0 {
		d.regs.Write32(RegControl, d.regs.Read32(RegControl)|bit)
	}
}

// listFilled tells the controller a control or bulk list has work.
func (d *Driver) listFilled(slot int) {
	switch slot {
	case slotControl:
		d.regs.Write32(RegCommandStatus, CmdCLF)
	case slotBulk:
		d.regs.Write32(RegCommandStatus, CmdBLF)
	}
}
