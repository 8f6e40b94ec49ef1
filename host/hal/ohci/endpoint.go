package ohci

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// EndpointInfo describes an endpoint to open.
type EndpointInfo struct {
	Type          hal.TransferType
	Speed         hal.Speed
	Address       uint8  // device address, 0..127
	Number        uint8  // endpoint number, 0..15
	MaxPacketSize uint16 // 0..2047
	Interval      uint16 // polling interval in ms, interrupt endpoints only
}

// Endpoint is an open endpoint: the hardware ED, the software state that
// shadows it and its queue of transfer descriptors, which always ends in
// one empty placeholder. Once closed, an Endpoint is never reopened.
type Endpoint struct {
	hc     hcED
	id     int
	next   *Endpoint
	head   *transferDesc
	tail   *transferDesc
	slot   int
	info   EndpointInfo
	dev    any
	handle any
	open   bool
}

// Info returns the parameters the endpoint was opened with.
func (ep *Endpoint) Info() EndpointInfo { return ep.info }

// Device returns the device handle given to Open.
func (ep *Endpoint) Device() any { return ep.dev }

// Handle returns the endpoint handle given to Open.
func (ep *Endpoint) Handle() any { return ep.handle }

// Slot returns the schedule slot the endpoint occupies: 0..62 for
// interrupt endpoints, 63 for control and 64 for bulk.
func (ep *Endpoint) Slot() int { return ep.slot }

// Interval returns the effective polling interval in ms of an interrupt
// endpoint, or 0.
func (ep *Endpoint) Interval() int {
	if ep.info.Type != hal.TransferInterrupt {
		return 0
	}
	return intervalForDepth(slotDepth(ep.slot))
}

// edControl builds the hardware ED control word. Direction is taken from
// each TD so one ED serves both directions of a control endpoint.
func edControl(info EndpointInfo) uint32 {
	c := uint32(info.Address)&EDFAMask |
		uint32(info.Number)<<EDENShift&EDENMask |
		EDDirTD |
		uint32(info.MaxPacketSize)<<EDMPSShift&EDMPSMask |
		uint32(info.Type)<<EDTypeShift&EDTypeMask
	if info.Speed == hal.SpeedLow {
		c |= EDSpeedLow
	}
	return c
}

func (info EndpointInfo) validate() error {
	switch info.Type {
	case hal.TransferControl, hal.TransferBulk:
	case hal.TransferInterrupt:
		if info.Interval == 0 {
			return fmt.Errorf("%w: interrupt endpoint without interval", pkg.ErrInvalidParameter)
		}
	case hal.TransferIsochronous:
		return fmt.Errorf("%w: isochronous endpoints", pkg.ErrNotSupported)
	default:
		return fmt.Errorf("%w: transfer type %d", pkg.ErrInvalidParameter, info.Type)
	}
	switch info.Speed {
	case hal.SpeedLow, hal.SpeedFull:
	default:
		return fmt.Errorf("%w: %s devices", pkg.ErrNotSupported, info.Speed)
	}
	if info.Address > 127 || info.Number > 15 || info.MaxPacketSize == 0 || info.MaxPacketSize > 0x7FF {
		return fmt.Errorf("%w: endpoint %d.%d mps %d", pkg.ErrInvalidEndpoint,
			info.Address, info.Number, info.MaxPacketSize)
	}
	return nil
}

// OpenEndpoint allocates and links an endpoint. dev and handle are opaque values
// returned by Device and Handle. Interrupt endpoints are placed in the
// periodic tree and may be refused with pkg.ErrBandwidth.
func (d *Driver) OpenEndpoint(dev, handle any, info EndpointInfo) (*Endpoint, error) {
	ep, err := d.open(dev, handle, info)
	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	d.m.EndpointOpens.WithLabelValues(info.Type.String(), result).Inc()
	if err != nil {
		pkg.LogDebug(pkg.ComponentHCD, "endpoint open failed",
			"addr", info.Address, "ep", info.Number, "type", info.Type.String(), "error", err)
		return nil, err
	}
	pkg.LogDebug(pkg.ComponentHCD, "endpoint opened",
		"addr", info.Address, "ep", info.Number, "type", info.Type.String(),
		"slot", ep.slot, "mps", info.MaxPacketSize)
	return ep, nil
}

func (d *Driver) open(dev, handle any, info EndpointInfo) (*Endpoint, error) {
	if err := info.validate(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	slot := listClass(info.Type)
	if slot < 0 {
		var err error
		if slot, err = d.place(info); err != nil {
			return nil, err
		}
	}

	id, ref, ok := d.eds.get()
	if !ok {
		return nil, fmt.Errorf("%w: endpoint descriptors exhausted", pkg.ErrNoMemory)
	}
	addr, err := d.cfg.EDPool.Get()
	if err != nil {
		d.eds.put(id)
		return nil, fmt.Errorf("endpoint descriptor: %w", err)
	}
	// A fresh Endpoint per open; the slab slot only bounds how many are
	// live. A closed handle stays closed after its slot is reused.
	ep := &Endpoint{
		hc:     hcED{b: d.bus, addr: addr},
		id:     id,
		slot:   slot,
		info:   info,
		dev:    dev,
		handle: handle,
	}
	*ref = ep
	td, err := d.allocTD(ep)
	if err != nil {
		d.putED(ep)
		return nil, err
	}
	ep.head, ep.tail = td, td
	ep.hc.init(edControl(info), td.hc.addr)

	if info.Type == hal.TransferInterrupt {
		d.insertPeriodic(ep)
		d.updateLoad()
	} else {
		d.appendClass(ep)
	}
	ep.open = true
	return ep, nil
}

// appendClass links a control or bulk endpoint at the tail of its list.
func (d *Driver) appendClass(ep *Endpoint) {
	last := d.lists[ep.slot]
	if last == nil {
		d.lists[ep.slot] = ep
		d.writeHead(ep.slot, ep.hc.addr)
		return
	}
	for last.next != nil {
		last = last.next
	}
	last.next = ep
	ep.hc.setNext(last.hc.next())
	last.hc.setNext(ep.hc.addr)
}

// writeHead programs the head register of a control or bulk list.
func (d *Driver) writeHead(slot int, addr uint32) {
	if slot == slotControl {
		d.regs.Write32(RegControlHeadED, addr)
	} else {
		d.regs.Write32(RegBulkHeadED, addr)
	}
}

// putED returns an endpoint's descriptors to their pools.
func (d *Driver) putED(ep *Endpoint) {
	if err := d.cfg.EDPool.Put(ep.hc.addr); err != nil {
		pkg.LogError(pkg.ComponentHCD, "free endpoint descriptor", "error", err)
	}
	ep.open = false
	d.eds.put(ep.id)
}

// CloseEndpoint unlinks and frees an endpoint. Every transfer except the
// placeholder must have been aborted or completed. Close waits for a frame
// boundary and must not be called from the interrupt handler.
func (d *Driver) CloseEndpoint(ctx context.Context, ep *Endpoint) error {
	err := d.close(ctx, ep)
	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	d.m.EndpointCloses.WithLabelValues(ep.info.Type.String(), result).Inc()
	if err != nil {
		pkg.LogWarn(pkg.ComponentHCD, "endpoint close failed",
			"addr", ep.info.Address, "ep", ep.info.Number, "error", err)
	}
	return err
}

func (d *Driver) close(ctx context.Context, ep *Endpoint) error {
	d.mu.Lock()
	found := ep.open && d.linked(ep)
	d.mu.Unlock()
	if !found {
		return &FaultError{Kind: FaultEDNotFound, Addr: ep.hc.addr}
	}

	if err := d.quiesce(ctx, ep); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if ep.info.Type == hal.TransferInterrupt {
		d.removePeriodic(ep)
		d.updateLoad()
	} else {
		d.removeClass(ep)
	}

	for td := ep.head; td != nil; {
		next := td.next
		d.freeTD(td)
		td = next
	}
	ep.head, ep.tail, ep.next = nil, nil, nil
	d.putED(ep)
	return nil
}

// linked reports whether ep is in its slot's list.
func (d *Driver) linked(ep *Endpoint) bool {
	for cur := d.lists[ep.slot]; cur != nil; cur = cur.next {
		if cur == ep {
			return true
		}
	}
	return false
}

// removeClass unlinks a control or bulk endpoint with its list paused.
func (d *Driver) removeClass(ep *Endpoint) {
	d.pauseList(ep.slot)
	defer d.resumeList(ep.slot)

	cur := RegControlCurED
	if ep.slot == slotBulk {
		cur = RegBulkCurED
	}
	if d.regs.Read32(cur) == ep.hc.addr {
		d.regs.Write32(cur, ep.hc.next())
	}

	var prev *Endpoint
	for it := d.lists[ep.slot]; it != nil && it != ep; it = it.next {
		prev = it
	}
	if prev == nil {
		d.lists[ep.slot] = ep.next
		head := uint32(0)
		if ep.next != nil {
			head = ep.next.hc.addr
		}
		d.writeHead(ep.slot, head)
		return
	}
	prev.next = ep.next
	prev.hc.setNext(ep.hc.next())
}

// SuspendEndpoint sets or clears the skip bit of an endpoint. Resuming a
// control or bulk endpoint also marks its list filled, since the controller
// may have found it empty while it was skipped.
func (d *Driver) SuspendEndpoint(ep *Endpoint, suspend bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ep.open {
		return pkg.ErrInvalidEndpoint
	}
	ep.hc.setSkip(suspend)
	if !suspend {
		d.listFilled(ep.slot)
	}
	return nil
}

// HaltClear lets the controller resume an endpoint it halted, optionally
// resetting the data toggle to DATA0.
func (d *Driver) HaltClear(ep *Endpoint, clearToggle bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !ep.open {
		return pkg.ErrInvalidEndpoint
	}
	d.haltClear(ep, clearToggle)
	return nil
}

func (d *Driver) haltClear(ep *Endpoint, clearToggle bool) {
	head := ep.hc.headRaw()
	if clearToggle {
		head &^= EDToggleCarry
	}
	head &^= EDHalted
	ep.hc.setCtrl(ep.hc.ctrl() &^ EDSkip)
	ep.hc.setHead(head)
	d.listFilled(ep.slot)
}

// quiesce makes the controller stop touching an endpoint. A halted
// endpoint is already idle; otherwise the skip bit is set and the caller
// waits for the frame counter to move so the controller has left it.
func (d *Driver) quiesce(ctx context.Context, ep *Endpoint) error {
	if d.inISR.Load() {
		return ErrInterruptContext
	}
	// A controller in reset walks no lists.
	if !d.running.Load() {
		return nil
	}

	d.mu.Lock()
	if ep.hc.halted() {
		d.mu.Unlock()
		return nil
	}
	ep.hc.setSkip(true)
	d.mu.Unlock()

	return d.waitFrame(ctx)
}

// waitFrame blocks until HcFmNumber changes.
func (d *Driver) waitFrame(ctx context.Context) error {
	start := d.regs.Read32(RegFmNumber) & FmNumberMask
	for n := 0; d.regs.Read32(RegFmNumber)&FmNumberMask == start; n++ {
		if n >= d.cfg.QuiesceWaits {
			pkg.LogDebug(pkg.ComponentHCD, "frame number does not increment", "frame", start)
			return ErrQuiesce
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		d.cfg.Delay(time.Millisecond)
	}
	return nil
}
