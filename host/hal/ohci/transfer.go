package ohci

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// Software TD status word.
const (
	tdLenMask  uint32 = 0x3FFF
	tdFinished uint32 = 1 << 14 // retired by the controller
	tdMore     uint32 = 1 << 15 // further TDs belong to the same transfer
)

// transferDesc is one transfer descriptor: the hardware TD and the software
// state that shadows it.
type transferDesc struct {
	hc      hcTD
	id      int
	ed      *Endpoint
	next    *transferDesc
	first   *transferDesc // first TD of the transfer this one belongs to
	status  uint32
	ix      uint32
	copyBuf uint32 // bounce buffer, 0 if the caller buffer is used directly
	gen     uint32

	// Set on the first TD of a transfer only.
	buf []byte
	tok Token
}

func (td *transferDesc) length() uint32 { return td.status & tdLenMask }
func (td *transferDesc) finished() bool { return td.status&tdFinished != 0 }
func (td *transferDesc) last() bool     { return td.status&tdMore == 0 }

// URB identifies a submitted transfer. The zero URB is invalid. A URB goes
// stale once its transfer is completed or aborted.
type URB struct {
	td  *transferDesc
	gen uint32
}

// Valid reports whether u still refers to a queued transfer.
func (u URB) Valid() bool {
	return u.td != nil && u.gen != 0 && u.td.gen == u.gen
}

// Endpoint returns the endpoint the transfer was queued on, or nil for a
// stale URB.
func (u URB) Endpoint() *Endpoint {
	if !u.Valid() {
		return nil
	}
	return u.td.ed
}

// Token returns the PID the transfer was submitted with.
func (u URB) Token() Token {
	if !u.Valid() {
		return TokenSetup
	}
	return u.td.tok
}

// allocTD takes a software TD and a hardware TD for ep and initializes the
// hardware half as an empty placeholder.
func (d *Driver) allocTD(ep *Endpoint) (*transferDesc, error) {
	id, td, ok := d.tds.get()
	if !ok {
		return nil, fmt.Errorf("%w: transfer descriptors exhausted", pkg.ErrNoMemory)
	}
	addr, err := d.cfg.TDPool.Get()
	if err != nil {
		d.tds.put(id)
		return nil, fmt.Errorf("transfer descriptor: %w", err)
	}

	d.gen++
	if d.gen == 0 {
		d.gen++
	}
	*td = transferDesc{
		hc:  hcTD{b: d.bus, addr: addr},
		id:  id,
		ed:  ep,
		gen: d.gen,
	}
	if d.table != nil {
		if td.ix, err = d.table.insert(td); err != nil {
			_ = d.cfg.TDPool.Put(addr)
			d.tds.put(id)
			return nil, err
		}
	} else {
		td.ix = uint32(ep.slot)
	}
	td.hc.init(td.ix)
	return td, nil
}

// freeTD releases both halves of a TD and its bounce buffer.
func (d *Driver) freeTD(td *transferDesc) {
	if d.table != nil {
		d.table.remove(td.ix)
	}
	d.putCopyBuf(td)
	if err := d.cfg.TDPool.Put(td.hc.addr); err != nil {
		pkg.LogError(pkg.ComponentHCD, "free transfer descriptor", "error", err)
	}
	td.gen = 0
	td.ed, td.next, td.first, td.buf = nil, nil, nil, nil
	d.tds.put(td.id)
}

func (d *Driver) putCopyBuf(td *transferDesc) {
	if td.copyBuf == 0 {
		return
	}
	if err := d.cfg.CopyPool.Put(td.copyBuf); err != nil {
		pkg.LogError(pkg.ComponentHCD, "free copy buffer", "error", err)
	}
	td.copyBuf = 0
}

// firstToggle returns the data toggle policy of the first TD of a
// transfer. Control transfers force DATA0 for SETUP and DATA1 for the
// stage that follows; everything else continues the toggle the ED carries.
func firstToggle(t hal.TransferType, tok Token) uint32 {
	switch {
	case t != hal.TransferControl:
		return TDToggleED
	case tok == TokenSetup:
		return TDToggle0
	default:
		return TDToggle1
	}
}

// Submit queues a transfer of buf on ep and returns its handle and the
// number of bytes queued. The queued length is shorter than buf only when
// the buffer lies outside the configured data region and had to be
// bounced through a single copy buffer.
func (d *Driver) Submit(ep *Endpoint, tok Token, buf []byte) (URB, int, error) {
	urb, n, err := d.submit(ep, tok, buf)
	d.m.Submits.WithLabelValues(ep.info.Type.String(), resultLabel(err)).Inc()
	if err != nil {
		pkg.LogDebug(pkg.ComponentHCD, "submit failed",
			"addr", ep.info.Address, "ep", ep.info.Number, "token", tok.String(), "error", err)
		return URB{}, 0, err
	}
	pkg.LogDebug(pkg.ComponentHCD, "transfer queued",
		"addr", ep.info.Address, "ep", ep.info.Number, "token", tok.String(),
		"len", len(buf), "queued", n)
	return urb, n, nil
}

func (d *Driver) submit(ep *Endpoint, tok Token, buf []byte) (URB, int, error) {
	if tok > TokenIn {
		return URB{}, 0, fmt.Errorf("%w: token %d", pkg.ErrInvalidParameter, tok)
	}
	if tok == TokenSetup && ep.info.Type != hal.TransferControl {
		return URB{}, 0, fmt.Errorf("%w: SETUP on %s endpoint", pkg.ErrInvalidParameter, ep.info.Type.String())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !ep.open {
		return URB{}, 0, pkg.ErrInvalidEndpoint
	}

	phys, bounce, err := d.dmaTarget(buf)
	if err != nil {
		return URB{}, 0, err
	}
	if len(buf) > 0 && !bounce && tok != TokenIn {
		d.bus.flush(phys, uint32(len(buf)))
	}

	ctrl := tok.pid() | firstToggle(ep.info.Type, tok) | uint32(CCNotAccessed)<<TDCCShift
	first := ep.tail
	n, err := d.insertTDs(ep, ctrl, buf, phys, bounce, tok != TokenIn)
	if err != nil {
		return URB{}, 0, err
	}
	first.buf, first.tok = buf, tok

	switch ep.slot {
	case slotControl, slotBulk:
		d.writeHead(ep.slot, d.lists[ep.slot].hc.addr)
		d.listFilled(ep.slot)
		d.enableList(ep.slot)
	default:
		if d.running.Load() {
			d.regs.Write32(RegControl, d.regs.Read32(RegControl)|CtrlPLE)
		}
	}
	return URB{td: first, gen: first.gen}, n, nil
}

// dmaTarget returns the bus address of buf and whether it has to be
// bounced through a copy buffer.
func (d *Driver) dmaTarget(buf []byte) (uint32, bool, error) {
	if len(buf) == 0 {
		return 0, false, nil
	}
	addr, ok := d.cfg.Memory.PhysAddr(buf)
	switch {
	case d.cfg.DataRegion.Size != 0:
		return addr, !ok || !d.cfg.DataRegion.Contains(addr, uint32(len(buf))), nil
	case !ok:
		return 0, false, fmt.Errorf("%w: buffer is not DMA-visible", pkg.ErrInvalidParameter)
	}
	return addr, false, nil
}

// enableList sets the list enable bit of a control or bulk list unless
// an unlink is in progress.
func (d *Driver) enableList(slot int) {
	i, bit := slot-slotControl, CtrlCLE
	if slot == slotBulk {
		bit = CtrlBLE
	}
	if d.paused[i] == 0 && d.running.Load() {
		d.regs.Write32(RegControl, d.regs.Read32(RegControl)|bit)
	}
}

// insertTDs fills the endpoint's placeholder with the first chunk of the
// transfer and appends as many TDs as needed. The last TD appended is the
// new placeholder. The controller sees none of it until the ED tail
// pointer moves, which is the final write.
func (d *Driver) insertTDs(ep *Endpoint, ctrl uint32, buf []byte, phys uint32, bounce, out bool) (int, error) {
	orig := ep.tail
	mps := uint32(ep.info.MaxPacketSize)
	rem := uint32(len(buf))
	var off uint32

	cur := orig
	for done := false; !done; {
		addr := phys + off
		n := min(rem, tdMaxLen(addr, mps))
		if bounce {
			cb, err := d.cfg.CopyPool.Get()
			if err != nil {
				d.rollbackTDs(orig)
				return 0, fmt.Errorf("copy buffer: %w", err)
			}
			cur.copyBuf = cb
			addr = cb
			n = min(rem, tdMaxLen(cb, mps))
			if n > d.cfg.CopyBufSize {
				n = d.cfg.CopyBufSize - d.cfg.CopyBufSize%mps
				if n == 0 {
					n = d.cfg.CopyBufSize
				}
			}
			if out {
				d.cfg.Memory.WriteAt(buf[off:off+n], cb)
				d.bus.flush(cb, n)
			}
		}

		nt, err := d.allocTD(ep)
		if err != nil {
			d.rollbackTDs(orig)
			return 0, err
		}
		nt.first = orig
		cur.first = orig
		cur.next = nt

		rem -= n
		off += n
		// A single bounce buffer carries the whole transfer; anything it
		// cannot hold is not queued.
		done = rem == 0 || bounce

		c := ctrl
		cur.status = n
		if done {
			c |= TDRounding
		} else {
			cur.status |= tdMore
		}
		cur.hc.fill(c, addr, n, nt.hc.addr)

		// Later TDs continue the toggle the ED carries.
		ctrl = ctrl&^TDToggleMask | TDToggleED
		cur = nt
	}

	ep.tail = cur
	ep.hc.setTail(cur.hc.addr)
	return int(off), nil
}

// rollbackTDs frees every TD appended after orig and returns orig to the
// empty placeholder state.
func (d *Driver) rollbackTDs(orig *transferDesc) {
	for td := orig.next; td != nil; {
		next := td.next
		d.freeTD(td)
		td = next
	}
	d.putCopyBuf(orig)
	orig.next, orig.first, orig.status = nil, nil, 0
	orig.hc.reset()
}

// Complete collects a transfer the controller has retired. It returns the
// number of bytes transferred and the outcome of the first TD that did not
// succeed. The transfer must be the oldest queued on its endpoint.
func (d *Driver) Complete(urb URB) (int, error) {
	n, err := d.complete(urb)
	status := pkg.TransferStatusSuccess
	var te *TransferError
	var fault *FaultError
	switch {
	case errors.As(err, &fault):
		status = pkg.TransferStatusFailed
	case errors.As(err, &te):
		status = te.Code.Status()
	}
	if fault == nil {
		d.m.Completions.WithLabelValues(status.String()).Inc()
	}
	return n, err
}

func (d *Driver) complete(urb URB) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !urb.Valid() {
		return 0, d.faultf(pkg.ComponentHCD, FaultTDNotFound, 0, "complete on stale transfer")
	}
	td := urb.td
	ep := td.ed
	if !td.finished() {
		return 0, fmt.Errorf("%w: %w", ErrNotFinished,
			d.faultf(pkg.ComponentHCD, FaultNotFinished, td.hc.addr, "complete on unfinished transfer"))
	}
	if td != ep.head {
		return 0, d.faultf(pkg.ComponentHCD, FaultNotHead, td.hc.addr, "completed transfer is not at head of queue")
	}
	// Nothing is freed until the controller has retired every TD of the
	// transfer.
	for cur := td; cur != nil && cur != ep.tail; cur = cur.next {
		if !cur.finished() {
			return 0, fmt.Errorf("%w: %w", ErrNotFinished,
				d.faultf(pkg.ComponentHCD, FaultNotFinished, cur.hc.addr, "complete on partially retired transfer"))
		}
		if cur.last() {
			break
		}
	}

	buf, tok := td.buf, td.tok
	bounced := td.copyBuf != 0
	code := CCNoError
	var total uint32
	for cur := ep.head; cur != nil && cur != ep.tail; {
		cur.hc.invalidate()
		cc := cur.hc.code()
		var n uint32
		if cc != CCNotAccessed {
			n = cur.length()
			if cbp := cur.hc.cbp(); cbp != 0 {
				n -= cur.hc.be() - cbp + 1
			}
		}
		if code.Status() == pkg.TransferStatusSuccess && cc.Status() != pkg.TransferStatusSuccess {
			code = cc
		}
		if cur.copyBuf != 0 && tok == TokenIn && n > 0 {
			d.bus.invalidate(cur.copyBuf, n)
			d.cfg.Memory.ReadAt(buf[total:total+n], cur.copyBuf)
		}
		total += n

		next, last := cur.next, cur.last()
		ep.head = next
		d.freeTD(cur)
		if last {
			break
		}
		cur = next
	}
	if tok == TokenIn && total > 0 && !bounced {
		if phys, ok := d.cfg.Memory.PhysAddr(buf[:total]); ok {
			d.bus.invalidate(phys, total)
		}
	}

	err := code.Err()
	if err != nil {
		switch code.Status() {
		case pkg.TransferStatusStall, pkg.TransferStatusIOError:
		default:
			d.haltClear(ep, false)
		}
		pkg.LogDebug(pkg.ComponentHCD, "transfer failed",
			"addr", ep.info.Address, "ep", ep.info.Number, "code", code.String(), "len", total)
	}
	return int(total), err
}

// Abort cancels a queued transfer. The endpoint is quiesced first, so
// Abort waits for a frame boundary and must not be called from the
// interrupt handler.
func (d *Driver) Abort(ctx context.Context, urb URB) error {
	err := d.abort(ctx, urb)
	if err == nil {
		d.m.Aborts.Inc()
		d.m.Completions.WithLabelValues(pkg.TransferStatusCancelled.String()).Inc()
	}
	return err
}

func (d *Driver) abort(ctx context.Context, urb URB) error {
	d.mu.Lock()
	if !urb.Valid() {
		d.mu.Unlock()
		return d.faultf(pkg.ComponentHCD, FaultTDNotFound, 0, "abort on stale transfer")
	}
	ep := urb.td.ed
	d.mu.Unlock()

	if err := d.quiesce(ctx, ep); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// The transfer may have been completed while the endpoint drained.
	if !urb.Valid() {
		d.haltClear(ep, false)
		return d.faultf(pkg.ComponentHCD, FaultTDNotFound, 0, "transfer retired during abort")
	}
	target := urb.td

	var prev *transferDesc
	cur := ep.head
	for cur != nil && cur != target {
		prev, cur = cur, cur.next
	}
	// A URB that passed the generation check but is not on its endpoint's
	// queue is a corrupt handle. Unlinking by the caller's TD alone could
	// free a descriptor another transfer now owns, so this is a fault and
	// nothing is unlinked.
	if cur == nil {
		d.haltClear(ep, false)
		return d.faultf(pkg.ComponentHCD, FaultTDNotFound, target.hc.addr, "aborted transfer not queued on its endpoint")
	}

	for cur != ep.tail {
		next, last := cur.next, cur.last()
		if prev == nil {
			ep.head = next
			ep.hc.setHead(next.hc.addr | ep.hc.headRaw()&EDToggleCarry)
		} else {
			prev.next = next
			prev.hc.setNext(next.hc.addr)
		}
		d.freeTD(cur)
		cur = next
		if last {
			break
		}
	}
	d.haltClear(ep, false)

	pkg.LogDebug(pkg.ComponentHCD, "transfer aborted",
		"addr", ep.info.Address, "ep", ep.info.Number)
	return nil
}

// faultf logs and counts a driver fault and returns it as an error.
func (d *Driver) faultf(c pkg.Component, kind FaultKind, addr uint32, msg string) error {
	pkg.LogError(c, msg, "kind", string(kind), "addr", fmt.Sprintf("%#08x", addr))
	d.m.fault(kind)
	return &FaultError{Kind: kind, Addr: addr}
}
