package ohci

import (
	"errors"
	"fmt"

	"github.com/ardnew/softohci/pkg"
)

// notification is a completion to deliver once the driver lock is
// released.
type notification struct {
	ep  *Endpoint
	urb URB
}

// reverseDoneQueue reverses the controller's done list in place, newest
// first, and returns the oldest TD. The walk is bounded so a corrupt list
// cannot hang the handler.
func (d *Driver) reverseDoneQueue(head uint32) uint32 {
	limit := d.cfg.MaxTransfers + d.cfg.MaxEndpoints + 1
	var prev uint32
	for cur, n := head&DoneHeadMask, 0; cur != 0; n++ {
		if n == limit {
			_ = d.faultf(pkg.ComponentDoneQueue, FaultTDNotFound, cur, "done queue does not terminate")
			break
		}
		td := hcTD{b: d.bus, addr: cur}
		td.invalidate()
		next := td.next()
		// The controller no longer owns a retired TD; no flush needed.
		d.bus.set(cur+TDNextTD, prev)
		prev, cur = cur, next
	}
	return prev
}

// processDoneQueue retires every TD on the done list in completion order.
// Completions are queued on d.notes. Callers hold d.mu.
func (d *Driver) processDoneQueue(head uint32) {
	for addr := d.reverseDoneQueue(head); addr != 0; {
		hw := hcTD{b: d.bus, addr: addr}
		addr = hw.next()

		td, err := d.resolve(hw)
		if err != nil {
			continue
		}
		d.m.DoneTDs.Inc()
		td.status |= tdFinished

		if td.last() {
			d.notify(td)
			continue
		}
		switch code := hw.code(); {
		case code == CCDataUnderrun:
			d.m.ShortPackets.Inc()
			d.unwind(td, false)
			d.notify(td)
		case code == CCNotAccessed:
			_ = d.faultf(pkg.ComponentDoneQueue, FaultNotAccessed, hw.addr, "controller retired a TD it never accessed")
		case code.Status() != pkg.TransferStatusSuccess:
			d.unwind(td, true)
			d.notify(td)
		}
	}
}

// resolve maps a retired hardware TD to its software descriptor.
func (d *Driver) resolve(hw hcTD) (*transferDesc, error) {
	ix := hw.index()
	if d.table != nil {
		td, err := d.table.lookup(ix)
		if err != nil {
			kind := FaultIndexEmpty
			var fault *FaultError
			if errors.As(err, &fault) {
				kind = fault.Kind
			}
			return nil, d.faultf(pkg.ComponentDoneQueue, kind, hw.addr,
				fmt.Sprintf("unresolvable TD index %d", ix))
		}
		if td.hc.addr != hw.addr {
			return nil, d.faultf(pkg.ComponentDoneQueue, FaultTDNotFound, hw.addr, "TD index points at another descriptor")
		}
		return td, nil
	}

	if int(ix) >= numSlots {
		return nil, d.faultf(pkg.ComponentDoneQueue, FaultIndexRange, hw.addr,
			fmt.Sprintf("TD carries slot %d", ix))
	}
	for ep := d.lists[ix]; ep != nil; ep = ep.next {
		for td := ep.head; td != nil; td = td.next {
			if td.hc.addr == hw.addr {
				return td, nil
			}
		}
	}
	return nil, d.faultf(pkg.ComponentDoneQueue, FaultTDNotFound, hw.addr, "no endpoint owns retired TD")
}

// unwind frees the TDs of td's transfer that the controller will never
// process after td ended it early, and points the ED past them. td becomes
// the last TD of its transfer. A short packet resumes the endpoint; an
// error leaves it halted for Complete or the caller to clear.
func (d *Driver) unwind(td *transferDesc, halted bool) {
	ep := td.ed
	cur := td.next
	for cur != nil && cur != ep.tail {
		next, last := cur.next, cur.last()
		d.freeTD(cur)
		cur = next
		if last {
			break
		}
	}
	td.next = cur
	td.status &^= tdMore

	head := cur.hc.addr | ep.hc.headRaw()&EDToggleCarry
	if halted {
		head |= EDHalted
	}
	ep.hc.setHead(head)
	if !halted {
		d.haltClear(ep, false)
	}
	pkg.LogDebug(pkg.ComponentDoneQueue, "transfer ended early",
		"addr", ep.info.Address, "ep", ep.info.Number, "code", td.hc.code().String())
}

func (d *Driver) notify(td *transferDesc) {
	first := td.first
	if first == nil {
		first = td
	}
	d.notes = append(d.notes, notification{ep: td.ed, urb: URB{td: first, gen: first.gen}})
}
