package ohci

import (
	"fmt"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// branchLoad sums the bandwidth of every ED the controller visits in the
// frames served by interrupt table entry i.
func (d *Driver) branchLoad(i int) uint32 {
	var total uint32
	for addr := d.hcca.entry(i); addr != 0 && addr != d.dummy.addr; {
		ed := hcED{b: d.bus, addr: addr}
		total += d.cfg.Bandwidth.cost(ed.mps(), ed.lowSpeed(), ed.isochronous())
		addr = ed.next()
	}
	return total
}

// place chooses the tree slot for a new interrupt endpoint.
//
// Table entries are visited in bit-reversed order so that each run of 2^depth
// entries is the set of 32 ms branches one node at the requested depth
// feeds. The winning node is the one whose most loaded branch is the least
// loaded among all candidates.
func (d *Driver) place(info EndpointInfo) (int, error) {
	depth := depthForInterval(info.Interval)
	low := info.Speed == hal.SpeedLow
	limit := d.cfg.Bandwidth.limit(low)
	need := d.cfg.Bandwidth.cost(uint32(info.MaxPacketSize), low, false)
	group := 1 << depth

	best := limit
	bestPos := 0
	var worst uint32
	for pos := range tableEntries {
		if load := d.branchLoad(bitOrder[pos]); load > worst {
			worst = load
		}
		if (pos+1)%group != 0 {
			continue
		}
		if worst < best {
			best = worst
			bestPos = pos + 1 - group
		}
		if best == 0 {
			break
		}
		worst = 0
	}

	if need > limit-best {
		pkg.LogInfo(pkg.ComponentScheduler, "periodic bandwidth exhausted",
			"need", need, "available", limit-best, "interval", info.Interval)
		return 0, fmt.Errorf("%w: need %d, best branch has %d of %d free",
			pkg.ErrBandwidth, need, limit-best, limit)
	}

	slot := placementSlot(depth, bestPos)
	pkg.LogDebug(pkg.ComponentScheduler, "interrupt endpoint placed",
		"slot", slot, "depth", depth, "interval", intervalForDepth(depth),
		"branch_load", best, "need", need)
	return slot, nil
}

// insertPeriodic links ep into the slot chosen by place. If the slot
// already holds endpoints, ep follows the last of them and every branch
// already reaches it. Otherwise every shallower node feeding the slot is
// visited: a node holding endpoints gets ep after its last one, which
// covers the whole subtree above that node, and an uncovered empty 32 ms
// node gets ep at the head of its table entry.
func (d *Driver) insertPeriodic(ep *Endpoint) {
	slot := ep.slot
	if last := d.lists[slot]; last != nil {
		for last.next != nil {
			last = last.next
		}
		last.next = ep
		ep.hc.setNext(last.hc.next())
		last.hc.setNext(ep.hc.addr)
		return
	}

	if slotDepth(slot) == 0 {
		d.tableInsert(slot, ep)
	}
	w := newAncestorWalk(slot)
	for s, ok := w.next(); ok; s, ok = w.next() {
		if last := d.lists[s]; last != nil {
			for last.next != nil {
				last = last.next
			}
			ep.hc.setNext(last.hc.next())
			last.hc.setNext(ep.hc.addr)
			w.cover(s)
		} else if slotDepth(s) == 0 {
			d.tableInsert(s, ep)
		}
	}
	d.lists[slot] = ep
}

// tableInsert makes ep the first ED of interrupt table entry i.
func (d *Driver) tableInsert(i int, ep *Endpoint) {
	ep.hc.setNext(d.hcca.entry(i))
	d.hcca.setEntry(i, ep.hc.addr)
}

// removePeriodic unlinks an interrupt endpoint. Only the head of a slot's
// list can be pointed to from other slots; it is searched for in every
// shallower node that feeds the slot and in the table entries themselves.
func (d *Driver) removePeriodic(ep *Endpoint) {
	d.pausePeriodic()
	defer d.resumePeriodic()

	if d.regs.Read32(RegPeriodCurrentED) == ep.hc.addr {
		d.regs.Write32(RegPeriodCurrentED, ep.hc.next())
	}

	var prev *Endpoint
	for it := d.lists[ep.slot]; it != nil && it != ep; it = it.next {
		prev = it
	}
	if prev != nil {
		prev.next = ep.next
		prev.hc.setNext(ep.hc.next())
		return
	}

	w := newAncestorWalk(ep.slot)
	for s, ok := ep.slot, true; ok; s, ok = w.next() {
		var hit bool
		for it := d.lists[s]; it != nil; it = it.next {
			if it.hc.next() == ep.hc.addr {
				it.hc.setNext(ep.hc.next())
				w.cover(s)
				hit = true
				break
			}
		}
		if !hit && slotDepth(s) == 0 {
			d.tableUnlink(s, ep)
		}
	}
	d.lists[ep.slot] = ep.next
}

// tableUnlink removes ep from the hardware chain of table entry i.
func (d *Driver) tableUnlink(i int, ep *Endpoint) {
	addr := d.hcca.entry(i)
	if addr == ep.hc.addr {
		d.hcca.setEntry(i, ep.hc.next())
		return
	}
	for addr != 0 && addr != d.dummy.addr {
		cur := hcED{b: d.bus, addr: addr}
		if cur.next() == ep.hc.addr {
			cur.setNext(ep.hc.next())
			return
		}
		addr = cur.next()
	}
}

func (d *Driver) pausePeriodic() {
	d.regs.Write32(RegControl, d.regs.Read32(RegControl)&^CtrlPLE)
}

func (d *Driver) resumePeriodic() {
	if d.running.Load() {
		d.regs.Write32(RegControl, d.regs.Read32(RegControl)|CtrlPLE)
	}
}

// updateLoad publishes the per-branch periodic load.
func (d *Driver) updateLoad() {
	for i := range tableEntries {
		d.m.setBranchLoad(i, d.branchLoad(i))
	}
}

// BranchLoad returns the periodic bandwidth consumed in the frames served
// by each interrupt table entry.
func (d *Driver) BranchLoad() [tableEntries]uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out [tableEntries]uint32
	for i := range out {
		out[i] = d.branchLoad(i)
	}
	return out
}

// Reaches reports whether the controller reaches ep when it walks the
// chain of interrupt table entry i.
func (d *Driver) Reaches(i int, ep *Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for addr, n := d.hcca.entry(i), 0; addr != 0 && addr != d.dummy.addr && n <= d.cfg.MaxEndpoints; n++ {
		if addr == ep.hc.addr {
			return true
		}
		addr = hcED{b: d.bus, addr: addr}.next()
	}
	return false
}
