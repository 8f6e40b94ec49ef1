package ohci

// Hooks for the external tests in package ohci_test.

// QueueLen counts the software TDs of ep, placeholder included.
func (d *Driver) QueueLen(ep *Endpoint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for td := ep.head; td != nil; td = td.next {
		n++
		if td == ep.tail {
			break
		}
	}
	return n
}

// HWQueueLen counts the hardware TDs from the ED head pointer through the
// tail pointer.
func (d *Driver) HWQueueLen(ep *Endpoint) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 1
	tail := ep.hc.tail()
	for addr := ep.hc.head(); addr != tail && n <= d.cfg.MaxTransfers; n++ {
		addr = hcTD{b: d.bus, addr: addr}.next()
	}
	return n
}

// PlaceholderIdle reports whether the queue ends in exactly one empty,
// unfinished TD that the ED tail pointer names.
func (d *Driver) PlaceholderIdle(ep *Endpoint) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := ep.tail
	return t != nil && t.next == nil && !t.finished() && t.length() == 0 && ep.hc.tail() == t.hc.addr
}

// TDLengths returns the byte count of every queued TD before the
// placeholder.
func (d *Driver) TDLengths(ep *Endpoint) []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []int
	for td := ep.head; td != nil && td != ep.tail; td = td.next {
		out = append(out, int(td.length()))
	}
	return out
}

// TDsInUse returns the number of allocated software TDs.
func (d *Driver) TDsInUse() int { return d.cfg.MaxTransfers - d.tds.available() }

// EndpointsInUse returns the number of allocated software EDs.
func (d *Driver) EndpointsInUse() int { return d.cfg.MaxEndpoints - d.eds.available() }

// TableLen returns the number of live TD handles, or -1 in scan mode.
func (d *Driver) TableLen() int {
	if d.table == nil {
		return -1
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.table.len()
}

// Halted reports the halt bit of ep's hardware head pointer.
func (d *Driver) Halted(ep *Endpoint) bool { return ep.hc.halted() }

// Skipped reports the skip bit of ep's hardware ED.
func (d *Driver) Skipped(ep *Endpoint) bool { return ep.hc.skipped() }

// HCCAEntry returns interrupt table entry i.
func (d *Driver) HCCAEntry(i int) uint32 { return d.hcca.entry(i) }

// DummyAddr returns the bus address of the periodic dummy ED.
func (d *Driver) DummyAddr() uint32 { return d.dummy.addr }

// HWAddr returns the bus address of ep's hardware ED.
func (ep *Endpoint) HWAddr() uint32 { return ep.hc.addr }

// SetTDIndex overwrites the software index carried by the hardware TD that
// starts urb, as a corrupted descriptor would.
func (d *Driver) SetTDIndex(urb URB, ix uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hw := urb.td.hc
	d.bus.store(hw.addr+TDCtrl, hw.ctrl()&^tdIndexMask|ix&tdIndexMask)
}
