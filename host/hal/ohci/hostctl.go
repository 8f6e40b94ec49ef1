package ohci

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/pkg"
)

// Host adapter timing.
const (
	DefaultTransferTimeout = 5 * time.Second
	DefaultPollInterval    = 10 // ms, interrupt endpoints without a descriptor

	resetPolls     = 50
	setAddressWait = 2 * time.Millisecond
)

// HostOptions tunes the hal.HostHAL adapter.
type HostOptions struct {
	// Timeout bounds every transfer; zero uses DefaultTransferTimeout.
	Timeout time.Duration `mapstructure:"timeout"`

	// Interval is the polling interval in ms of interrupt endpoints that
	// were not configured; zero uses DefaultPollInterval.
	Interval uint16 `mapstructure:"interval"`
}

// pipe is an open endpoint with the lock that keeps its transfers in
// order. Complete requires the oldest transfer first.
type pipe struct {
	mu sync.Mutex
	ep *Endpoint
}

// device is what the adapter knows about one addressed device.
type device struct {
	port  int
	speed hal.Speed
	pipes map[uint8]*pipe
	descs map[uint8]hal.EndpointDescriptor
}

// HostHAL drives an OHCI controller through the hal.HostHAL interface.
// Transfers are submitted to the driver and waited on until the interrupt
// handler reports them retired.
type HostHAL struct {
	d    *Driver
	opts HostOptions

	mu      sync.Mutex
	devices map[hal.DeviceAddress]*device

	waitMu  sync.Mutex
	waiters map[URB]chan struct{}
	early   map[URB]struct{}

	connectCh    chan int
	disconnectCh chan int

	ctx    context.Context
	cancel context.CancelFunc
}

var (
	_ hal.HostHAL            = (*HostHAL)(nil)
	_ hal.EndpointConfigurer = (*HostHAL)(nil)
)

// NewHostHAL creates a driver from cfg and wraps it. Completion and root
// hub callbacks already in cfg are still called after the adapter's own.
func NewHostHAL(cfg Config, opts HostOptions) (*HostHAL, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTransferTimeout
	}
	if opts.Interval == 0 {
		opts.Interval = DefaultPollInterval
	}
	h := &HostHAL{
		opts:         opts,
		devices:      make(map[hal.DeviceAddress]*device),
		waiters:      make(map[URB]chan struct{}),
		early:        make(map[URB]struct{}),
		connectCh:    make(chan int, 2*MaxPorts),
		disconnectCh: make(chan int, 2*MaxPorts),
	}

	onComplete, onChange := cfg.OnComplete, cfg.OnRootHubChange
	cfg.OnComplete = func(ep *Endpoint, urb URB) {
		h.retired(urb)
		if onComplete != nil {
			onComplete(ep, urb)
		}
	}
	cfg.OnRootHubChange = func(changed uint32) {
		h.portChanges(changed)
		if onChange != nil {
			onChange(changed)
		}
	}

	d, err := New(cfg)
	if err != nil {
		return nil, err
	}
	h.d = d
	return h, nil
}

// Driver returns the wrapped driver.
func (h *HostHAL) Driver() *Driver { return h.d }

// Init resets and starts the controller.
func (h *HostHAL) Init(ctx context.Context) error {
	h.ctx, h.cancel = context.WithCancel(context.Background())
	if err := h.d.Start(ctx); err != nil {
		return err
	}
	pkg.LogInfo(pkg.ComponentHAL, "OHCI host HAL initialized", "ports", h.NumPorts())
	return nil
}

// Start powers the ports and reports devices already attached as
// connections.
func (h *HostHAL) Start() error {
	if !h.d.Running() {
		return pkg.ErrNotRunning
	}
	info := h.d.RootHubInfo()
	for port := 1; port <= info.Ports; port++ {
		h.d.PortRequest(port, FeaturePower, true)
	}
	h.d.cfg.Delay(info.PowerOnToGood)
	h.d.RootHubInterrupts(true)

	for port := 1; port <= info.Ports; port++ {
		if h.d.PortStatus(port).Connected() {
			h.d.PortRequest(port, FeatureCConnection, false)
			h.event(h.connectCh, port)
		}
	}
	pkg.LogInfo(pkg.ComponentHAL, "OHCI host HAL started")
	return nil
}

// Stop removes port power and puts the controller in reset.
func (h *HostHAL) Stop() error {
	h.d.RootHubInterrupts(false)
	for port := 1; port <= h.NumPorts(); port++ {
		h.d.PortRequest(port, FeaturePower, false)
	}
	if h.cancel != nil {
		h.cancel()
	}
	if err := h.d.Stop(); err != nil && !errors.Is(err, pkg.ErrNotRunning) {
		return err
	}
	pkg.LogInfo(pkg.ComponentHAL, "OHCI host HAL stopped")
	return nil
}

// Close closes every endpoint, stops the controller and releases the
// driver.
func (h *HostHAL) Close() error {
	h.mu.Lock()
	var pipes []*pipe
	for addr, dev := range h.devices {
		for _, p := range dev.pipes {
			pipes = append(pipes, p)
		}
		delete(h.devices, addr)
	}
	h.mu.Unlock()

	var errs []error
	for _, p := range pipes {
		errs = append(errs, h.closePipe(context.Background(), p))
	}
	if h.d.Running() {
		errs = append(errs, h.Stop())
	}
	errs = append(errs, h.d.Close())
	return errors.Join(errs...)
}

// NumPorts returns the number of root hub ports.
func (h *HostHAL) NumPorts() int { return h.d.numPorts() }

// GetPortStatus returns the status of a port (1-indexed).
func (h *HostHAL) GetPortStatus(port int) (hal.PortStatus, error) {
	if !h.d.validPort(port) {
		return hal.PortStatus{}, fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	ps := h.d.PortStatus(port)
	s, c := uint32(ps.Status), uint32(ps.Change)<<16
	out := hal.PortStatus{
		Connected:     ps.Connected(),
		Enabled:       ps.Enabled(),
		Suspended:     s&PortPSS != 0,
		OverCurrent:   s&PortPOCI != 0,
		Reset:         s&PortPRS != 0,
		PowerOn:       s&PortPPS != 0,
		ConnectChange: c&PortCSC != 0,
		EnableChange:  c&PortPESC != 0,
		ResetChange:   c&PortPRSC != 0,
	}
	if out.Connected {
		out.Speed = h.PortSpeed(port)
	}
	return out, nil
}

// PortSpeed returns the speed of the device on a port.
func (h *HostHAL) PortSpeed(port int) hal.Speed {
	ps := h.d.PortStatus(port)
	switch {
	case !ps.Connected():
		return hal.SpeedUnknown
	case ps.LowSpeed():
		return hal.SpeedLow
	default:
		return hal.SpeedFull
	}
}

// ResetPort resets a port and waits for the controller to finish. The
// device behind it answers at address 0 afterwards.
func (h *HostHAL) ResetPort(port int) error {
	if !h.d.validPort(port) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	if !h.d.PortStatus(port).Connected() {
		return pkg.ErrNoDevice
	}

	h.d.PortRequest(port, FeatureReset, true)
	n := 0
	for ; uint32(h.d.PortStatus(port).Status)&PortPRS != 0; n++ {
		if n == resetPolls {
			return fmt.Errorf("%w: port %d reset", pkg.ErrTimeout, port)
		}
		h.d.cfg.Delay(time.Millisecond)
	}
	h.d.PortRequest(port, FeatureCReset, false)

	stale := h.forget(0)
	h.mu.Lock()
	h.devices[0] = &device{
		port:  port,
		speed: h.PortSpeed(port),
		pipes: make(map[uint8]*pipe),
		descs: make(map[uint8]hal.EndpointDescriptor),
	}
	h.mu.Unlock()
	h.closePipes(stale)

	pkg.LogDebug(pkg.ComponentHAL, "port reset complete", "port", port, "polls", n)
	return nil
}

// EnablePort enables or disables a port.
func (h *HostHAL) EnablePort(port int, enable bool) error {
	if !h.d.PortRequest(port, FeatureEnable, enable) {
		return fmt.Errorf("%w: port %d", pkg.ErrInvalidParameter, port)
	}
	return nil
}

// ControlTransfer runs the setup, data and status stages of a control
// transfer on the default pipe of addr.
func (h *HostHAL) ControlTransfer(ctx context.Context, addr hal.DeviceAddress, setup *hal.SetupPacket, data []byte) (int, error) {
	p, err := h.pipe(addr, 0, hal.TransferControl)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	n := min(len(data), int(setup.Length))
	if _, bounce, err := h.d.dmaTarget(data[:n]); err != nil {
		return 0, err
	} else if bounce && uint32(n) > h.d.cfg.CopyBufSize {
		return 0, fmt.Errorf("%w: %d byte data stage exceeds the %d byte copy buffer",
			pkg.ErrInvalidParameter, n, h.d.cfg.CopyBufSize)
	}

	var pkt [hal.SetupPacketSize]byte
	setup.MarshalTo(pkt[:])
	if _, _, err := h.run(ctx, p.ep, TokenSetup, pkt[:]); err != nil {
		return 0, fmt.Errorf("setup stage: %w", err)
	}

	tok, status := TokenOut, TokenIn
	if setup.IsIn() {
		tok, status = TokenIn, TokenOut
	}
	var got int
	if n > 0 {
		if got, _, err = h.run(ctx, p.ep, tok, data[:n]); err != nil {
			return got, fmt.Errorf("data stage: %w", err)
		}
	} else {
		status = TokenIn
	}

	if _, _, err := h.run(ctx, p.ep, status, nil); err != nil {
		return got, fmt.Errorf("status stage: %w", err)
	}
	return got, nil
}

// BulkTransfer moves data on a bulk endpoint. Bit 7 of endpoint selects IN.
func (h *HostHAL) BulkTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.stream(ctx, addr, endpoint, hal.TransferBulk, data)
}

// InterruptTransfer moves data on an interrupt endpoint, opening it in the
// periodic schedule on first use.
func (h *HostHAL) InterruptTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return h.stream(ctx, addr, endpoint, hal.TransferInterrupt, data)
}

// IsochronousTransfer is not supported by the driver.
func (h *HostHAL) IsochronousTransfer(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, data []byte) (int, error) {
	return 0, fmt.Errorf("%w: isochronous transfers", pkg.ErrNotSupported)
}

// SetDeviceAddress moves the device at address 0 to newAddr. The pipes of
// address 0 are closed so the next device starts from scratch.
func (h *HostHAL) SetDeviceAddress(ctx context.Context, newAddr hal.DeviceAddress) error {
	if newAddr == 0 || newAddr > 127 {
		return fmt.Errorf("%w: address %d", pkg.ErrInvalidParameter, newAddr)
	}
	setup := hal.SetupPacket{
		RequestType: hal.RequestStandard | hal.RecipientDevice,
		Request:     hal.RequestSetAddress,
		Value:       uint16(newAddr),
	}
	if _, err := h.ControlTransfer(ctx, 0, &setup, nil); err != nil {
		return err
	}
	h.d.cfg.Delay(setAddressWait)

	h.mu.Lock()
	dev, ok := h.devices[0]
	if !ok {
		h.mu.Unlock()
		return pkg.ErrNoDevice
	}
	delete(h.devices, 0)
	old := h.devices[newAddr]
	h.devices[newAddr] = &device{
		port:  dev.port,
		speed: dev.speed,
		pipes: make(map[uint8]*pipe),
		descs: dev.descs,
	}
	h.mu.Unlock()

	h.closePipes(dev.pipes)
	if old != nil {
		h.closePipes(old.pipes)
	}
	pkg.LogDebug(pkg.ComponentHAL, "device address set", "address", newAddr, "port", dev.port)
	return nil
}

// ClaimInterface is a no-op; no other driver competes for the device.
func (h *HostHAL) ClaimInterface(addr hal.DeviceAddress, iface uint8) error { return nil }

// ReleaseInterface is a no-op.
func (h *HostHAL) ReleaseInterface(addr hal.DeviceAddress, iface uint8) error { return nil }

// ConfigureEndpoint records an endpoint descriptor. An open pipe whose
// packet size or interval changes is closed and reopened on next use.
func (h *HostHAL) ConfigureEndpoint(ctx context.Context, addr hal.DeviceAddress, desc *hal.EndpointDescriptor) error {
	key := pipeKey(desc.Address, desc.TransferType())

	h.mu.Lock()
	dev, ok := h.devices[addr]
	if !ok {
		h.mu.Unlock()
		return pkg.ErrNoDevice
	}
	prev, had := dev.descs[key]
	dev.descs[key] = *desc
	p := dev.pipes[key]
	stale := p != nil && had && (prev.MaxPacketSize != desc.MaxPacketSize || prev.Interval != desc.Interval)
	stale = stale || p != nil && !had
	if stale {
		delete(dev.pipes, key)
	}
	h.mu.Unlock()

	if stale {
		return h.closePipe(ctx, p)
	}
	return nil
}

// WaitForConnection blocks until a device connects and returns its port.
func (h *HostHAL) WaitForConnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done():
		return 0, pkg.ErrCancelled
	case port := <-h.connectCh:
		pkg.LogInfo(pkg.ComponentHAL, "device connected", "port", port, "speed", h.PortSpeed(port))
		return port, nil
	}
}

// WaitForDisconnection blocks until a device disconnects and returns its
// port. Pipes of devices behind that port are closed first.
func (h *HostHAL) WaitForDisconnection(ctx context.Context) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-h.done():
		return 0, pkg.ErrCancelled
	case port := <-h.disconnectCh:
		h.mu.Lock()
		var stale []map[uint8]*pipe
		for addr, dev := range h.devices {
			if dev.port == port {
				stale = append(stale, dev.pipes)
				delete(h.devices, addr)
			}
		}
		h.mu.Unlock()
		for _, pipes := range stale {
			h.closePipes(pipes)
		}
		pkg.LogInfo(pkg.ComponentHAL, "device disconnected", "port", port)
		return port, nil
	}
}

func (h *HostHAL) done() <-chan struct{} {
	if h.ctx == nil {
		return nil
	}
	return h.ctx.Done()
}

// pipeKey identifies a pipe within a device. Control pipes ignore the
// direction bit.
func pipeKey(endpoint uint8, t hal.TransferType) uint8 {
	if t == hal.TransferControl {
		return endpoint & 0x0F
	}
	return endpoint & 0x8F
}

// pipe returns the open pipe for an endpoint, opening it on first use.
func (h *HostHAL) pipe(addr hal.DeviceAddress, endpoint uint8, t hal.TransferType) (*pipe, error) {
	key := pipeKey(endpoint, t)

	h.mu.Lock()
	defer h.mu.Unlock()

	dev, ok := h.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: address %d", pkg.ErrNoDevice, addr)
	}
	if p, ok := dev.pipes[key]; ok {
		if p.ep.info.Type != t {
			return nil, fmt.Errorf("%w: endpoint %#02x is %s", pkg.ErrInvalidEndpoint, endpoint, p.ep.info.Type)
		}
		return p, nil
	}

	info := EndpointInfo{
		Type:          t,
		Speed:         dev.speed,
		Address:       uint8(addr),
		Number:        endpoint & 0x0F,
		MaxPacketSize: 64,
		Interval:      h.opts.Interval,
	}
	if dev.speed == hal.SpeedLow {
		info.MaxPacketSize = 8
	}
	if desc, ok := dev.descs[key]; ok {
		if desc.MaxPacketSize != 0 {
			info.MaxPacketSize = desc.MaxPacketSize
		}
		if desc.Interval != 0 {
			info.Interval = uint16(desc.Interval)
		}
	}

	p := &pipe{}
	ep, err := h.d.OpenEndpoint(dev, key, info)
	if err != nil {
		return nil, err
	}
	p.ep = ep
	dev.pipes[key] = p
	return p, nil
}

// forget removes the device at addr and returns its pipes.
func (h *HostHAL) forget(addr hal.DeviceAddress) map[uint8]*pipe {
	h.mu.Lock()
	defer h.mu.Unlock()
	dev, ok := h.devices[addr]
	if !ok {
		return nil
	}
	delete(h.devices, addr)
	return dev.pipes
}

func (h *HostHAL) closePipes(pipes map[uint8]*pipe) {
	for _, p := range pipes {
		if err := h.closePipe(context.Background(), p); err != nil {
			pkg.LogWarn(pkg.ComponentHAL, "close pipe", "error", err)
		}
	}
}

// closePipe waits for the pipe's transfer in flight, if any, and closes
// its endpoint.
func (h *HostHAL) closePipe(ctx context.Context, p *pipe) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return h.d.CloseEndpoint(ctx, p.ep)
}

// stream splits a bulk or interrupt transfer into submissions until data
// is exhausted or the device ends it with a short packet.
func (h *HostHAL) stream(ctx context.Context, addr hal.DeviceAddress, endpoint uint8, t hal.TransferType, data []byte) (int, error) {
	p, err := h.pipe(addr, endpoint, t)
	if err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	tok := TokenOut
	if endpoint&0x80 != 0 {
		tok = TokenIn
	}
	var total int
	for {
		n, queued, err := h.run(ctx, p.ep, tok, data[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n < queued || total >= len(data) {
			return total, nil
		}
	}
}

// run submits one transfer, waits for it to retire and collects it. It
// returns the bytes moved and the bytes queued.
func (h *HostHAL) run(ctx context.Context, ep *Endpoint, tok Token, buf []byte) (int, int, error) {
	urb, queued, err := h.d.Submit(ep, tok, buf)
	if err != nil {
		return 0, 0, err
	}
	if err := h.wait(ctx, urb); err != nil {
		h.cancelURB(urb)
		status := pkg.TransferStatusCancelled
		if errors.Is(err, context.DeadlineExceeded) {
			status = pkg.TransferStatusTimeout
		}
		return 0, queued, fmt.Errorf("%w: %w", status.Error(), err)
	}

	n, err := h.d.Complete(urb)
	if err != nil {
		// Stall and transport errors leave the endpoint halted and nothing
		// else behind this interface can clear it. A stalled device resets
		// its toggle when the caller clears the stall.
		switch {
		case errors.Is(err, pkg.ErrStall):
			_ = h.d.HaltClear(ep, true)
		case errors.Is(err, pkg.ErrIO):
			_ = h.d.HaltClear(ep, false)
		}
	}
	return n, queued, err
}

// wait blocks until urb is retired or ctx ends.
func (h *HostHAL) wait(ctx context.Context, urb URB) error {
	h.waitMu.Lock()
	if _, ok := h.early[urb]; ok {
		delete(h.early, urb)
		h.waitMu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	h.waiters[urb] = ch
	h.waitMu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		h.waitMu.Lock()
		delete(h.waiters, urb)
		h.waitMu.Unlock()
		return ctx.Err()
	}
}

// retired runs in the interrupt handler for every retired transfer.
func (h *HostHAL) retired(urb URB) {
	h.waitMu.Lock()
	defer h.waitMu.Unlock()
	if ch, ok := h.waiters[urb]; ok {
		delete(h.waiters, urb)
		close(ch)
		return
	}
	h.early[urb] = struct{}{}
}

// cancelURB aborts a transfer whose wait ended early. A transfer that
// retired in the meantime is collected instead.
func (h *HostHAL) cancelURB(urb URB) {
	err := h.d.Abort(context.Background(), urb)
	if err != nil && urb.Valid() {
		_, err = h.d.Complete(urb)
	}
	h.waitMu.Lock()
	delete(h.early, urb)
	h.waitMu.Unlock()
	if err != nil {
		pkg.LogWarn(pkg.ComponentHAL, "cancel transfer", "error", err)
	}
}

// portChanges runs in the interrupt handler. It acknowledges port change
// bits and turns connection changes into events.
func (h *HostHAL) portChanges(changed uint32) {
	for port := 1; port <= MaxPorts; port++ {
		if changed&(1<<port) == 0 {
			continue
		}
		ps := h.d.PortStatus(port)
		c := uint32(ps.Change) << 16
		for _, ack := range []struct {
			bit uint32
			f   PortFeature
		}{
			{PortPESC, FeatureCEnable},
			{PortPSSC, FeatureCSuspend},
			{PortOCIC, FeatureCOverCurrent},
			{PortPRSC, FeatureCReset},
		} {
			if c&ack.bit != 0 {
				h.d.PortRequest(port, ack.f, false)
			}
		}
		if c&PortCSC == 0 {
			continue
		}
		h.d.PortRequest(port, FeatureCConnection, false)
		if ps.Connected() {
			h.event(h.connectCh, port)
		} else {
			h.event(h.disconnectCh, port)
		}
	}
}

// event queues a port event without blocking the interrupt handler.
func (h *HostHAL) event(ch chan int, port int) {
	select {
	case ch <- port:
	default:
		pkg.LogWarn(pkg.ComponentHAL, "port event dropped", "port", port)
	}
}
