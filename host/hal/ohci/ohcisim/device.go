package ohcisim

import (
	"sync"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
)

// Handshake is a device's answer to a transaction.
type Handshake uint8

// Handshakes. NoResponse stands for a timeout or a corrupted packet; the
// controller counts it as a transmission error and retries.
const (
	ACK Handshake = iota
	NAK
	STALL
	NoResponse
)

// String returns the handshake name.
func (h Handshake) String() string {
	switch h {
	case ACK:
		return "ack"
	case NAK:
		return "nak"
	case STALL:
		return "stall"
	case NoResponse:
		return "no-response"
	default:
		return "unknown"
	}
}

// Packet is one transaction as the device sees it.
type Packet struct {
	Endpoint uint8
	Token    ohci.Token
	Toggle   uint8

	// Data is the SETUP or OUT payload, or for IN a buffer of the
	// endpoint's max packet size for the device to fill.
	Data []byte
}

// Device is a USB function attached to a root hub port.
type Device interface {
	// Address is the address the device currently answers to.
	Address() uint8

	// LowSpeed reports a low-speed device.
	LowSpeed() bool

	// Reset returns the device to the default state at address 0.
	Reset()

	// Handle answers one transaction. For IN it returns the bytes it put
	// in p.Data; returning more than len(p.Data) is babble.
	Handle(p Packet) (int, Handshake)
}

// Request types a Function answers itself.
const (
	standardIn  = hal.RequestDirIn | hal.RequestStandard | hal.RecipientDevice
	standardOut = hal.RequestStandard | hal.RecipientDevice
)

// Transaction records one packet a Function handled.
type Transaction struct {
	Endpoint  uint8
	Token     ohci.Token
	Toggle    uint8
	Len       int
	Handshake Handshake
}

// Function is a scriptable device. Endpoint 0 answers the standard
// requests needed for enumeration; other endpoints move data through
// queues the test fills and drains.
type Function struct {
	mu sync.Mutex

	low     bool
	addr    uint8
	pending uint8
	config  uint8
	desc    []byte

	// Control transfer in progress.
	setup    hal.SetupPacket
	response []byte
	received []byte
	stage    int

	in     map[uint8][][]byte
	out    map[uint8][]byte
	stall  map[uint8]bool
	nak    map[uint8]int
	silent bool
	log    []Transaction

	// OnRequest answers control requests the Function does not handle.
	// Returning false stalls the request.
	OnRequest func(setup hal.SetupPacket, data []byte) ([]byte, bool)
}

// Control stages.
const (
	stageIdle = iota
	stageData
	stageStatus
)

var _ Device = (*Function)(nil)

// NewFunction creates a device that returns desc for GET_DESCRIPTOR.
func NewFunction(lowSpeed bool, desc []byte) *Function {
	return &Function{
		low:   lowSpeed,
		desc:  desc,
		in:    make(map[uint8][][]byte),
		out:   make(map[uint8][]byte),
		stall: make(map[uint8]bool),
		nak:   make(map[uint8]int),
	}
}

// Address returns the current device address.
func (f *Function) Address() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addr
}

// LowSpeed reports a low-speed device.
func (f *Function) LowSpeed() bool { return f.low }

// Reset returns the device to address 0, unconfigured.
func (f *Function) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addr, f.pending, f.config = 0, 0, 0
	f.stage = stageIdle
}

// QueueIn queues data for an IN endpoint. Each call is one transfer as
// the device sees it: a chunk that is not a multiple of the packet size
// ends with a short packet.
func (f *Function) QueueIn(ep uint8, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in[ep&0x0F] = append(f.in[ep&0x0F], data)
}

// Received returns and clears what the device got on an OUT endpoint.
func (f *Function) Received(ep uint8) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.out[ep&0x0F]
	delete(f.out, ep&0x0F)
	return b
}

// Stall makes an endpoint answer STALL until cleared.
func (f *Function) Stall(ep uint8, stall bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stall[ep&0x0F] = stall
}

// NAK makes an endpoint answer NAK to its next n transactions.
func (f *Function) NAK(ep uint8, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nak[ep&0x0F] = n
}

// Silence makes the device stop answering entirely.
func (f *Function) Silence(silent bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.silent = silent
}

// Configuration returns the value of the last SET_CONFIGURATION.
func (f *Function) Configuration() uint8 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// Transactions returns the packets handled so far.
func (f *Function) Transactions() []Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transaction(nil), f.log...)
}

// Handle answers one transaction.
func (f *Function) Handle(p Packet) (int, Handshake) {
	f.mu.Lock()
	defer f.mu.Unlock()

	n, h := f.handle(p)
	f.log = append(f.log, Transaction{
		Endpoint:  p.Endpoint,
		Token:     p.Token,
		Toggle:    p.Toggle,
		Len:       n,
		Handshake: h,
	})
	return n, h
}

func (f *Function) handle(p Packet) (int, Handshake) {
	ep := p.Endpoint & 0x0F
	switch {
	case f.silent:
		return 0, NoResponse
	case p.Token == ohci.TokenSetup:
		return f.handleSetup(p.Data)
	case f.stall[ep]:
		return 0, STALL
	case f.nak[ep] > 0:
		f.nak[ep]--
		return 0, NAK
	case ep == 0:
		return f.handleControl(p)
	case p.Token == ohci.TokenOut:
		f.out[ep] = append(f.out[ep], p.Data...)
		return len(p.Data), ACK
	}

	q := f.in[ep]
	if len(q) == 0 {
		return 0, NAK
	}
	n := copy(p.Data, q[0])
	if n < len(q[0]) {
		q[0] = q[0][n:]
	} else {
		q = q[1:]
	}
	f.in[ep] = q
	return n, ACK
}

// handleSetup starts a control transfer. A SETUP always clears a stall on
// endpoint 0.
func (f *Function) handleSetup(data []byte) (int, Handshake) {
	f.stall[0] = false
	if !hal.ParseSetupPacket(data, &f.setup) {
		return 0, NoResponse
	}
	f.response, f.received = nil, nil
	f.stage = stageData
	if f.setup.Length == 0 {
		f.stage = stageStatus
	}

	s := f.setup
	if !s.IsIn() {
		return len(data), ACK
	}
	switch {
	case s.RequestType == standardIn && s.Request == hal.RequestGetDescriptor && uint8(s.Value>>8) == hal.DescriptorDevice:
		f.response = f.desc
	case s.RequestType == standardIn && s.Request == hal.RequestGetConfiguration:
		f.response = []byte{f.config}
	case s.RequestType == standardIn && s.Request == hal.RequestGetStatus:
		f.response = []byte{0, 0}
	case f.OnRequest != nil:
		resp, ok := f.OnRequest(s, nil)
		if !ok {
			f.stall[0] = true
		}
		f.response = resp
	default:
		f.stall[0] = true
	}
	if len(f.response) > int(s.Length) {
		f.response = f.response[:s.Length]
	}
	return len(data), ACK
}

// handleControl runs the data and status stages on endpoint 0.
func (f *Function) handleControl(p Packet) (int, Handshake) {
	in := f.setup.IsIn()
	if f.stage == stageData && (p.Token == ohci.TokenIn) == in {
		if in {
			n := copy(p.Data, f.response)
			f.response = f.response[n:]
			return n, ACK
		}
		f.received = append(f.received, p.Data...)
		return len(p.Data), ACK
	}

	// Status stage: a zero-length packet in the other direction.
	f.stage = stageIdle
	if !in && !f.finishOut() {
		return 0, STALL
	}
	if f.pending != 0 {
		f.addr, f.pending = f.pending, 0
	}
	return 0, ACK
}

// finishOut acts on a host-to-device request once its data arrived.
func (f *Function) finishOut() bool {
	s := f.setup
	switch {
	case s.RequestType == standardOut && s.Request == hal.RequestSetAddress:
		f.pending = uint8(s.Value & 0x7F)
		return true
	case s.RequestType == standardOut && s.Request == hal.RequestSetConfiguration:
		f.config = uint8(s.Value)
		return true
	case f.OnRequest != nil:
		_, ok := f.OnRequest(s, f.received)
		return ok
	default:
		return false
	}
}
