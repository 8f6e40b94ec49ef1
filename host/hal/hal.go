package hal

import (
	"context"
	"fmt"
)

// Speed is the signalling rate of a port or device.
type Speed uint8

// Speeds. An OHCI root hub only ever reports low or full speed.
const (
	SpeedUnknown Speed = iota
	SpeedLow           // 1.5 Mbit/s
	SpeedFull          // 12 Mbit/s
	SpeedHigh          // 480 Mbit/s
)

// String returns the lower-case speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "low"
	case SpeedFull:
		return "full"
	case SpeedHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseSpeed maps a name returned by String back to a Speed.
func ParseSpeed(name string) (Speed, error) {
	for _, s := range []Speed{SpeedLow, SpeedFull, SpeedHigh} {
		if s.String() == name {
			return s, nil
		}
	}
	return SpeedUnknown, fmt.Errorf("unknown speed %q", name)
}

// PortStatus is the state of one root hub port as seen through the HAL.
type PortStatus struct {
	Connected   bool
	Enabled     bool
	Suspended   bool
	OverCurrent bool
	Reset       bool // reset signalling in progress
	PowerOn     bool
	Speed       Speed

	// Change bits the HAL has not yet acknowledged.
	ConnectChange bool
	EnableChange  bool
	ResetChange   bool
}

// SetupPacket is the 8-byte SETUP stage of a control transfer.
type SetupPacket struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16 // bytes in the data stage
}

// SetupPacketSize is the wire size of a SetupPacket.
const SetupPacketSize = 8

// bmRequestType fields.
const (
	RequestDirIn      uint8 = 0x80
	RequestTypeMask   uint8 = 0x60
	RequestStandard   uint8 = 0x00
	RequestClass      uint8 = 0x20
	RequestVendor     uint8 = 0x40
	RecipientMask     uint8 = 0x1F
	RecipientDevice   uint8 = 0x00
	RecipientEndpoint uint8 = 0x02
)

// Standard requests.
const (
	RequestGetStatus        uint8 = 0x00
	RequestClearFeature     uint8 = 0x01
	RequestSetFeature       uint8 = 0x03
	RequestSetAddress       uint8 = 0x05
	RequestGetDescriptor    uint8 = 0x06
	RequestGetConfiguration uint8 = 0x08
	RequestSetConfiguration uint8 = 0x09
)

// DescriptorDevice is the descriptor type of the device descriptor, the
// high byte of Value in GET_DESCRIPTOR.
const DescriptorDevice uint8 = 0x01

// IsIn reports whether the data stage, if any, moves device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&RequestDirIn != 0
}

// ParseSetupPacket decodes the little-endian wire form. It reports false
// when data is shorter than SetupPacketSize.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo encodes s into buf and returns SetupPacketSize, or 0 when buf
// is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// TransferType is the endpoint transfer type, numbered as in the
// bmAttributes field of an endpoint descriptor.
type TransferType uint8

// Transfer types.
const (
	TransferControl     TransferType = 0
	TransferIsochronous TransferType = 1
	TransferBulk        TransferType = 2
	TransferInterrupt   TransferType = 3
)

// String returns the lower-case transfer type name.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// ParseTransferType maps a name returned by String back to a
// TransferType. "iso" is accepted for isochronous.
func ParseTransferType(name string) (TransferType, error) {
	if name == "iso" {
		return TransferIsochronous, nil
	}
	for t := TransferControl; t <= TransferInterrupt; t++ {
		if t.String() == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown transfer type %q", name)
}

// EndpointDescriptor carries the fields of a USB endpoint descriptor a HAL
// needs to open a pipe.
type EndpointDescriptor struct {
	Address       uint8 // number in bits 0-3, bit 7 set for IN
	Attributes    uint8 // transfer type in bits 0-1
	MaxPacketSize uint16
	Interval      uint8 // ms for low and full speed interrupt endpoints
}

// Number returns the endpoint number.
func (e *EndpointDescriptor) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn reports an IN endpoint.
func (e *EndpointDescriptor) IsIn() bool {
	return e.Address&0x80 != 0
}

// TransferType returns the transfer type from Attributes.
func (e *EndpointDescriptor) TransferType() TransferType {
	return TransferType(e.Attributes & 0x03)
}

// DeviceAddress is a USB device address. 0 is the default address of a
// device that has just been reset.
type DeviceAddress uint8

// HostHAL is the contract between a USB host stack and a host controller.
// Ports are numbered from 1. Every method may be called from any
// goroutine; transfers on different endpoints may run concurrently.
type HostHAL interface {
	// Init brings the controller from reset to operational.
	Init(ctx context.Context) error

	// Start powers the ports. Devices already attached are reported
	// through WaitForConnection.
	Start() error

	// Stop removes port power and halts the controller.
	Stop() error

	// Close closes every pipe and releases the controller. The HAL is
	// unusable afterwards.
	Close() error

	NumPorts() int
	GetPortStatus(port int) (PortStatus, error)
	PortSpeed(port int) Speed

	// ResetPort drives reset on a port and returns once it is enabled. The
	// device answers at address 0 afterwards.
	ResetPort(port int) error

	EnablePort(port int, enable bool) error

	// ControlTransfer runs setup, data and status stages on the default
	// pipe of addr. data is the data stage; its length is capped at
	// setup.Length. It returns the bytes moved in the data stage.
	ControlTransfer(ctx context.Context, addr DeviceAddress, setup *SetupPacket, data []byte) (int, error)

	// BulkTransfer and InterruptTransfer move data on an endpoint, IN when
	// bit 7 of endpoint is set. A short packet ends the transfer early.
	// They return the bytes moved.
	BulkTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)
	InterruptTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// IsochronousTransfer may return an error wrapping
	// pkg.ErrNotSupported.
	IsochronousTransfer(ctx context.Context, addr DeviceAddress, endpoint uint8, data []byte) (int, error)

	// SetDeviceAddress moves the device at address 0 to newAddr.
	SetDeviceAddress(ctx context.Context, newAddr DeviceAddress) error

	// ClaimInterface and ReleaseInterface arbitrate interfaces with other
	// drivers on the same platform, if there are any.
	ClaimInterface(addr DeviceAddress, iface uint8) error
	ReleaseInterface(addr DeviceAddress, iface uint8) error

	// WaitForConnection and WaitForDisconnection block until a port
	// changes state or ctx ends, and return the port.
	WaitForConnection(ctx context.Context) (int, error)
	WaitForDisconnection(ctx context.Context) (int, error)
}

// EndpointConfigurer is implemented by HALs that schedule endpoints
// themselves and need their descriptors before the first transfer on
// them. A descriptor that changes the packet size or interval of an open
// pipe takes effect on the pipe's next transfer.
type EndpointConfigurer interface {
	ConfigureEndpoint(ctx context.Context, addr DeviceAddress, desc *EndpointDescriptor) error
}
