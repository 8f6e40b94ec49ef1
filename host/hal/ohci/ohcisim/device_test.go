package ohcisim

import (
	"bytes"
	"testing"

	"github.com/ardnew/softohci/host/hal"
	"github.com/ardnew/softohci/host/hal/ohci"
)

func sendSetup(f *Function, s hal.SetupPacket) Handshake {
	b := make([]byte, hal.SetupPacketSize)
	s.MarshalTo(b)
	_, h := f.Handle(Packet{Token: ohci.TokenSetup, Data: b})
	return h
}

func sendIn(f *Function, ep uint8, size int) ([]byte, Handshake) {
	b := make([]byte, size)
	n, h := f.Handle(Packet{Endpoint: ep, Token: ohci.TokenIn, Data: b})
	return b[:n], h
}

func sendOut(f *Function, ep uint8, data []byte) Handshake {
	_, h := f.Handle(Packet{Endpoint: ep, Token: ohci.TokenOut, Data: data})
	return h
}

// =============================================================================
// Handshake Tests
// =============================================================================

func TestHandshake_String(t *testing.T) {
	tests := []struct {
		h    Handshake
		want string
	}{
		{ACK, "ack"},
		{NAK, "nak"},
		{STALL, "stall"},
		{NoResponse, "no-response"},
		{Handshake(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.h.String(); got != tt.want {
			t.Errorf("Handshake(%d).String() = %q, want %q", tt.h, got, tt.want)
		}
	}
}

// =============================================================================
// Control Endpoint Tests
// =============================================================================

func TestFunction_GetDescriptor(t *testing.T) {
	desc := make([]byte, 18)
	for i := range desc {
		desc[i] = byte(i + 1)
	}

	tests := []struct {
		name   string
		length uint16
		chunks []int
	}{
		{"whole descriptor", 64, []int{8, 8, 2}},
		{"header only", 8, []int{8}},
		{"truncated", 4, []int{4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewFunction(false, desc)
			if h := sendSetup(f, hal.SetupPacket{RequestType: hal.RequestDirIn, Request: hal.RequestGetDescriptor, Value: uint16(hal.DescriptorDevice) << 8, Length: tt.length}); h != ACK {
				t.Fatalf("SETUP handshake = %v", h)
			}
			var got []byte
			for _, want := range tt.chunks {
				b, h := sendIn(f, 0, 8)
				if h != ACK || len(b) != want {
					t.Fatalf("IN = %d bytes, %v; want %d", len(b), h, want)
				}
				got = append(got, b...)
			}
			if !bytes.Equal(got, desc[:len(got)]) {
				t.Errorf("descriptor = %x", got)
			}
			if h := sendOut(f, 0, nil); h != ACK {
				t.Errorf("status handshake = %v", h)
			}
		})
	}
}

func TestFunction_SetAddress(t *testing.T) {
	f := NewFunction(false, nil)

	sendSetup(f, hal.SetupPacket{Request: hal.RequestSetAddress, Value: 7})
	if f.Address() != 0 {
		t.Fatal("address changed before the status stage")
	}
	if _, h := sendIn(f, 0, 8); h != ACK {
		t.Fatalf("status handshake = %v", h)
	}
	if f.Address() != 7 {
		t.Errorf("Address() = %d, want 7", f.Address())
	}

	f.Reset()
	if f.Address() != 0 {
		t.Errorf("Address() = %d after reset", f.Address())
	}
}

func TestFunction_Configuration(t *testing.T) {
	f := NewFunction(false, nil)

	sendSetup(f, hal.SetupPacket{Request: hal.RequestSetConfiguration, Value: 2})
	sendIn(f, 0, 8)
	if f.Configuration() != 2 {
		t.Fatalf("Configuration() = %d, want 2", f.Configuration())
	}

	sendSetup(f, hal.SetupPacket{RequestType: hal.RequestDirIn, Request: hal.RequestGetConfiguration, Length: 1})
	b, _ := sendIn(f, 0, 8)
	if !bytes.Equal(b, []byte{2}) {
		t.Errorf("GET_CONFIGURATION = %x", b)
	}
	sendOut(f, 0, nil)

	sendSetup(f, hal.SetupPacket{RequestType: hal.RequestDirIn, Request: hal.RequestGetStatus, Length: 2})
	if b, _ := sendIn(f, 0, 8); !bytes.Equal(b, []byte{0, 0}) {
		t.Errorf("GET_STATUS = %x", b)
	}
}

func TestFunction_UnknownRequestStalls(t *testing.T) {
	f := NewFunction(false, nil)

	if h := sendSetup(f, hal.SetupPacket{RequestType: 0x80, Request: 0x42, Length: 4}); h != ACK {
		t.Fatalf("SETUP handshake = %v, want ack", h)
	}
	if _, h := sendIn(f, 0, 8); h != STALL {
		t.Errorf("data stage = %v, want stall", h)
	}

	// A host-to-device request the device does not know stalls its status.
	sendSetup(f, hal.SetupPacket{RequestType: 0x40, Request: 0x01})
	if _, h := sendIn(f, 0, 8); h != STALL {
		t.Errorf("status stage = %v, want stall", h)
	}

	// The next SETUP clears the stall.
	sendSetup(f, hal.SetupPacket{RequestType: hal.RequestDirIn, Request: hal.RequestGetStatus, Length: 2})
	if _, h := sendIn(f, 0, 8); h != ACK {
		t.Errorf("IN after new SETUP = %v", h)
	}

	if _, h := f.Handle(Packet{Token: ohci.TokenSetup, Data: []byte{0x80, 0x06}}); h != NoResponse {
		t.Errorf("short SETUP = %v, want no response", h)
	}
}

func TestFunction_OnRequest(t *testing.T) {
	f := NewFunction(false, nil)
	var gotData []byte
	f.OnRequest = func(s hal.SetupPacket, data []byte) ([]byte, bool) {
		switch s.Request {
		case 0x01:
			return []byte{0xA, 0xB, 0xC}, true
		case 0x02:
			gotData = append([]byte(nil), data...)
			return nil, true
		}
		return nil, false
	}

	sendSetup(f, hal.SetupPacket{RequestType: 0xC0, Request: 0x01, Length: 16})
	if b, h := sendIn(f, 0, 8); h != ACK || !bytes.Equal(b, []byte{0xA, 0xB, 0xC}) {
		t.Errorf("vendor IN = %x, %v", b, h)
	}
	sendOut(f, 0, nil)

	sendSetup(f, hal.SetupPacket{RequestType: 0x40, Request: 0x02, Length: 2})
	sendOut(f, 0, []byte{5, 6})
	if _, h := sendIn(f, 0, 8); h != ACK {
		t.Fatalf("vendor OUT status = %v", h)
	}
	if !bytes.Equal(gotData, []byte{5, 6}) {
		t.Errorf("OnRequest data = %x, want 0506", gotData)
	}

	sendSetup(f, hal.SetupPacket{RequestType: 0xC0, Request: 0x03, Length: 1})
	if _, h := sendIn(f, 0, 8); h != STALL {
		t.Errorf("refused request = %v, want stall", h)
	}
}

// =============================================================================
// Data Endpoint Tests
// =============================================================================

func TestFunction_InQueue(t *testing.T) {
	f := NewFunction(false, nil)
	f.QueueIn(0x81, []byte("0123456789"))
	f.QueueIn(1, []byte("ab"))

	tests := []struct {
		want string
		h    Handshake
	}{
		{"01234567", ACK},
		{"89", ACK},
		{"ab", ACK},
		{"", NAK},
	}
	for i, tt := range tests {
		b, h := sendIn(f, 1, 8)
		if h != tt.h || string(b) != tt.want {
			t.Errorf("IN %d = %q, %v; want %q, %v", i, b, h, tt.want, tt.h)
		}
	}
}

func TestFunction_OutAndFlowControl(t *testing.T) {
	f := NewFunction(false, nil)

	f.NAK(2, 2)
	for i, want := range []Handshake{NAK, NAK, ACK, ACK} {
		if h := sendOut(f, 2, []byte{byte(i)}); h != want {
			t.Errorf("OUT %d = %v, want %v", i, h, want)
		}
	}
	if got := f.Received(2); !bytes.Equal(got, []byte{2, 3}) {
		t.Errorf("Received() = %v, want [2 3]", got)
	}
	if got := f.Received(2); got != nil {
		t.Errorf("Received() = %v after draining", got)
	}

	f.Stall(2, true)
	if h := sendOut(f, 2, []byte{1}); h != STALL {
		t.Errorf("stalled OUT = %v", h)
	}
	f.Stall(2, false)

	f.Silence(true)
	if h := sendOut(f, 2, []byte{1}); h != NoResponse {
		t.Errorf("silent OUT = %v", h)
	}
	f.Silence(false)

	log := f.Transactions()
	if len(log) != 6 {
		t.Fatalf("%d transactions, want 6", len(log))
	}
	if last := log[len(log)-1]; last.Endpoint != 2 || last.Token != ohci.TokenOut || last.Handshake != NoResponse {
		t.Errorf("last transaction = %+v", last)
	}
}
