package ohci

import (
	"errors"
	"fmt"

	"github.com/ardnew/softohci/pkg"
)

var (
	// ErrInterruptContext is returned by operations that wait for a frame
	// boundary when they are invoked from the interrupt handler.
	ErrInterruptContext = errors.New("ohci: blocking operation in interrupt context")

	// ErrQuiesce is returned when the controller did not advance its frame
	// counter while an endpoint was being skipped.
	ErrQuiesce = errors.New("ohci: endpoint did not quiesce")

	// ErrNotFinished is returned by Complete when the transfer has not been
	// retired by the controller yet.
	ErrNotFinished = errors.New("ohci: transfer not finished")
)

// CompletionCode is the 4-bit condition code the controller writes into a
// retired transfer descriptor.
type CompletionCode uint8

// Completion codes.
const (
	CCNoError             CompletionCode = 0x0
	CCCRC                 CompletionCode = 0x1
	CCBitStuffing         CompletionCode = 0x2
	CCToggleMismatch      CompletionCode = 0x3
	CCStall               CompletionCode = 0x4
	CCDeviceNotResponding CompletionCode = 0x5
	CCPIDCheckFailure     CompletionCode = 0x6
	CCUnexpectedPID       CompletionCode = 0x7
	CCDataOverrun         CompletionCode = 0x8
	CCDataUnderrun        CompletionCode = 0x9
	CCBufferOverrun       CompletionCode = 0xC
	CCBufferUnderrun      CompletionCode = 0xD
	CCNotAccessed         CompletionCode = 0xF
)

// String returns the completion code name.
func (c CompletionCode) String() string {
	switch c {
	case CCNoError:
		return "no-error"
	case CCCRC:
		return "crc"
	case CCBitStuffing:
		return "bit-stuffing"
	case CCToggleMismatch:
		return "toggle-mismatch"
	case CCStall:
		return "stall"
	case CCDeviceNotResponding:
		return "device-not-responding"
	case CCPIDCheckFailure:
		return "pid-check-failure"
	case CCUnexpectedPID:
		return "unexpected-pid"
	case CCDataOverrun:
		return "data-overrun"
	case CCDataUnderrun:
		return "data-underrun"
	case CCBufferOverrun:
		return "buffer-overrun"
	case CCBufferUnderrun:
		return "buffer-underrun"
	case CCNotAccessed:
		return "not-accessed"
	default:
		return fmt.Sprintf("reserved(%#x)", uint8(c))
	}
}

// Status classifies the code as a transfer outcome.
func (c CompletionCode) Status() pkg.TransferStatus {
	switch c {
	case CCNoError, CCDataUnderrun, CCNotAccessed:
		return pkg.TransferStatusSuccess
	case CCCRC, CCBitStuffing, CCToggleMismatch, CCPIDCheckFailure,
		CCUnexpectedPID, CCBufferOverrun, CCBufferUnderrun,
		CCDeviceNotResponding:
		return pkg.TransferStatusIOError
	case CCDataOverrun:
		return pkg.TransferStatusOverrun
	case CCStall:
		return pkg.TransferStatusStall
	default:
		return pkg.TransferStatusFailed
	}
}

// Err returns nil for successful codes and a *TransferError otherwise.
func (c CompletionCode) Err() error {
	if c.Status() == pkg.TransferStatusSuccess {
		return nil
	}
	return &TransferError{Code: c}
}

// TransferError reports a transfer that the controller retired with a
// failing completion code. It unwraps to the pkg sentinel for its class.
type TransferError struct {
	Code CompletionCode
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("ohci: transfer failed: %s", e.Code)
}

func (e *TransferError) Unwrap() error {
	return e.Code.Status().Error()
}

// FaultKind names a driver invariant violation.
type FaultKind string

// Fault kinds.
const (
	FaultIndexRange  FaultKind = "index-out-of-range"
	FaultIndexEmpty  FaultKind = "index-unresolved"
	FaultTDNotFound  FaultKind = "td-not-found"
	FaultNotHead     FaultKind = "td-not-at-head"
	FaultNotFinished FaultKind = "td-not-finished"
	FaultNotAccessed FaultKind = "td-not-accessed"
	FaultEDNotFound  FaultKind = "ed-not-found"
)

// FaultError reports a violated driver or caller invariant. These are
// logged and contained rather than treated as transient conditions. A
// descriptor missing from its list unwraps to pkg.ErrNotFound, every
// other kind to pkg.ErrInvalidState.
type FaultError struct {
	Kind FaultKind
	Addr uint32
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("ohci: fault %s at %#08x", e.Kind, e.Addr)
}

func (e *FaultError) Unwrap() error {
	switch e.Kind {
	case FaultTDNotFound, FaultEDNotFound:
		return pkg.ErrNotFound
	default:
		return pkg.ErrInvalidState
	}
}
