package pkg

import "errors"

// Transfer and transport errors.
var (
	// ErrStall indicates the endpoint answered with a STALL handshake.
	ErrStall = errors.New("endpoint stalled")

	// ErrIO indicates a bus-level transport failure (CRC, bit stuffing,
	// toggle mismatch, PID failure, timeout or controller buffer fault).
	ErrIO = errors.New("I/O error")

	// ErrOverrun indicates the device returned more data than requested.
	ErrOverrun = errors.New("receive overrun")

	// ErrProtocol indicates a failure the controller did not classify.
	ErrProtocol = errors.New("protocol error")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")
)

// Driver and resource errors.
var (
	// ErrNoMemory indicates a descriptor or buffer pool is exhausted.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrBandwidth indicates a periodic endpoint could not be admitted.
	ErrBandwidth = errors.New("insufficient bandwidth")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidState indicates the controller or endpoint is in the wrong
	// state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidEndpoint indicates an unknown or closed endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrNotFound indicates a descriptor could not be located in its list.
	ErrNotFound = errors.New("descriptor not found")

	// ErrBusy indicates the resource is busy.
	ErrBusy = errors.New("resource busy")

	// ErrNoDevice indicates no device is attached.
	ErrNoDevice = errors.New("device not present")

	// ErrAlreadyRunning indicates the controller is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the controller is not running.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus classifies the outcome of a completed transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusIOError                         // Transport failure
	TransferStatusOverrun                         // Receive overrun
	TransferStatusStall                           // Endpoint stalled
	TransferStatusFailed                          // Unclassified failure
	TransferStatusCancelled                       // Transfer was aborted
	TransferStatusTimeout                         // Transfer timed out
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusIOError:
		return "io-error"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusStall:
		return "stall"
	case TransferStatusFailed:
		return "failed"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusIOError:
		return ErrIO
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusStall:
		return ErrStall
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusTimeout:
		return ErrTimeout
	default:
		return ErrProtocol
	}
}
