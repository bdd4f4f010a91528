package u3v

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/gousb"
)

// ErrorKind classifies a control operation failure.
type ErrorKind uint8

const (
	// ErrIo indicates an underlying transport failure.
	ErrIo ErrorKind = iota
	// ErrInvalidDevice indicates the device is gone or lacks the expected
	// descriptors or endpoints.
	ErrInvalidDevice
	// ErrInvalidPacket indicates a malformed or mismatched packet on the wire.
	ErrInvalidPacket
	// ErrNak indicates the device returned a non-success status.
	ErrNak
	// ErrTimeout indicates a transfer did not complete within the timeout.
	ErrTimeout
	// ErrPendingAckExceeded indicates the device kept answering PENDING_ACK
	// past the configured retry count.
	ErrPendingAckExceeded
	// ErrNotOpened indicates an I/O operation on a handle that is not open.
	ErrNotOpened
	// ErrBufferTooSmall indicates the caller's buffer cannot hold the result.
	ErrBufferTooSmall
	// ErrParse indicates register content that violates its declared type.
	ErrParse
	// ErrNotSupported indicates an operation the device does not provide.
	ErrNotSupported
)

func (k ErrorKind) String() string {
	switch k {
	case ErrIo:
		return "io"
	case ErrInvalidDevice:
		return "invalid device"
	case ErrInvalidPacket:
		return "invalid packet"
	case ErrNak:
		return "nak"
	case ErrTimeout:
		return "timeout"
	case ErrPendingAckExceeded:
		return "pending ack exceeded"
	case ErrNotOpened:
		return "not opened"
	case ErrBufferTooSmall:
		return "buffer too small"
	case ErrParse:
		return "parse error"
	case ErrNotSupported:
		return "not supported"
	default:
		return fmt.Sprintf("unknown(%d)", k)
	}
}

// ControlError is the error type returned by all control channel operations.
type ControlError struct {
	Kind ErrorKind
	// Status holds the device status code when Kind is ErrNak.
	Status Status

	msg string
	err error
}

func (e *ControlError) Error() string {
	switch {
	case e.err != nil && e.msg != "":
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.err)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.err)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, e.msg)
	}
}

func (e *ControlError) Unwrap() error { return e.err }

// Is reports kind equality, so callers can match with errors.Is against a
// bare &ControlError{Kind: ...}.
func (e *ControlError) Is(target error) bool {
	t, ok := target.(*ControlError)
	return ok && t.Kind == e.Kind
}

func controlErrorf(kind ErrorKind, format string, args ...interface{}) *ControlError {
	return &ControlError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

func wrapControlError(kind ErrorKind, err error, format string, args ...interface{}) *ControlError {
	return &ControlError{Kind: kind, msg: fmt.Sprintf(format, args...), err: err}
}

func nakError(status Status) *ControlError {
	return &ControlError{Kind: ErrNak, Status: status, msg: fmt.Sprintf("device returned %s", status)}
}

// errorKind extracts the kind of a ControlError, or ErrIo for foreign errors.
func errorKind(err error) ErrorKind {
	var cerr *ControlError
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return ErrIo
}

// usbError maps a transfer failure coming out of gousb (libusb) to a
// ControlError. The mapping follows libusb semantics: a vanished device is an
// invalid device, a timed out transfer is a timeout, everything else is plain
// I/O.
func usbError(err error, op string) *ControlError {
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapControlError(ErrTimeout, err, "%s timed out", op)
	}
	var uerr gousb.Error
	if errors.As(err, &uerr) {
		switch uerr {
		case gousb.ErrorTimeout:
			return wrapControlError(ErrTimeout, err, "%s timed out", op)
		case gousb.ErrorNoDevice, gousb.ErrorNotFound:
			return wrapControlError(ErrInvalidDevice, err, "%s: device gone", op)
		case gousb.ErrorAccess, gousb.ErrorBusy, gousb.ErrorIO, gousb.ErrorPipe,
			gousb.ErrorOverflow, gousb.ErrorInterrupted:
			return wrapControlError(ErrIo, err, "%s failed", op)
		}
	}
	return wrapControlError(ErrIo, err, "%s failed", op)
}

// StreamErrorKind classifies a streaming collaborator failure.
type StreamErrorKind uint8

const (
	StreamErrIo StreamErrorKind = iota
	StreamErrInvalidPacket
)

func (k StreamErrorKind) String() string {
	if k == StreamErrInvalidPacket {
		return "invalid packet"
	}
	return "io"
}

// StreamError is the error type raised by the streaming collaborator. The
// control library itself never returns it; it exists so stream engines built
// on DeviceControl share one taxonomy.
type StreamError struct {
	Kind StreamErrorKind

	msg string
	err error
}

func (e *StreamError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("stream %s: %s: %v", e.Kind, e.msg, e.err)
	}
	return fmt.Sprintf("stream %s: %s", e.Kind, e.msg)
}

func (e *StreamError) Unwrap() error { return e.err }

// NewStreamError builds a StreamError wrapping err. Intended for stream
// engine implementations mapping their transport failures.
func NewStreamError(kind StreamErrorKind, err error, msg string) *StreamError {
	return &StreamError{Kind: kind, msg: msg, err: err}
}
