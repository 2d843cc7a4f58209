package camera

import (
	"errors"
	"fmt"
)

var (
	// ErrPermitTimeout means an open or close could not take the slot's
	// permit in time. Fatal to that operation; never retried.
	ErrPermitTimeout = errors.New("permit acquire timed out")
	// ErrDeviceAccessDenied means the device could not be opened or queried.
	ErrDeviceAccessDenied = errors.New("device access denied")
	// ErrDeviceDisconnected is reported by the device after it went away.
	ErrDeviceDisconnected = errors.New("device disconnected")
	// ErrDeviceError is an unrecoverable device-reported failure.
	ErrDeviceError = errors.New("device error")
	// ErrDeviceNotFound means the configured device ID is not enumerated.
	ErrDeviceNotFound = errors.New("device not found")
	// ErrSessionConfigureFailed is non-fatal; the slot stays Open.
	ErrSessionConfigureFailed = errors.New("session configuration failed")
	// ErrRecorderPrepareFailed fails the record-start action of one slot.
	ErrRecorderPrepareFailed = errors.New("recorder prepare failed")
	// ErrRecorderStartFailed means the sink refused to start after the
	// record session was configured.
	ErrRecorderStartFailed = errors.New("recorder start failed")
	// ErrRecorderStopFailed means the sink did not finalize its output.
	ErrRecorderStopFailed = errors.New("recorder stop failed")
	// ErrInvalidState means the operation does not apply to the slot's current state.
	ErrInvalidState = errors.New("invalid slot state")
	// ErrUnknownSlot means a slot name did not parse.
	ErrUnknownSlot = errors.New("unknown slot")
	// ErrNoPreviewSurface means the preview target has no surface yet.
	ErrNoPreviewSurface = errors.New("preview surface unavailable")
)

// SlotError attaches the slot and operation to a sentinel error.
type SlotError struct {
	Slot SlotID
	Op   string
	Err  error
}

func (e *SlotError) Error() string {
	return fmt.Sprintf("%s slot: %s: %v", e.Slot, e.Op, e.Err)
}

func (e *SlotError) Unwrap() error {
	return e.Err
}

func slotErr(slot SlotID, op string, err error) error {
	if err == nil {
		return nil
	}
	return &SlotError{Slot: slot, Op: op, Err: err}
}

// wrapAs returns err unchanged when it already matches sentinel, otherwise
// it wraps err under sentinel.
func wrapAs(sentinel, err error) error {
	if err == nil {
		return sentinel
	}
	if errors.Is(err, sentinel) {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// IsFatal reports whether err ends the slot it came from.
func IsFatal(err error) bool {
	return errors.Is(err, ErrDeviceAccessDenied) ||
		errors.Is(err, ErrDeviceNotFound) ||
		errors.Is(err, ErrDeviceDisconnected) ||
		errors.Is(err, ErrDeviceError)
}
