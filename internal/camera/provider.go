package camera

import (
	"context"
	"image"
)

// Surface is an opaque output target a capture session writes frames into.
// The coordinator only passes surfaces around; it never reads from them.
type Surface interface {
	SurfaceID() string
}

// FrameConsumer is implemented by surfaces that accept frames in process.
// Device backends that produce pixels in software deliver to it.
type FrameConsumer interface {
	ConsumeFrame(frame *image.RGBA)
}

// DeviceEventKind classifies a device-level callback.
type DeviceEventKind int

const (
	DeviceOpened DeviceEventKind = iota
	DeviceDisconnected
	DeviceFailed
)

func (k DeviceEventKind) String() string {
	switch k {
	case DeviceOpened:
		return "opened"
	case DeviceDisconnected:
		return "disconnected"
	case DeviceFailed:
		return "error"
	default:
		return "unknown"
	}
}

// DeviceEvent is delivered once per open outcome and for any later
// disconnect or error. DeviceID is always set; Device is set for Opened and
// may be nil otherwise.
type DeviceEvent struct {
	DeviceID string
	Kind     DeviceEventKind
	Device   Device
	Err      error
}

// DeviceCallback receives device events. It may be called from any goroutine.
type DeviceCallback func(DeviceEvent)

// SessionEvent reports the outcome of a CreateSession request. Exactly one
// of Session and Err is set.
type SessionEvent struct {
	DeviceID string
	Session  Session
	Err      error
}

// SessionCallback receives session events. It may be called from any goroutine.
type SessionCallback func(SessionEvent)

// DeviceManager enumerates, queries, and opens capture devices.
//
// OpenDevice only issues the request: the result arrives later through cb.
// A synchronous error means no event will follow.
type DeviceManager interface {
	ListDevices(ctx context.Context) ([]string, error)
	SupportedOutputSizes(id string) ([]Size, error)
	SensorOrientation(id string) (int, error)
	OpenDevice(id string, cb DeviceCallback) error
}

// Device is an open capture device. The slot that received it owns it.
type Device interface {
	ID() string
	// CreateSession asynchronously binds the device to outputs. The
	// outcome is reported through cb.
	CreateSession(outputs []Surface, cb SessionCallback) error
	Close() error
}

// Session is a configured, immutable binding of a device to its outputs.
type Session interface {
	ID() string
	SetRepeating(req RequestTemplate) error
	StopRepeating() error
	Close() error
}

// RecorderConfig is handed to Recorder.Prepare.
type RecorderConfig struct {
	Path      string
	Size      Size
	Bitrate   int
	Codec     string
	Container string
	FrameRate int
}

// Recorder is the recording sink for one slot. Prepare must succeed before
// the record session is requested, since the session needs its input
// surface. Start is only called once that session is configured.
type Recorder interface {
	Prepare(cfg RecorderConfig) (Surface, error)
	Start() error
	Stop() error
	Release() error
}

// RecorderFactory returns a fresh recorder for one recording of slot.
type RecorderFactory func(slot SlotID) Recorder

// PathProvider returns the output file for a new recording.
type PathProvider func(slot SlotID, deviceID string) (string, error)

// PreviewTarget supplies the surface a slot previews into.
type PreviewTarget interface {
	Surface() Surface
}

// DisplaySurface is a live display owned by the UI. The core reads its
// size and sizes its buffer to the chosen preview size.
type DisplaySurface interface {
	PreviewTarget
	Size() Size
	SetBufferSize(size Size) error
}
