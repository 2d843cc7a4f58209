package output

import (
	"image"
)

// Output is a destination for preview frames outside the capture stack:
// the mono slot's MJPEG stream, or a display window.
type Output interface {
	// Start initializes the output mechanism
	Start() error

	// Stop cleanly shuts down the output
	Stop() error

	// WriteFrame sends a frame to the output
	// The image is expected to be in RGBA format
	WriteFrame(frame *image.RGBA) error

	// Name returns a human-readable name for this output type
	Name() string

	// IsRunning returns true if the output is currently active
	IsRunning() bool
}

// Config holds common configuration for all output types
type Config struct {
	Width   int
	Height  int
	FPS     int
	Quality int
	// Label is drawn in the top-left corner when non-empty.
	Label string
}
