// Package display provides the color slot's preview target: a live surface
// whose size drives preview-size selection and whose buffer is sized to the
// chosen preview size before each session is built.
package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/config"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"golang.org/x/image/draw"
)

// Display is a camera.DisplaySurface with a lifecycle.
type Display interface {
	camera.DisplaySurface
	camera.FrameConsumer
	Start() error
	Stop()
	Name() string
}

// New returns the display selected by cfg.Backend.
func New(cfg config.DisplayConfig) (Display, error) {
	size := camera.Size{Width: cfg.Width, Height: cfg.Height}
	switch cfg.Backend {
	case config.DisplayHeadless, "":
		return NewHeadless(size), nil
	case config.DisplayX11:
		return NewX11(size)
	default:
		return nil, fmt.Errorf("unknown display backend %q", cfg.Backend)
	}
}

// Headless is an in-memory display. It keeps the latest frame, scaled to
// the buffer size, so the API can serve it.
type Headless struct {
	size camera.Size

	mu      sync.RWMutex
	buffer  camera.Size
	latest  *image.RGBA
	frames  uint64
	running bool
}

// NewHeadless returns a headless display reporting size.
func NewHeadless(size camera.Size) *Headless {
	return &Headless{size: size, buffer: size}
}

func (h *Headless) Name() string { return "headless" }

func (h *Headless) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = true
	logger.WithComponent("display").Info().Str("size", h.size.String()).Msg("Headless display started")
	return nil
}

func (h *Headless) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.running = false
}

// Surface implements camera.PreviewTarget
func (h *Headless) Surface() camera.Surface { return h }

// SurfaceID implements camera.Surface
func (h *Headless) SurfaceID() string { return "display" }

// Size implements camera.DisplaySurface
func (h *Headless) Size() camera.Size { return h.size }

// SetBufferSize implements camera.DisplaySurface
func (h *Headless) SetBufferSize(size camera.Size) error {
	if size.IsZero() {
		return fmt.Errorf("invalid buffer size %s", size)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffer = size
	return nil
}

// BufferSize returns the size set by the last SetBufferSize.
func (h *Headless) BufferSize() camera.Size {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.buffer
}

// ConsumeFrame implements camera.FrameConsumer
func (h *Headless) ConsumeFrame(frame *image.RGBA) {
	h.mu.RLock()
	buffer, running := h.buffer, h.running
	h.mu.RUnlock()
	if !running {
		return
	}

	img := letterbox(frame, buffer)

	h.mu.Lock()
	h.latest = img
	h.frames++
	h.mu.Unlock()
}

// Latest returns the most recent frame at buffer size, or nil.
func (h *Headless) Latest() *image.RGBA {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.latest
}

// Frames returns the number of frames received while running.
func (h *Headless) Frames() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.frames
}

// fitRect returns the largest rectangle with src's aspect ratio centred in dst.
func fitRect(src, dst camera.Size) image.Rectangle {
	if src.IsZero() || dst.IsZero() {
		return image.Rectangle{}
	}
	w := dst.Width
	h := src.Height * dst.Width / src.Width
	if h > dst.Height {
		h = dst.Height
		w = src.Width * dst.Height / src.Height
	}
	x := (dst.Width - w) / 2
	y := (dst.Height - h) / 2
	return image.Rect(x, y, x+w, y+h)
}

// letterbox scales frame into a black canvas of size, keeping its aspect ratio.
func letterbox(frame *image.RGBA, size camera.Size) *image.RGBA {
	b := frame.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.Draw(out, out.Bounds(), image.Black, image.Point{}, draw.Src)
	dst := fitRect(camera.Size{Width: b.Dx(), Height: b.Dy()}, size)
	if dst.Empty() {
		return out
	}
	draw.ApproxBiLinear.Scale(out, dst, frame, b, draw.Src, nil)
	return out
}
