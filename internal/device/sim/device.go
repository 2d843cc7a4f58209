package sim

import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/google/uuid"
)

// Device is an open simulated device.
type Device struct {
	id   string
	spec DeviceSpec
	mgr  *Manager
	cb   camera.DeviceCallback

	mu       sync.Mutex
	closed   bool
	sessions map[string]*Session
	created  int
}

func newDevice(m *Manager, spec DeviceSpec, cb camera.DeviceCallback) *Device {
	return &Device{
		id:       spec.ID,
		spec:     spec,
		mgr:      m,
		cb:       cb,
		sessions: make(map[string]*Session),
	}
}

// ID implements camera.Device
func (d *Device) ID() string {
	return d.id
}

// CreateSession configures a session asynchronously.
func (d *Device) CreateSession(outputs []camera.Surface, cb camera.SessionCallback) error {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrDeviceClosed
	}
	if err := d.mgr.takeCreateSync(d.id); err != nil {
		return err
	}
	if len(outputs) == 0 {
		return fmt.Errorf("sim: session needs at least one output")
	}
	targets := make([]camera.Surface, len(outputs))
	copy(targets, outputs)

	d.mgr.wg.Add(1)
	go func() {
		defer d.mgr.wg.Done()
		sleep(d.mgr.opts.ConfigureLatency)

		if d.mgr.takeConfigureFailure(d.id) {
			cb(camera.SessionEvent{DeviceID: d.id, Err: ErrConfigure})
			return
		}

		d.mu.Lock()
		if d.closed {
			d.mu.Unlock()
			cb(camera.SessionEvent{DeviceID: d.id, Err: ErrDeviceClosed})
			return
		}
		s := newSession(d, targets)
		d.sessions[s.id] = s
		d.created++
		d.mu.Unlock()

		logger.WithComponent("sim").Debug().
			Str("device", d.id).
			Str("session", s.id).
			Int("outputs", len(targets)).
			Msg("Simulated session configured")
		cb(camera.SessionEvent{DeviceID: d.id, Session: s})
	}()
	return nil
}

// Close closes the device and every session on it.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	sessions := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		sessions = append(sessions, s)
	}
	d.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	d.mgr.deviceClosed(d)
	return nil
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

// LiveSessions returns the sessions not yet closed.
func (d *Device) LiveSessions() []*Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Session, 0, len(d.sessions))
	for _, s := range d.sessions {
		out = append(out, s)
	}
	return out
}

// SessionsCreated counts every session configured on this device.
func (d *Device) SessionsCreated() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

func (d *Device) removeSession(s *Session) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sessions, s.id)
}

// Session is a configured simulated session.
type Session struct {
	id      string
	dev     *Device
	outputs []camera.Surface

	mu      sync.Mutex
	closed  bool
	purpose camera.Purpose
	request camera.RequestTemplate
	stop    chan struct{}
	done    chan struct{}
	frames  uint64
}

func newSession(d *Device, outputs []camera.Surface) *Session {
	return &Session{
		id:      uuid.NewString(),
		dev:     d,
		outputs: outputs,
	}
}

// ID implements camera.Session
func (s *Session) ID() string {
	return s.id
}

// SetRepeating replaces the repeating request. Every target must be one of
// the session's outputs.
func (s *Session) SetRepeating(req camera.RequestTemplate) error {
	for _, t := range req.Targets {
		if !s.hasOutput(t) {
			return fmt.Errorf("sim: target %s is not an output of session %s", t.SurfaceID(), s.id)
		}
	}

	s.stopLoop()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("sim: session %s closed", s.id)
	}
	s.purpose = req.Purpose
	s.request = req
	if rate := s.dev.mgr.opts.FrameRate; rate > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.loop(req.Targets, rate, s.stop, s.done)
	}
	return nil
}

// StopRepeating stops frame delivery.
func (s *Session) StopRepeating() error {
	s.stopLoop()
	s.mu.Lock()
	s.purpose = camera.PurposeNone
	s.mu.Unlock()
	return nil
}

// Close stops delivery and detaches the session from its device.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.stopLoop()
	s.mu.Lock()
	s.purpose = camera.PurposeNone
	s.mu.Unlock()
	s.dev.removeSession(s)
	return nil
}

// Purpose returns the purpose of the active repeating request.
func (s *Session) Purpose() camera.Purpose {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purpose
}

// Request returns the active repeating request.
func (s *Session) Request() camera.RequestTemplate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.request
}

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Frames returns the number of frames delivered.
func (s *Session) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Session) hasOutput(t camera.Surface) bool {
	for _, o := range s.outputs {
		if o == t {
			return true
		}
	}
	return false
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (s *Session) loop(targets []camera.Surface, rate int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	size := s.dev.mgr.opts.FrameSize
	var n int
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			frame := TestPattern(size, n, s.dev.spec.Mono)
			n++
			for _, t := range targets {
				if c, ok := t.(camera.FrameConsumer); ok {
					c.ConsumeFrame(frame)
				}
			}
			s.mu.Lock()
			s.frames++
			s.mu.Unlock()
		}
	}
}

// TestPattern renders moving diagonal bands. Mono devices render grey.
func TestPattern(size camera.Size, n int, mono bool) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	for y := 0; y < size.Height; y++ {
		for x := 0; x < size.Width; x++ {
			v := uint8((x + y + n*4) % 256)
			if mono {
				img.SetRGBA(x, y, color.RGBA{R: v, G: v, B: v, A: 0xff})
				continue
			}
			img.SetRGBA(x, y, color.RGBA{R: v, G: uint8((x * 255) / max(size.Width, 1)), B: 255 - v, A: 0xff})
		}
	}
	return img
}
