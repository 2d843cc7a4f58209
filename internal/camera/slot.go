package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/bryanchriswhite/DualCapture/internal/looper"
	"github.com/bryanchriswhite/DualCapture/internal/permit"
	"github.com/rs/zerolog"
)

// RecordingSettings are the encoder parameters used for every recording.
type RecordingSettings struct {
	Bitrate   int
	Codec     string
	Container string
	FrameRate int
}

// DefaultRecordingSettings returns H.264 in MPEG-4 at 25 Mbit/s, 30 fps.
func DefaultRecordingSettings() RecordingSettings {
	return RecordingSettings{
		Bitrate:   25_000_000,
		Codec:     "h264",
		Container: "mp4",
		FrameRate: 30,
	}
}

// SlotStatus is a point-in-time view of one slot.
type SlotStatus struct {
	Slot              SlotID  `json:"slot"`
	DeviceID          string  `json:"device_id"`
	State             State   `json:"state"`
	HasDevice         bool    `json:"has_device"`
	PreviewSize       Size    `json:"preview_size"`
	VideoSize         Size    `json:"video_size"`
	SensorOrientation int     `json:"sensor_orientation"`
	SessionID         string  `json:"session_id,omitempty"`
	Repeating         Purpose `json:"repeating"`
	RecordingPath     string  `json:"recording_path,omitempty"`
	PermitHeld        bool    `json:"permit_held"`
}

type slotConfig struct {
	id             SlotID
	deviceID       string
	devices        DeviceManager
	deviceCallback DeviceCallback
	preview        PreviewTarget
	newRecorder    RecorderFactory
	paths          PathProvider
	recording      RecordingSettings
	permitTimeout  time.Duration
	events         *eventBus
	onFatal        func(SlotID, error)
}

// Slot owns one device through its open interval.
//
// Every field below mu is written either from a task on the slot's looper,
// or by Open/Close while no looper is running. Writes take mu so Status can
// read concurrently; looper tasks read without it.
type Slot struct {
	slotConfig
	permit *permit.Permit
	log    *zerolog.Logger

	mu              sync.RWMutex
	state           State
	device          Device
	session         Session
	request         RequestTemplate
	repeating       Purpose
	looper          *looper.Looper
	recorder        Recorder
	recorderSurface Surface
	recordingPath   string
	previewSize     Size
	videoSize       Size
	orientation     int
	ticket          uint64
	openPending     bool
}

func newSlot(cfg slotConfig) *Slot {
	return &Slot{
		slotConfig: cfg,
		permit:     permit.New(),
		log:        logger.WithSlot("slot", cfg.id.String()),
	}
}

// ID returns the slot's role.
func (s *Slot) ID() SlotID {
	return s.id
}

// DeviceID returns the hardware device this slot drives.
func (s *Slot) DeviceID() string {
	return s.deviceID
}

// State returns the current state.
func (s *Slot) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status returns a snapshot of the slot.
func (s *Slot) Status() SlotStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SlotStatus{
		Slot:              s.id,
		DeviceID:          s.deviceID,
		State:             s.state,
		HasDevice:         s.device != nil,
		PreviewSize:       s.previewSize,
		VideoSize:         s.videoSize,
		SensorOrientation: s.orientation,
		Repeating:         s.repeating,
		RecordingPath:     s.recordingPath,
		PermitHeld:        s.permit.Held(),
	}
	if s.session != nil {
		st.SessionID = s.session.ID()
	}
	return st
}

// Open takes the permit and issues the device-open request. It returns once
// the request is issued; the permit stays held until the open callback.
func (s *Slot) Open(ctx context.Context, view Size) error {
	if err := s.acquire(ctx); err != nil {
		return slotErr(s.id, "open", err)
	}
	if err := s.open(view); err != nil {
		s.releasePermit("open")
		return slotErr(s.id, "open", err)
	}
	return nil
}

func (s *Slot) open(view Size) error {
	if err := s.reapLooper(); err != nil {
		return err
	}
	if st := s.State(); st != Closed {
		return fmt.Errorf("%w: cannot open from %s", ErrInvalidState, st)
	}

	sizes, err := s.devices.SupportedOutputSizes(s.deviceID)
	if err != nil {
		return classifyAccess(err)
	}
	if len(sizes) == 0 {
		return fmt.Errorf("%w: device %s reports no output sizes", ErrDeviceError, s.deviceID)
	}
	orientation, err := s.devices.SensorOrientation(s.deviceID)
	if err != nil {
		return classifyAccess(err)
	}

	video := ChooseVideoSize(sizes)
	preview := ChooseOptimalSize(sizes, view.Width, view.Height, video)

	lp := looper.New(s.id.String())
	if err := lp.Start(); err != nil {
		return err
	}
	s.mu.Lock()
	s.looper = lp
	s.videoSize = video
	s.previewSize = preview
	s.orientation = orientation
	s.mu.Unlock()

	err = lp.Call(func() error {
		s.transition(Opening, func() { s.openPending = true })
		if err := s.devices.OpenDevice(s.deviceID, s.deviceCallback); err != nil {
			s.transition(Closed, func() { s.openPending = false })
			return err
		}
		return nil
	})
	if err != nil {
		lp.Stop()
		s.mu.Lock()
		s.looper = nil
		s.mu.Unlock()
		return classifyAccess(err)
	}

	s.log.Info().
		Str("device", s.deviceID).
		Str("preview_size", preview.String()).
		Str("video_size", video.String()).
		Int("orientation", orientation).
		Msg("Device open requested")
	return nil
}

// Close tears the slot down. It waits up to the permit timeout for an
// in-flight open to resolve, then closes the session and device and joins
// the slot's looper. Closing a closed slot is a no-op.
func (s *Slot) Close(ctx context.Context) error {
	if err := s.acquire(ctx); err != nil {
		return slotErr(s.id, "close", err)
	}
	defer s.releasePermit("close")

	if lp := s.currentLooper(); lp != nil {
		err := lp.Call(func() error {
			s.beginClose()
			return nil
		})
		if err != nil && !errors.Is(err, looper.ErrQuitting) {
			s.log.Error().Err(err).Msg("Close task failed")
		}
		lp.QuitSafely()
		lp.Join()
	}

	// The looper has exited; nothing else can touch the handles now.
	s.transition(Closed, func() {
		s.looper = nil
		s.device = nil
		s.session = nil
		s.repeating = PurposeNone
		s.request = RequestTemplate{}
		s.recorder = nil
		s.recorderSurface = nil
		s.recordingPath = ""
		s.openPending = false
	})
	s.log.Info().Msg("Slot closed")
	return nil
}

// RetryPreview rebuilds the preview session of a slot left Open by a
// configure failure.
func (s *Slot) RetryPreview() error {
	lp := s.currentLooper()
	if lp == nil {
		return slotErr(s.id, "retry preview", fmt.Errorf("%w: %s", ErrInvalidState, s.State()))
	}
	err := lp.Call(func() error {
		if s.state != Open || s.device == nil {
			return slotErr(s.id, "retry preview", fmt.Errorf("%w: %s", ErrInvalidState, s.state))
		}
		s.buildPreview()
		return nil
	})
	if errors.Is(err, looper.ErrQuitting) {
		return slotErr(s.id, "retry preview", fmt.Errorf("%w: %v", ErrInvalidState, err))
	}
	return err
}

// submit runs fn on the slot's looper and delivers its result on the
// returned channel without waiting for it.
func (s *Slot) submit(op string, fn func() error) <-chan error {
	result := make(chan error, 1)
	lp := s.currentLooper()
	if lp == nil {
		result <- slotErr(s.id, op, fmt.Errorf("%w: %s", ErrInvalidState, s.State()))
		return result
	}
	task := func() {
		err := looper.ErrTaskPanicked
		defer func() { result <- err }()
		err = fn()
	}
	if err := lp.Post(task); err != nil {
		result <- slotErr(s.id, op, fmt.Errorf("%w: %v", ErrInvalidState, err))
	}
	return result
}

func (s *Slot) acquire(parent context.Context) error {
	ctx, cancel := context.WithTimeout(parent, s.permitTimeout)
	defer cancel()
	if err := s.permit.Acquire(ctx); err != nil {
		if caller := parent.Err(); caller != nil {
			return caller
		}
		if errors.Is(err, permit.ErrTimeout) {
			return fmt.Errorf("%w after %s", ErrPermitTimeout, s.permitTimeout)
		}
		return err
	}
	return nil
}

func (s *Slot) releasePermit(op string) {
	if err := s.permit.Release(); err != nil {
		s.log.Error().Err(err).Str("op", op).Msg("Permit released while not held")
	}
}

func (s *Slot) currentLooper() *looper.Looper {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.looper
}

// reapLooper joins a looper left behind by a fatal device error.
func (s *Slot) reapLooper() error {
	lp := s.currentLooper()
	if lp == nil {
		return nil
	}
	if !lp.Quitting() {
		return fmt.Errorf("%w: slot is already open", ErrInvalidState)
	}
	lp.Join()
	s.mu.Lock()
	if s.looper == lp {
		s.looper = nil
	}
	s.mu.Unlock()
	return nil
}

// transition applies mutate and the state change under one lock, so a
// concurrent Status never sees them apart.
func (s *Slot) transition(next State, mutate func()) {
	s.mu.Lock()
	if mutate != nil {
		mutate()
	}
	prev := s.state
	s.state = next
	s.mu.Unlock()

	if prev == next {
		return
	}
	s.log.Debug().Str("from", prev.String()).Str("to", next.String()).Msg("State transition")
	s.events.emit(Event{Type: EventStateChanged, Slot: s.id, State: next})
}

func (s *Slot) setState(next State) {
	s.transition(next, nil)
}

func (s *Slot) emit(typ EventType, path string, err error) {
	s.events.emit(Event{Type: typ, Slot: s.id, State: s.State(), Path: path, Err: err})
}

func classifyAccess(err error) error {
	if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrDeviceAccessDenied) {
		return err
	}
	return wrapAs(ErrDeviceAccessDenied, err)
}

// deliverDevice hands a routed device event to the slot's looper. With no
// live looper the event has nowhere to go, and a device it carries is
// closed so it cannot leak.
func (s *Slot) deliverDevice(ev DeviceEvent) {
	if lp := s.currentLooper(); lp != nil {
		if err := lp.Post(func() { s.handleDeviceEvent(ev) }); err == nil {
			return
		}
	}
	s.log.Warn().
		Str("kind", ev.Kind.String()).
		Msg("Device event with no live execution context")
	if ev.Kind == DeviceOpened && ev.Device != nil {
		if err := ev.Device.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close orphaned device")
		}
	}
}

func (s *Slot) handleDeviceEvent(ev DeviceEvent) {
	if ev.Kind != DeviceOpened {
		s.fail(ev)
		return
	}

	if s.state != Opening || ev.Device == nil {
		s.log.Warn().Str("state", s.state.String()).Msg("Unexpected open callback")
		if ev.Device != nil && ev.Device != s.device {
			if err := ev.Device.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to close unexpected device")
			}
		}
		return
	}
	s.transition(Open, func() {
		s.device = ev.Device
		s.openPending = false
	})
	s.releasePermit("open")
	s.log.Info().Str("device", s.deviceID).Msg("Device opened")
	s.buildPreview()
}

// fail tears the slot down after an unrecoverable device error. It runs on
// the looper, so it cannot join it: the looper is asked to quit and is
// joined by the next Open or Close.
func (s *Slot) fail(ev DeviceEvent) {
	cause := ErrDeviceError
	switch {
	case errors.Is(ev.Err, ErrDeviceAccessDenied):
		cause = ErrDeviceAccessDenied
	case ev.Kind == DeviceDisconnected:
		cause = ErrDeviceDisconnected
	}
	err := slotErr(s.id, "device", wrapAs(cause, ev.Err))

	if s.state == Closing || (s.state == Closed && !s.openPending) {
		s.log.Debug().Err(err).Str("state", s.state.String()).Msg("Ignoring device error on a slot already shutting down")
		return
	}

	s.abortRecorder(err)

	wasPending := s.openPending
	dev := s.device
	if dev == nil {
		dev = ev.Device
	}
	s.leaveSession(Closed, func() {
		s.device = nil
		s.openPending = false
		s.request = RequestTemplate{}
		s.ticket++
	})
	if dev != nil {
		if cerr := dev.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("Failed to close device")
		}
	}
	if wasPending {
		s.releasePermit("open failed")
	}
	if lp := s.currentLooper(); lp != nil {
		lp.QuitSafely()
	}

	s.log.Error().Err(err).Msg("Device failed")
	s.emit(EventDeviceFatal, "", err)
	if s.onFatal != nil {
		s.onFatal(s.id, err)
	}
}

func (s *Slot) buildPreview() {
	target := s.preview.Surface()
	if target == nil {
		s.configureFailed(PurposePreview, ErrNoPreviewSurface)
		return
	}
	if d, ok := s.preview.(DisplaySurface); ok {
		if err := d.SetBufferSize(s.previewSize); err != nil {
			s.log.Warn().Err(err).Str("size", s.previewSize.String()).Msg("Failed to size display buffer")
		}
	}
	s.startSession(PurposePreview, []Surface{target}, nil)
}

// startSession requests a session for purpose. prepare runs under the same
// lock as the state change.
func (s *Slot) startSession(purpose Purpose, targets []Surface, prepare func()) error {
	next := SessionPending
	if purpose == PurposeRecord {
		next = RecordPending
	}

	req := NewRequestTemplate(purpose, targets...)
	var ticket uint64
	s.transition(next, func() {
		if prepare != nil {
			prepare()
		}
		s.ticket++
		ticket = s.ticket
		s.request = req
	})

	if err := s.device.CreateSession(req.Targets, s.sessionCallback(ticket, purpose)); err != nil {
		s.configureFailed(purpose, err)
		return err
	}
	return nil
}

func (s *Slot) sessionCallback(ticket uint64, purpose Purpose) SessionCallback {
	return func(ev SessionEvent) {
		if lp := s.currentLooper(); lp != nil {
			if err := lp.Post(func() { s.handleSessionEvent(ticket, purpose, ev) }); err == nil {
				return
			}
		}
		if ev.Session != nil {
			if err := ev.Session.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to close orphaned session")
			}
		}
	}
}

func (s *Slot) handleSessionEvent(ticket uint64, purpose Purpose, ev SessionEvent) {
	expected := SessionPending
	if purpose == PurposeRecord {
		expected = RecordPending
	}
	if ticket != s.ticket || s.state != expected {
		// superseded or closed while the request was in flight
		if ev.Session != nil {
			if err := ev.Session.Close(); err != nil {
				s.log.Warn().Err(err).Msg("Failed to close stale session")
			}
		}
		s.log.Debug().
			Str("purpose", purpose.String()).
			Str("state", s.state.String()).
			Msg("Discarding stale session callback")
		return
	}

	if ev.Err != nil || ev.Session == nil {
		s.configureFailed(purpose, ev.Err)
		return
	}

	s.mu.Lock()
	s.session = ev.Session
	s.mu.Unlock()

	if err := ev.Session.SetRepeating(s.request); err != nil {
		s.closeSession()
		s.configureFailed(purpose, err)
		return
	}

	if purpose == PurposePreview {
		s.transition(PreviewActive, func() { s.repeating = PurposePreview })
		s.log.Info().Str("session", ev.Session.ID()).Msg("Preview active")
		return
	}

	s.transition(Recording, func() { s.repeating = PurposeRecord })
	path := s.recordingPath
	if err := s.recorder.Start(); err != nil {
		failure := slotErr(s.id, "record", wrapAs(ErrRecorderStartFailed, err))
		s.log.Error().Err(failure).Msg("Recorder failed to start")
		s.releaseRecorder()
		s.leaveSession(Open, nil)
		s.emit(EventRecorderFailed, path, failure)
		s.buildPreview()
		return
	}
	s.log.Info().Str("path", path).Msg("Recording started")
	s.emit(EventRecordingStarted, path, nil)
}

func (s *Slot) configureFailed(purpose Purpose, cause error) {
	err := slotErr(s.id, "configure "+purpose.String(), wrapAs(ErrSessionConfigureFailed, cause))
	if purpose == PurposeRecord {
		s.releaseRecorder()
	}
	s.setState(Open)
	s.log.Warn().Err(err).Msg("Session configuration failed")
	s.emit(EventConfigureFailed, "", err)
}

func (s *Slot) closeSession() {
	s.mu.Lock()
	sess := s.session
	s.session = nil
	s.repeating = PurposeNone
	s.mu.Unlock()
	s.closeDetached(sess)
}

// leaveSession detaches the current session in the same step as the move to
// next, then closes it.
func (s *Slot) leaveSession(next State, mutate func()) {
	var sess Session
	s.transition(next, func() {
		sess = s.session
		s.session = nil
		s.repeating = PurposeNone
		if mutate != nil {
			mutate()
		}
	})
	s.closeDetached(sess)
}

func (s *Slot) closeDetached(sess Session) {
	if sess == nil {
		return
	}
	if err := sess.StopRepeating(); err != nil {
		s.log.Debug().Err(err).Msg("Stop repeating failed")
	}
	if err := sess.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to close session")
	}
}

func (s *Slot) releaseRecorder() {
	s.mu.Lock()
	rec, _ := s.takeRecorder()
	s.mu.Unlock()
	s.releaseDetached(rec)
}

// takeRecorder clears the recording fields and hands the recorder to the
// caller. s.mu must be held.
func (s *Slot) takeRecorder() (Recorder, string) {
	rec, path := s.recorder, s.recordingPath
	s.recorder = nil
	s.recorderSurface = nil
	s.recordingPath = ""
	return rec, path
}

func (s *Slot) releaseDetached(rec Recorder) {
	if rec == nil {
		return
	}
	if err := rec.Release(); err != nil {
		s.log.Warn().Err(err).Msg("Failed to release recorder")
	}
}

// abortRecorder stops an active recording because the device went away.
func (s *Slot) abortRecorder(cause error) {
	if s.recorder == nil {
		return
	}
	path := s.recordingPath
	if s.state == Recording {
		if err := s.recorder.Stop(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to stop recorder")
		}
	}
	s.releaseRecorder()
	s.emit(EventRecorderFailed, path, cause)
}

// beginClose runs on the looper as the first half of Close.
func (s *Slot) beginClose() {
	if s.state == Closed {
		return
	}
	wasRecording := s.state == Recording
	var (
		sess Session
		rec  Recorder
		path string
	)
	s.transition(Closing, func() {
		s.ticket++
		sess = s.session
		s.session = nil
		s.repeating = PurposeNone
		rec, path = s.takeRecorder()
	})

	if rec != nil {
		if wasRecording {
			stopErr := rec.Stop()
			s.releaseDetached(rec)
			s.reportStop(path, stopErr)
		} else {
			s.releaseDetached(rec)
			s.emit(EventRecordingCancelled, path, nil)
		}
	}
	s.closeDetached(sess)

	if s.device != nil {
		if err := s.device.Close(); err != nil {
			s.log.Warn().Err(err).Msg("Failed to close device")
		}
	}
}
