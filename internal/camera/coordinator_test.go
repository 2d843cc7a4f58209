package camera_test

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/device/sim"
)

func TestNewCoordinatorValidatesOptions(t *testing.T) {
	devices := sim.New(sim.Options{})
	rs := &recorders{}
	p := &paths{}
	valid := func() camera.Options {
		return camera.Options{
			Devices:       devices,
			Display:       newDisplay(),
			MonoSink:      &sink{surface: &surface{id: "s"}},
			NewRecorder:   rs.New,
			Paths:         p.Next,
			ColorDeviceID: "0",
			MonoDeviceID:  "2",
		}
	}

	tests := []struct {
		name   string
		mutate func(*camera.Options)
	}{
		{"no devices", func(o *camera.Options) { o.Devices = nil }},
		{"no display", func(o *camera.Options) { o.Display = nil }},
		{"no sink", func(o *camera.Options) { o.MonoSink = nil }},
		{"no recorder", func(o *camera.Options) { o.NewRecorder = nil }},
		{"no paths", func(o *camera.Options) { o.Paths = nil }},
		{"no mono id", func(o *camera.Options) { o.MonoDeviceID = "" }},
		{"shared id", func(o *camera.Options) { o.MonoDeviceID = "0" }},
		{"bad record slot", func(o *camera.Options) { o.RecordSlots = []camera.SlotID{camera.SlotID(7)} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := valid()
			tt.mutate(&opts)
			if _, err := camera.NewCoordinator(opts); err == nil {
				t.Fatal("NewCoordinator accepted invalid options")
			}
		})
	}

	c, err := camera.NewCoordinator(valid())
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	for _, st := range c.Snapshot() {
		if st.State != camera.Closed {
			t.Errorf("%s starts in %s, want closed", st.Slot, st.State)
		}
	}
}

func TestOpenAllStartsBothPreviews(t *testing.T) {
	h := newHarness(t)
	h.openAll()

	for _, id := range camera.Slots {
		st := h.status(id)
		if want := (camera.Size{Width: 3840, Height: 2160}); st.VideoSize != want {
			t.Errorf("%s video size = %s, want %s", id, st.VideoSize, want)
		}
		if want := (camera.Size{Width: 1920, Height: 1080}); st.PreviewSize != want {
			t.Errorf("%s preview size = %s, want %s", id, st.PreviewSize, want)
		}
		if st.SensorOrientation != 90 {
			t.Errorf("%s orientation = %d, want 90", id, st.SensorOrientation)
		}
		if st.PermitHeld {
			t.Errorf("%s still holds its permit", id)
		}
		if st.SessionID == "" {
			t.Errorf("%s has no session", id)
		}
		if err := checkInvariants(st); err != nil {
			t.Error(err)
		}
	}
	if got := h.display.lastBuffer(); got != (camera.Size{Width: 1920, Height: 1080}) {
		t.Errorf("display buffer = %s, want 1920x1080", got)
	}

	dev, ok := h.devices.Device("0")
	if !ok {
		t.Fatal("color device not open")
	}
	sessions := dev.LiveSessions()
	if len(sessions) != 1 {
		t.Fatalf("color device has %d sessions, want 1", len(sessions))
	}
	req := sessions[0].Request()
	if req.Purpose != camera.PurposePreview || len(req.Targets) != 1 || req.Targets[0] != h.display.Surface() {
		t.Errorf("color repeating request = %+v, want preview into the display", req)
	}
	if req.ControlMode != camera.ControlModeAuto || req.FocusMode != camera.FocusModeContinuous {
		t.Errorf("request 3A = %s/%s", req.ControlMode, req.FocusMode)
	}

	mono, _ := h.devices.Device("2")
	if got := mono.LiveSessions()[0].Request().Targets[0]; got != h.sink.Surface() {
		t.Errorf("mono previews into %s, want the mono sink", got.SurfaceID())
	}
}

func TestOpenAllZeroSizeUsesDisplay(t *testing.T) {
	h := newHarness(t)
	if err := h.coord.OpenAll(context.Background(), 0, 0); err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	h.waitState(camera.Color, camera.PreviewActive)
	if got := h.status(camera.Color).PreviewSize; got != (camera.Size{Width: 1920, Height: 1080}) {
		t.Errorf("preview size = %s, want 1920x1080", got)
	}
}

func TestOpenTwiceIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.openAll()
	err := h.coord.Open(context.Background(), camera.Color, 1920, 1080)
	if !errors.Is(err, camera.ErrInvalidState) {
		t.Fatalf("second open = %v, want ErrInvalidState", err)
	}
	if st := h.status(camera.Color); st.State != camera.PreviewActive || st.PermitHeld {
		t.Fatalf("failed open disturbed the slot: %+v", st)
	}
}

func TestMonoConfigureFailureLeavesSlotOpen(t *testing.T) {
	h := newHarness(t)
	h.devices.FailConfigure("2", 1)

	if err := h.coord.OpenAll(context.Background(), 1920, 1080); err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	ev := h.waitEvent("mono configure failure", eventOf(camera.EventConfigureFailed, camera.Mono))
	if !errors.Is(ev.Err, camera.ErrSessionConfigureFailed) {
		t.Errorf("event error = %v, want ErrSessionConfigureFailed", ev.Err)
	}
	h.waitState(camera.Color, camera.PreviewActive)
	h.waitState(camera.Mono, camera.Open)

	st := h.status(camera.Mono)
	if !st.HasDevice || st.SessionID != "" {
		t.Fatalf("mono after configure failure: %+v", st)
	}
	select {
	case <-h.coord.Terminated():
		t.Fatal("configure failure terminated the session")
	default:
	}

	if err := h.coord.RetryPreview(context.Background(), camera.Mono); err != nil {
		t.Fatalf("RetryPreview: %v", err)
	}
	h.waitState(camera.Mono, camera.PreviewActive)

	if err := h.coord.RetryPreview(context.Background(), camera.Mono); !errors.Is(err, camera.ErrInvalidState) {
		t.Fatalf("RetryPreview on an active preview = %v, want ErrInvalidState", err)
	}
}

func TestToggleRecordingTwice(t *testing.T) {
	h := newHarness(t)
	h.openAll()

	recording, err := h.coord.ToggleRecording(context.Background())
	if err != nil {
		t.Fatalf("ToggleRecording start: %v", err)
	}
	if !recording {
		t.Fatal("ToggleRecording reported not recording after start")
	}
	h.waitState(camera.Color, camera.Recording)
	h.waitState(camera.Mono, camera.Recording)

	for _, id := range camera.Slots {
		st := h.status(id)
		if st.RecordingPath == "" {
			t.Errorf("%s recording without a path", id)
		}
		if err := checkInvariants(st); err != nil {
			t.Error(err)
		}
	}
	color, _ := h.devices.Device("0")
	req := color.LiveSessions()[0].Request()
	if req.Purpose != camera.PurposeRecord || len(req.Targets) != 2 || req.Targets[0] != h.display.Surface() {
		t.Errorf("record request = %+v, want display plus recorder", req)
	}

	recs := h.recorders.list()
	if len(recs) != 2 {
		t.Fatalf("%d recorders created, want 2", len(recs))
	}
	for _, r := range recs {
		if started, _, _ := r.counts(); started != 1 {
			t.Errorf("%s recorder started %d times", r.slot, started)
		}
		if r.cfg.Size != (camera.Size{Width: 3840, Height: 2160}) {
			t.Errorf("%s recorder size = %s", r.slot, r.cfg.Size)
		}
		if r.cfg.Bitrate != 25_000_000 || r.cfg.Codec != "h264" || r.cfg.Container != "mp4" {
			t.Errorf("%s recorder settings = %+v", r.slot, r.cfg)
		}
	}

	recording, err = h.coord.ToggleRecording(context.Background())
	if err != nil {
		t.Fatalf("ToggleRecording stop: %v", err)
	}
	if recording {
		t.Fatal("ToggleRecording reported recording after stop")
	}

	saved := map[string]bool{}
	for len(saved) < 2 {
		ev := h.waitEvent("recording saved", func(ev camera.Event) bool { return ev.Type == camera.EventRecordingSaved })
		saved[ev.Path] = true
	}

	h.waitState(camera.Color, camera.PreviewActive)
	h.waitState(camera.Mono, camera.PreviewActive)
	for _, id := range camera.Slots {
		if st := h.status(id); st.RecordingPath != "" {
			t.Errorf("%s kept path %q after stop", id, st.RecordingPath)
		}
	}
	for _, r := range recs {
		if _, stopped, released := r.counts(); stopped != 1 || released != 1 {
			t.Errorf("%s recorder stopped %d, released %d; want 1 and 1", r.slot, stopped, released)
		}
	}
	if h.coord.IsRecording() {
		t.Error("IsRecording after stop")
	}
}

func TestRecordSlotsLimitsToggle(t *testing.T) {
	h := newHarness(t, func(o *camera.Options, _ *sim.Options) {
		o.RecordSlots = []camera.SlotID{camera.Color}
	})
	h.openAll()

	if _, err := h.coord.ToggleRecording(context.Background()); err != nil {
		t.Fatalf("ToggleRecording: %v", err)
	}
	h.waitState(camera.Color, camera.Recording)
	if st := h.status(camera.Mono); st.State != camera.PreviewActive {
		t.Fatalf("mono in %s, want preview_active", st.State)
	}
}

func TestToggleWithOneSlotOpenRecordsTheOther(t *testing.T) {
	h := newHarness(t)
	h.devices.FailConfigure("2", 1)
	if err := h.coord.OpenAll(context.Background(), 1920, 1080); err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	h.waitState(camera.Color, camera.PreviewActive)
	h.waitState(camera.Mono, camera.Open)

	recording, err := h.coord.ToggleRecording(context.Background())
	if !errors.Is(err, camera.ErrInvalidState) {
		t.Fatalf("ToggleRecording error = %v, want mono ErrInvalidState", err)
	}
	var slotErr *camera.SlotError
	if !errors.As(err, &slotErr) || slotErr.Slot != camera.Mono {
		t.Fatalf("error %v does not name the mono slot", err)
	}
	if !recording {
		t.Fatal("color should be recording")
	}
	h.waitState(camera.Color, camera.Recording)
}

func TestStopDuringRecordPendingCancels(t *testing.T) {
	h := newHarness(t, withConfigureLatency(40*time.Millisecond))
	h.openAll()

	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if st := h.status(camera.Color); st.State != camera.RecordPending {
		t.Fatalf("color in %s right after start, want record_pending", st.State)
	}
	if err := h.coord.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.waitEvent("color cancelled", eventOf(camera.EventRecordingCancelled, camera.Color))

	h.waitState(camera.Color, camera.PreviewActive)
	h.waitState(camera.Mono, camera.PreviewActive)
	h.devices.Wait()

	for _, id := range []string{"0", "2"} {
		dev, _ := h.devices.Device(id)
		h.waitFor("abandoned record session closed on "+id, func() bool {
			return len(dev.LiveSessions()) == 1
		})
	}
	for _, r := range h.recorders.list() {
		started, stopped, released := r.counts()
		if started != 0 || stopped != 0 || released != 1 {
			t.Errorf("%s recorder started %d, stopped %d, released %d", r.slot, started, stopped, released)
		}
	}
}

func TestRecorderPrepareFailureRestoresPreview(t *testing.T) {
	h := newHarness(t)
	h.recorders.prepareErr = map[camera.SlotID]error{camera.Color: errors.New("disk full")}
	h.openAll()

	err := h.coord.StartRecording(context.Background())
	if !errors.Is(err, camera.ErrRecorderPrepareFailed) {
		t.Fatalf("StartRecording = %v, want ErrRecorderPrepareFailed", err)
	}
	h.waitState(camera.Color, camera.PreviewActive)
	h.waitState(camera.Mono, camera.Recording)

	if err := h.coord.StopRecording(context.Background()); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	h.waitState(camera.Mono, camera.PreviewActive)

	for _, r := range h.recorders.list() {
		if _, _, released := r.counts(); released != 1 {
			t.Errorf("%s recorder released %d times", r.slot, released)
		}
	}
}

func TestRecorderStartFailureReportsAndRestores(t *testing.T) {
	h := newHarness(t)
	h.recorders.startErr = map[camera.SlotID]error{camera.Mono: errors.New("encoder busy")}
	h.openAll()

	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	ev := h.waitEvent("mono recorder failure", eventOf(camera.EventRecorderFailed, camera.Mono))
	if !errors.Is(ev.Err, camera.ErrRecorderStartFailed) {
		t.Errorf("event error = %v, want ErrRecorderStartFailed", ev.Err)
	}
	h.waitState(camera.Color, camera.Recording)
	h.waitState(camera.Mono, camera.PreviewActive)
}

func TestRecorderStopFailureIsReported(t *testing.T) {
	h := newHarness(t)
	h.recorders.stopErr = map[camera.SlotID]error{camera.Color: errors.New("moov atom missing")}
	h.openAll()

	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.waitState(camera.Color, camera.Recording)
	h.waitState(camera.Mono, camera.Recording)

	err := h.coord.StopRecording(context.Background())
	if !errors.Is(err, camera.ErrRecorderStopFailed) {
		t.Fatalf("StopRecording = %v, want ErrRecorderStopFailed", err)
	}
	h.waitEvent("mono saved", eventOf(camera.EventRecordingSaved, camera.Mono))
	h.waitState(camera.Color, camera.PreviewActive)
}

func TestCloseWaitsForInFlightOpen(t *testing.T) {
	h := newHarness(t)
	release := h.devices.HoldOpen("0")
	defer release()

	if err := h.coord.Open(context.Background(), camera.Color, 1920, 1080); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if st := h.status(camera.Color); st.State != camera.Opening || !st.PermitHeld {
		t.Fatalf("after open request: %+v", st)
	}

	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(context.Background(), camera.Color) }()

	select {
	case err := <-closed:
		t.Fatalf("Close returned %v while the open was in flight", err)
	case <-time.After(100 * time.Millisecond):
	}

	release()
	select {
	case err := <-closed:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Close never returned")
	}

	h.devices.Wait()
	st := h.status(camera.Color)
	if st.State != camera.Closed || st.HasDevice || st.PermitHeld {
		t.Fatalf("after close: %+v", st)
	}
	if h.devices.IsOpen("0") {
		t.Fatal("device left open")
	}
}

func TestPermitTimeout(t *testing.T) {
	h := newHarness(t, withPermitTimeout(50*time.Millisecond))
	release := h.devices.HoldOpen("0")

	if err := h.coord.Open(context.Background(), camera.Color, 1920, 1080); err != nil {
		t.Fatalf("Open: %v", err)
	}
	err := h.coord.Close(context.Background(), camera.Color)
	if !errors.Is(err, camera.ErrPermitTimeout) {
		t.Fatalf("Close = %v, want ErrPermitTimeout", err)
	}
	if camera.IsFatal(err) {
		t.Fatal("permit timeout classified as fatal")
	}
	if st := h.status(camera.Color); st.State != camera.Opening {
		t.Fatalf("timed-out close changed state to %s", st.State)
	}

	release()
	h.waitState(camera.Color, camera.PreviewActive)
}

func TestCloseClosedSlotIsNoop(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 2; i++ {
		if err := h.coord.Close(context.Background(), camera.Mono); err != nil {
			t.Fatalf("Close #%d: %v", i, err)
		}
	}
	if st := h.status(camera.Mono); st.State != camera.Closed || st.PermitHeld {
		t.Fatalf("after close: %+v", st)
	}
}

func TestCloseWhileRecordingSavesFile(t *testing.T) {
	h := newHarness(t)
	h.openAll()
	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.waitState(camera.Color, camera.Recording)

	if err := h.coord.Close(context.Background(), camera.Color); err != nil {
		t.Fatalf("Close: %v", err)
	}
	h.waitEvent("color saved", eventOf(camera.EventRecordingSaved, camera.Color))
	if st := h.status(camera.Color); st.State != camera.Closed || st.RecordingPath != "" {
		t.Fatalf("after close: %+v", st)
	}
	if h.devices.IsOpen("0") {
		t.Fatal("color device left open")
	}
}

func TestClosingClearsRecordingPath(t *testing.T) {
	h := newHarness(t)
	h.recorders.stopDelay = 200 * time.Millisecond
	h.openAll()
	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.waitState(camera.Color, camera.Recording)

	closed := make(chan error, 1)
	go func() { closed <- h.coord.Close(context.Background(), camera.Color) }()

	h.waitState(camera.Color, camera.Closing)
	if st := h.status(camera.Color); st.RecordingPath != "" {
		t.Fatalf("closing slot still reports recording path %q", st.RecordingPath)
	}
	if err := <-closed; err != nil {
		t.Fatalf("Close: %v", err)
	}
	saved := h.waitEvent("color saved", eventOf(camera.EventRecordingSaved, camera.Color))
	if saved.Path == "" {
		t.Fatal("saved event has no path")
	}
}

func TestTeardownErrorsAreLogged(t *testing.T) {
	logs := captureLogs(t, "warn")
	h := newHarness(t)
	h.recorders.releaseErr = errors.New("encoder busy")
	h.openAll()
	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.waitState(camera.Color, camera.Recording)

	if err := h.coord.Close(context.Background(), camera.Color); err != nil {
		t.Fatalf("Close: %v", err)
	}
	out := logs.String()
	if !strings.Contains(out, "Failed to release recorder") || !strings.Contains(out, "encoder busy") {
		t.Fatalf("release error not logged:\n%s", out)
	}
}

func TestPermitTimeoutHonorsCallerDeadline(t *testing.T) {
	h := newHarness(t, withPermitTimeout(2*time.Second))
	release := h.devices.HoldOpen("0")
	defer release()

	if err := h.coord.Open(context.Background(), camera.Color, 1920, 1080); err != nil {
		t.Fatalf("Open: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := h.coord.Close(ctx, camera.Color)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Close = %v, want the caller's deadline", err)
	}
	if errors.Is(err, camera.ErrPermitTimeout) {
		t.Fatalf("caller deadline reported as permit timeout: %v", err)
	}
}

func TestColorFatalTerminatesSession(t *testing.T) {
	h := newHarness(t)
	h.openAll()

	if err := h.devices.Disconnect("0"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	select {
	case <-h.coord.Terminated():
	case <-time.After(3 * time.Second):
		t.Fatal("color disconnect did not terminate the session")
	}
	if err := h.coord.Err(); !errors.Is(err, camera.ErrDeviceDisconnected) {
		t.Fatalf("Err = %v, want ErrDeviceDisconnected", err)
	}
	h.waitEvent("session terminated", func(ev camera.Event) bool { return ev.Type == camera.EventSessionTerminated })

	st := h.status(camera.Color)
	if st.State != camera.Closed || st.HasDevice || st.PermitHeld {
		t.Fatalf("color after fatal: %+v", st)
	}
	if h.devices.IsOpen("0") {
		t.Fatal("color device left open")
	}
	if st := h.status(camera.Mono); st.State != camera.PreviewActive {
		t.Fatalf("mono in %s, want preview_active until shutdown", st.State)
	}

	if err := h.coord.Open(context.Background(), camera.Color, 1920, 1080); err != nil {
		t.Fatalf("reopen after fatal: %v", err)
	}
	h.waitState(camera.Color, camera.PreviewActive)
}

func TestMonoFatalDegrades(t *testing.T) {
	h := newHarness(t)
	h.openAll()

	if err := h.devices.InjectError("2", errors.New("sensor fault")); err != nil {
		t.Fatalf("InjectError: %v", err)
	}
	ev := h.waitEvent("mono fatal", eventOf(camera.EventDeviceFatal, camera.Mono))
	if !errors.Is(ev.Err, camera.ErrDeviceError) {
		t.Errorf("event error = %v, want ErrDeviceError", ev.Err)
	}
	h.waitState(camera.Mono, camera.Closed)

	select {
	case <-h.coord.Terminated():
		t.Fatal("mono failure terminated the session")
	case <-time.After(50 * time.Millisecond):
	}
	if st := h.status(camera.Color); st.State != camera.PreviewActive {
		t.Fatalf("color in %s, want preview_active", st.State)
	}
}

func TestFatalWhileRecordingReleasesRecorder(t *testing.T) {
	h := newHarness(t)
	h.openAll()
	if err := h.coord.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	h.waitState(camera.Mono, camera.Recording)

	if err := h.devices.Disconnect("2"); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	h.waitEvent("mono recorder failed", eventOf(camera.EventRecorderFailed, camera.Mono))
	h.waitState(camera.Mono, camera.Closed)

	for _, r := range h.recorders.list() {
		if r.slot != camera.Mono {
			continue
		}
		if _, stopped, released := r.counts(); stopped != 1 || released != 1 {
			t.Errorf("mono recorder stopped %d, released %d", stopped, released)
		}
	}
}

func TestOpenFailureCallback(t *testing.T) {
	h := newHarness(t)
	h.devices.FailNextOpen("2", errors.New("camera in use by another app"))

	if err := h.coord.OpenAll(context.Background(), 1920, 1080); err != nil {
		t.Fatalf("OpenAll: %v", err)
	}
	h.waitEvent("mono fatal", eventOf(camera.EventDeviceFatal, camera.Mono))
	h.waitState(camera.Mono, camera.Closed)
	h.waitFor("mono permit released", func() bool { return !h.status(camera.Mono).PermitHeld })
	h.waitState(camera.Color, camera.PreviewActive)
}

func TestOpenSyncFailure(t *testing.T) {
	h := newHarness(t)
	h.devices.FailOpenSync("0", errors.New("permission denied"))

	err := h.coord.OpenAll(context.Background(), 1920, 1080)
	if !errors.Is(err, camera.ErrDeviceAccessDenied) {
		t.Fatalf("OpenAll = %v, want ErrDeviceAccessDenied", err)
	}
	<-h.coord.Terminated()
	if st := h.status(camera.Color); st.State != camera.Closed || st.PermitHeld {
		t.Fatalf("color after sync failure: %+v", st)
	}
}

func TestUnknownMonoDeviceDegrades(t *testing.T) {
	h := newHarness(t, withMonoDevice("7"))

	err := h.coord.OpenAll(context.Background(), 1920, 1080)
	if !errors.Is(err, camera.ErrDeviceNotFound) {
		t.Fatalf("OpenAll = %v, want ErrDeviceNotFound", err)
	}
	h.waitState(camera.Color, camera.PreviewActive)
	select {
	case <-h.coord.Terminated():
		t.Fatal("missing mono device terminated the session")
	default:
	}
}

func TestUnknownColorDeviceTerminates(t *testing.T) {
	h := newHarness(t, withColorDevice("7"))

	if err := h.coord.OpenAll(context.Background(), 1920, 1080); !errors.Is(err, camera.ErrDeviceNotFound) {
		t.Fatalf("OpenAll = %v, want ErrDeviceNotFound", err)
	}
	select {
	case <-h.coord.Terminated():
	case <-time.After(time.Second):
		t.Fatal("missing color device did not terminate the session")
	}
}

func TestDevicesListing(t *testing.T) {
	h := newHarness(t)
	infos, err := h.coord.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("%d devices, want 3", len(infos))
	}
	slots := map[string]string{}
	for _, info := range infos {
		slots[info.ID] = info.Slot
		if len(info.Sizes) != len(testSizes) {
			t.Errorf("device %s lists %d sizes", info.ID, len(info.Sizes))
		}
	}
	if slots["0"] != "color" || slots["2"] != "mono" || slots["1"] != "" {
		t.Fatalf("slot assignment = %v", slots)
	}
}

func TestStatusUnknownSlot(t *testing.T) {
	h := newHarness(t)
	if _, err := h.coord.Status(camera.SlotID(9)); !errors.Is(err, camera.ErrUnknownSlot) {
		t.Fatalf("Status = %v, want ErrUnknownSlot", err)
	}
}

// TestRandomInterleavingKeepsInvariants drives random operations while a
// sampler checks every snapshot.
func TestRandomInterleavingKeepsInvariants(t *testing.T) {
	h := newHarness(t, withPermitTimeout(500*time.Millisecond), withConfigureLatency(time.Millisecond))

	var violations atomic.Int32
	var firstMu sync.Mutex
	var first error
	stop := make(chan struct{})
	sampled := make(chan struct{})
	go func() {
		defer close(sampled)
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, st := range h.coord.Snapshot() {
				if err := checkInvariants(st); err != nil {
					violations.Add(1)
					firstMu.Lock()
					if first == nil {
						first = err
					}
					firstMu.Unlock()
				}
			}
			time.Sleep(100 * time.Microsecond)
		}
	}()

	rng := rand.New(rand.NewSource(7))
	ctx := context.Background()
	ops := []func(){
		func() { h.coord.OpenAll(ctx, 1920, 1080) },
		func() { h.coord.CloseAll(ctx) },
		func() { h.coord.ToggleRecording(ctx) },
		func() { h.coord.Open(ctx, camera.Slots[rng.Intn(2)], 1280, 720) },
		func() { h.coord.Close(ctx, camera.Slots[rng.Intn(2)]) },
		func() { h.coord.RetryPreview(ctx, camera.Slots[rng.Intn(2)]) },
		func() { time.Sleep(time.Duration(rng.Intn(3)) * time.Millisecond) },
	}
	for i := 0; i < 300; i++ {
		ops[rng.Intn(len(ops))]()
	}

	if err := h.coord.CloseAll(ctx); err != nil {
		t.Fatalf("final CloseAll: %v", err)
	}
	h.devices.Wait()
	close(stop)
	<-sampled

	if n := violations.Load(); n > 0 {
		t.Fatalf("%d invariant violations, first: %v", n, first)
	}
	for _, st := range h.coord.Snapshot() {
		if st.State != camera.Closed || st.HasDevice || st.PermitHeld {
			t.Errorf("after final close: %+v", st)
		}
	}
	for _, id := range []string{"0", "2"} {
		if h.devices.IsOpen(id) {
			t.Errorf("device %s left open", id)
		}
	}
	for i, r := range h.recorders.list() {
		if _, _, released := r.counts(); released != 1 {
			t.Errorf("recorder %d (%s) released %d times", i, r.slot, released)
		}
	}
	select {
	case <-h.coord.Terminated():
		t.Fatal("session terminated without a device failure")
	default:
	}
}

// TestConcurrentOpenCloseSameSlot races Open and Close from several
// goroutines; the permit must never be released twice.
func TestConcurrentOpenCloseSameSlot(t *testing.T) {
	logs := captureLogs(t, "error")
	h := newHarness(t, withPermitTimeout(500*time.Millisecond), withConfigureLatency(time.Millisecond))
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 40; i++ {
				id := camera.Slots[rng.Intn(2)]
				if rng.Intn(2) == 0 {
					h.coord.Open(ctx, id, 1920, 1080)
				} else {
					h.coord.Close(ctx, id)
				}
			}
		}(int64(g))
	}
	wg.Wait()

	if err := h.coord.CloseAll(ctx); err != nil {
		t.Fatalf("final CloseAll: %v", err)
	}
	h.devices.Wait()

	if strings.Contains(logs.String(), "Permit released while not held") {
		t.Fatalf("permit double release logged:\n%s", logs.String())
	}
	for _, st := range h.coord.Snapshot() {
		if st.State != camera.Closed || st.HasDevice || st.PermitHeld {
			t.Errorf("after final close: %+v", st)
		}
	}
	for _, id := range []string{"0", "2"} {
		if h.devices.IsOpen(id) {
			t.Errorf("device %s left open", id)
		}
	}
}
