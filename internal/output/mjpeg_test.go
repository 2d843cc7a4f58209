package output

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
)

var (
	_ Output               = (*MJPEGOutput)(nil)
	_ camera.PreviewTarget = (*MJPEGOutput)(nil)
	_ camera.FrameConsumer = (*MJPEGOutput)(nil)
)

func solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

func started(t *testing.T, cfg Config) *MJPEGOutput {
	t.Helper()
	m := NewMJPEGOutput(cfg)
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { m.Stop() })
	return m
}

func TestWriteFrameRequiresStart(t *testing.T) {
	m := NewMJPEGOutput(Config{Width: 8, Height: 8})
	if err := m.WriteFrame(solid(8, 8, color.RGBA{A: 255})); err == nil {
		t.Fatal("WriteFrame succeeded before Start")
	}
	m.ConsumeFrame(solid(8, 8, color.RGBA{A: 255}))
	if m.Latest() != nil {
		t.Fatal("stopped output kept a frame")
	}
}

func TestFramesScaledToConfig(t *testing.T) {
	m := started(t, Config{Width: 64, Height: 36})
	if err := m.WriteFrame(solid(320, 180, color.RGBA{R: 200, G: 200, B: 200, A: 255})); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	img, err := jpeg.Decode(bytes.NewReader(m.Latest()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 64 || b.Dy() != 36 {
		t.Fatalf("frame is %dx%d, want 64x36", b.Dx(), b.Dy())
	}
}

func TestLabelDoesNotTouchSource(t *testing.T) {
	m := started(t, Config{Label: "MONO"})
	src := solid(120, 40, color.RGBA{R: 255, G: 255, B: 255, A: 255})
	if err := m.WriteFrame(src); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	if c := src.RGBAAt(1, 1); c.R != 255 {
		t.Fatalf("label drew into the source frame: %v", c)
	}

	img, err := jpeg.Decode(bytes.NewReader(m.Latest()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	r, _, _, _ := img.At(1, 1).RGBA()
	if r>>8 > 200 {
		t.Fatalf("label background missing, corner red = %d", r>>8)
	}
	r, _, _, _ = img.At(110, 35).RGBA()
	if r>>8 < 230 {
		t.Fatalf("frame outside the label darkened, red = %d", r>>8)
	}
}

func TestConsumeFrameRateLimited(t *testing.T) {
	m := started(t, Config{FPS: 1})
	frame := solid(8, 8, color.RGBA{A: 255})
	for i := 0; i < 5; i++ {
		m.ConsumeFrame(frame)
	}
	st := m.Stats()
	if st.Frames != 1 || st.Skipped != 4 {
		t.Fatalf("frames = %d, skipped = %d; want 1 and 4", st.Frames, st.Skipped)
	}
}

func TestSnapshotHandler(t *testing.T) {
	m := started(t, Config{})
	h := m.GetSnapshotHandler()

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/stream/mono.jpg", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status before frames = %d, want 404", rec.Code)
	}

	m.WriteFrame(solid(8, 8, color.RGBA{A: 255}))
	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/stream/mono.jpg", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/jpeg" {
		t.Fatalf("status = %d, content type = %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if _, err := jpeg.Decode(rec.Body); err != nil {
		t.Fatalf("body is not a JPEG: %v", err)
	}
}

func TestStreamHandlerDeliversFrames(t *testing.T) {
	m := started(t, Config{})
	m.WriteFrame(solid(8, 8, color.RGBA{A: 255}))

	srv := httptest.NewServer(m.GetHTTPHandler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("content type = %q", ct)
	}
	r := bufio.NewReader(resp.Body)
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read boundary: %v", err)
	}
	if strings.TrimSpace(line) != "--frame" {
		t.Fatalf("first line = %q, want boundary", line)
	}
	line, _ = r.ReadString('\n')
	if strings.TrimSpace(line) != "Content-Type: image/jpeg" {
		t.Fatalf("part header = %q", line)
	}
}

func TestStreamHandlerRejectsWhenStopped(t *testing.T) {
	m := NewMJPEGOutput(Config{})
	rec := httptest.NewRecorder()
	m.GetHTTPHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream/mono", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	m := started(t, Config{Width: 640, Height: 360, FPS: 10})
	rec := httptest.NewRecorder()
	m.GetStatsHandler()(rec, httptest.NewRequest(http.MethodGet, "/stream/mono/stats", nil))

	var st Stats
	if err := json.NewDecoder(rec.Body).Decode(&st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Running || st.Width != 640 || st.TargetFPS != 10 {
		t.Fatalf("stats = %+v", st)
	}
}
