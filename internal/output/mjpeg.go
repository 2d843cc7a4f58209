package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"golang.org/x/time/rate"
)

const defaultQuality = 80

// MJPEGOutput streams frames as Motion JPEG over HTTP. It is the mono slot's
// preview target: the capture session writes into it directly and every
// connected client receives the frames at no more than the configured rate.
type MJPEGOutput struct {
	config  Config
	limiter *rate.Limiter
	running bool
	mu      sync.RWMutex

	// Current frame buffer
	frameMu    sync.RWMutex
	latest     []byte
	lastUpdate time.Time

	// Connected clients
	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}

	// Stats
	frameCount uint64
	skipped    uint64
	startTime  time.Time
}

// Stats is a point-in-time view of the stream.
type Stats struct {
	Running    bool      `json:"running"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	TargetFPS  int       `json:"target_fps"`
	ActualFPS  float64   `json:"actual_fps"`
	Frames     uint64    `json:"frames"`
	Skipped    uint64    `json:"skipped"`
	Clients    int       `json:"clients"`
	LastUpdate time.Time `json:"last_update"`
	Uptime     string    `json:"uptime"`
}

// NewMJPEGOutput creates a new MJPEG stream output
func NewMJPEGOutput(config Config) *MJPEGOutput {
	if config.Quality <= 0 || config.Quality > 100 {
		config.Quality = defaultQuality
	}
	limit := rate.Inf
	if config.FPS > 0 {
		limit = rate.Limit(config.FPS)
	}
	return &MJPEGOutput{
		config:  config,
		limiter: rate.NewLimiter(limit, 1),
		clients: make(map[chan []byte]struct{}),
	}
}

// Start initializes the MJPEG output
// Note: The HTTP handler is registered separately via GetHTTPHandler()
func (m *MJPEGOutput) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return fmt.Errorf("MJPEG output already running")
	}

	m.running = true
	m.startTime = time.Now()
	m.frameCount = 0
	m.skipped = 0

	logger.WithComponent("mjpeg").Info().
		Int("width", m.config.Width).
		Int("height", m.config.Height).
		Int("fps", m.config.FPS).
		Msg("MJPEG output started")
	return nil
}

// Stop cleanly shuts down the output
func (m *MJPEGOutput) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false

	// Close all client connections
	m.clientsMu.Lock()
	for ch := range m.clients {
		close(ch)
	}
	m.clients = make(map[chan []byte]struct{})
	m.clientsMu.Unlock()

	logger.WithComponent("mjpeg").Info().Uint64("frames", m.frameCount).Msg("MJPEG output stopped")
	return nil
}

// Surface implements camera.PreviewTarget
func (m *MJPEGOutput) Surface() camera.Surface {
	return m
}

// SurfaceID implements camera.Surface
func (m *MJPEGOutput) SurfaceID() string {
	return "mjpeg"
}

// ConsumeFrame implements camera.FrameConsumer. Frames beyond the target
// rate are skipped before any encoding work is done.
func (m *MJPEGOutput) ConsumeFrame(frame *image.RGBA) {
	if !m.IsRunning() {
		return
	}
	if !m.limiter.Allow() {
		m.mu.Lock()
		m.skipped++
		m.mu.Unlock()
		return
	}
	if err := m.WriteFrame(frame); err != nil {
		logger.WithComponent("mjpeg").Warn().Err(err).Msg("Dropping frame")
	}
}

// WriteFrame sends a frame to all connected clients
func (m *MJPEGOutput) WriteFrame(frame *image.RGBA) error {
	if !m.IsRunning() {
		return fmt.Errorf("MJPEG output not running")
	}

	img := m.fit(frame)
	if m.config.Label != "" {
		drawLabel(img, m.config.Label)
	}

	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: m.config.Quality}); err != nil {
		return fmt.Errorf("failed to encode JPEG: %w", err)
	}
	jpegData := buf.Bytes()

	m.frameMu.Lock()
	m.latest = jpegData
	m.lastUpdate = time.Now()
	m.frameMu.Unlock()

	m.mu.Lock()
	m.frameCount++
	m.mu.Unlock()

	// Broadcast to all clients
	m.clientsMu.RLock()
	for ch := range m.clients {
		select {
		case ch <- jpegData:
		default:
			// Client is slow, skip this frame
		}
	}
	m.clientsMu.RUnlock()

	return nil
}

// fit scales frame to the configured size into a fresh image, so the label
// never draws into a buffer the capture session still owns.
func (m *MJPEGOutput) fit(frame *image.RGBA) *image.RGBA {
	b := frame.Bounds()
	w, h := m.config.Width, m.config.Height
	if w <= 0 || h <= 0 {
		w, h = b.Dx(), b.Dy()
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Copy(dst, image.Point{}, frame, b, draw.Src, nil)
		return dst
	}
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
	return dst
}

func drawLabel(img *image.RGBA, label string) {
	const padding = 4
	face := basicfont.Face7x13

	width := font.MeasureString(face, label).Ceil()
	box := image.Rect(0, 0, width+padding*2, face.Height+padding*2).Intersect(img.Bounds())
	draw.Draw(img, box, &image.Uniform{color.RGBA{A: 0xb0}}, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.White,
		Face: face,
		Dot:  fixed.P(padding, padding+face.Ascent),
	}
	d.DrawString(label)
}

// Name returns the output type name
func (m *MJPEGOutput) Name() string {
	return "MJPEG HTTP Stream"
}

// IsRunning returns true if the output is active
func (m *MJPEGOutput) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// Latest returns the most recent encoded frame, or nil.
func (m *MJPEGOutput) Latest() []byte {
	m.frameMu.RLock()
	defer m.frameMu.RUnlock()
	return m.latest
}

// GetHTTPHandler returns an http.Handler for the MJPEG stream
func (m *MJPEGOutput) GetHTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.WithComponent("mjpeg")
		if !m.IsRunning() {
			http.Error(w, "stream not running", http.StatusServiceUnavailable)
			return
		}

		w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Pragma", "no-cache")
		w.Header().Set("Expires", "0")
		w.Header().Set("Connection", "close")

		frameChan := make(chan []byte, 2)
		if latest := m.Latest(); latest != nil {
			frameChan <- latest
		}

		m.clientsMu.Lock()
		m.clients[frameChan] = struct{}{}
		clientCount := len(m.clients)
		m.clientsMu.Unlock()
		log.Info().Int("clients", clientCount).Msg("Stream client connected")

		defer func() {
			m.clientsMu.Lock()
			if _, ok := m.clients[frameChan]; ok {
				delete(m.clients, frameChan)
			}
			clientCount := len(m.clients)
			m.clientsMu.Unlock()
			log.Info().Int("clients", clientCount).Msg("Stream client disconnected")
		}()

		for {
			var jpegData []byte
			select {
			case <-r.Context().Done():
				return
			case data, ok := <-frameChan:
				if !ok {
					return
				}
				jpegData = data
			}

			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}

// GetSnapshotHandler serves the most recent frame as a single JPEG.
func (m *MJPEGOutput) GetSnapshotHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		latest := m.Latest()
		if latest == nil {
			http.Error(w, "no frame yet", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "no-cache")
		w.Write(latest)
	}
}

// Stats returns stream statistics.
func (m *MJPEGOutput) Stats() Stats {
	m.mu.RLock()
	st := Stats{
		Running:   m.running,
		Width:     m.config.Width,
		Height:    m.config.Height,
		TargetFPS: m.config.FPS,
		Frames:    m.frameCount,
		Skipped:   m.skipped,
	}
	startTime := m.startTime
	m.mu.RUnlock()

	m.frameMu.RLock()
	st.LastUpdate = m.lastUpdate
	m.frameMu.RUnlock()

	m.clientsMu.RLock()
	st.Clients = len(m.clients)
	m.clientsMu.RUnlock()

	if st.Running && !startTime.IsZero() {
		elapsed := time.Since(startTime)
		if secs := elapsed.Seconds(); secs > 0 {
			st.ActualFPS = float64(st.Frames) / secs
		}
		st.Uptime = elapsed.Round(time.Second).String()
	}
	return st
}

// GetStatsHandler returns an HTTP handler that reports stream statistics as JSON
func (m *MJPEGOutput) GetStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.Stats())
	}
}
