// Package recorder encodes slot frames to a file through a gst-launch-1.0
// subprocess. Frames are piped to the encoder's stdin as raw RGBA, so no
// GStreamer bindings are needed in process.
package recorder

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/image/draw"
)

// DefaultGstLaunch is the encoder binary looked up on PATH.
const DefaultGstLaunch = "gst-launch-1.0"

const (
	frameQueue  = 8
	stopTimeout = 10 * time.Second
)

var (
	ErrNotPrepared    = errors.New("recorder: not prepared")
	ErrAlreadyRunning = errors.New("recorder: already running")
	ErrReleased       = errors.New("recorder: released")
	ErrUnsupported    = errors.New("recorder: unsupported encoding")
)

// Options configures recorders built by NewFactory.
type Options struct {
	// GstLaunch is the path to gst-launch-1.0. Defaults to DefaultGstLaunch.
	GstLaunch string
}

// NewFactory returns a camera.RecorderFactory producing subprocess recorders.
func NewFactory(opts Options) camera.RecorderFactory {
	if opts.GstLaunch == "" {
		opts.GstLaunch = DefaultGstLaunch
	}
	return func(slot camera.SlotID) camera.Recorder {
		return New(slot, opts)
	}
}

// Recorder is a camera.Recorder backed by one gst-launch-1.0 process.
type Recorder struct {
	slot camera.SlotID
	opts Options
	log  *zerolog.Logger

	mu       sync.Mutex
	cfg      camera.RecorderConfig
	args     []string
	input    *inputSurface
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	exited   chan error
	running  bool
	released bool
}

// New returns an unprepared recorder for slot.
func New(slot camera.SlotID, opts Options) *Recorder {
	if opts.GstLaunch == "" {
		opts.GstLaunch = DefaultGstLaunch
	}
	return &Recorder{
		slot: slot,
		opts: opts,
		log:  logger.WithSlot("recorder", slot.String()),
	}
}

// Prepare validates cfg, creates the output directory and returns the
// surface the record session writes into.
func (r *Recorder) Prepare(cfg camera.RecorderConfig) (camera.Surface, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil, ErrReleased
	}
	if r.running {
		return nil, ErrAlreadyRunning
	}
	args, err := PipelineArgs(cfg)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	r.cfg = cfg
	r.args = args
	r.input = newInputSurface(cfg.Size, r.log)

	r.log.Debug().
		Str("path", cfg.Path).
		Str("pipeline", strings.Join(args, " ")).
		Msg("Recorder prepared")
	return r.input, nil
}

// Start spawns the encoder. Frames reaching the input surface before Start
// are dropped.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.released:
		return ErrReleased
	case r.running:
		return ErrAlreadyRunning
	case r.input == nil:
		return ErrNotPrepared
	}

	cmd := exec.Command(r.opts.GstLaunch, append([]string{"-e", "-q"}, r.args...)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", r.opts.GstLaunch, err)
	}

	r.cmd = cmd
	r.stdin = stdin
	r.exited = make(chan error, 1)
	r.running = true

	go r.logStderr(stderr)
	go func(exited chan<- error) {
		exited <- cmd.Wait()
	}(r.exited)
	r.input.attach(stdin)

	r.log.Info().
		Str("path", r.cfg.Path).
		Int("pid", cmd.Process.Pid).
		Msg("Encoder started")
	return nil
}

// Stop drains queued frames, closes the encoder's stdin so it can finalize
// the container, and waits for it to exit.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return ErrNotPrepared
	}
	r.running = false

	written, dropped := r.input.detach()
	if err := r.stdin.Close(); err != nil {
		r.log.Debug().Err(err).Msg("Closing encoder stdin")
	}

	var waitErr error
	select {
	case waitErr = <-r.exited:
	case <-time.After(stopTimeout):
		r.cmd.Process.Kill()
		<-r.exited
		waitErr = fmt.Errorf("encoder did not finish within %s", stopTimeout)
	}

	log := r.log.With().
		Str("path", r.cfg.Path).
		Uint64("frames", written).
		Uint64("dropped", dropped).
		Logger()
	if waitErr != nil {
		log.Error().Err(waitErr).Msg("Encoder failed")
		return fmt.Errorf("encoder exited: %w", waitErr)
	}
	info, err := os.Stat(r.cfg.Path)
	if err != nil {
		return fmt.Errorf("output missing: %w", err)
	}
	log.Info().Int64("bytes", info.Size()).Msg("Encoder finished")
	return nil
}

// Release kills a running encoder and discards the recorder. It is safe to
// call more than once.
func (r *Recorder) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.released {
		return nil
	}
	r.released = true
	if r.input != nil {
		r.input.detach()
	}
	if r.running {
		r.running = false
		r.stdin.Close()
		if r.cmd.Process != nil {
			r.log.Debug().Int("pid", r.cmd.Process.Pid).Msg("Killing encoder")
			r.cmd.Process.Kill()
		}
		<-r.exited
	}
	return nil
}

// Path returns the prepared output path.
func (r *Recorder) Path() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg.Path
}

func (r *Recorder) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, "ERROR") || strings.Contains(line, "WARN") {
			r.log.Warn().Str("gst", line).Msg("GStreamer message")
		} else {
			r.log.Debug().Str("gst", line).Msg("GStreamer output")
		}
	}
}

// inputSurface is the record session's output target. Frames are scaled to
// the recording size and handed to a writer goroutine; a full queue drops
// the frame rather than stall the capture loop.
type inputSurface struct {
	id   string
	size camera.Size
	log  *zerolog.Logger

	mu      sync.Mutex
	frames  chan []byte
	done    chan struct{}
	written uint64
	dropped uint64
}

func newInputSurface(size camera.Size, log *zerolog.Logger) *inputSurface {
	return &inputSurface{
		id:   "recorder-" + uuid.NewString(),
		size: size,
		log:  log,
	}
}

func (s *inputSurface) SurfaceID() string {
	return s.id
}

// ConsumeFrame implements camera.FrameConsumer
func (s *inputSurface) ConsumeFrame(frame *image.RGBA) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == nil {
		return
	}
	buf := scaleRGBA(frame, s.size).Pix
	select {
	case s.frames <- buf:
	default:
		s.dropped++
	}
}

func (s *inputSurface) attach(w io.Writer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = make(chan []byte, frameQueue)
	s.done = make(chan struct{})
	go s.drain(w, s.frames, s.done)
}

// detach stops accepting frames and waits for queued ones to be written.
func (s *inputSurface) detach() (written, dropped uint64) {
	s.mu.Lock()
	frames, done := s.frames, s.done
	s.frames = nil
	s.mu.Unlock()

	if frames != nil {
		close(frames)
		<-done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written, s.dropped
}

func (s *inputSurface) drain(w io.Writer, frames <-chan []byte, done chan<- struct{}) {
	defer close(done)
	failed := false
	for buf := range frames {
		if failed {
			continue
		}
		if _, err := w.Write(buf); err != nil {
			s.log.Error().Err(err).Msg("Failed to write frame to encoder")
			failed = true
			continue
		}
		s.mu.Lock()
		s.written++
		s.mu.Unlock()
	}
}

// scaleRGBA returns frame resized to size, or frame itself when it already matches.
func scaleRGBA(frame *image.RGBA, size camera.Size) *image.RGBA {
	b := frame.Bounds()
	if b.Dx() == size.Width && b.Dy() == size.Height && b.Min == (image.Point{}) && frame.Stride == size.Width*4 {
		return frame
	}
	dst := image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), frame, b, draw.Src, nil)
	return dst
}
