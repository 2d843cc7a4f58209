package recorder

import (
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
)

var encoders = map[string]func(kbps int) []string{
	"h264": func(kbps int) []string {
		return []string{"x264enc", "bitrate=" + strconv.Itoa(kbps), "speed-preset=veryfast", "!", "h264parse"}
	},
	"h265": func(kbps int) []string {
		return []string{"x265enc", "bitrate=" + strconv.Itoa(kbps), "speed-preset=veryfast", "!", "h265parse"}
	},
}

var muxers = map[string]string{
	"mp4": "mp4mux",
	"mkv": "matroskamux",
}

// PipelineArgs returns the gst-launch-1.0 pipeline that reads raw RGBA
// frames of cfg.Size from stdin and encodes them into cfg.Path.
func PipelineArgs(cfg camera.RecorderConfig) ([]string, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("recorder: output path is required")
	}
	if cfg.Size.IsZero() {
		return nil, fmt.Errorf("recorder: invalid size %s", cfg.Size)
	}
	encoder, ok := encoders[cfg.Codec]
	if !ok {
		return nil, fmt.Errorf("%w: codec %q", ErrUnsupported, cfg.Codec)
	}
	muxer, ok := muxers[cfg.Container]
	if !ok {
		return nil, fmt.Errorf("%w: container %q", ErrUnsupported, cfg.Container)
	}
	fps := cfg.FrameRate
	if fps <= 0 {
		fps = 30
	}
	kbps := cfg.Bitrate / 1000
	if kbps <= 0 {
		return nil, fmt.Errorf("recorder: invalid bitrate %d", cfg.Bitrate)
	}

	args := []string{
		"fdsrc", "fd=0", "!",
		"rawvideoparse",
		"width=" + strconv.Itoa(cfg.Size.Width),
		"height=" + strconv.Itoa(cfg.Size.Height),
		"format=rgba",
		fmt.Sprintf("framerate=%d/1", fps), "!",
		"videoconvert", "!",
	}
	args = append(args, encoder(kbps)...)
	args = append(args, "!", muxer, "!", "filesink", "location="+cfg.Path)
	return args, nil
}

// Extension returns the file extension for container, including the dot.
func Extension(container string) string {
	if container == "" {
		return ".mp4"
	}
	return "." + container
}

// FilePath names a recording <dir>/<unix-millis>_<NN><ext>, where NN is the
// device number zero-padded to two digits. Non-numeric IDs are used as is.
func FilePath(dir, deviceID, ext string, now time.Time) string {
	num := deviceID
	if n, err := strconv.Atoi(deviceID); err == nil {
		num = fmt.Sprintf("%02d", n)
	}
	return filepath.Join(dir, fmt.Sprintf("%d_%s%s", now.UnixMilli(), num, ext))
}

// Paths returns a camera.PathProvider writing under dir.
func Paths(dir, container string) camera.PathProvider {
	ext := Extension(container)
	return func(slot camera.SlotID, deviceID string) (string, error) {
		if dir == "" {
			return "", fmt.Errorf("recorder: no output directory for %s slot", slot)
		}
		return FilePath(dir, deviceID, ext, time.Now()), nil
	}
}
