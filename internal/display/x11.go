package display

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
)

// X11 shows the color preview in an X window.
type X11 struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	window xproto.Window
	gc     xproto.Gcontext
	size   camera.Size

	bitsPerPixel uint8
	scanlinePad  uint8

	mu      sync.RWMutex
	buffer  camera.Size
	running bool
	frames  uint64
}

// NewX11 connects to the X server named by $DISPLAY.
func NewX11(size camera.Size) (*X11, error) {
	if size.IsZero() {
		return nil, fmt.Errorf("invalid display size %s", size)
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}

	setup := xproto.Setup(conn)
	screen := setup.DefaultScreen(conn)

	d := &X11{
		conn:   conn,
		screen: screen,
		size:   size,
		buffer: size,
	}
	for _, format := range setup.PixmapFormats {
		if format.Depth == screen.RootDepth {
			d.bitsPerPixel = format.BitsPerPixel
			d.scanlinePad = format.ScanlinePad
			break
		}
	}
	if d.bitsPerPixel == 0 {
		conn.Close()
		return nil, fmt.Errorf("no pixmap format for depth %d", screen.RootDepth)
	}
	return d, nil
}

func (d *X11) Name() string { return "x11" }

// Start creates and maps the preview window
func (d *X11) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("display already running")
	}
	log := logger.WithComponent("display")

	windowID, err := xproto.NewWindowId(d.conn)
	if err != nil {
		return fmt.Errorf("failed to create window ID: %w", err)
	}
	d.window = windowID

	mask := uint32(xproto.CwBackPixel | xproto.CwEventMask)
	values := []uint32{
		0x000000,
		xproto.EventMaskExposure | xproto.EventMaskStructureNotify,
	}
	err = xproto.CreateWindowChecked(
		d.conn,
		d.screen.RootDepth,
		d.window,
		d.screen.Root,
		0, 0,
		uint16(d.size.Width), uint16(d.size.Height),
		0,
		xproto.WindowClassInputOutput,
		d.screen.RootVisual,
		mask,
		values,
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create window: %w", err)
	}

	if err := d.setWindowTitle("DualCapture - Color Preview"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window title")
	}
	if err := d.setWindowClass("dualcapture", "DualCapture"); err != nil {
		log.Warn().Err(err).Msg("Failed to set window class")
	}

	if err := xproto.MapWindowChecked(d.conn, d.window).Check(); err != nil {
		return fmt.Errorf("failed to map window: %w", err)
	}

	gc, err := xproto.NewGcontextId(d.conn)
	if err != nil {
		return fmt.Errorf("failed to create graphics context: %w", err)
	}
	err = xproto.CreateGCChecked(
		d.conn,
		gc,
		xproto.Drawable(d.window),
		xproto.GcForeground|xproto.GcBackground,
		[]uint32{0xffffffff, 0x00000000},
	).Check()
	if err != nil {
		return fmt.Errorf("failed to create GC: %w", err)
	}
	d.gc = gc
	d.conn.Sync()

	d.running = true
	log.Info().
		Str("size", d.size.String()).
		Uint32("window_id", uint32(d.window)).
		Msg("Preview window created")
	return nil
}

// Stop destroys the preview window and closes the connection
func (d *X11) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return
	}
	if d.gc != 0 {
		xproto.FreeGC(d.conn, d.gc)
	}
	if d.window != 0 {
		xproto.DestroyWindow(d.conn, d.window)
		d.conn.Sync()
	}
	d.conn.Close()
	d.running = false
	logger.WithComponent("display").Info().Uint64("frames", d.frames).Msg("Preview window closed")
}

// Surface implements camera.PreviewTarget
func (d *X11) Surface() camera.Surface { return d }

// SurfaceID implements camera.Surface
func (d *X11) SurfaceID() string { return fmt.Sprintf("x11:%d", uint32(d.window)) }

// Size returns the window's current geometry, or the configured size
// before the window exists.
func (d *X11) Size() camera.Size {
	d.mu.RLock()
	running, window := d.running, d.window
	d.mu.RUnlock()
	if !running {
		return d.size
	}
	geom, err := xproto.GetGeometry(d.conn, xproto.Drawable(window)).Reply()
	if err != nil {
		logger.WithComponent("display").Debug().Err(err).Msg("Failed to query window geometry")
		return d.size
	}
	return camera.Size{Width: int(geom.Width), Height: int(geom.Height)}
}

// SetBufferSize implements camera.DisplaySurface
func (d *X11) SetBufferSize(size camera.Size) error {
	if size.IsZero() {
		return fmt.Errorf("invalid buffer size %s", size)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer = size
	return nil
}

// ConsumeFrame implements camera.FrameConsumer. The frame is scaled to the
// buffer size, then letterboxed into the window.
func (d *X11) ConsumeFrame(frame *image.RGBA) {
	d.mu.RLock()
	running, buffer := d.running, d.buffer
	d.mu.RUnlock()
	if !running {
		return
	}

	img := letterbox(letterbox(frame, buffer), d.size)
	if err := d.putImage(img); err != nil {
		logger.WithComponent("display").Debug().Err(err).Msg("Failed to render frame")
		return
	}
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
}

// putImage sends an image the size of the window to the X server
func (d *X11) putImage(img *image.RGBA) error {
	b := img.Bounds()
	if b.Dx() != d.size.Width || b.Dy() != d.size.Height {
		return fmt.Errorf("image size mismatch: got %dx%d, expected %s", b.Dx(), b.Dy(), d.size)
	}

	data, err := toZPixmap(img, d.bitsPerPixel, d.scanlinePad, d.screen.RootDepth)
	if err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.running {
		return fmt.Errorf("display not running")
	}
	return xproto.PutImageChecked(
		d.conn,
		xproto.ImageFormatZPixmap,
		xproto.Drawable(d.window),
		d.gc,
		uint16(d.size.Width),
		uint16(d.size.Height),
		0, 0,
		0,
		d.screen.RootDepth,
		data,
	).Check()
}

// toZPixmap converts img to the server's ZPixmap layout: BGR(x) pixels with
// each scanline padded to scanlinePad bits.
func toZPixmap(img *image.RGBA, bitsPerPixel, scanlinePad, depth uint8) ([]byte, error) {
	b := img.Bounds()
	width, height := b.Dx(), b.Dy()

	bytesPerPixel := int(bitsPerPixel) / 8
	if bytesPerPixel != 3 && bytesPerPixel != 4 {
		return nil, fmt.Errorf("unsupported bytes per pixel: %d", bytesPerPixel)
	}
	padBytes := int(scanlinePad) / 8
	if padBytes == 0 {
		padBytes = 1
	}
	unpadded := width * bytesPerPixel
	stride := ((unpadded + padBytes - 1) / padBytes) * padBytes

	data := make([]byte, stride*height)
	for y := 0; y < height; y++ {
		src := img.Pix[y*img.Stride:]
		dst := data[y*stride:]
		for x := 0; x < width; x++ {
			s := x * 4
			o := x * bytesPerPixel
			dst[o] = src[s+2]
			dst[o+1] = src[s+1]
			dst[o+2] = src[s]
			if bytesPerPixel == 4 && depth == 32 {
				dst[o+3] = src[s+3]
			}
		}
	}
	return data, nil
}

func (d *X11) setWindowTitle(title string) error {
	titleAtom, err := d.getAtom("_NET_WM_NAME")
	if err != nil {
		return err
	}
	utf8Atom, err := d.getAtom("UTF8_STRING")
	if err != nil {
		return err
	}
	return xproto.ChangePropertyChecked(
		d.conn,
		xproto.PropModeReplace,
		d.window,
		titleAtom,
		utf8Atom,
		8,
		uint32(len(title)),
		[]byte(title),
	).Check()
}

func (d *X11) setWindowClass(instance, class string) error {
	classAtom, err := d.getAtom("WM_CLASS")
	if err != nil {
		return err
	}
	// WM_CLASS format: instance\0class\0
	classStr := instance + "\x00" + class + "\x00"
	return xproto.ChangePropertyChecked(
		d.conn,
		xproto.PropModeReplace,
		d.window,
		classAtom,
		xproto.AtomString,
		8,
		uint32(len(classStr)),
		[]byte(classStr),
	).Check()
}

func (d *X11) getAtom(name string) (xproto.Atom, error) {
	reply, err := xproto.InternAtom(d.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	return reply.Atom, nil
}
