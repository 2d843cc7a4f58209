// Package sim is an in-process device backend. It behaves like a real
// capture stack from the coordinator's point of view: opens and session
// configuration complete asynchronously, repeating requests push frames
// into FrameConsumer targets, and faults can be injected per device.
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/camera"
	"github.com/bryanchriswhite/DualCapture/internal/logger"
)

var (
	// ErrInUse is returned when a device is opened twice.
	ErrInUse = errors.New("sim: device already open")
	// ErrDeviceClosed is returned for work on a closed device.
	ErrDeviceClosed = errors.New("sim: device closed")
	// ErrConfigure is the injected session configuration failure.
	ErrConfigure = errors.New("sim: session configuration rejected")
	// ErrNotOpen is returned when injecting into a device that is not open.
	ErrNotOpen = errors.New("sim: device not open")
)

// DeviceSpec describes one simulated device.
type DeviceSpec struct {
	ID          string        `json:"id"`
	Sizes       []camera.Size `json:"sizes"`
	Orientation int           `json:"orientation"`
	Mono        bool          `json:"mono"`
}

// Options configures a Manager.
type Options struct {
	Devices          []DeviceSpec
	OpenLatency      time.Duration
	ConfigureLatency time.Duration
	// FrameRate of repeating requests; zero disables frame delivery.
	FrameRate int
	// FrameSize of generated frames. Defaults to 320x180.
	FrameSize camera.Size
}

// DefaultDevices mirrors a phone with a rear color camera "0", a front
// camera "1", and a monochrome camera "2".
func DefaultDevices() []DeviceSpec {
	rear := []camera.Size{
		{Width: 3840, Height: 2160},
		{Width: 1920, Height: 1080},
		{Width: 1440, Height: 1080},
		{Width: 1280, Height: 720},
		{Width: 1024, Height: 768},
		{Width: 640, Height: 480},
	}
	return []DeviceSpec{
		{ID: "0", Sizes: rear, Orientation: 90},
		{ID: "1", Sizes: []camera.Size{{Width: 1920, Height: 1080}, {Width: 1280, Height: 720}}, Orientation: 270},
		{ID: "2", Sizes: rear, Orientation: 90, Mono: true},
	}
}

type faults struct {
	openSync       error
	openAsync      error
	createSync     error
	configureFails int
}

// Manager implements camera.DeviceManager.
type Manager struct {
	opts Options

	mu     sync.Mutex
	specs  map[string]DeviceSpec
	open   map[string]*Device
	faults map[string]*faults
	gates  map[string]chan struct{}
	opens  map[string]int

	wg sync.WaitGroup
}

// New returns a Manager for opts. With no devices it uses DefaultDevices.
func New(opts Options) *Manager {
	if len(opts.Devices) == 0 {
		opts.Devices = DefaultDevices()
	}
	if opts.FrameSize.IsZero() {
		opts.FrameSize = camera.Size{Width: 320, Height: 180}
	}
	m := &Manager{
		opts:   opts,
		specs:  make(map[string]DeviceSpec, len(opts.Devices)),
		open:   make(map[string]*Device),
		faults: make(map[string]*faults),
		gates:  make(map[string]chan struct{}),
		opens:  make(map[string]int),
	}
	for _, d := range opts.Devices {
		m.specs[d.ID] = d
	}
	return m
}

// ListDevices returns the device IDs in sorted order.
func (m *Manager) ListDevices(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.specs))
	for id := range m.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// SupportedOutputSizes returns the sizes of device id.
func (m *Manager) SupportedOutputSizes(id string) ([]camera.Size, error) {
	spec, err := m.spec(id)
	if err != nil {
		return nil, err
	}
	out := make([]camera.Size, len(spec.Sizes))
	copy(out, spec.Sizes)
	return out, nil
}

// SensorOrientation returns the mounting angle of device id.
func (m *Manager) SensorOrientation(id string) (int, error) {
	spec, err := m.spec(id)
	if err != nil {
		return 0, err
	}
	return spec.Orientation, nil
}

// OpenDevice opens id asynchronously and reports through cb.
func (m *Manager) OpenDevice(id string, cb camera.DeviceCallback) error {
	spec, err := m.spec(id)
	if err != nil {
		return err
	}

	m.mu.Lock()
	f := m.faultsLocked(id)
	if f.openSync != nil {
		err := f.openSync
		f.openSync = nil
		m.mu.Unlock()
		return err
	}
	if _, busy := m.open[id]; busy {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInUse, id)
	}
	asyncErr := f.openAsync
	f.openAsync = nil
	gate := m.gates[id]
	dev := newDevice(m, spec, cb)
	if asyncErr == nil {
		m.open[id] = dev
	}
	m.opens[id]++
	m.mu.Unlock()

	log := logger.WithComponent("sim")
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if gate != nil {
			<-gate
		}
		sleep(m.opts.OpenLatency)
		if asyncErr != nil {
			log.Debug().Str("device", id).Err(asyncErr).Msg("Simulated open failure")
			cb(camera.DeviceEvent{DeviceID: id, Kind: camera.DeviceFailed, Err: asyncErr})
			return
		}
		log.Debug().Str("device", id).Msg("Simulated device opened")
		cb(camera.DeviceEvent{DeviceID: id, Kind: camera.DeviceOpened, Device: dev})
	}()
	return nil
}

// FailOpenSync makes the next OpenDevice of id return err immediately.
func (m *Manager) FailOpenSync(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultsLocked(id).openSync = err
}

// FailNextOpen makes the next open of id report err through the callback.
func (m *Manager) FailNextOpen(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultsLocked(id).openAsync = err
}

// FailConfigure makes the next n session requests on id fail.
func (m *Manager) FailConfigure(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultsLocked(id).configureFails = n
}

// FailCreateSync makes the next CreateSession on id return err immediately.
func (m *Manager) FailCreateSync(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faultsLocked(id).createSync = err
}

// HoldOpen delays open callbacks for id until the returned release func is called.
func (m *Manager) HoldOpen(id string) (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gates[id] = gate
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gates[id] == gate {
				delete(m.gates, id)
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// Disconnect reports an open device as disconnected.
func (m *Manager) Disconnect(id string) error {
	return m.inject(id, camera.DeviceDisconnected, errors.New("sim: device unplugged"))
}

// InjectError reports an unrecoverable error on an open device.
func (m *Manager) InjectError(id string, err error) error {
	return m.inject(id, camera.DeviceFailed, err)
}

func (m *Manager) inject(id string, kind camera.DeviceEventKind, err error) error {
	m.mu.Lock()
	dev, ok := m.open[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotOpen, id)
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		dev.cb(camera.DeviceEvent{DeviceID: id, Kind: kind, Device: dev, Err: err})
	}()
	return nil
}

// Device returns the open device id, if any.
func (m *Manager) Device(id string) (*Device, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.open[id]
	return d, ok
}

// IsOpen reports whether id is currently open.
func (m *Manager) IsOpen(id string) bool {
	_, ok := m.Device(id)
	return ok
}

// OpenCount returns how many times id has been opened.
func (m *Manager) OpenCount(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.opens[id]
}

// Wait blocks until every outstanding simulated callback has been delivered.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) spec(id string) (DeviceSpec, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spec, ok := m.specs[id]
	if !ok {
		return DeviceSpec{}, fmt.Errorf("%w: %s", camera.ErrDeviceNotFound, id)
	}
	return spec, nil
}

func (m *Manager) faultsLocked(id string) *faults {
	f, ok := m.faults[id]
	if !ok {
		f = &faults{}
		m.faults[id] = f
	}
	return f
}

func (m *Manager) takeConfigureFailure(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.faultsLocked(id)
	if f.configureFails > 0 {
		f.configureFails--
		return true
	}
	return false
}

func (m *Manager) takeCreateSync(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := m.faultsLocked(id)
	err := f.createSync
	f.createSync = nil
	return err
}

func (m *Manager) deviceClosed(d *Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.open[d.id] == d {
		delete(m.open, d.id)
	}
}

func sleep(d time.Duration) {
	if d > 0 {
		time.Sleep(d)
	}
}
