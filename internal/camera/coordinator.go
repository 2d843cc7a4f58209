package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/logger"
	"github.com/bryanchriswhite/DualCapture/internal/permit"
	"github.com/rs/zerolog"
)

// Options configures a Coordinator. Every collaborator is required.
type Options struct {
	Devices DeviceManager
	// Display is the color slot's preview target.
	Display DisplaySurface
	// MonoSink is the mono slot's preview target.
	MonoSink PreviewTarget

	NewRecorder RecorderFactory
	Paths       PathProvider

	ColorDeviceID string
	MonoDeviceID  string

	// PermitTimeout defaults to 2500ms.
	PermitTimeout time.Duration
	// Recording defaults to DefaultRecordingSettings.
	Recording RecordingSettings
	// RecordSlots lists the slots toggled by ToggleRecording. Defaults to both.
	RecordSlots []SlotID
}

// DeviceInfo describes one enumerated device.
type DeviceInfo struct {
	ID                string `json:"id"`
	Slot              string `json:"slot,omitempty"`
	Sizes             []Size `json:"sizes"`
	SensorOrientation int    `json:"sensor_orientation"`
	Error             string `json:"error,omitempty"`
}

// Coordinator owns the color and mono slots and routes device callbacks to
// them by device ID.
type Coordinator struct {
	devices     DeviceManager
	display     DisplaySurface
	slots       map[SlotID]*Slot
	byDevice    map[string]*Slot
	recordSlots []SlotID
	events      *eventBus
	log         *zerolog.Logger

	terminated    chan struct{}
	terminateOnce sync.Once
	termMu        sync.RWMutex
	termErr       error
}

// NewCoordinator validates opts and builds both slots in the Closed state.
func NewCoordinator(opts Options) (*Coordinator, error) {
	switch {
	case opts.Devices == nil:
		return nil, errors.New("coordinator: device manager is required")
	case opts.Display == nil:
		return nil, errors.New("coordinator: display surface is required")
	case opts.MonoSink == nil:
		return nil, errors.New("coordinator: mono frame sink is required")
	case opts.NewRecorder == nil:
		return nil, errors.New("coordinator: recorder factory is required")
	case opts.Paths == nil:
		return nil, errors.New("coordinator: path provider is required")
	case opts.ColorDeviceID == "" || opts.MonoDeviceID == "":
		return nil, errors.New("coordinator: both device IDs are required")
	case opts.ColorDeviceID == opts.MonoDeviceID:
		return nil, fmt.Errorf("coordinator: color and mono share device %q", opts.ColorDeviceID)
	}
	if opts.PermitTimeout <= 0 {
		opts.PermitTimeout = permit.DefaultTimeout
	}
	if opts.Recording == (RecordingSettings{}) {
		opts.Recording = DefaultRecordingSettings()
	}
	if len(opts.RecordSlots) == 0 {
		opts.RecordSlots = Slots
	}

	c := &Coordinator{
		devices:     opts.Devices,
		display:     opts.Display,
		slots:       make(map[SlotID]*Slot, len(Slots)),
		byDevice:    make(map[string]*Slot, len(Slots)),
		recordSlots: append([]SlotID(nil), opts.RecordSlots...),
		events:      &eventBus{},
		log:         logger.WithComponent("coordinator"),
		terminated:  make(chan struct{}),
	}

	targets := map[SlotID]PreviewTarget{Color: opts.Display, Mono: opts.MonoSink}
	deviceIDs := map[SlotID]string{Color: opts.ColorDeviceID, Mono: opts.MonoDeviceID}
	for _, id := range Slots {
		s := newSlot(slotConfig{
			id:             id,
			deviceID:       deviceIDs[id],
			devices:        opts.Devices,
			deviceCallback: c.routeDevice,
			preview:        targets[id],
			newRecorder:    opts.NewRecorder,
			paths:          opts.Paths,
			recording:      opts.Recording,
			permitTimeout:  opts.PermitTimeout,
			events:         c.events,
			onFatal:        c.slotFailed,
		})
		c.slots[id] = s
		c.byDevice[s.deviceID] = s
	}
	for _, id := range c.recordSlots {
		if _, ok := c.slots[id]; !ok {
			return nil, fmt.Errorf("coordinator: %w: %s", ErrUnknownSlot, id)
		}
	}
	return c, nil
}

// OpenAll opens both slots in parallel. A zero width or height uses the
// display's current size as the preferred preview area. It returns once
// both open requests are issued; progress is reported on the event stream.
func (c *Coordinator) OpenAll(ctx context.Context, width, height int) error {
	view := Size{Width: width, Height: height}
	if view.IsZero() {
		view = c.display.Size()
	}

	ids, err := c.devices.ListDevices(ctx)
	if err != nil {
		err = fmt.Errorf("list devices: %w", classifyAccess(err))
		c.terminate(err)
		return err
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}

	errs := make([]error, len(Slots))
	var wg sync.WaitGroup
	for i, id := range Slots {
		slot := c.slots[id]
		if !known[slot.deviceID] {
			errs[i] = slotErr(id, "open", fmt.Errorf("%w: %s", ErrDeviceNotFound, slot.deviceID))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = slot.Open(ctx, view)
		}()
	}
	wg.Wait()

	for i, id := range Slots {
		if errs[i] != nil && IsFatal(errs[i]) {
			c.slotFailed(id, errs[i])
		}
	}
	return errors.Join(errs...)
}

// Open opens a single slot.
func (c *Coordinator) Open(ctx context.Context, id SlotID, width, height int) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	view := Size{Width: width, Height: height}
	if view.IsZero() {
		view = c.display.Size()
	}
	return slot.Open(ctx, view)
}

// Close closes a single slot.
func (c *Coordinator) Close(ctx context.Context, id SlotID) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	return slot.Close(ctx)
}

// CloseAll closes both slots in parallel.
func (c *Coordinator) CloseAll(ctx context.Context) error {
	errs := make([]error, len(Slots))
	var wg sync.WaitGroup
	for i, id := range Slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.slots[id].Close(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// RetryPreview rebuilds the preview session of a slot left Open.
func (c *Coordinator) RetryPreview(ctx context.Context, id SlotID) error {
	slot, err := c.slot(id)
	if err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- slot.RetryPreview() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ToggleRecording starts recording on every participating slot when none
// is recording, otherwise stops it. It reports whether recording is now
// under way. Each slot succeeds or fails on its own; failures are joined.
func (c *Coordinator) ToggleRecording(ctx context.Context) (bool, error) {
	var err error
	if c.IsRecording() {
		err = c.StopRecording(ctx)
	} else {
		err = c.StartRecording(ctx)
	}
	return c.IsRecording(), err
}

// StartRecording dispatches start to every participating slot before
// waiting on any of them.
func (c *Coordinator) StartRecording(ctx context.Context) error {
	pending := make([]<-chan error, 0, len(c.recordSlots))
	for _, id := range c.recordSlots {
		pending = append(pending, c.slots[id].submit("start recording", c.slots[id].startRecording))
	}
	return collect(ctx, pending)
}

// StopRecording dispatches stop to every participating slot that is
// recording or about to.
func (c *Coordinator) StopRecording(ctx context.Context) error {
	pending := make([]<-chan error, 0, len(c.recordSlots))
	for _, id := range c.recordSlots {
		slot := c.slots[id]
		switch slot.State() {
		case RecordPending, Recording:
			pending = append(pending, slot.submit("stop recording", slot.stopRecording))
		}
	}
	return collect(ctx, pending)
}

func collect(ctx context.Context, pending []<-chan error) error {
	var errs []error
	for _, ch := range pending {
		select {
		case err := <-ch:
			errs = append(errs, err)
		case <-ctx.Done():
			return errors.Join(append(errs, ctx.Err())...)
		}
	}
	return errors.Join(errs...)
}

// IsRecording is a display aggregate: true when any slot is recording or
// setting up a record session.
func (c *Coordinator) IsRecording() bool {
	for _, id := range Slots {
		switch c.slots[id].State() {
		case RecordPending, Recording:
			return true
		}
	}
	return false
}

// Snapshot returns the status of every slot.
func (c *Coordinator) Snapshot() []SlotStatus {
	out := make([]SlotStatus, 0, len(Slots))
	for _, id := range Slots {
		out = append(out, c.slots[id].Status())
	}
	return out
}

// Status returns the status of one slot.
func (c *Coordinator) Status(id SlotID) (SlotStatus, error) {
	slot, err := c.slot(id)
	if err != nil {
		return SlotStatus{}, err
	}
	return slot.Status(), nil
}

// Devices enumerates devices with their capabilities.
func (c *Coordinator) Devices(ctx context.Context) ([]DeviceInfo, error) {
	ids, err := c.devices.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", classifyAccess(err))
	}
	out := make([]DeviceInfo, 0, len(ids))
	for _, id := range ids {
		info := DeviceInfo{ID: id}
		if slot, ok := c.byDevice[id]; ok {
			info.Slot = slot.id.String()
		}
		if sizes, err := c.devices.SupportedOutputSizes(id); err != nil {
			info.Error = err.Error()
		} else {
			info.Sizes = sizes
		}
		if deg, err := c.devices.SensorOrientation(id); err == nil {
			info.SensorOrientation = deg
		}
		out = append(out, info)
	}
	return out, nil
}

// Subscribe returns a channel receiving every event.
func (c *Coordinator) Subscribe() chan Event {
	return c.events.subscribe()
}

// Unsubscribe removes and closes ch.
func (c *Coordinator) Unsubscribe(ch chan Event) {
	c.events.unsubscribe(ch)
}

// Terminated is closed when a color-slot failure ends the session.
func (c *Coordinator) Terminated() <-chan struct{} {
	return c.terminated
}

// Err returns the error that closed Terminated, or nil.
func (c *Coordinator) Err() error {
	c.termMu.RLock()
	defer c.termMu.RUnlock()
	return c.termErr
}

func (c *Coordinator) slot(id SlotID) (*Slot, error) {
	slot, ok := c.slots[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSlot, id)
	}
	return slot, nil
}

// routeDevice is the single device callback handed to the device manager.
func (c *Coordinator) routeDevice(ev DeviceEvent) {
	slot, ok := c.byDevice[ev.DeviceID]
	if !ok {
		c.log.Warn().Str("device", ev.DeviceID).Str("kind", ev.Kind.String()).Msg("Event for unknown device")
		if ev.Kind == DeviceOpened && ev.Device != nil {
			if err := ev.Device.Close(); err != nil {
				c.log.Warn().Err(err).Str("device", ev.DeviceID).Msg("Failed to close unrouted device")
			}
		}
		return
	}
	slot.deliverDevice(ev)
}

func (c *Coordinator) slotFailed(id SlotID, err error) {
	if id == Color {
		c.terminate(err)
		return
	}
	c.log.Warn().Err(err).Str("slot", id.String()).Msg("Secondary slot failed, continuing degraded")
}

func (c *Coordinator) terminate(err error) {
	c.terminateOnce.Do(func() {
		c.termMu.Lock()
		c.termErr = err
		c.termMu.Unlock()
		c.log.Error().Err(err).Msg("Primary slot failed, terminating session")
		c.events.emit(Event{Type: EventSessionTerminated, Slot: Color, State: c.slots[Color].State(), Err: err})
		close(c.terminated)
	})
}
