package camera

import (
	"sync"
	"time"

	"github.com/bryanchriswhite/DualCapture/internal/logger"
)

// EventType names an entry on the coordinator's event stream.
type EventType string

const (
	EventStateChanged       EventType = "state_changed"
	EventDeviceFatal        EventType = "device_fatal"
	EventConfigureFailed    EventType = "configure_failed"
	EventRecordingStarted   EventType = "recording_started"
	EventRecordingSaved     EventType = "recording_saved"
	EventRecordingCancelled EventType = "recording_cancelled"
	EventRecorderFailed     EventType = "recorder_failed"
	EventSessionTerminated  EventType = "session_terminated"
)

// Event is one entry on the stream returned by Coordinator.Subscribe.
type Event struct {
	Type  EventType `json:"type"`
	Slot  SlotID    `json:"slot"`
	State State     `json:"state"`
	Path  string    `json:"path,omitempty"`
	Error string    `json:"error,omitempty"`
	Err   error     `json:"-"`
	Time  time.Time `json:"time"`
}

const subscriberBuffer = 64

// eventBus fans events out to subscribers without blocking the emitter.
type eventBus struct {
	mu        sync.RWMutex
	listeners []chan Event
}

func (b *eventBus) subscribe() chan Event {
	ch := make(chan Event, subscriberBuffer)
	b.mu.Lock()
	b.listeners = append(b.listeners, ch)
	b.mu.Unlock()
	return ch
}

func (b *eventBus) unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			break
		}
	}
}

func (b *eventBus) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Err != nil && ev.Error == "" {
		ev.Error = ev.Err.Error()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, listener := range b.listeners {
		select {
		case listener <- ev:
		default:
			logger.WithComponent("events").Warn().
				Str("type", string(ev.Type)).
				Str("slot", ev.Slot.String()).
				Msg("Subscriber full, event dropped")
		}
	}
}
