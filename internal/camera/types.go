package camera

import (
	"fmt"
	"strings"
)

// SlotID names one of the two logical device roles.
type SlotID int

const (
	// Color is the primary slot. A fatal error here ends the whole session.
	Color SlotID = iota
	// Mono is the secondary slot. Its failures degrade, never terminate.
	Mono
)

// Slots lists every slot in dispatch order.
var Slots = []SlotID{Color, Mono}

func (id SlotID) String() string {
	switch id {
	case Color:
		return "color"
	case Mono:
		return "mono"
	default:
		return fmt.Sprintf("slot(%d)", int(id))
	}
}

// MarshalText implements encoding.TextMarshaler
func (id SlotID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (id *SlotID) UnmarshalText(b []byte) error {
	parsed, err := ParseSlotID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseSlotID accepts "color" or "mono", case-insensitively.
func ParseSlotID(s string) (SlotID, error) {
	switch strings.ToLower(s) {
	case "color":
		return Color, nil
	case "mono":
		return Mono, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownSlot, s)
}

// State is a slot's position in its lifecycle.
type State int

const (
	Closed State = iota
	Opening
	Open
	SessionPending
	PreviewActive
	RecordPending
	Recording
	Closing
)

var stateNames = [...]string{
	Closed:         "closed",
	Opening:        "opening",
	Open:           "open",
	SessionPending: "session_pending",
	PreviewActive:  "preview_active",
	RecordPending:  "record_pending",
	Recording:      "recording",
	Closing:        "closing",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// HoldsDevice reports whether a slot in this state owns a device handle.
func (s State) HoldsDevice() bool {
	switch s {
	case Open, SessionPending, PreviewActive, RecordPending, Recording, Closing:
		return true
	}
	return false
}

// Size is a frame size in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// Area returns Width*Height.
func (s Size) Area() int {
	return s.Width * s.Height
}

// IsZero reports whether either dimension is unset.
func (s Size) IsZero() bool {
	return s.Width <= 0 || s.Height <= 0
}

// Purpose is what a capture session was built for.
type Purpose int

const (
	PurposeNone Purpose = iota
	PurposePreview
	PurposeRecord
)

func (p Purpose) String() string {
	switch p {
	case PurposePreview:
		return "preview"
	case PurposeRecord:
		return "record"
	default:
		return "none"
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Purpose) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ControlMode mirrors the device's 3A control mode.
type ControlMode string

// FocusMode mirrors the device's auto-focus mode.
type FocusMode string

const (
	ControlModeAuto ControlMode = "auto"

	FocusModeContinuous FocusMode = "continuous_auto"
)

// RequestTemplate describes a repeating capture request: which surfaces
// receive frames and the fixed 3A policy.
type RequestTemplate struct {
	Purpose     Purpose
	Targets     []Surface
	ControlMode ControlMode
	FocusMode   FocusMode
}

// NewRequestTemplate builds a template for purpose with the fixed
// auto-control and continuous-focus policy.
func NewRequestTemplate(purpose Purpose, targets ...Surface) RequestTemplate {
	t := make([]Surface, len(targets))
	copy(t, targets)
	return RequestTemplate{
		Purpose:     purpose,
		Targets:     t,
		ControlMode: ControlModeAuto,
		FocusMode:   FocusModeContinuous,
	}
}
