package core

import (
	"astrocore/internal/core/frameproc"
	"astrocore/internal/core/modes"
)

// EventKind tags the CoreEvent union.
type EventKind int

const (
	EventError EventKind = iota
	EventModeChanged
	EventModeContinued
	EventProgress
	EventFocusing
)

func (k EventKind) String() string {
	switch k {
	case EventError:
		return "error"
	case EventModeChanged:
		return "mode_changed"
	case EventModeContinued:
		return "mode_continued"
	case EventProgress:
		return "progress"
	case EventFocusing:
		return "focusing"
	default:
		return "unknown"
	}
}

// FocusingPhase distinguishes the sub-events a Focusing mode publishes.
type FocusingPhase int

const (
	FocusingStartingTemperature FocusingPhase = iota
	FocusingData
	FocusingResult
)

// Event is the single fan-out payload type every subscriber receives.
type Event struct {
	Kind          EventKind
	Message       string
	ModeType      modes.Type
	Progress      *modes.Progress
	FocusingPhase FocusingPhase
	FocusingValue float64
}

// FrameEvent names the frame-processing result type. Results are not
// published on the fan-out Event stream, and Core exposes no separate
// channel for them.
type FrameEvent = frameproc.Result
