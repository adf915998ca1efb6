// Package modes defines the polymorphic Mode state machine the core
// dispatches onto: one mode object owns "what to do next", the core owns
// "how to get there" (shared device connections, options store, frame
// pipeline). Modes never reach into each other or into foreign core state
// directly — every decision they make comes back to the core as a
// NotifyResult value.
package modes

import (
	"context"
	"time"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
)

// Type identifies which concrete Mode is active.
type Type int

const (
	Waiting Type = iota
	SingleShot
	LiveView
	SavingRawFrames
	LiveStacking
	Focusing
	MountCalibration
	DarkLibrary
)

func (t Type) String() string {
	switch t {
	case SingleShot:
		return "single_shot"
	case LiveView:
		return "live_view"
	case SavingRawFrames:
		return "saving_raw_frames"
	case LiveStacking:
		return "live_stacking"
	case Focusing:
		return "focusing"
	case MountCalibration:
		return "mount_calibration"
	case DarkLibrary:
		return "dark_library"
	default:
		return "waiting"
	}
}

// Progress is a generic "cur of total" progress readout; a mode that
// cannot give one returns nil.
type Progress struct {
	Cur, Total int
}

// ResultKind tags the variant carried by a NotifyResult.
type ResultKind int

const (
	ProgressChanged ResultKind = iota
	ModeChanged
	Finished
	StartFocusing
	StartMountCalibration
	Nothing
)

// NotifyResult is the single channel through which a mode tells the core
// what happened as a consequence of a device/frame/guider event. The core
// interprets Kind and, when it names a Next mode, performs the mode swap
// itself — the mode that returned the result never mutates ModeData.
type NotifyResult struct {
	Kind ResultKind
	Next Mode
}

// Mode is implemented by every concrete acquisition mode. All methods have
// workable defaults via EmbeddableDefaults so a mode only overrides what it
// actually changes.
type Mode interface {
	Type() Type
	ProgressString() string
	CamDevice() string
	Progress() *Progress
	CurExposure() float64
	CanBeStopped() bool
	CanBeContinuedAfterStop() bool

	Start(ctx context.Context, deps *Deps) error
	Abort(deps *Deps)
	ContinueWork(deps *Deps) error
	TakeNextMode() Mode

	SetOrCorrectValue(opts *config.Options)
	// CompleteImgProcessParams finishes a FrameProcessCommandData the
	// dispatcher has already filled with the shared options snapshot: it
	// adds whatever only the mode itself knows (frame options, raw-file
	// name, session dir, accumulator, live-stack context, reference stars).
	CompleteImgProcessParams(deps *Deps, cmd *frameproc.CommandData)
	NotifyDevicePropChange(deps *Deps, device, prop, element, value string) NotifyResult
	NotifyBlobStart(deps *Deps, device, prop string) NotifyResult
	// NotifyBeforeFrameProcessingStart gives the mode one last chance to
	// veto processing of the frame just downloaded (e.g. a warm-up frame
	// that must be discarded rather than run through the pipeline).
	NotifyBeforeFrameProcessingStart(deps *Deps) (veto bool)
	NotifyFrameProcessingResult(deps *Deps, result any) NotifyResult
	NotifyGuiderEvent(deps *Deps, finished bool, err error) NotifyResult
}

// Deps is the narrow set of collaborators a mode needs in order to act;
// it is handed to every lifecycle method instead of letting modes reach
// into the core directly, so a mode's dependencies are exactly what its
// method signatures say they are.
type Deps struct {
	Device    string
	Options   *config.Options
	StartShot func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (shotID string, err error)
	AbortShot func()
	Now       func() time.Time
	// Mount is nil unless a mount device is attached; TakingPictures uses
	// it to issue the internal-dither guide pulse guiding-by-main-camera
	// computes from the calibration matrix.
	Mount *MountPulser
}

// Base gives every concrete mode the no-op defaults described in the
// acquisition-mode model: a mode overrides only the handful of methods its
// behavior actually needs, the rest fall through harmlessly.
type Base struct{}

func (Base) ProgressString() string                   { return "" }
func (Base) CamDevice() string                         { return "" }
func (Base) Progress() *Progress                       { return nil }
func (Base) CurExposure() float64                      { return 0 }
func (Base) CanBeStopped() bool                        { return true }
func (Base) CanBeContinuedAfterStop() bool             { return false }
func (Base) Abort(deps *Deps)                          {}
func (Base) ContinueWork(deps *Deps) error              { return nil }
func (Base) TakeNextMode() Mode                        { return nil }
func (Base) SetOrCorrectValue(opts *config.Options)                           {}
func (Base) CompleteImgProcessParams(deps *Deps, cmd *frameproc.CommandData)  {}
func (Base) NotifyBeforeFrameProcessingStart(deps *Deps) bool                 { return false }

func (Base) NotifyDevicePropChange(deps *Deps, device, prop, element, value string) NotifyResult {
	return NotifyResult{Kind: Nothing}
}

func (Base) NotifyBlobStart(deps *Deps, device, prop string) NotifyResult {
	return NotifyResult{Kind: Nothing}
}

func (Base) NotifyFrameProcessingResult(deps *Deps, result any) NotifyResult {
	return NotifyResult{Kind: Nothing}
}

func (Base) NotifyGuiderEvent(deps *Deps, finished bool, err error) NotifyResult {
	return NotifyResult{Kind: Nothing}
}
