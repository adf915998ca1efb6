package modes

import (
	"context"
	"errors"
	"math"
	"time"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
)

const (
	mountPulseMs          = 2000
	mountMinDisplacementPx = 3.0
	mountResponseTimeout   = 15 * time.Second
)

// ErrStarsLost, ErrInsufficientDisplacement and ErrMountTimeout are the
// three named failure modes the mode surfaces as Error events.
var (
	ErrStarsLost                = errors.New("mountcalibr: stars lost during calibration pulse")
	ErrInsufficientDisplacement = errors.New("mountcalibr: pulse produced insufficient star displacement")
	ErrMountTimeout              = errors.New("mountcalibr: mount did not respond within timeout")
)

// MountPulser is the narrow mount surface MountCalibr needs: issue a guide
// pulse on an axis for a duration and report the mount's reversal flags.
type MountPulser struct {
	PulseRAPlus  func(ctx context.Context, ms int) error
	PulseRAMinus func(ctx context.Context, ms int) error
	PulseDecPlus func(ctx context.Context, ms int) error
	PulseDecMinus func(ctx context.Context, ms int) error
	RAReversed   bool
	DecReversed  bool
}

type calibrStep int

const (
	stepReference calibrStep = iota
	stepRAPlus
	stepRAMinus
	stepDecPlus
	stepDecMinus
	stepDone
)

// MountCalibrMode measures the rotation and pixels-per-second mapping from
// RA/Dec guide pulses to star motion on the image plane.
type MountCalibrMode struct {
	Base

	Device  string
	Mount   MountPulser
	Frame   config.FrameOptions
	CamCtrl config.CamCtrlOptions

	after   Mode
	deliver func(MountCalibrResult)
	onError func(error)

	step       calibrStep
	refX, refY float64
	raPlusX, raPlusY float64
	decPlusX, decPlusY float64
	deadline time.Time
}

func NewMountCalibr(device string, mount MountPulser, frame config.FrameOptions, camCtrl config.CamCtrlOptions, after Mode, deliver func(MountCalibrResult), onError func(error)) *MountCalibrMode {
	return &MountCalibrMode{Device: device, Mount: mount, Frame: frame, CamCtrl: camCtrl, after: after, deliver: deliver, onError: onError}
}

func (m *MountCalibrMode) Type() Type { return MountCalibration }

func (m *MountCalibrMode) CamDevice() string { return m.Device }

func (m *MountCalibrMode) CurExposure() float64 { return m.Frame.Exposure }

func (m *MountCalibrMode) Start(ctx context.Context, deps *Deps) error {
	m.step = stepReference
	m.deadline = deps.Now().Add(mountResponseTimeout)
	_, err := deps.StartShot(ctx, m.Frame, m.CamCtrl)
	return err
}

func (m *MountCalibrMode) Abort(deps *Deps) { deps.AbortShot() }

// CompleteImgProcessParams supplies the frame options the calibration
// pulses' reference/displacement shots are processed with; calibration
// frames are never saved to disk.
func (m *MountCalibrMode) CompleteImgProcessParams(deps *Deps, cmd *frameproc.CommandData) {
	cmd.Frame = m.Frame
}

func (m *MountCalibrMode) TakeNextMode() Mode { return m.after }

func (m *MountCalibrMode) NotifyFrameProcessingResult(deps *Deps, result any) NotifyResult {
	res, ok := result.(frameproc.Result)
	if !ok || res.Kind != frameproc.ResultLightFrameInfo || res.Light == nil {
		return NotifyResult{Kind: Nothing}
	}
	if len(res.Light.Stars) == 0 {
		return m.fail(ErrStarsLost)
	}

	x, y := res.Light.StarOffsetX, res.Light.StarOffsetY
	ctx := context.Background()

	switch m.step {
	case stepReference:
		m.refX, m.refY = x, y
		m.step = stepRAPlus
		if err := m.Mount.PulseRAPlus(ctx, mountPulseMs); err != nil {
			return m.fail(ErrMountTimeout)
		}
		_, err := deps.StartShot(ctx, m.Frame, m.CamCtrl)
		if err != nil {
			return m.fail(err)
		}

	case stepRAPlus:
		m.raPlusX, m.raPlusY = x, y
		if displacement(m.refX, m.refY, x, y) < mountMinDisplacementPx {
			return m.fail(ErrInsufficientDisplacement)
		}
		m.step = stepRAMinus
		if err := m.Mount.PulseRAMinus(ctx, mountPulseMs); err != nil {
			return m.fail(ErrMountTimeout)
		}
		m.step = stepDecPlus
		if _, err := deps.StartShot(ctx, m.Frame, m.CamCtrl); err != nil {
			return m.fail(err)
		}

	case stepDecPlus:
		if err := m.Mount.PulseDecPlus(ctx, mountPulseMs); err != nil {
			return m.fail(ErrMountTimeout)
		}
		m.step = stepDecMinus
		if _, err := deps.StartShot(ctx, m.Frame, m.CamCtrl); err != nil {
			return m.fail(err)
		}
		// This position is the baseline for the Dec displacement check; the
		// frame taken after the Dec+ pulse carries the displaced star
		// position, which is recorded on the *next* callback.
		m.decPlusX, m.decPlusY = x, y

	case stepDecMinus:
		if displacement(m.decPlusX, m.decPlusY, x, y) < mountMinDisplacementPx {
			return m.fail(ErrInsufficientDisplacement)
		}
		m.decPlusX, m.decPlusY = x, y
		if err := m.Mount.PulseDecMinus(ctx, mountPulseMs); err != nil {
			return m.fail(ErrMountTimeout)
		}
		res := computeCalibrationMap(m.refX, m.refY, m.raPlusX, m.raPlusY, m.decPlusX, m.decPlusY, mountPulseMs, m.Mount.RAReversed, m.Mount.DecReversed)
		if m.deliver != nil {
			m.deliver(res)
		}
		m.step = stepDone
		return NotifyResult{Kind: Finished, Next: m.after}
	}

	return NotifyResult{Kind: ProgressChanged}
}

// fail reports a calibration failure upward and asks the dispatcher to
// abort; returning Finished here would mask the failure as a success.
func (m *MountCalibrMode) fail(err error) NotifyResult {
	if m.onError != nil {
		m.onError(err)
	}
	return NotifyResult{Kind: Nothing}
}

func displacement(x1, y1, x2, y2 float64) float64 {
	dx, dy := x2-x1, y2-y1
	return math.Sqrt(dx*dx + dy*dy)
}

// solvePulse inverts the calibration map, returning the RA/Dec pulse
// durations (ms, signed by direction) that would move a star by (dx, dy)
// pixels. ok is false when the map is singular (no calibration yet).
func (r MountCalibrResult) solvePulse(dx, dy float64) (raMs, decMs float64, ok bool) {
	det := r.RAtoPixelX*r.DecToPixelY - r.DecToPixelX*r.RAtoPixelY
	if det == 0 {
		return 0, 0, false
	}
	raMs = (dx*r.DecToPixelY - r.DecToPixelX*dy) / det
	decMs = (r.RAtoPixelX*dy - dx*r.RAtoPixelY) / det
	return raMs, decMs, true
}

// computeCalibrationMap builds the 2x2 linear map from pulse-duration to
// image-plane displacement, accounting for reported mount reversal flags.
func computeCalibrationMap(refX, refY, raX, raY, decX, decY float64, pulseMs int, raRev, decRev bool) MountCalibrResult {
	ms := float64(pulseMs)
	raDX, raDY := (raX-refX)/ms, (raY-refY)/ms
	decDX, decDY := (decX-refX)/ms, (decY-refY)/ms
	if raRev {
		raDX, raDY = -raDX, -raDY
	}
	if decRev {
		decDX, decDY = -decDX, -decDY
	}
	return MountCalibrResult{
		RAtoPixelX: raDX, RAtoPixelY: raDY,
		DecToPixelX: decDX, DecToPixelY: decDY,
		Reversed: raRev || decRev,
	}
}
