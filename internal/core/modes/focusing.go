package modes

import (
	"context"
	"fmt"
	"math"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
)

const (
	focusMinSamples = 5
	focusMaxWidenings = 3
	focusMinR2        = 0.7
)

// focusSample is one (position, fwhm) pair taken during the V-curve walk.
type focusSample struct {
	position int
	fwhm     float64
}

// FocuserOps is the narrow focuser surface FocusingMode needs;
// kept as a function field set on Deps would widen the generic Deps type
// for every other mode, so FocusingMode takes its own FocuserOps bundle.
type FocuserOps struct {
	MoveAbsolute func(ctx context.Context, position int) error
	CurrentPosition func() int
}

// FocusingMode drives a discrete parabolic V-curve autofocus run, then
// resumes whatever mode was active when it started.
type FocusingMode struct {
	Base

	Device    string
	Focuser   FocuserOps
	Frame     config.FrameOptions
	CamCtrl   config.CamCtrlOptions
	Quality   config.QualityOptions
	StepSize  int
	NumSteps  int // symmetric either side of the start position

	after Mode

	center   int
	samples  []focusSample
	widenings int
	stage    focusStage

	emit    func(ev FocusingPublish)
	onError func(error)
}

type focusStage int

const (
	focusStageWalking focusStage = iota
	focusStageConfirming
	focusStageDone
)

// FocusingPublish mirrors core.Event's focusing fields without importing
// the core package (which imports modes), so FocusingMode can publish
// through a plain callback supplied by the core at construction.
type FocusingPublish struct {
	Phase int // 0=StartingTemperature 1=Data 2=Result
	Value float64
}

func NewFocusing(device string, focuser FocuserOps, frame config.FrameOptions, camCtrl config.CamCtrlOptions, quality config.QualityOptions, stepSize, numSteps int, after Mode, emit func(FocusingPublish), onError func(error)) *FocusingMode {
	return &FocusingMode{
		Device: device, Focuser: focuser, Frame: frame, CamCtrl: camCtrl, Quality: quality,
		StepSize: stepSize, NumSteps: numSteps, after: after, emit: emit, onError: onError,
	}
}

func (m *FocusingMode) Type() Type { return Focusing }

func (m *FocusingMode) CamDevice() string { return m.Device }

func (m *FocusingMode) CurExposure() float64 { return m.Frame.Exposure }

func (m *FocusingMode) Progress() *Progress {
	total := 2*m.NumSteps + 2 // walk + confirmation
	return &Progress{Cur: len(m.samples), Total: total}
}

func (m *FocusingMode) Start(ctx context.Context, deps *Deps) error {
	if m.emit != nil {
		m.emit(FocusingPublish{Phase: 0})
	}
	m.center = m.Focuser.CurrentPosition()
	m.stage = focusStageWalking
	return m.moveToNextSample(ctx, deps)
}

func (m *FocusingMode) positions() []int {
	out := make([]int, 0, 2*m.NumSteps+1)
	for i := -m.NumSteps; i <= m.NumSteps; i++ {
		out = append(out, m.center+i*m.StepSize)
	}
	return out
}

// CompleteImgProcessParams fills in the frame options and quality
// thresholds the focusing pipeline needs to compute FWHM/ovality for each
// V-curve sample; focusing never saves raw frames or master files.
func (m *FocusingMode) CompleteImgProcessParams(deps *Deps, cmd *frameproc.CommandData) {
	cmd.Frame = m.Frame
	cmd.Quality = m.Quality
}

func (m *FocusingMode) moveToNextSample(ctx context.Context, deps *Deps) error {
	positions := m.positions()
	if len(m.samples) >= len(positions) {
		return m.fitAndMove(ctx, deps)
	}
	pos := positions[len(m.samples)]
	if err := m.Focuser.MoveAbsolute(ctx, pos); err != nil {
		return fmt.Errorf("focusing: move to %d: %w", pos, err)
	}
	_, err := deps.StartShot(ctx, m.Frame, m.CamCtrl)
	return err
}

func (m *FocusingMode) NotifyFrameProcessingResult(deps *Deps, result any) NotifyResult {
	res, ok := result.(frameproc.Result)
	if !ok || res.Kind != frameproc.ResultLightFrameInfo || res.Light == nil {
		return NotifyResult{Kind: Nothing}
	}

	if m.stage == focusStageConfirming {
		if m.emit != nil {
			m.emit(FocusingPublish{Phase: 2, Value: float64(m.center)})
		}
		m.stage = focusStageDone
		return m.finish(deps)
	}

	if res.Light.OK && res.Light.Ovality <= m.Quality.MaxOvality {
		positions := m.positions()
		pos := positions[len(m.samples)]
		m.samples = append(m.samples, focusSample{position: pos, fwhm: res.Light.FWHM})
		if m.emit != nil {
			m.emit(FocusingPublish{Phase: 1, Value: res.Light.FWHM})
		}
	}

	if err := m.moveToNextSample(context.Background(), deps); err != nil {
		if m.onError != nil {
			m.onError(err)
		}
		return NotifyResult{Kind: Nothing}
	}
	return NotifyResult{Kind: ProgressChanged}
}

func (m *FocusingMode) fitAndMove(ctx context.Context, deps *Deps) error {
	a, b, _, r2 := fitParabola(m.samples)
	if a <= 0 || r2 < focusMinR2 {
		if m.widenings < focusMaxWidenings {
			m.widenings++
			m.NumSteps += 2
			m.samples = nil
			return m.moveToNextSample(ctx, deps)
		}
		return fmt.Errorf("focusing: could not fit a usable V-curve after %d widenings", m.widenings)
	}

	best := -b / (2 * a)
	m.center = int(math.Round(best))
	m.stage = focusStageConfirming
	if err := m.Focuser.MoveAbsolute(ctx, m.center); err != nil {
		return fmt.Errorf("focusing: move to vertex %d: %w", m.center, err)
	}
	_, err := deps.StartShot(ctx, m.Frame, m.CamCtrl)
	return err
}

func (m *FocusingMode) finish(deps *Deps) NotifyResult {
	return NotifyResult{Kind: Finished, Next: m.after}
}

func (m *FocusingMode) TakeNextMode() Mode { return m.after }

func (m *FocusingMode) Abort(deps *Deps) { deps.AbortShot() }

// fitParabola performs an ordinary least-squares fit of y = a*x^2 + b*x + c
// and returns the coefficients plus the fit's R^2.
func fitParabola(samples []focusSample) (a, b, c, r2 float64) {
	n := float64(len(samples))
	if n < focusMinSamples {
		return 0, 0, 0, 0
	}

	var sx, sx2, sx3, sx4, sy, sxy, sx2y float64
	for _, s := range samples {
		x := float64(s.position)
		y := s.fwhm
		x2 := x * x
		sx += x
		sx2 += x2
		sx3 += x2 * x
		sx4 += x2 * x2
		sy += y
		sxy += x * y
		sx2y += x2 * y
	}

	// Solve the 3x3 normal-equations system via Cramer's rule.
	m := [3][4]float64{
		{sx4, sx3, sx2, sx2y},
		{sx3, sx2, sx, sxy},
		{sx2, sx, n, sy},
	}
	det := det3(m[0][0], m[0][1], m[0][2], m[1][0], m[1][1], m[1][2], m[2][0], m[2][1], m[2][2])
	if det == 0 {
		return 0, 0, 0, 0
	}
	a = det3(m[0][3], m[0][1], m[0][2], m[1][3], m[1][1], m[1][2], m[2][3], m[2][1], m[2][2]) / det
	b = det3(m[0][0], m[0][3], m[0][2], m[1][0], m[1][3], m[1][2], m[2][0], m[2][3], m[2][2]) / det
	c = det3(m[0][0], m[0][1], m[0][3], m[1][0], m[1][1], m[1][3], m[2][0], m[2][1], m[2][3]) / det

	var meanY, ssTot, ssRes float64
	meanY = sy / n
	for _, s := range samples {
		x := float64(s.position)
		pred := a*x*x + b*x + c
		ssRes += (s.fwhm - pred) * (s.fwhm - pred)
		ssTot += (s.fwhm - meanY) * (s.fwhm - meanY)
	}
	if ssTot == 0 {
		r2 = 1
	} else {
		r2 = 1 - ssRes/ssTot
	}
	return a, b, c, r2
}

func det3(a1, a2, a3, b1, b2, b3, c1, c2, c3 float64) float64 {
	return a1*(b2*c3-b3*c2) - a2*(b1*c3-b3*c1) + a3*(b1*c2-b2*c1)
}
