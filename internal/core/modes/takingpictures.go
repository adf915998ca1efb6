package modes

import (
	"context"
	"fmt"
	"math"
	"math/rand"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
	"astrocore/internal/core/stars"
	"astrocore/internal/rawio"
)

// CameraMode selects which of the five capture flavours a TakingPictures
// session runs.
type CameraMode int

const (
	CamSingleShot CameraMode = iota
	CamLiveView
	CamSavingRawFrames
	CamLiveStacking
	CamMasterDark
	CamMasterBias
	CamMasterFlat
	CamDefectPixels
)

// subState is the mode's internal state, mirroring spec §4.3.
type subState int

const (
	stateFrameToSkip subState = iota
	stateCommon
	stateCameraOffsetCalc
	stateInternalMountCorrection
	stateExternalDithering
)

const afterMountMoveWaitTicks = 3

// NextJob is what a mid-exposure inspector may schedule; it pre-empts the
// in-flight exposure.
type nextJob int

const (
	jobNone nextJob = iota
	jobMountCalibration
	jobInternalDither
	jobExternalDither
	jobAutofocus
)

// AutofocusPolicy configures the autofocus-trigger inspector.
type AutofocusPolicy struct {
	Enabled          bool
	PeriodMinutes    float64
	MaxTempChange    float64
	OnFWHMChange     bool
	MaxFWHMChangePct float64
}

// TakingPicturesMode drives repeated exposures. Dark-library mode is this
// same type parameterised with CamMasterDark/CamMasterBias/CamDefectPixels
// and a fixed count, per the data model.
type TakingPicturesMode struct {
	Base

	Cam         CameraMode
	Device      string
	Count       int // 0 = unbounded (LiveView)
	Frame       config.FrameOptions
	CamCtrl     config.CamCtrlOptions
	Guiding     config.GuidingOptions
	Autofocus   AutofocusPolicy
	DarkLibRoot string // master-file root dir; empty uses the options default

	state              subState
	curShotID          uint64
	shotIDToIgnore     uint64
	progressCur        int
	firstFrameDone     bool
	slowDown           bool
	fastToggle         bool
	vetoNextProcessing bool

	pendingJob               nextJob
	pendingRAMs, pendingDecMs float64
	mountTicks               int
	exposureAccum            float64

	fwhmHistory []float64
	minFWHM     float64

	calibr      MountCalibrResult
	calibrKnown bool

	refStars                     []stars.Star
	lastOffsetX, lastOffsetY     float64
	ditherTargetX, ditherTargetY float64

	sessionDir string
	counter    *rawio.Counter
	accumulate *frameproc.Accumulator
	liveStack  *frameproc.LiveStackState

	onFinished func()
}

// MountCalibrResult is delivered by MountCalibr through its deliver
// callback, which the core routes to NotifyCalibration.
type MountCalibrResult struct {
	// RAtoPixel/DecToPixel form the 2x2 linear map from RA/Dec pulse
	// duration to star-motion pixels.
	RAtoPixelX, RAtoPixelY   float64
	DecToPixelX, DecToPixelY float64
	Reversed                 bool
}

func NewTakingPictures(cam CameraMode, device string, count int, frame config.FrameOptions, camCtrl config.CamCtrlOptions, guiding config.GuidingOptions) *TakingPicturesMode {
	return &TakingPicturesMode{
		Cam: cam, Device: device, Count: count, Frame: frame, CamCtrl: camCtrl, Guiding: guiding,
		state: stateFrameToSkip,
	}
}

func (m *TakingPicturesMode) Type() Type {
	switch m.Cam {
	case CamLiveView:
		return LiveView
	case CamSavingRawFrames:
		return SavingRawFrames
	case CamLiveStacking:
		return LiveStacking
	case CamMasterDark, CamMasterBias, CamMasterFlat, CamDefectPixels:
		return DarkLibrary
	default:
		return SingleShot
	}
}

func (m *TakingPicturesMode) CamDevice() string { return m.Device }

func (m *TakingPicturesMode) ProgressString() string {
	if m.Count <= 0 {
		return fmt.Sprintf("%s: frame %d", m.Type(), m.progressCur+1)
	}
	return fmt.Sprintf("%s: frame %d/%d", m.Type(), m.progressCur+1, m.Count)
}

func (m *TakingPicturesMode) Progress() *Progress {
	if m.Count <= 0 {
		return nil
	}
	return &Progress{Cur: m.progressCur, Total: m.Count}
}

func (m *TakingPicturesMode) CurExposure() float64 { return m.Frame.Exposure }

func (m *TakingPicturesMode) CanBeContinuedAfterStop() bool {
	return m.Cam == CamLiveStacking
}

func (m *TakingPicturesMode) Start(ctx context.Context, deps *Deps) error {
	if m.Frame.Exposure <= 0 {
		return fmt.Errorf("takingpictures: exposure must be > 0")
	}
	m.state = stateFrameToSkip
	m.firstFrameDone = false
	return m.takeNextShot(ctx, deps)
}

func (m *TakingPicturesMode) ContinueWork(deps *Deps) error {
	// A resumed session re-enters steady state; any cached "skip first
	// frame" bookkeeping is irrelevant once already running.
	m.state = stateCommon
	ctx := context.Background()
	return m.takeNextShot(ctx, deps)
}

func (m *TakingPicturesMode) Abort(deps *Deps) {
	deps.AbortShot()
}

func (m *TakingPicturesMode) SetOrCorrectValue(opts *config.Options) {
	// Receives MountCalibrResult indirectly through notifyCalibration below;
	// kept here to satisfy the Mode interface's generic hook for options
	// corrections (e.g. clamping gain to the device-advertised range).
}

// NotifyCalibration is the concrete hand-off point MountCalibr's
// set_or_correct_value uses; exported because the generic interface method
// only takes *config.Options.
func (m *TakingPicturesMode) NotifyCalibration(res MountCalibrResult) {
	m.calibr = res
	m.calibrKnown = true
}

func (m *TakingPicturesMode) exposureToTake() float64 {
	if m.state == stateFrameToSkip && m.writesFrames() {
		if m.Frame.Exposure > 1.0 {
			return 1.0
		}
	}
	return m.Frame.Exposure
}

func (m *TakingPicturesMode) takeNextShot(ctx context.Context, deps *Deps) error {
	frame := m.Frame
	frame.Exposure = m.exposureToTake()
	id, err := deps.StartShot(ctx, frame, m.CamCtrl)
	if err != nil {
		return err
	}
	var shotID uint64
	fmt.Sscanf(id, "%d", &shotID)
	m.curShotID = shotID
	return nil
}

// writesFrames reports whether the very first frame of the session must be
// discarded and excluded from processing (camera warm-up/residual image
// effects); SingleShot and LiveView have nothing to accumulate so they skip
// straight to steady state.
func (m *TakingPicturesMode) writesFrames() bool {
	switch m.Cam {
	case CamSingleShot, CamLiveView:
		return false
	default:
		return true
	}
}

// NotifyBlobStart implements the "veto the first frame" rule: the first
// frame of any mode that writes frames out is discarded (warm-up/residual
// image effects).
func (m *TakingPicturesMode) NotifyBlobStart(deps *Deps, device, prop string) NotifyResult {
	if device != m.Device {
		return NotifyResult{Kind: Nothing}
	}
	if m.state == stateFrameToSkip && !m.firstFrameDone {
		m.firstFrameDone = true
		m.state = stateCommon
		if m.writesFrames() {
			m.vetoNextProcessing = true
			_ = m.takeNextShot(context.Background(), deps)
		}
		return NotifyResult{Kind: Nothing}
	}

	// Optimisation: start the next exposure immediately when the current
	// exposure is long and we are not throttled, so the next frame is
	// already integrating while this one is processed.
	if m.Frame.Exposure >= 3.0 && !m.slowDown && m.Cam != CamSingleShot {
		_ = m.takeNextShot(context.Background(), deps)
	}
	return NotifyResult{Kind: Nothing}
}

// NotifyBeforeFrameProcessingStart consumes a veto scheduled by NotifyBlobStart
// for the warm-up frame; it fires at most once per session.
func (m *TakingPicturesMode) NotifyBeforeFrameProcessingStart(deps *Deps) bool {
	if m.vetoNextProcessing {
		m.vetoNextProcessing = false
		return true
	}
	return false
}

// CompleteImgProcessParams fills in everything about the shot only this
// mode knows: the frame options the command should be processed with,
// reference stars for alignment, and (depending on CameraMode) the raw-file
// name, the master-frame accumulator or the live-stack context.
func (m *TakingPicturesMode) CompleteImgProcessParams(deps *Deps, cmd *frameproc.CommandData) {
	cmd.Mode = m.modeTag()
	cmd.Frame = m.Frame
	cmd.RefStars = m.refStars

	switch m.Cam {
	case CamSavingRawFrames:
		if m.sessionDir == "" {
			root := deps.Options.Snapshot().Paths.SessionRoot
			if dir, err := rawio.NextSessionDir(root, m.Device, deps.Now()); err == nil {
				m.sessionDir = dir
			}
		}
		if m.sessionDir != "" {
			if m.counter == nil {
				m.counter = &rawio.Counter{}
			}
			ext := cmd.Blob.Ext
			if ext == "" {
				ext = ".raw"
			}
			cmd.SessionDir = m.sessionDir
			cmd.FileName = m.counter.Next(m.Frame.FrameType.String(), ext)
		}

	case CamLiveStacking:
		if m.liveStack == nil {
			m.liveStack = frameproc.NewLiveStackState(cmd.Blob.Width, cmd.Blob.Height)
		}
		cmd.LiveStack = m.liveStack

	case CamMasterDark, CamMasterBias, CamMasterFlat, CamDefectPixels:
		if m.accumulate == nil {
			m.accumulate = frameproc.NewAccumulator(cmd.Blob.Width, cmd.Blob.Height)
		}
		cmd.Accumulate = m.accumulate
		root := m.DarkLibRoot
		if root == "" {
			root = deps.Options.Snapshot().Paths.DarkLibrary
		}
		cmd.MasterWrite = &frameproc.MasterWriteSpec{
			RootDir:     root,
			TargetCount: m.Count,
			Meta: rawio.MasterMeta{
				Camera:   m.Device,
				Kind:     masterKindFor(m.Cam),
				Exposure: m.Frame.Exposure,
				Gain:     m.CamCtrl.Gain,
				Offset:   m.CamCtrl.Offset,
				BinX:     m.Frame.Binning.X,
				BinY:     m.Frame.Binning.Y,
			},
			DefectMap: m.Cam == CamDefectPixels,
		}
	}
}

func (m *TakingPicturesMode) modeTag() frameproc.ModeTag {
	switch m.Cam {
	case CamLiveView:
		return frameproc.ModeLiveView
	case CamSavingRawFrames:
		return frameproc.ModeSavingRaw
	case CamLiveStacking:
		return frameproc.ModeLiveStacking
	case CamMasterDark:
		return frameproc.ModeMasterDark
	case CamMasterBias:
		return frameproc.ModeMasterBias
	case CamMasterFlat:
		return frameproc.ModeMasterFlat
	case CamDefectPixels:
		return frameproc.ModeDefectPixels
	default:
		return frameproc.ModeSingleShot
	}
}

func masterKindFor(cam CameraMode) rawio.MasterKind {
	switch cam {
	case CamMasterBias:
		return rawio.MasterBias
	case CamMasterFlat:
		return rawio.MasterFlat
	default: // CamMasterDark and CamDefectPixels both combine as a master dark
		return rawio.MasterDark
	}
}

// SetSlowDown is the queue-overflow signal's landing point: the dispatcher
// calls it through a narrow interface assertion so the "start next exposure
// at blob arrival" optimisation is disabled for exactly the following frame.
func (m *TakingPicturesMode) SetSlowDown() { m.slowDown = true }

func (m *TakingPicturesMode) NotifyFrameProcessingResult(deps *Deps, result any) NotifyResult {
	// The dispatcher only forwards results whose shot-id does not match
	// shot_id_to_ignore, so any result reaching here belongs to the
	// current exposure.
	res, ok := result.(frameproc.Result)
	if ok && res.Kind == frameproc.ResultLightFrameInfo && res.Light != nil {
		m.fwhmHistory = append(m.fwhmHistory, res.Light.FWHM)
		if m.minFWHM == 0 || res.Light.FWHM < m.minFWHM {
			m.minFWHM = res.Light.FWHM
		}
		m.lastOffsetX, m.lastOffsetY = res.Light.StarOffsetX, res.Light.StarOffsetY
		if len(m.refStars) == 0 && res.Light.OK {
			m.refStars = res.Light.Stars
		}
	}
	if !ok || res.Kind != frameproc.ResultShotFinished {
		return NotifyResult{Kind: Nothing}
	}

	m.progressCur++

	if _, ok := inspectAutofocusTrigger(m); ok {
		m.pendingJob = jobAutofocus
	}
	if job, ok := inspectGuidingByMainCamera(m); ok {
		m.pendingJob = job
	}
	if job, ok := inspectExternalGuiderDither(m); ok {
		m.pendingJob = job
	}

	if m.Count > 0 && m.progressCur >= m.Count {
		if m.onFinished != nil {
			m.onFinished()
		}
		return NotifyResult{Kind: Finished, Next: nil}
	}

	switch m.pendingJob {
	case jobMountCalibration:
		m.pendingJob = jobNone
		return NotifyResult{Kind: StartMountCalibration}
	case jobAutofocus:
		m.pendingJob = jobNone
		return NotifyResult{Kind: StartFocusing}
	case jobInternalDither:
		m.pendingJob = jobNone
		m.state = stateInternalMountCorrection
		m.mountTicks = 0
		deps.AbortShot()
		m.issueGuidePulse(deps)
		return NotifyResult{Kind: ProgressChanged}
	case jobExternalDither:
		m.pendingJob = jobNone
		m.state = stateExternalDithering
		deps.AbortShot()
		return NotifyResult{Kind: ProgressChanged}
	}

	if m.Frame.Exposure < 3.0 || m.slowDown || m.Cam == CamSingleShot {
		_ = m.takeNextShot(context.Background(), deps)
	}
	m.slowDown = false
	return NotifyResult{Kind: ProgressChanged}
}

func (m *TakingPicturesMode) NotifyGuiderEvent(deps *Deps, finished bool, err error) NotifyResult {
	if m.state != stateExternalDithering {
		return NotifyResult{Kind: Nothing}
	}
	// Errors are treated as "finished anyway" and logged by the caller.
	m.state = stateCommon
	_ = m.takeNextShot(context.Background(), deps)
	return NotifyResult{Kind: ProgressChanged}
}

// NotifyTimer1s advances InternalMountCorrection's settle countdown.
func (m *TakingPicturesMode) NotifyTimer1s(deps *Deps) NotifyResult {
	if m.state != stateInternalMountCorrection {
		return NotifyResult{Kind: Nothing}
	}
	m.mountTicks++
	if m.mountTicks >= afterMountMoveWaitTicks {
		m.state = stateCommon
		_ = m.takeNextShot(context.Background(), deps)
		return NotifyResult{Kind: ProgressChanged}
	}
	return NotifyResult{Kind: Nothing}
}

func (m *TakingPicturesMode) TakeNextMode() Mode { return nil }

func inspectAutofocusTrigger(m *TakingPicturesMode) (float64, bool) {
	if !m.Autofocus.Enabled {
		return 0, false
	}
	if m.Autofocus.PeriodMinutes > 0 && m.exposureAccum >= m.Autofocus.PeriodMinutes*60 {
		m.exposureAccum = 0
		return 0, true
	}
	if m.Autofocus.OnFWHMChange && len(m.fwhmHistory) > 0 {
		last := m.fwhmHistory[len(m.fwhmHistory)-1]
		if m.minFWHM > 0 && (last-m.minFWHM)/m.minFWHM*100 >= m.Autofocus.MaxFWHMChangePct {
			return last, true
		}
	}
	return 0, false
}

func inspectGuidingByMainCamera(m *TakingPicturesMode) (nextJob, bool) {
	if m.Guiding.Mode != config.GuidingMainCamera {
		return jobNone, false
	}
	if !m.calibrKnown {
		return jobMountCalibration, true
	}

	// Effective error excludes whatever dithering offset is currently in
	// effect, so an intentional dither target is never mistaken for drift.
	effX := m.lastOffsetX - m.ditherTargetX
	effY := m.lastOffsetY - m.ditherTargetY
	if mag := math.Hypot(effX, effY); m.Guiding.MaxErrorPx > 0 && mag > m.Guiding.MaxErrorPx {
		damp := 1.0
		if mag < 2*m.Guiding.MaxErrorPx {
			damp = 0.5
		}
		if raMs, decMs, ok := m.calibr.solvePulse(-effX*damp, -effY*damp); ok {
			m.pendingRAMs, m.pendingDecMs = raMs, decMs
			return jobInternalDither, true
		}
	}

	if m.Guiding.DitherPeriodExps > 0 {
		m.exposureAccum += m.Frame.Exposure
		period := float64(m.Guiding.DitherPeriodExps) * 60
		if m.exposureAccum >= period {
			m.exposureAccum = 0
			dx, dy := randomDitherOffset(m.Guiding.DitherDist)
			m.ditherTargetX, m.ditherTargetY = dx, dy
			if raMs, decMs, ok := m.calibr.solvePulse(dx-m.lastOffsetX, dy-m.lastOffsetY); ok {
				m.pendingRAMs, m.pendingDecMs = raMs, decMs
				return jobInternalDither, true
			}
		}
	}
	return jobNone, false
}

// issueGuidePulse sends the RA/Dec guide pulses inspectGuidingByMainCamera
// computed, then clears them; a nil Mount (no mount attached) is a no-op.
func (m *TakingPicturesMode) issueGuidePulse(deps *Deps) {
	raMs, decMs := m.pendingRAMs, m.pendingDecMs
	m.pendingRAMs, m.pendingDecMs = 0, 0
	if deps.Mount == nil {
		return
	}
	ctx := context.Background()
	switch {
	case raMs > 0:
		_ = deps.Mount.PulseRAPlus(ctx, int(raMs))
	case raMs < 0:
		_ = deps.Mount.PulseRAMinus(ctx, int(-raMs))
	}
	switch {
	case decMs > 0:
		_ = deps.Mount.PulseDecPlus(ctx, int(decMs))
	case decMs < 0:
		_ = deps.Mount.PulseDecMinus(ctx, int(-decMs))
	}
}

func inspectExternalGuiderDither(m *TakingPicturesMode) (nextJob, bool) {
	if m.Guiding.Mode != config.GuidingExternal {
		return jobNone, false
	}
	m.exposureAccum += m.Frame.Exposure
	period := float64(m.Guiding.DitherPeriodExps) * 60
	if period > 0 && m.exposureAccum >= period {
		m.exposureAccum = 0
		return jobExternalDither, true
	}
	return jobNone, false
}

// randomDitherOffset draws a uniform (dx, dy) within +/- dist/2, used by
// the periodic internal-dithering inspector.
func randomDitherOffset(dist float64) (dx, dy float64) {
	dx = (rand.Float64() - 0.5) * dist
	dy = (rand.Float64() - 0.5) * dist
	return
}
