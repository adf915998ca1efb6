package modes

import (
	"context"
	"fmt"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
)

// DarkLibraryMode iterates a program of MasterFileCreationProgramItem
// entries, running one TakingPictures session per item in the matching
// Master* CameraMode. It is a driver over TakingPicturesMode rather than a
// reimplementation of the capture loop, per the data model's note that
// dark-library creation is "parameterised TakingPictures".
type DarkLibraryMode struct {
	Base

	Device  string
	Program config.DarkLibraryProgram
	Kind    CameraMode // CamMasterDark, CamMasterBias or CamDefectPixels
	CamCtrl config.CamCtrlOptions
	SetCooler func(ctx context.Context, celsius float64) error

	onItemDone func(itemIndex int, item config.MasterFileCreationProgramItem)
	onSaved    func(kind, path string)

	itemIdx int
	inner   *TakingPicturesMode
	totalProgress int
	doneProgress  int
}

func NewDarkLibrary(device string, program config.DarkLibraryProgram, kind CameraMode, camCtrl config.CamCtrlOptions, setCooler func(context.Context, float64) error, onItemDone func(int, config.MasterFileCreationProgramItem), onSaved func(string, string)) *DarkLibraryMode {
	total := 0
	for _, it := range program.Items {
		total += it.Count
	}
	return &DarkLibraryMode{
		Device: device, Program: program, Kind: kind, CamCtrl: camCtrl, SetCooler: setCooler,
		onItemDone: onItemDone, onSaved: onSaved, totalProgress: total,
	}
}

func (m *DarkLibraryMode) Type() Type { return DarkLibrary }

func (m *DarkLibraryMode) CamDevice() string { return m.Device }

func (m *DarkLibraryMode) Progress() *Progress {
	return &Progress{Cur: m.doneProgress, Total: m.totalProgress}
}

func (m *DarkLibraryMode) CurExposure() float64 {
	if m.inner != nil {
		return m.inner.CurExposure()
	}
	return 0
}

func (m *DarkLibraryMode) Start(ctx context.Context, deps *Deps) error {
	if len(m.Program.Items) == 0 {
		return fmt.Errorf("darklibrary: program has no items")
	}
	m.itemIdx = 0
	return m.startItem(ctx, deps)
}

func (m *DarkLibraryMode) startItem(ctx context.Context, deps *Deps) error {
	item := m.Program.Items[m.itemIdx]
	if item.Temperature != 0 && m.SetCooler != nil {
		if err := m.SetCooler(ctx, item.Temperature); err != nil {
			return fmt.Errorf("darklibrary: set cooler: %w", err)
		}
	}
	frame := config.FrameOptions{
		FrameType: itemFrameType(m.Kind),
		Exposure:  item.Exposure,
		Binning:   item.Binning,
		Crop:      item.Crop,
	}
	camCtrl := m.CamCtrl
	camCtrl.Gain = item.Gain
	camCtrl.Offset = item.Offset

	m.inner = NewTakingPictures(m.Kind, m.Device, item.Count, frame, camCtrl, config.GuidingOptions{})
	m.inner.DarkLibRoot = m.Program.RootDir
	return m.inner.Start(ctx, deps)
}

// CompleteImgProcessParams delegates to the running item's TakingPictures
// session, which is the one that actually knows the accumulator/master-write
// spec for the current program item.
func (m *DarkLibraryMode) CompleteImgProcessParams(deps *Deps, cmd *frameproc.CommandData) {
	if m.inner == nil {
		return
	}
	m.inner.CompleteImgProcessParams(deps, cmd)
}

// NotifyBeforeFrameProcessingStart delegates the warm-up-frame veto to the
// running item's TakingPictures session.
func (m *DarkLibraryMode) NotifyBeforeFrameProcessingStart(deps *Deps) bool {
	if m.inner == nil {
		return false
	}
	return m.inner.NotifyBeforeFrameProcessingStart(deps)
}

// SetSlowDown routes the queue-overflow throttle to the running item's
// TakingPictures session.
func (m *DarkLibraryMode) SetSlowDown() {
	if m.inner != nil {
		m.inner.SetSlowDown()
	}
}

func itemFrameType(kind CameraMode) config.FrameType {
	switch kind {
	case CamMasterBias:
		return config.FrameBias
	default:
		return config.FrameDark
	}
}

func (m *DarkLibraryMode) NotifyBlobStart(deps *Deps, device, prop string) NotifyResult {
	if m.inner == nil {
		return NotifyResult{Kind: Nothing}
	}
	return m.inner.NotifyBlobStart(deps, device, prop)
}

func (m *DarkLibraryMode) NotifyFrameProcessingResult(deps *Deps, result any) NotifyResult {
	if m.inner == nil {
		return NotifyResult{Kind: Nothing}
	}

	if res, ok := result.(frameproc.Result); ok && res.Kind == frameproc.ResultShotFinished {
		m.doneProgress++
	}
	if res, ok := result.(frameproc.Result); ok && res.Kind == frameproc.ResultMasterSaved && m.onSaved != nil {
		m.onSaved(res.SavedKind, res.SavedPath)
	}

	inner := m.inner.NotifyFrameProcessingResult(deps, result)
	if inner.Kind != Finished {
		return NotifyResult{Kind: ProgressChanged}
	}

	item := m.Program.Items[m.itemIdx]
	if m.onItemDone != nil {
		m.onItemDone(m.itemIdx, item)
	}
	m.itemIdx++
	if m.itemIdx >= len(m.Program.Items) {
		return NotifyResult{Kind: Finished}
	}
	if err := m.startItem(context.Background(), deps); err != nil {
		return NotifyResult{Kind: Nothing}
	}
	return NotifyResult{Kind: ProgressChanged}
}

func (m *DarkLibraryMode) Abort(deps *Deps) {
	if m.inner != nil {
		m.inner.Abort(deps)
	}
}

func (m *DarkLibraryMode) TakeNextMode() Mode { return nil }
