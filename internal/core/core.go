// Package core is the acquisition orchestrator: a single Core façade that
// owns the mode state machine, the capture loop's coupling to the
// device-control protocol, the frame-processing pipeline and the
// exposure watchdog. Everything else in the repository reaches it through
// an operation call or observes it through the event bus.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
	"astrocore/internal/core/modes"
	"astrocore/internal/devproto"
	"astrocore/internal/guider"
	"astrocore/internal/rawio"
	"astrocore/internal/sessionstore"
)

// modeData holds the three mode slots under one reader-writer lock, per
// the data model: exactly one is "current"; the others are retained for
// post-run inspection or resumption.
type modeData struct {
	mu       sync.RWMutex
	mode     modes.Mode
	finished modes.Mode
	aborted  modes.Mode
}

// Core is the acquisition orchestrator façade.
type Core struct {
	device string
	dev    *devproto.Client
	opts   *config.Options
	store  *sessionstore.Store
	log    *slog.Logger

	focuserDevice string
	mountDevice   string
	focuserPos    atomic.Int64

	worker *frameproc.Worker

	data modeData

	subMu sync.RWMutex
	subs  []chan Event

	guiderMu sync.RWMutex
	ext      guider.Guider

	shotID         atomic.Uint64
	shotIDToIgnore atomic.Uint64

	watchdogStop chan struct{}
	stuckCounter atomic.Int32
	lastExposure atomic.Value // float64
	lastState    atomic.Value // devproto.PropState
	lastErr      atomic.Value // string

	calibrMu sync.Mutex
	calibr   config.CalibrParams

	liveStack *frameproc.LiveStackState
	refStars  []any // opaque stars.Star carried by the active mode; not read here
}

// New constructs a Core around its collaborators. Construction starts the
// device-event subscription and the 1 Hz exposure-stuck watchdog, then
// initialises the Waiting mode.
func New(device string, dev *devproto.Client, opts *config.Options, store *sessionstore.Store, log *slog.Logger) *Core {
	c := &Core{
		device:       device,
		dev:          dev,
		opts:         opts,
		store:        store,
		log:          log,
		watchdogStop: make(chan struct{}),
	}
	c.data.mode = modes.NewWaiting()
	c.worker = frameproc.NewWorker(c.onQueueOverflow)
	c.lastExposure.Store(float64(0))
	c.lastState.Store(devproto.StateIdle)

	if c.dev != nil {
		go c.pumpDeviceEvents(c.dev.Subscribe())
	}
	go c.runWatchdog()
	return c
}

// Subscribe registers a fan-out receiver for CoreEvents.
func (c *Core) Subscribe() <-chan Event {
	ch := make(chan Event, 256)
	c.subMu.Lock()
	c.subs = append(c.subs, ch)
	c.subMu.Unlock()
	return ch
}

func (c *Core) publish(ev Event) {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, ch := range c.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// CurrentMode returns the active mode's type, safe to call from any
// goroutine.
func (c *Core) CurrentMode() modes.Type {
	c.data.mu.RLock()
	defer c.data.mu.RUnlock()
	return c.data.mode.Type()
}

// Status is a read-only snapshot for external observers (the event server's
// status endpoint); it never locks data.mu for longer than the copy itself.
type Status struct {
	ModeType modes.Type
	Progress *modes.Progress
	LastErr  string
}

// Status returns the current mode, its progress and the most recent error
// surfaced by processError, if any.
func (c *Core) Status() Status {
	c.data.mu.RLock()
	st := Status{ModeType: c.data.mode.Type(), Progress: c.data.mode.Progress()}
	c.data.mu.RUnlock()
	if s, ok := c.lastErr.Load().(string); ok {
		st.LastErr = s
	}
	return st
}

// nextShotID hands out a monotonically increasing shot identifier.
func (c *Core) nextShotID() uint64 { return c.shotID.Add(1) }

func (c *Core) deps() *modes.Deps {
	d := &modes.Deps{
		Device:  c.device,
		Options: c.opts,
		StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
			return c.startCameraExposure(ctx, frame, camCtrl)
		},
		AbortShot: func() { c.abortCameraExposure() },
		Now:       time.Now,
	}
	if c.mountDevice != "" {
		mp := c.mountPulser()
		d.Mount = &mp
	}
	return d
}

// startCameraExposure applies camera options and starts an exposure,
// returning the new shot identifier. Mirrors apply_camera_options_and_take_shot.
func (c *Core) startCameraExposure(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
	if c.dev == nil {
		return "", fmt.Errorf("core: no device connection")
	}
	if err := c.dev.SetBinning(c.device, frame.Binning.X, frame.Binning.Y); err != nil {
		return "", fmt.Errorf("core: set binning: %w", err)
	}
	if err := c.dev.SetCrop(c.device, devproto.CameraCrop{
		Enabled: frame.Crop.Enabled, X: frame.Crop.X, Y: frame.Crop.Y, Width: frame.Crop.Width, Height: frame.Crop.Height,
	}); err != nil {
		return "", fmt.Errorf("core: set crop: %w", err)
	}
	if err := c.dev.SetGain(c.device, camCtrl.Gain); err != nil {
		return "", fmt.Errorf("core: set gain: %w", err)
	}
	if err := c.dev.SetOffset(c.device, camCtrl.Offset); err != nil {
		return "", fmt.Errorf("core: set offset: %w", err)
	}
	if err := c.dev.SetLowNoise(c.device, camCtrl.LowNoise); err != nil {
		return "", fmt.Errorf("core: set low noise: %w", err)
	}
	if err := c.dev.SetCaptureFormatRAW(c.device); err != nil {
		return "", fmt.Errorf("core: set capture format: %w", err)
	}
	if err := c.dev.StartExposure(c.device, frame.Exposure); err != nil {
		return "", fmt.Errorf("core: start exposure: %w", err)
	}
	id := c.nextShotID()
	c.stuckCounter.Store(0)
	return fmt.Sprintf("%d", id), nil
}

func (c *Core) abortCameraExposure() {
	if c.dev == nil {
		return
	}
	if err := c.dev.AbortExposure(c.device); err != nil {
		c.log.Error("abort exposure failed", "error", err.Error())
	}
	c.shotIDToIgnore.Store(c.shotID.Load())
}

// startMode is the shared implementation behind every start_* operation:
// construct, Start(), replace mode_data.mode, clear finished_mode (and
// aborted_mode when the command discards a paused session), then publish
// ModeChanged + Progress.
func (c *Core) startMode(ctx context.Context, m modes.Mode, discardAborted bool) error {
	if err := m.Start(ctx, c.deps()); err != nil {
		return fmt.Errorf("core: start %s: %w", m.Type(), err)
	}

	c.data.mu.Lock()
	c.data.mode = m
	c.data.finished = nil
	if discardAborted {
		c.data.aborted = nil
	}
	c.data.mu.Unlock()

	c.publish(Event{Kind: EventModeChanged, ModeType: m.Type()})
	c.publish(Event{Kind: EventProgress, Progress: m.Progress()})
	return nil
}

// StartSingleShot begins a single exposure with the given frame and camera
// control options.
func (c *Core) StartSingleShot(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) error {
	m := modes.NewTakingPictures(modes.CamSingleShot, c.device, 1, frame, camCtrl, config.GuidingOptions{})
	return c.startMode(ctx, m, true)
}

// StartLiveView begins an unbounded live-view capture loop.
func (c *Core) StartLiveView(ctx context.Context, m modes.Mode) error {
	return c.startMode(ctx, m, true)
}

// StartSavingRawFrames begins saving N raw frames to the session directory.
func (c *Core) StartSavingRawFrames(ctx context.Context, m modes.Mode) error {
	return c.startMode(ctx, m, true)
}

// StartLiveStacking begins a live-stacking session.
func (c *Core) StartLiveStacking(ctx context.Context, m modes.Mode) error {
	return c.startMode(ctx, m, true)
}

// StartFocusing begins an autofocus run.
func (c *Core) StartFocusing(ctx context.Context, m modes.Mode) error {
	return c.startMode(ctx, m, true)
}

// StartMountCalibration begins a mount-calibration run.
func (c *Core) StartMountCalibration(ctx context.Context, m modes.Mode) error {
	return c.startMode(ctx, m, true)
}

// StartCreatingDarkLibrary begins a dark-library build program.
func (c *Core) StartCreatingDarkLibrary(ctx context.Context, m modes.Mode) error {
	return c.startMode(ctx, m, true)
}

// AbortActiveMode aborts the current mode, parking it in aborted_mode if
// it opted in via can_be_continued_after_stop, otherwise discarding it.
// Infallible from the caller's perspective: errors are logged, not
// propagated.
func (c *Core) AbortActiveMode() {
	c.data.mu.Lock()
	cur := c.data.mode
	if cur == nil || cur.Type() == modes.Waiting {
		c.data.mu.Unlock()
		return
	}

	cur.Abort(c.deps())

	var parked modes.Mode
	next := cur
	for next != nil {
		if next.CanBeContinuedAfterStop() {
			parked = next
			break
		}
		next = next.TakeNextMode()
	}

	c.data.aborted = parked
	c.data.mode = modes.NewWaiting()
	c.data.mu.Unlock()

	c.stuckCounter.Store(0)
	c.publish(Event{Kind: EventModeChanged, ModeType: modes.Waiting})
	c.publish(Event{Kind: EventProgress, Progress: nil})
}

// ContinuePreviousMode resumes the parked aborted_mode, if any.
func (c *Core) ContinuePreviousMode() error {
	c.data.mu.Lock()
	parked := c.data.aborted
	if parked == nil {
		c.data.mu.Unlock()
		return fmt.Errorf("core: no aborted mode to continue")
	}
	c.data.aborted = nil
	c.data.mode = parked
	c.data.mu.Unlock()

	if err := parked.ContinueWork(c.deps()); err != nil {
		return fmt.Errorf("core: continue %s: %w", parked.Type(), err)
	}
	c.publish(Event{Kind: EventModeContinued, ModeType: parked.Type()})
	return nil
}

// AttachFocuser records the device name autofocus runs move, so a
// StartFocusing hand-off from TakingPictures knows which focuser to drive.
func (c *Core) AttachFocuser(device string) { c.focuserDevice = device }

// AttachMount records the device name mount calibration pulses, so a
// StartMountCalibration hand-off knows which mount to drive.
func (c *Core) AttachMount(device string) { c.mountDevice = device }

func (c *Core) focuserOps() modes.FocuserOps {
	return modes.FocuserOps{
		MoveAbsolute: func(ctx context.Context, position int) error {
			if c.dev == nil {
				return fmt.Errorf("core: no device connection")
			}
			if err := c.dev.FocuserMoveAbsolute(c.focuserDevice, position); err != nil {
				return err
			}
			return devproto.WaitForIdle(ctx, c.dev.Subscribe(), c.focuserDevice, "ABS_FOCUS_POSITION")
		},
		CurrentPosition: func() int { return int(c.focuserPos.Load()) },
	}
}

func (c *Core) mountPulser() modes.MountPulser {
	snap := c.opts.Snapshot()
	return modes.MountPulser{
		PulseRAPlus:   func(ctx context.Context, ms int) error { return c.dev.MountSlewRelative(c.mountDevice, float64(ms), 0) },
		PulseRAMinus:  func(ctx context.Context, ms int) error { return c.dev.MountSlewRelative(c.mountDevice, -float64(ms), 0) },
		PulseDecPlus:  func(ctx context.Context, ms int) error { return c.dev.MountSlewRelative(c.mountDevice, 0, float64(ms)) },
		PulseDecMinus: func(ctx context.Context, ms int) error { return c.dev.MountSlewRelative(c.mountDevice, 0, -float64(ms)) },
		RAReversed:    snap.Mount.RAReversed,
		DecReversed:   snap.Mount.DecReversed,
	}
}

// CreateExternalGuider attaches an external-guider collaborator.
func (c *Core) CreateExternalGuider(g guider.Guider) {
	c.guiderMu.Lock()
	c.ext = g
	c.guiderMu.Unlock()
}

// DisconnectExternalGuider detaches and disconnects the current guider.
func (c *Core) DisconnectExternalGuider() error {
	c.guiderMu.Lock()
	g := c.ext
	c.ext = nil
	c.guiderMu.Unlock()
	if g == nil {
		return nil
	}
	return g.Disconnect()
}

func (c *Core) onQueueOverflow() {
	c.log.Warn("frame processing queue overflowed")
	c.data.mu.Lock()
	if s, ok := c.data.mode.(interface{ SetSlowDown() }); ok {
		s.SetSlowDown()
	}
	c.data.mu.Unlock()
}

// buildCommandData assembles the parts of a frame-processing command every
// mode shares (device identity, shot id, blob geometry, calibration/preview/
// quality snapshots, the per-command stop flag) and lets the active mode
// fill in the rest via complete_img_process_params.
func (c *Core) buildCommandData(cur modes.Mode, blob []byte, ext string) *frameproc.CommandData {
	snap := c.opts.Snapshot()

	cmd := &frameproc.CommandData{
		Device:  c.device,
		ShotID:  c.shotID.Load(),
		Blob:    frameproc.Blob{Bytes: blob, Ext: ext},
		Stop:    &frameproc.StopFlag{},
		Calibr:  snap.Calibr,
		Preview: snap.Preview,
		Quality: snap.Quality,
	}
	if plane, err := rawio.Decode(blob); err == nil {
		cmd.Blob.Width = plane.Width
		cmd.Blob.Height = plane.Height
		cmd.Blob.BitDepth = plane.BitDepth
		cmd.Blob.IsColor = plane.IsColor
		cmd.Blob.BayerPatt = plane.BayerPattern
	}

	cur.CompleteImgProcessParams(c.deps(), cmd)
	return cmd
}

// processError is the uniform catch-at-the-boundary handler: any failure
// surfaced from an event callback aborts the active mode, publishes an
// Error event, and logs with context, so a misbehaving callback can never
// leave the state machine half-transitioned.
func (c *Core) processError(context string, err error) {
	msg := fmt.Sprintf("%s: %v", context, err)
	c.log.Error("core event error", "context", context, "error", err.Error())
	c.lastErr.Store(msg)
	c.AbortActiveMode()
	c.publish(Event{Kind: EventError, Message: msg})
}

// Close releases the Core's own resources (frame worker, watchdog). It
// does not own the device/guider/store handles, which are shared and
// closed by their constructors' callers.
func (c *Core) Close() {
	c.worker.Stop()
	close(c.watchdogStop)
}
