package core

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"astrocore/internal/core/frameproc"
	"astrocore/internal/core/modes"
	"astrocore/internal/devproto"
	"astrocore/internal/sessionstore"
)

const watchdogStuckTicks = 30

// timerNotifiable is implemented by modes that need to know about the 1 Hz
// tick (InternalMountCorrection's post-pulse settle wait); asserted rather
// than added to the Mode interface, since only one mode cares.
type timerNotifiable interface {
	NotifyTimer1s(deps *modes.Deps) modes.NotifyResult
}

// pumpDeviceEvents is the sole reader of the device-protocol subscription.
// It never holds data.mu while calling into devproto or the frame worker;
// it takes the lock only around the mode call itself, per the core's
// concurrency rule.
func (c *Core) pumpDeviceEvents(events <-chan devproto.Event) {
	for ev := range events {
		switch ev.Kind {
		case devproto.PropChange:
			c.handlePropChange(ev)
		case devproto.BlobStart:
			c.handleBlobStart(ev)
		case devproto.DeviceDelete, devproto.ConnChange:
			if !ev.Connected {
				c.processError("device disconnected", errDeviceLost(ev.Device))
			}
		}
	}
}

func errDeviceLost(device string) error {
	return &deviceLostError{device: device}
}

type deviceLostError struct{ device string }

func (e *deviceLostError) Error() string { return "device connection lost: " + e.device }

func (c *Core) handlePropChange(ev devproto.Event) {
	if ev.Device == c.device && ev.Prop == "CCD_EXPOSURE" {
		if v, err := strconv.ParseFloat(ev.Value, 64); err == nil {
			c.lastExposure.Store(v)
		}
		c.lastState.Store(ev.State)
	}
	if ev.Device == c.focuserDevice && ev.Prop == "ABS_FOCUS_POSITION" {
		if v, err := strconv.ParseFloat(ev.Value, 64); err == nil {
			c.focuserPos.Store(int64(v))
		}
	}

	c.data.mu.Lock()
	cur := c.data.mode
	res := cur.NotifyDevicePropChange(c.deps(), ev.Device, ev.Prop, ev.Element, ev.Value)
	c.applyResult(cur, res)
	c.data.mu.Unlock()
}

// handleBlobStart is the "blob arrival" stimulus: it locates the blob's
// owning mode via cam_device, lets the mode react (NotifyBlobStart), then
// downloads the blob and hands a freshly built CommandData to
// submitFrameResult, which applies the before-processing veto and enqueues
// it on the frame worker.
func (c *Core) handleBlobStart(ev devproto.Event) {
	c.data.mu.Lock()
	cur := c.data.mode
	if cur.CamDevice() != ev.Device {
		c.data.mu.Unlock()
		return
	}
	res := cur.NotifyBlobStart(c.deps(), ev.Device, ev.Prop)
	c.applyResult(cur, res)
	cur = c.data.mode
	c.data.mu.Unlock()

	blob, ext, err := c.dev.FetchBlob(ev.Device, ev.Prop)
	if err != nil {
		c.log.Error("fetch blob failed", "error", err.Error())
		return
	}
	cmd := c.buildCommandData(cur, blob, ext)
	c.submitFrameResult(*cmd)
}

// submitFrameResult builds on the CommandData handleBlobStart assembled: it
// gives the mode a last veto (notify_before_frame_processing_start), clears
// the per-command stop flag, and hands the command to the frame-processing
// worker, wiring the result callback back into the mode dispatch loop.
func (c *Core) submitFrameResult(cmd frameproc.CommandData) {
	c.data.mu.Lock()
	cur := c.data.mode
	veto := cur.NotifyBeforeFrameProcessingStart(c.deps())
	c.data.mu.Unlock()
	if veto {
		return
	}

	shotToIgnore := c.shotIDToIgnore.Load()
	var lastLight *frameproc.LightFrameInfo
	c.worker.Submit(cmd, func(res frameproc.Result) {
		if res.ShotID == shotToIgnore || cmd.Stop.Stopped() {
			return
		}
		if res.Kind == frameproc.ResultLightFrameInfo {
			lastLight = res.Light
		}

		c.data.mu.Lock()
		defer c.data.mu.Unlock()
		cur := c.data.mode
		if cur.CamDevice() != "" && cur.CamDevice() != res.Device {
			return
		}

		if res.Kind == frameproc.ResultShotFinished && c.store != nil {
			rec := sessionstore.ShotRecord{
				ID:        strconv.FormatUint(res.ShotID, 10),
				SessionID: c.device,
				FrameType: cmd.Frame.FrameType.String(),
				Exposure:  cmd.Frame.Exposure,
			}
			if lastLight != nil {
				rec.Stars = len(lastLight.Stars)
				rec.HFD = lastLight.HFD
				rec.Ovality = lastLight.Ovality
			}
			_ = c.store.RecordShot(rec)
		}

		nr := cur.NotifyFrameProcessingResult(c.deps(), res)
		c.applyResult(cur, nr)
	})
}

// applyResult interprets a NotifyResult returned by a mode call, performing
// the mode swap itself when the result names one. Must be called with
// data.mu held for writing.
func (c *Core) applyResult(cur modes.Mode, res modes.NotifyResult) {
	switch res.Kind {
	case modes.Nothing:
		return
	case modes.ProgressChanged:
		c.publish(Event{Kind: EventProgress, ModeType: cur.Type(), Progress: cur.Progress()})
	case modes.ModeChanged:
		c.data.mode = res.Next
		c.publish(Event{Kind: EventModeChanged, ModeType: res.Next.Type()})
	case modes.Finished:
		c.data.finished = cur
		next := res.Next
		if next == nil {
			next = modes.NewWaiting()
		}
		c.data.mode = next
		c.publish(Event{Kind: EventModeChanged, ModeType: next.Type()})
		// Per the ordering guarantee, continue_work on the incoming mode
		// runs before any further event is routed to it.
		if err := next.ContinueWork(c.deps()); err != nil {
			c.log.Error("continue work failed", "mode", next.Type(), "error", err.Error())
			c.data.mode = modes.NewWaiting()
			c.publish(Event{Kind: EventModeChanged, ModeType: modes.Waiting})
		}
	case modes.StartFocusing:
		tp, ok := cur.(*modes.TakingPicturesMode)
		if !ok || c.focuserDevice == "" {
			c.publish(Event{Kind: EventError, Message: "focusing requested with no focuser attached"})
			return
		}
		snap := c.opts.Snapshot()
		fm := modes.NewFocusing(c.focuserDevice, c.focuserOps(), tp.Frame, tp.CamCtrl, snap.Quality, snap.Focus.StepSize, snap.Focus.NumSteps, tp,
			func(ev modes.FocusingPublish) {
				c.publish(Event{Kind: EventFocusing, FocusingPhase: FocusingPhase(ev.Phase), FocusingValue: ev.Value})
			},
			func(err error) { c.processErrorLocked("focusing", err) },
		)
		c.data.mode = fm
		c.publish(Event{Kind: EventModeChanged, ModeType: modes.Focusing})
		if err := fm.Start(context.Background(), c.deps()); err != nil {
			c.log.Error("focusing start failed", "error", err.Error())
			c.data.mode = modes.NewWaiting()
			c.publish(Event{Kind: EventModeChanged, ModeType: modes.Waiting})
		}
	case modes.StartMountCalibration:
		tp, ok := cur.(*modes.TakingPicturesMode)
		if !ok || c.mountDevice == "" {
			c.publish(Event{Kind: EventError, Message: "mount calibration requested with no mount attached"})
			return
		}
		mc := modes.NewMountCalibr(c.mountDevice, c.mountPulser(), tp.Frame, tp.CamCtrl, tp,
			func(result modes.MountCalibrResult) { tp.NotifyCalibration(result) },
			func(err error) { c.processErrorLocked("mount calibration", err) },
		)
		c.data.mode = mc
		c.publish(Event{Kind: EventModeChanged, ModeType: modes.MountCalibration})
		if err := mc.Start(context.Background(), c.deps()); err != nil {
			c.log.Error("mount calibration start failed", "error", err.Error())
			c.data.mode = modes.NewWaiting()
			c.publish(Event{Kind: EventModeChanged, ModeType: modes.Waiting})
		}
	}
}

// processErrorLocked is processError's counterpart for callbacks invoked
// while data.mu is already held (the onError hooks modes call synchronously
// from inside NotifyFrameProcessingResult): it cannot call AbortActiveMode,
// which takes the same lock, so it aborts the active mode directly.
func (c *Core) processErrorLocked(context string, err error) {
	msg := fmt.Sprintf("%s: %v", context, err)
	c.log.Error("core event error", "context", context, "error", err.Error())
	c.lastErr.Store(msg)
	c.data.mode.Abort(c.deps())
	c.data.mode = modes.NewWaiting()
	c.publish(Event{Kind: EventModeChanged, ModeType: modes.Waiting})
	c.publish(Event{Kind: EventError, Message: msg})
}

// runWatchdog polls the most recently observed exposure property once a
// second. If the camera reports exposure == 0 while its state is Busy for
// watchdogStuckTicks consecutive ticks, the exposure is presumed stuck and
// restarted.
func (c *Core) runWatchdog() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	stop := c.watchdogStop

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.tickWatchdog()
		}
	}
}

func (c *Core) tickWatchdog() {
	exposure, _ := c.lastExposure.Load().(float64)
	state, _ := c.lastState.Load().(devproto.PropState)

	if exposure == 0 && state == devproto.StateBusy {
		if c.stuckCounter.Add(1) >= watchdogStuckTicks {
			c.stuckCounter.Store(0)
			c.restartStuckExposure()
		}
	} else {
		c.stuckCounter.Store(0)
	}

	c.data.mu.RLock()
	cur := c.data.mode
	c.data.mu.RUnlock()
	if tn, ok := cur.(timerNotifiable); ok {
		c.data.mu.Lock()
		res := tn.NotifyTimer1s(c.deps())
		c.applyResult(cur, res)
		c.data.mu.Unlock()
	}
}

func (c *Core) restartStuckExposure() {
	c.log.Warn("exposure watchdog: restarting stuck exposure", "device", c.device)
	c.data.mu.RLock()
	cur := c.data.mode
	exposure := cur.CurExposure()
	c.data.mu.RUnlock()
	if exposure <= 0 || c.dev == nil {
		return
	}
	if err := c.dev.StartExposure(c.device, exposure); err != nil {
		c.log.Error("watchdog restart failed", "error", err.Error())
		return
	}
	c.stuckCounter.Store(0)
}
