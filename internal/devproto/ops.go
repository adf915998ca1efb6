package devproto

import (
	"context"
	"fmt"
	"time"
)

// CameraCrop mirrors config.Crop without importing the config package,
// keeping devproto free of a dependency on the options store.
type CameraCrop struct {
	Enabled             bool
	X, Y, Width, Height int
}

// StartExposure begins a camera exposure of the given length in seconds.
func (c *Client) StartExposure(device string, seconds float64) error {
	return c.SetNumber(device, "CCD_EXPOSURE", "CCD_EXPOSURE_VALUE", seconds)
}

// AbortExposure requests the camera stop its current exposure immediately.
func (c *Client) AbortExposure(device string) error {
	return c.SetSwitch(device, "CCD_ABORT_EXPOSURE", "ABORT", true)
}

// SetBinning sets the camera's pixel-binning mode.
func (c *Client) SetBinning(device string, x, y int) error {
	if err := c.SetNumber(device, "CCD_BINNING", "HOR_BIN", float64(x)); err != nil {
		return err
	}
	return c.SetNumber(device, "CCD_BINNING", "VER_BIN", float64(y))
}

// SetCrop sets the camera's sub-frame when crop is enabled. A disabled crop
// sends nothing, so any sub-frame already set on the device stays in effect.
func (c *Client) SetCrop(device string, crop CameraCrop) error {
	if !crop.Enabled {
		return nil
	}
	if err := c.SetNumber(device, "CCD_FRAME", "X", float64(crop.X)); err != nil {
		return err
	}
	if err := c.SetNumber(device, "CCD_FRAME", "Y", float64(crop.Y)); err != nil {
		return err
	}
	if err := c.SetNumber(device, "CCD_FRAME", "WIDTH", float64(crop.Width)); err != nil {
		return err
	}
	return c.SetNumber(device, "CCD_FRAME", "HEIGHT", float64(crop.Height))
}

// SetGain sets the camera's analog/digital gain.
func (c *Client) SetGain(device string, gain int) error {
	return c.SetNumber(device, "CCD_GAIN", "GAIN", float64(gain))
}

// SetOffset sets the camera's black-level offset.
func (c *Client) SetOffset(device string, offset int) error {
	return c.SetNumber(device, "CCD_OFFSET", "OFFSET", float64(offset))
}

// SetLowNoise toggles the camera's low-noise readout mode, where supported.
func (c *Client) SetLowNoise(device string, on bool) error {
	return c.SetSwitch(device, "CCD_LOW_NOISE", "ENABLE", on)
}

// SetCaptureFormatRAW selects uncompressed sensor-native capture.
func (c *Client) SetCaptureFormatRAW(device string) error {
	return c.SetSwitch(device, "CCD_CAPTURE_FORMAT", "RAW", true)
}

// SetCoolerTarget enables the camera's TEC cooler and sets its target
// temperature in Celsius.
func (c *Client) SetCoolerTarget(device string, celsius float64) error {
	if err := c.SetSwitch(device, "CCD_COOLER", "COOLER_ON", true); err != nil {
		return err
	}
	return c.SetNumber(device, "CCD_TEMPERATURE", "CCD_TEMPERATURE_VALUE", celsius)
}

// FocuserMoveAbsolute commands the focuser to an absolute step position.
func (c *Client) FocuserMoveAbsolute(device string, position int) error {
	return c.SetNumber(device, "ABS_FOCUS_POSITION", "FOCUS_ABSOLUTE_POSITION", float64(position))
}

// MountSlewRelative nudges the mount by a small RA/Dec offset, used by
// internal (main-camera) dithering and mount calibration.
func (c *Client) MountSlewRelative(device string, dRA, dDec float64) error {
	if err := c.SetNumber(device, "TELESCOPE_TIMED_GUIDE_NS", "TIMED_GUIDE_N", dDec); err != nil {
		return err
	}
	return c.SetNumber(device, "TELESCOPE_TIMED_GUIDE_WE", "TIMED_GUIDE_W", dRA)
}

// WaitForIdle blocks until the named property vector leaves the Busy state
// or ctx is done, draining the client's own event channel. Used by the
// synchronous "set and wait" operations the mode machine needs (e.g.
// waiting for a focuser move, or a calibration slew, to complete before
// advancing to the next sub-state).
func WaitForIdle(ctx context.Context, events <-chan Event, device, prop string) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return fmt.Errorf("devproto: event channel closed waiting for %s/%s", device, prop)
			}
			if ev.Kind != PropChange || ev.Device != device || ev.Prop != prop {
				continue
			}
			if ev.State != StateBusy {
				return nil
			}
		case <-time.After(30 * time.Second):
			return fmt.Errorf("devproto: timed out waiting for %s/%s", device, prop)
		}
	}
}
