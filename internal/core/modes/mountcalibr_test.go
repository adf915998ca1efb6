package modes

import (
	"context"
	"testing"
	"time"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
	"astrocore/internal/core/stars"
)

func TestDisplacementComputesEuclideanDistance(t *testing.T) {
	if got := displacement(0, 0, 3, 4); got != 5 {
		t.Fatalf("displacement() = %v, want 5", got)
	}
}

func TestComputeCalibrationMapDividesByPulseDuration(t *testing.T) {
	res := computeCalibrationMap(0, 0, 20, 0, 0, 20, 2000, false, false)
	if res.RAtoPixelX != 0.01 {
		t.Fatalf("RAtoPixelX = %v, want 0.01 (20px / 2000ms)", res.RAtoPixelX)
	}
	if res.DecToPixelY != 0.01 {
		t.Fatalf("DecToPixelY = %v, want 0.01", res.DecToPixelY)
	}
	if res.Reversed {
		t.Fatal("expected Reversed=false with no reversal flags set")
	}
}

func TestComputeCalibrationMapHonorsReversalFlags(t *testing.T) {
	res := computeCalibrationMap(0, 0, 20, 0, 0, 20, 2000, true, false)
	if res.RAtoPixelX != -0.01 {
		t.Fatalf("RAtoPixelX = %v, want -0.01 with RA reversed", res.RAtoPixelX)
	}
	if !res.Reversed {
		t.Fatal("expected Reversed=true when RA is reversed")
	}
}

func mountPulserStub() MountPulser {
	return MountPulser{
		PulseRAPlus:   func(ctx context.Context, ms int) error { return nil },
		PulseRAMinus:  func(ctx context.Context, ms int) error { return nil },
		PulseDecPlus:  func(ctx context.Context, ms int) error { return nil },
		PulseDecMinus: func(ctx context.Context, ms int) error { return nil },
	}
}

func oneStar() []stars.Star { return []stars.Star{{X: 1, Y: 1, Brightness: 100}} }

func lightResultAt(x, y float64) frameproc.Result {
	return frameproc.Result{
		Kind: frameproc.ResultLightFrameInfo,
		Light: &frameproc.LightFrameInfo{
			StarOffsetX: x,
			StarOffsetY: y,
			Stars:       oneStar(),
		},
	}
}

func TestMountCalibrFailsOnStarsLost(t *testing.T) {
	var gotErr error
	m := NewMountCalibr("EQMount", mountPulserStub(), config.FrameOptions{Exposure: 1}, config.CamCtrlOptions{}, NewWaiting(),
		func(MountCalibrResult) {}, func(err error) { gotErr = err })

	deps := &Deps{
		StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) { return "1", nil },
		AbortShot: func() {},
		Now:       time.Now,
	}
	if err := m.Start(context.Background(), deps); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	res := m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultLightFrameInfo, Light: &frameproc.LightFrameInfo{}})
	if res.Kind != Nothing {
		t.Fatalf("expected Nothing (failure reported via onError), got %v", res.Kind)
	}
	if gotErr != ErrStarsLost {
		t.Fatalf("expected ErrStarsLost, got %v", gotErr)
	}
}

func TestMountCalibrFailsOnInsufficientDisplacement(t *testing.T) {
	var gotErr error
	m := NewMountCalibr("EQMount", mountPulserStub(), config.FrameOptions{Exposure: 1}, config.CamCtrlOptions{}, NewWaiting(),
		func(MountCalibrResult) {}, func(err error) { gotErr = err })

	deps := &Deps{
		StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) { return "1", nil },
		AbortShot: func() {},
		Now:       time.Now,
	}
	_ = m.Start(context.Background(), deps)

	m.NotifyFrameProcessingResult(deps, lightResultAt(0, 0)) // reference
	res := m.NotifyFrameProcessingResult(deps, lightResultAt(0.1, 0.1)) // RA+ barely moved
	if res.Kind != Nothing {
		t.Fatalf("expected Nothing on insufficient displacement, got %v", res.Kind)
	}
	if gotErr != ErrInsufficientDisplacement {
		t.Fatalf("expected ErrInsufficientDisplacement, got %v", gotErr)
	}
}

func TestMountCalibrFullSequenceDeliversResult(t *testing.T) {
	delivered := MountCalibrResult{RAtoPixelX: -999} // sentinel: unset if deliver() never called
	m := NewMountCalibr("EQMount", mountPulserStub(), config.FrameOptions{Exposure: 1}, config.CamCtrlOptions{}, NewWaiting(),
		func(r MountCalibrResult) { delivered = r }, func(err error) { t.Fatalf("unexpected calibration failure: %v", err) })

	deps := &Deps{
		StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) { return "1", nil },
		AbortShot: func() {},
		Now:       time.Now,
	}
	if err := m.Start(context.Background(), deps); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	if res := m.NotifyFrameProcessingResult(deps, lightResultAt(0, 0)); res.Kind != ProgressChanged {
		t.Fatalf("reference step: expected ProgressChanged, got %v", res.Kind)
	}
	if res := m.NotifyFrameProcessingResult(deps, lightResultAt(10, 0)); res.Kind != ProgressChanged {
		t.Fatalf("RA+ step: expected ProgressChanged, got %v", res.Kind)
	}
	// Dec+ frame: star position recorded for the *next* callback, per the mode's own comment.
	if res := m.NotifyFrameProcessingResult(deps, lightResultAt(10, 10)); res.Kind != ProgressChanged {
		t.Fatalf("Dec+ step: expected ProgressChanged, got %v", res.Kind)
	}
	res := m.NotifyFrameProcessingResult(deps, lightResultAt(10, 20))
	if res.Kind != Finished {
		t.Fatalf("final step: expected Finished, got %v", res.Kind)
	}

	if delivered.RAtoPixelX == -999 {
		t.Fatal("expected deliver() to be called with a computed calibration result")
	}
}
