package modes

import (
	"context"
	"strconv"
	"testing"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
)

func testDeps(startShot func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error)) *Deps {
	return &Deps{
		Device:    "CCD Simulator",
		Options:   config.New(),
		StartShot: startShot,
		AbortShot: func() {},
	}
}

func TestTakingPicturesStartRejectsNonPositiveExposure(t *testing.T) {
	m := NewTakingPictures(CamSingleShot, "CCD Simulator", 1, config.FrameOptions{Exposure: 0}, config.CamCtrlOptions{}, config.GuidingOptions{})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		t.Fatal("StartShot should not be called when exposure is non-positive")
		return "", nil
	})
	if err := m.Start(context.Background(), deps); err == nil {
		t.Fatal("expected an error starting with exposure <= 0")
	}
}

func TestTakingPicturesStartRequestsFirstExposure(t *testing.T) {
	var gotFrame config.FrameOptions
	calls := 0
	m := NewTakingPictures(CamSingleShot, "CCD Simulator", 1, config.FrameOptions{Exposure: 30}, config.CamCtrlOptions{}, config.GuidingOptions{})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		calls++
		gotFrame = frame
		return "1", nil
	})

	if err := m.Start(context.Background(), deps); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected exactly one StartShot call, got %d", calls)
	}
	// A single shot writes no frames, so it has no shortened warm-up "skip"
	// exposure: its first exposure is the full requested one.
	if gotFrame.Exposure != 30 {
		t.Fatalf("expected the first exposure to be the requested 30s, got %v", gotFrame.Exposure)
	}
}

func TestNotifyBlobStartConsumesTheSkipFrame(t *testing.T) {
	m := NewTakingPictures(CamLiveView, "CCD Simulator", 0, config.FrameOptions{Exposure: 5}, config.CamCtrlOptions{}, config.GuidingOptions{})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		return "1", nil
	})
	_ = m.Start(context.Background(), deps)

	res := m.NotifyBlobStart(deps, "CCD Simulator", "CCD1")
	if res.Kind != Nothing {
		t.Fatalf("expected Nothing after consuming the skip frame, got %v", res.Kind)
	}
	if m.state != stateCommon {
		t.Fatalf("expected state to advance to stateCommon, got %v", m.state)
	}
}

func TestNotifyBlobStartIgnoresOtherDevices(t *testing.T) {
	m := NewTakingPictures(CamLiveView, "CCD Simulator", 0, config.FrameOptions{Exposure: 5}, config.CamCtrlOptions{}, config.GuidingOptions{})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		return "1", nil
	})
	res := m.NotifyBlobStart(deps, "Guide Camera", "CCD1")
	if res.Kind != Nothing {
		t.Fatalf("expected Nothing for an unrelated device, got %v", res.Kind)
	}
	if m.state != stateFrameToSkip {
		t.Fatalf("state should not advance for an unrelated device's blob event")
	}
}

func TestNotifyFrameProcessingResultFinishesAtCount(t *testing.T) {
	startCalls := 0
	m := NewTakingPictures(CamSingleShot, "CCD Simulator", 2, config.FrameOptions{Exposure: 1}, config.CamCtrlOptions{}, config.GuidingOptions{})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		startCalls++
		return strconv.Itoa(startCalls), nil
	})
	_ = m.Start(context.Background(), deps)

	res := m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != ProgressChanged {
		t.Fatalf("expected ProgressChanged after frame 1/2, got %v", res.Kind)
	}
	if m.progressCur != 1 {
		t.Fatalf("expected progressCur == 1, got %d", m.progressCur)
	}

	res = m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != Finished {
		t.Fatalf("expected Finished after frame 2/2, got %v", res.Kind)
	}
}

func TestNotifyFrameProcessingResultIgnoresNonFinishedResults(t *testing.T) {
	m := NewTakingPictures(CamSingleShot, "CCD Simulator", 5, config.FrameOptions{Exposure: 1}, config.CamCtrlOptions{}, config.GuidingOptions{})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		return "1", nil
	})

	res := m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultHistogramRaw})
	if res.Kind != Nothing {
		t.Fatalf("expected Nothing for a non-finished result, got %v", res.Kind)
	}
	if m.progressCur != 0 {
		t.Fatalf("progress should not advance on a non-finished result, got %d", m.progressCur)
	}
}

func TestNotifyFrameProcessingResultRequiresMountCalibrationBeforeMainCameraGuiding(t *testing.T) {
	m := NewTakingPictures(CamSingleShot, "CCD Simulator", 0, config.FrameOptions{Exposure: 1},
		config.CamCtrlOptions{}, config.GuidingOptions{Mode: config.GuidingMainCamera})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		return "1", nil
	})

	res := m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != StartMountCalibration {
		t.Fatalf("expected StartMountCalibration before any calibration is known, got %v", res.Kind)
	}
}

func TestNotifyCalibrationUnlocksMainCameraGuiding(t *testing.T) {
	m := NewTakingPictures(CamSingleShot, "CCD Simulator", 0, config.FrameOptions{Exposure: 1},
		config.CamCtrlOptions{}, config.GuidingOptions{Mode: config.GuidingMainCamera})
	deps := testDeps(func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
		return "1", nil
	})
	m.NotifyCalibration(MountCalibrResult{RAtoPixelX: 1, DecToPixelY: 1})

	res := m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != ProgressChanged {
		t.Fatalf("expected ProgressChanged once calibration is known, got %v", res.Kind)
	}
}
