package modes

import (
	"context"
	"testing"

	"astrocore/internal/config"
	"astrocore/internal/core/frameproc"
)

func twoItemProgram() config.DarkLibraryProgram {
	return config.DarkLibraryProgram{
		Items: []config.MasterFileCreationProgramItem{
			{Count: 2, Exposure: 60, Gain: 100},
			{Count: 1, Exposure: 120, Gain: 139},
		},
	}
}

func TestNewDarkLibrarySumsItemCounts(t *testing.T) {
	m := NewDarkLibrary("CCD Simulator", twoItemProgram(), CamMasterDark, config.CamCtrlOptions{}, nil, nil, nil)
	if m.totalProgress != 3 {
		t.Fatalf("totalProgress = %d, want 3", m.totalProgress)
	}
}

func TestDarkLibraryStartRejectsEmptyProgram(t *testing.T) {
	m := NewDarkLibrary("CCD Simulator", config.DarkLibraryProgram{}, CamMasterDark, config.CamCtrlOptions{}, nil, nil, nil)
	deps := &Deps{StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) { return "1", nil }}
	if err := m.Start(context.Background(), deps); err == nil {
		t.Fatal("expected an error starting dark-library mode with no program items")
	}
}

func TestDarkLibraryAdvancesItemsAndFinishesAtEnd(t *testing.T) {
	var savedCalls []string
	var itemDoneCalls []int
	m := NewDarkLibrary("CCD Simulator", twoItemProgram(), CamMasterDark, config.CamCtrlOptions{},
		nil,
		func(idx int, item config.MasterFileCreationProgramItem) { itemDoneCalls = append(itemDoneCalls, idx) },
		func(kind, path string) { savedCalls = append(savedCalls, kind+":"+path) },
	)

	startCalls := 0
	deps := &Deps{
		StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) {
			startCalls++
			return "1", nil
		},
		AbortShot: func() {},
	}
	if err := m.Start(context.Background(), deps); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	// The inner TakingPictures mode issues its own warm-up "skip" shot first.
	if m.inner.Frame.FrameType != config.FrameDark {
		t.Fatalf("expected a dark frame type for CamMasterDark, got %v", m.inner.Frame.FrameType)
	}
	if m.inner.CamCtrl.Gain != 100 {
		t.Fatalf("expected item 0's gain (100) applied to CamCtrl, got %d", m.inner.CamCtrl.Gain)
	}

	// Consume the warm-up frame, then finish item 0's two shots.
	m.NotifyBlobStart(deps, "CCD Simulator", "CCD1")
	res := m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != ProgressChanged {
		t.Fatalf("expected ProgressChanged after item 0's first shot, got %v", res.Kind)
	}
	res = m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != ProgressChanged {
		t.Fatalf("expected ProgressChanged advancing into item 1, got %v", res.Kind)
	}
	if len(itemDoneCalls) != 1 || itemDoneCalls[0] != 0 {
		t.Fatalf("expected onItemDone(0, ...) to have fired once, got %v", itemDoneCalls)
	}
	if m.itemIdx != 1 {
		t.Fatalf("expected itemIdx to advance to 1, got %d", m.itemIdx)
	}
	if m.inner.CamCtrl.Gain != 139 {
		t.Fatalf("expected item 1's gain (139) applied to CamCtrl, got %d", m.inner.CamCtrl.Gain)
	}

	// Finish item 1's single shot: the whole program is done.
	res = m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultShotFinished, FrameOK: true})
	if res.Kind != Finished {
		t.Fatalf("expected Finished after the last item's shot, got %v", res.Kind)
	}
	if len(itemDoneCalls) != 2 {
		t.Fatalf("expected onItemDone to have fired for both items, got %v", itemDoneCalls)
	}
}

func TestDarkLibraryForwardsMasterSavedCallback(t *testing.T) {
	var saved []string
	m := NewDarkLibrary("CCD Simulator", twoItemProgram(), CamMasterDark, config.CamCtrlOptions{}, nil, nil,
		func(kind, path string) { saved = append(saved, kind+":"+path) })

	deps := &Deps{
		StartShot: func(ctx context.Context, frame config.FrameOptions, camCtrl config.CamCtrlOptions) (string, error) { return "1", nil },
		AbortShot: func() {},
	}
	_ = m.Start(context.Background(), deps)

	m.NotifyFrameProcessingResult(deps, frameproc.Result{Kind: frameproc.ResultMasterSaved, SavedKind: "dark", SavedPath: "/darklib/dark_1.amst"})
	if len(saved) != 1 || saved[0] != "dark:/darklib/dark_1.amst" {
		t.Fatalf("expected onSaved to be forwarded, got %v", saved)
	}
}
