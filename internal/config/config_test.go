package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewSetsDefaults(t *testing.T) {
	o := New()
	snap := o.Snapshot()

	if snap.Frame.FrameType != FrameLight {
		t.Fatalf("expected default frame type light, got %v", snap.Frame.FrameType)
	}
	if snap.Frame.Exposure != 1.0 {
		t.Fatalf("expected default exposure 1.0, got %v", snap.Frame.Exposure)
	}
	if snap.Guiding.ExternalKind != "phd2" {
		t.Fatalf("expected default external guider kind phd2, got %q", snap.Guiding.ExternalKind)
	}
	if snap.Focus.StepSize != 50 || snap.Focus.NumSteps != 5 {
		t.Fatalf("unexpected default focus options: %+v", snap.Focus)
	}
}

func TestUpdateIsVisibleInSnapshot(t *testing.T) {
	o := New()
	o.Update(func(o *Options) {
		o.Frame.Exposure = 30
		o.CamCtrl.Gain = 200
	})

	snap := o.Snapshot()
	if snap.Frame.Exposure != 30 {
		t.Fatalf("expected exposure 30 after update, got %v", snap.Frame.Exposure)
	}
	if snap.CamCtrl.Gain != 200 {
		t.Fatalf("expected gain 200 after update, got %v", snap.CamCtrl.Gain)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	o := New()
	o.Update(func(o *Options) {
		o.Frame.Exposure = 120
		o.Frame.FrameType = FrameDark
		o.CamCtrl.Gain = 139
		o.Paths.SessionRoot = filepath.Join(dir, "sessions")
		o.Logging.Level = "debug"
	})

	if err := o.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	t.Setenv("ASTROCORE_CONFIG", path)
	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	snap := loaded.Snapshot()
	if snap.Frame.Exposure != 120 {
		t.Fatalf("expected loaded exposure 120, got %v", snap.Frame.Exposure)
	}
	if snap.Frame.FrameType != FrameDark {
		t.Fatalf("expected loaded frame type dark, got %v", snap.Frame.FrameType)
	}
	if snap.CamCtrl.Gain != 139 {
		t.Fatalf("expected loaded gain 139, got %v", snap.CamCtrl.Gain)
	}
	if loaded.Logging.Level != "debug" {
		t.Fatalf("expected loaded logging level debug, got %q", loaded.Logging.Level)
	}
	if loaded.Paths.SessionRoot != filepath.Join(dir, "sessions") {
		t.Fatalf("expected loaded session root to round-trip, got %q", loaded.Paths.SessionRoot)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("ASTROCORE_CONFIG", filepath.Join(t.TempDir(), "does-not-exist.json"))

	o, err := Load()
	if err != nil {
		t.Fatalf("Load of missing file should not error, got %v", err)
	}
	if o.Snapshot().Frame.Exposure != 1.0 {
		t.Fatalf("expected default exposure when config is absent, got %v", o.Snapshot().Frame.Exposure)
	}
}

func TestExpandUserHandlesHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory available")
	}

	got, err := expandUser("~/astrocore/config.json")
	if err != nil {
		t.Fatalf("expandUser failed: %v", err)
	}
	want := filepath.Join(home, "astrocore/config.json")
	if got != want {
		t.Fatalf("expandUser(%q) = %q, want %q", "~/astrocore/config.json", got, want)
	}
}
