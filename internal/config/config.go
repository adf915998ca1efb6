// Package config holds the options store: the persisted, user-editable
// settings the core reads when starting a mode and the runtime camera
// control knobs the UI layer (or a test) adjusts while a mode is running.
package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
)

const (
	defaultConfigPath = "~/.config/astrocore/config.json"
)

// FrameType identifies the kind of calibration/light frame a shot belongs to.
type FrameType int

const (
	FrameLight FrameType = iota
	FrameFlat
	FrameDark
	FrameBias
)

func (t FrameType) String() string {
	switch t {
	case FrameFlat:
		return "flat"
	case FrameDark:
		return "dark"
	case FrameBias:
		return "bias"
	default:
		return "light"
	}
}

// Binning describes a pixel-binning mode.
type Binning struct {
	X, Y int
}

// Crop describes a sensor sub-frame.
type Crop struct {
	Enabled               bool
	X, Y, Width, Height   int
}

// FrameOptions describes the shot about to be taken.
type FrameOptions struct {
	FrameType FrameType
	Exposure  float64
	Binning   Binning
	Crop      Crop
	Delay     float64
}

// CamCtrlOptions describes camera driver knobs applied before every shot.
type CamCtrlOptions struct {
	Gain        int
	Offset      int
	LowNoise    bool
	CaptureFormat string // "raw"
}

// CalibrParams names the calibration master files a frame-processing job
// should apply; empty paths mean "no such master available".
type CalibrParams struct {
	DarkPath  string
	BiasPath  string
	FlatPath  string
	HotPixels string // defect-pixel map path
}

// GuidingMode selects how dithering/guiding corrections are sourced. The
// zero value is GuidingDisabled so a TakingPictures session constructed
// without an explicit GuidingOptions (single shots, dark-library captures)
// never drifts into a mount-calibration request it has no use for.
type GuidingMode int

const (
	GuidingDisabled GuidingMode = iota
	GuidingMainCamera
	GuidingExternal
)

// GuidingOptions configures the guiding sub-state of TakingPictures mode.
type GuidingOptions struct {
	Mode             GuidingMode
	MaxErrorPx       float64
	DitherDist       float64
	DitherPeriodExps int
	ExternalKind     string // "phd2"
}

// PreviewOptions configures how raw planes are rendered for the UI.
type PreviewOptions struct {
	DarkPoint   float64
	LightPoint  float64
	Gamma       float64
	ReduceBlock int // N for N x N block-averaged downscale, 1 = no reduction
	Debayer     bool
}

// MasterFileCreationProgramItem is one step of a dark-library build.
type MasterFileCreationProgramItem struct {
	Count       int
	Temperature float64
	Exposure    float64
	Gain        int
	Offset      int
	Binning     Binning
	Crop        Crop
}

// DarkLibraryProgram is the ordered plan a dark-library mode executes.
type DarkLibraryProgram struct {
	RootDir string
	Items   []MasterFileCreationProgramItem
}

// QualityOptions bounds star-detection/focus acceptance thresholds.
type QualityOptions struct {
	MinStars      int
	MaxOvality    float64
	MinStarBright float64
}

// FocusOptions configures the V-curve walk an autofocus run performs.
type FocusOptions struct {
	StepSize int
	NumSteps int // symmetric either side of the current position
}

// MountOptions records the mount's reported guide-pulse reversal flags, as
// determined by mount-calibration or set manually for a known mount.
type MountOptions struct {
	RAReversed  bool
	DecReversed bool
}

// Options is the full mutable settings surface the core reads/writes.
// Concurrent access goes through the accessor methods below (Snapshot,
// Update), which hold mu for the duration of the read/mutate; code that
// owns the value outright, such as cli at startup, reads fields directly —
// mirroring how the rest of the core
// treats its own state (a single RWMutex around one struct).
type Options struct {
	mu sync.RWMutex

	Frame    FrameOptions
	CamCtrl  CamCtrlOptions
	Calibr   CalibrParams
	Guiding  GuidingOptions
	Preview  PreviewOptions
	Quality  QualityOptions
	DarkLib  DarkLibraryProgram
	Focus    FocusOptions
	Mount    MountOptions

	Logging LoggingOptions `json:"logging"`
	Paths   PathOptions    `json:"paths"`
}

// LoggingOptions controls the logging package's Setup call.
type LoggingOptions struct {
	Level      string `json:"level"`
	Format     string `json:"format"`
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// PathOptions configures default on-disk locations.
type PathOptions struct {
	SessionRoot  string `json:"session_root"`
	DarkLibrary  string `json:"dark_library"`
	DatabasePath string `json:"database_path"`
}

// Snapshot is a value copy of Options safe to read without the lock.
type Snapshot struct {
	Frame   FrameOptions
	CamCtrl CamCtrlOptions
	Calibr  CalibrParams
	Guiding GuidingOptions
	Preview PreviewOptions
	Quality QualityOptions
	DarkLib DarkLibraryProgram
	Focus   FocusOptions
	Mount   MountOptions
	Paths   PathOptions
}

// New returns an Options store seeded with defaults.
func New() *Options {
	o := &Options{}
	o.setDefaults()
	return o
}

func (o *Options) setDefaults() {
	o.Frame = FrameOptions{FrameType: FrameLight, Exposure: 1.0, Binning: Binning{X: 1, Y: 1}}
	o.CamCtrl = CamCtrlOptions{Gain: 100, CaptureFormat: "raw"}
	o.Preview = PreviewOptions{DarkPoint: 0, LightPoint: 1, Gamma: 1.0, ReduceBlock: 1}
	o.Quality = QualityOptions{MinStars: 3, MaxOvality: 0.5, MinStarBright: 0.05}
	o.Guiding = GuidingOptions{Mode: GuidingMainCamera, MaxErrorPx: 2.0, DitherDist: 6.0, DitherPeriodExps: 1, ExternalKind: "phd2"}
	o.Focus = FocusOptions{StepSize: 50, NumSteps: 5}
	o.Logging = LoggingOptions{Level: "info", Format: "text", FileOutput: true, LogDir: "./logs"}
	o.Paths = PathOptions{SessionRoot: "./sessions", DarkLibrary: "./darklib", DatabasePath: filepath.Join(os.TempDir(), "astrocore.db")}
}

// Snapshot returns a consistent copy of the current settings.
func (o *Options) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return Snapshot{
		Frame:   o.Frame,
		CamCtrl: o.CamCtrl,
		Calibr:  o.Calibr,
		Guiding: o.Guiding,
		Preview: o.Preview,
		Quality: o.Quality,
		DarkLib: o.DarkLib,
		Focus:   o.Focus,
		Mount:   o.Mount,
		Paths:   o.Paths,
	}
}

// Update applies fn under the write lock.
func (o *Options) Update(fn func(*Options)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(o)
}

// Load reads an Options JSON document from disk, falling back to defaults
// when the file does not exist, the way the teacher's config.Load did.
func Load() (*Options, error) {
	o := New()

	path := os.Getenv("ASTROCORE_CONFIG")
	if path == "" {
		path = defaultConfigPath
	}
	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return o, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var onDisk struct {
		Frame   FrameOptions
		CamCtrl CamCtrlOptions
		Calibr  CalibrParams
		Guiding GuidingOptions
		Preview PreviewOptions
		Quality QualityOptions
		DarkLib DarkLibraryProgram
		Focus   FocusOptions
		Mount   MountOptions
		Logging LoggingOptions
		Paths   PathOptions
	}
	if err := json.NewDecoder(f).Decode(&onDisk); err != nil {
		return nil, err
	}

	o.Frame = onDisk.Frame
	o.CamCtrl = onDisk.CamCtrl
	o.Calibr = onDisk.Calibr
	o.Guiding = onDisk.Guiding
	o.Preview = onDisk.Preview
	o.Quality = onDisk.Quality
	o.DarkLib = onDisk.DarkLib
	o.Mount = onDisk.Mount
	if onDisk.Focus.StepSize > 0 {
		o.Focus = onDisk.Focus
	}
	if onDisk.Logging.Level != "" {
		o.Logging = onDisk.Logging
	}
	if onDisk.Paths.SessionRoot != "" {
		o.Paths = onDisk.Paths
	}
	return o, nil
}

// Save persists the current options to path.
func (o *Options) Save(path string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()

	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	f, err := os.Create(expanded)
	if err != nil {
		return err
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(o)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}
