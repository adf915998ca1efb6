// Package frameproc is the frame-processing pipeline: a single worker
// draining a bounded command queue, turning each downloaded exposure into
// a calibrated image, a histogram, star metrics, a preview and (for
// light frames) a live-stacked result. Flat-field division goes through
// gopkg.in/gographics/imagick.v3, with a plain-arithmetic fallback; the
// other calibration steps and preview rendering are plain Go loops.
package frameproc

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"astrocore/internal/config"
	"astrocore/internal/core/stars"
	"astrocore/internal/rawio"

	"gopkg.in/gographics/imagick.v3/imagick"
)

// ModeTag identifies which capture mode issued a command, so the result
// callback and the worker's frame-type branch can behave accordingly.
type ModeTag int

const (
	ModeSingleShot ModeTag = iota
	ModeLiveView
	ModeSavingRaw
	ModeLiveStacking
	ModeMasterDark
	ModeMasterBias
	ModeMasterFlat
	ModeDefectPixels
)

// Blob is the raw downloaded exposure payload plus its reported shape.
type Blob struct {
	Bytes     []byte
	Ext       string
	Width     int
	Height    int
	BitDepth  int
	IsColor   bool
	BayerPatt string
}

// StopFlag is a per-command cancellation flag the worker polls at every
// pipeline stage boundary, and the result callback checks before invoking
// the mode.
type StopFlag struct{ v atomic.Bool }

func (f *StopFlag) Set()        { f.v.Store(true) }
func (f *StopFlag) Stopped() bool { return f.v.Load() }

// CommandData is everything the worker needs to process one shot.
type CommandData struct {
	Mode       ModeTag
	Device     string
	ShotID     uint64
	Blob       Blob
	Stop       *StopFlag
	RefStars   []stars.Star
	Calibr     config.CalibrParams
	Frame      config.FrameOptions
	Preview    config.PreviewOptions
	Quality    config.QualityOptions
	SessionDir string
	FileName   string // pre-resolved raw-file name, empty if not saving
	Accumulate *Accumulator
	LiveStack  *LiveStackState
	MasterWrite *MasterWriteSpec
}

// MasterWriteSpec, when set on the last command of a calibration series,
// tells the worker to combine the accumulator into a master file once this
// command's frame has been added, and (for MasterDefectPixels) derive a
// defect-pixel map from the result.
type MasterWriteSpec struct {
	RootDir     string
	TargetCount int
	Meta        rawio.MasterMeta
	DefectMap   bool
	HotPixelStdDevs float64 // threshold for defect detection, in stddevs above median
}

// RawFrameInfo summarizes a calibration frame (flat/dark/bias).
type RawFrameInfo struct {
	Mean, Median, StdDev float64
	CalibrMethods        CalibrMethods
}

// LightFrameInfo summarizes a processed light frame.
type LightFrameInfo struct {
	Exposure      float64
	FWHM, HFD     float64
	Ovality       float64
	Background    float64
	Noise         float64
	StarOffsetX   float64
	StarOffsetY   float64
	Stars         []stars.Star
	OK            bool
}

// CalibrMethods is a bitmask of which calibration steps were applied.
type CalibrMethods uint8

const (
	CalibrSubDark CalibrMethods = 1 << iota
	CalibrSubBias
	CalibrDefectPixels
	CalibrDivFlat
)

// ResultKind tags the payload union carried by Result.
type ResultKind int

const (
	ResultRawFrame ResultKind = iota
	ResultLightFrameInfo
	ResultHistogramRaw
	ResultHistogramLive
	ResultShotFinished
	ResultPreviewFrame
	ResultPreviewLive
	ResultMasterSaved
	ResultError
)

// Result is emitted by the worker for every command, possibly more than
// once (histogram, then preview, then finished).
type Result struct {
	Device   string
	ShotID   uint64
	Stop     *StopFlag
	Mode     ModeTag
	Kind     ResultKind
	Raw      *RawFrameInfo
	Light    *LightFrameInfo
	Histo    []uint32
	FrameOK  bool
	ProcTime time.Duration
	DLTime   time.Duration
	Preview  []byte // 8-bit RGB
	PreviewW int
	PreviewH int
	SavedKind string
	SavedPath string
	Err      error
}

// ResultFunc receives every Result for a command, in emission order.
type ResultFunc func(Result)

// Accumulator sums raw calibration frames (flat/dark/bias) as float64
// planes so a master can be averaged once count frames have arrived.
type Accumulator struct {
	mu     sync.Mutex
	Width  int
	Height int
	Sum    []float64
	Count  int
}

func NewAccumulator(w, h int) *Accumulator {
	return &Accumulator{Width: w, Height: h, Sum: make([]float64, w*h)}
}

func (a *Accumulator) Add(plane []uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, v := range plane {
		if i >= len(a.Sum) {
			break
		}
		a.Sum[i] += float64(v)
	}
	a.Count++
}

// Master returns the averaged master plane as uint16.
func (a *Accumulator) Master() []uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]uint16, len(a.Sum))
	if a.Count == 0 {
		return out
	}
	for i, s := range a.Sum {
		v := s / float64(a.Count)
		if v > 65535 {
			v = 65535
		}
		out[i] = uint16(v)
	}
	return out
}

// LiveStackState holds the running live-stack accumulator for one session.
// It survives a mode abort when the mode's CanBeContinuedAfterStop is true,
// per the data model's LiveStackingData.
type LiveStackState struct {
	mu     sync.Mutex
	Width  int
	Height int
	Sum    []float64
	Count  int
	RefStars []stars.Star
}

func NewLiveStackState(w, h int) *LiveStackState {
	return &LiveStackState{Width: w, Height: h, Sum: make([]float64, w*h)}
}

func (l *LiveStackState) Add(plane []uint16, dx, dy int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	shiftAdd(l.Sum, plane, l.Width, l.Height, dx, dy)
	l.Count++
}

func (l *LiveStackState) Stacked() []uint16 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint16, len(l.Sum))
	if l.Count == 0 {
		return out
	}
	for i, s := range l.Sum {
		v := s / float64(l.Count)
		if v > 65535 {
			v = 65535
		}
		out[i] = uint16(v)
	}
	return out
}

func shiftAdd(sum []float64, plane []uint16, w, h, dx, dy int) {
	for y := 0; y < h; y++ {
		sy := y + dy
		if sy < 0 || sy >= h {
			continue
		}
		for x := 0; x < w; x++ {
			sx := x + dx
			if sx < 0 || sx >= w {
				continue
			}
			sum[sy*w+sx] += float64(plane[y*w+x])
		}
	}
}

// Worker is the single long-running thread draining the command queue.
type Worker struct {
	queue     chan CommandData
	done      chan struct{}
	overflow  func()
	callbacks map[uint64]ResultFunc
}

const queueCapacity = 8

var (
	imagickInitMu    sync.Mutex
	imagickInitCount int
)

// acquireImagick initialises the MagickWand genesis environment on first
// use and tears it down once the last worker stops, mirroring the
// teacher's per-call imagick.Initialize()/Terminate() pairing but scoped to
// the worker's lifetime since it runs continuously rather than per-call.
func acquireImagick() {
	imagickInitMu.Lock()
	defer imagickInitMu.Unlock()
	if imagickInitCount == 0 {
		imagick.Initialize()
	}
	imagickInitCount++
}

func releaseImagick() {
	imagickInitMu.Lock()
	defer imagickInitMu.Unlock()
	imagickInitCount--
	if imagickInitCount <= 0 {
		imagick.Terminate()
		imagickInitCount = 0
	}
}

// NewWorker starts the worker goroutine. overflow is invoked (non-blocking
// from the submitter's perspective) whenever the queue was full at submit
// time, so the dispatcher can throttle the capture mode.
func NewWorker(overflow func()) *Worker {
	acquireImagick()
	w := &Worker{
		queue:    make(chan CommandData, queueCapacity),
		done:     make(chan struct{}),
		overflow: overflow,
	}
	go w.run()
	return w
}

// Submit enqueues a command together with the callback that will receive
// its results. Never blocks the caller beyond the channel send; reports
// overflow if the queue was already full. The callback is registered
// before the command reaches the queue so the worker can never dequeue a
// command whose callback has not been recorded yet.
func (w *Worker) Submit(cmd CommandData, resultFn ResultFunc) {
	w.pending(cmd, resultFn)
	select {
	case w.queue <- cmd:
	default:
		if w.overflow != nil {
			w.overflow()
		}
		w.queue <- cmd
	}
}

// pendingMu guards w.callbacks, the callback registered for each in-flight
// command by shot-id; the worker looks it up when it pulls the command back off the
// queue. A map keyed by shot-id is adequate because shot-ids are unique
// and monotonic for the lifetime of a core.
var pendingMu sync.Mutex

func (w *Worker) pending(cmd CommandData, fn ResultFunc) {
	pendingMu.Lock()
	defer pendingMu.Unlock()
	if w.callbacks == nil {
		w.callbacks = make(map[uint64]ResultFunc)
	}
	w.callbacks[cmd.ShotID] = fn
}

func (w *Worker) run() {
	for {
		select {
		case <-w.done:
			return
		case cmd := <-w.queue:
			pendingMu.Lock()
			fn := w.callbacks[cmd.ShotID]
			delete(w.callbacks, cmd.ShotID)
			pendingMu.Unlock()
			if fn == nil {
				fn = func(Result) {}
			}
			process(cmd, fn)
		}
	}
}

// Stop terminates the worker and releases the MagickWand environment once
// the last live worker has stopped.
func (w *Worker) Stop() {
	close(w.done)
	releaseImagick()
}

// process runs the full pipeline for one command, emitting results as
// each stage completes, short-circuiting at every boundary if Stop fires.
func process(cmd CommandData, emit ResultFunc) {
	start := time.Now()
	if cmd.Stop.Stopped() {
		return
	}

	plane, err := decode(cmd.Blob)
	if err != nil {
		emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultError, Err: fmt.Errorf("decode: %w", err)})
		return
	}
	if cmd.Stop.Stopped() {
		return
	}

	methods := applyCalibration(plane, cmd.Blob.Width, cmd.Blob.Height, cmd.Calibr)
	if cmd.Stop.Stopped() {
		return
	}

	histo := histogram(plane)
	emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultHistogramRaw, Histo: histo})
	if cmd.Stop.Stopped() {
		return
	}

	switch cmd.Frame.FrameType {
	case config.FrameFlat, config.FrameDark, config.FrameBias:
		info := &RawFrameInfo{CalibrMethods: methods}
		info.Mean, info.Median, info.StdDev = stats(plane)
		if cmd.Accumulate != nil {
			normalized := plane
			if cmd.Frame.FrameType == config.FrameFlat {
				normalized = normalizeFlat(plane, info.Mean)
			}
			cmd.Accumulate.Add(normalized)
		}
		emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultRawFrame, Raw: info})

		if cmd.MasterWrite != nil && cmd.Accumulate != nil {
			writeMasterIfComplete(cmd, emit)
		}

	default: // FrameLight
		processLight(cmd, plane, emit)
	}

	if cmd.FileName != "" && !cmd.Stop.Stopped() {
		if err := writeRawFile(cmd.SessionDir, cmd.FileName, cmd.Blob); err != nil {
			emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultError, Err: fmt.Errorf("write raw: %w", err)})
		}
	}

	emit(Result{
		Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode,
		Kind: ResultShotFinished, FrameOK: !cmd.Stop.Stopped(), ProcTime: time.Since(start),
	})
}

func processLight(cmd CommandData, plane []uint16, emit ResultFunc) {
	luminance := plane
	if cmd.Blob.IsColor {
		luminance = debayerLuminance(plane, cmd.Blob.Width, cmd.Blob.Height, cmd.Blob.BayerPatt)
	}

	detected := stars.Detect(luminance, cmd.Blob.Width, cmd.Blob.Height, stars.SensitivityNormal)
	info := &LightFrameInfo{
		Exposure: cmd.Frame.Exposure,
		Stars:    detected.Stars,
		FWHM:     detected.FWHM,
		HFD:      detected.HFD,
		Ovality:  detected.Ovality,
		Background: detected.Background,
	}
	if len(cmd.RefStars) > 0 && len(detected.Stars) > 0 {
		info.StarOffsetX, info.StarOffsetY = stars.Offset(cmd.RefStars, detected.Stars)
	}
	info.OK = len(detected.Stars) >= cmd.Quality.MinStars && info.Ovality <= cmd.Quality.MaxOvality

	if cmd.LiveStack != nil && info.OK {
		cmd.LiveStack.Add(plane, int(info.StarOffsetX), int(info.StarOffsetY))
		stacked := cmd.LiveStack.Stacked()
		liveHisto := histogram(stacked)
		emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultHistogramLive, Histo: liveHisto})
		rgb, w, h := renderPreview(stacked, cmd.Blob.Width, cmd.Blob.Height, cmd.Preview)
		emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultPreviewLive, Preview: rgb, PreviewW: w, PreviewH: h})
	}

	emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultLightFrameInfo, Light: info})

	rgb, w, h := renderPreview(plane, cmd.Blob.Width, cmd.Blob.Height, cmd.Preview)
	emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultPreviewFrame, Preview: rgb, PreviewW: w, PreviewH: h})
}

// writeMasterIfComplete combines the accumulator into a master file once it
// has reached the series' target frame count, emitting ResultMasterSaved.
// For a defect-pixel series, it also derives and writes a defect-coordinate
// map from the combined master's outlier pixels.
func writeMasterIfComplete(cmd CommandData, emit ResultFunc) {
	spec := cmd.MasterWrite
	count := accumulatorCount(cmd.Accumulate)
	if count < spec.TargetCount {
		return
	}

	master := cmd.Accumulate.Master()
	plane := rawio.Plane{Width: cmd.Accumulate.Width, Height: cmd.Accumulate.Height, BitDepth: 16, Pixels: master}
	path, err := rawio.WriteMaster(spec.RootDir, spec.Meta, plane)
	if err != nil {
		emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultError, Err: fmt.Errorf("write master: %w", err)})
		return
	}
	emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultMasterSaved, SavedKind: string(spec.Meta.Kind), SavedPath: path})

	if spec.DefectMap {
		coords := findDefects(master, cmd.Accumulate.Width, cmd.Accumulate.Height, spec.HotPixelStdDevs)
		defectMeta := spec.Meta
		defectMeta.Kind = rawio.MasterDefectMap
		defectPath, err := rawio.WriteDefectMap(spec.RootDir, defectMeta, coords)
		if err != nil {
			emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultError, Err: fmt.Errorf("write defect map: %w", err)})
			return
		}
		emit(Result{Device: cmd.Device, ShotID: cmd.ShotID, Stop: cmd.Stop, Mode: cmd.Mode, Kind: ResultMasterSaved, SavedKind: string(rawio.MasterDefectMap), SavedPath: defectPath})
	}
}

func accumulatorCount(a *Accumulator) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.Count
}

// findDefects flags pixels more than thresholdStdDevs standard deviations
// above the frame's median as hot/defective.
func findDefects(plane []uint16, w, h int, thresholdStdDevs float64) [][2]int {
	_, median, stddev := stats(plane)
	if thresholdStdDevs <= 0 {
		thresholdStdDevs = 5
	}
	cutoff := median + thresholdStdDevs*stddev
	var coords [][2]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if float64(plane[y*w+x]) > cutoff {
				coords = append(coords, [2]int{x, y})
			}
		}
	}
	return coords
}

func normalizeFlat(plane []uint16, mean float64) []uint16 {
	if mean == 0 {
		return plane
	}
	out := make([]uint16, len(plane))
	scale := 32768.0 / mean
	for i, v := range plane {
		nv := float64(v) * scale
		if nv > 65535 {
			nv = 65535
		}
		out[i] = uint16(nv)
	}
	return out
}

func stats(plane []uint16) (mean, median, stddev float64) {
	if len(plane) == 0 {
		return 0, 0, 0
	}
	var sum float64
	for _, v := range plane {
		sum += float64(v)
	}
	mean = sum / float64(len(plane))

	var variance float64
	for _, v := range plane {
		d := float64(v) - mean
		variance += d * d
	}
	variance /= float64(len(plane))
	stddev = math.Sqrt(variance)

	sorted := append([]uint16(nil), plane...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	median = float64(sorted[len(sorted)/2])
	return mean, median, stddev
}

func histogram(plane []uint16) []uint32 {
	h := make([]uint32, 256)
	for _, v := range plane {
		h[v>>8]++
	}
	return h
}
