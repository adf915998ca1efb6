package rawio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// MasterKind names the kind of master-frame container being written.
type MasterKind string

const (
	MasterDark       MasterKind = "dark"
	MasterBias       MasterKind = "bias"
	MasterFlat       MasterKind = "flat"
	MasterDefectMap  MasterKind = "defects"
)

// MasterMeta is the set of capture settings a master file's name encodes,
// so a later run can rediscover the right master for given settings
// without a database round trip.
type MasterMeta struct {
	Camera      string
	Kind        MasterKind
	Exposure    float64
	Gain        int
	Offset      int
	BinX, BinY  int
	Temperature float64
	HasTemp     bool
}

// WriteMaster encodes plane as a master-frame container (magic, shape,
// then little-endian uint16 samples) at the computed path and returns it.
func WriteMaster(rootDir string, meta MasterMeta, plane Plane) (string, error) {
	dir := filepath.Join(rootDir, sanitize(meta.Camera))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("rawio: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, masterFileName(meta))

	var buf bytes.Buffer
	buf.WriteString("AMST")
	binary.Write(&buf, binary.LittleEndian, uint32(plane.Width))
	binary.Write(&buf, binary.LittleEndian, uint32(plane.Height))
	binary.Write(&buf, binary.LittleEndian, plane.Pixels)

	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("rawio: write master %s: %w", path, err)
	}
	return path, nil
}

// WriteDefectMap writes a list of (x, y) pixel coordinates as a sequence of
// little-endian uint16 pairs, in the layout calibration.loadDefectMap reads.
func WriteDefectMap(rootDir string, meta MasterMeta, coords [][2]int) (string, error) {
	dir := filepath.Join(rootDir, sanitize(meta.Camera))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("rawio: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, masterFileName(meta))

	var buf bytes.Buffer
	for _, c := range coords {
		binary.Write(&buf, binary.LittleEndian, uint16(c[0]))
		binary.Write(&buf, binary.LittleEndian, uint16(c[1]))
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("rawio: write defect map %s: %w", path, err)
	}
	return path, nil
}

func masterFileName(m MasterMeta) string {
	name := fmt.Sprintf("%s_%s_exp%.3f_g%d_o%d_bin%dx%d", sanitize(m.Camera), m.Kind, m.Exposure, m.Gain, m.Offset, m.BinX, m.BinY)
	if m.HasTemp {
		name += fmt.Sprintf("_t%.1f", m.Temperature)
	}
	return name + ".amst"
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// NextSessionDir returns the first non-existing session directory under
// <root>/<camera>/<yyyy-mm-dd>/<n>, creating parent directories as needed.
func NextSessionDir(root, camera string, now time.Time) (string, error) {
	dayDir := filepath.Join(root, sanitize(camera), now.Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return "", err
	}
	for n := 1; ; n++ {
		candidate := filepath.Join(dayDir, fmt.Sprintf("%d", n))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.MkdirAll(candidate, 0o755); err != nil {
				return "", err
			}
			return candidate, nil
		}
	}
}

// FrameFilePrefix maps a frame type name to the file-name prefix §6 names.
func FrameFilePrefix(frameType string) string {
	switch frameType {
	case "flat":
		return "flat"
	case "dark":
		return "dark"
	case "bias":
		return "bias"
	default:
		return "light"
	}
}

// Counter hands out monotonically increasing per-session file names, e.g.
// light_000001.ext, never repeating within the process lifetime of one
// session directory.
type Counter struct {
	n int
}

// Next returns the next file name for frameType with the given extension.
func (c *Counter) Next(frameType, ext string) string {
	c.n++
	return fmt.Sprintf("%s_%06d%s", FrameFilePrefix(frameType), c.n, ext)
}

// SortedMasterFiles returns a lexically sorted copy of the given master
// file names, leaving names unchanged; purely a convenience for tooling/tests that want a deterministic order.
func SortedMasterFiles(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}
