package frameproc

import (
	"testing"

	"astrocore/internal/config"
	"astrocore/internal/rawio"
)

func TestDecodeMasterRoundTripsWithRawioWriter(t *testing.T) {
	dir := t.TempDir()
	meta := rawio.MasterMeta{Camera: "ZWO ASI1600", Kind: rawio.MasterDark, Exposure: 60, Gain: 100, BinX: 1, BinY: 1}
	plane := rawio.Plane{Width: 2, Height: 2, Pixels: []uint16{10, 20, 30, 40}}

	path, err := rawio.WriteMaster(dir, meta, plane)
	if err != nil {
		t.Fatalf("WriteMaster failed: %v", err)
	}

	got, err := decodeMaster(path, 2, 2)
	if err != nil {
		t.Fatalf("decodeMaster failed: %v", err)
	}
	want := []uint16{10, 20, 30, 40}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("decodeMaster()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLoadDefectMapRoundTripsWithRawioWriter(t *testing.T) {
	dir := t.TempDir()
	meta := rawio.MasterMeta{Camera: "ZWO ASI1600", Kind: rawio.MasterDefectMap, BinX: 1, BinY: 1}
	coords := [][2]int{{3, 4}, {100, 200}}

	path, err := rawio.WriteDefectMap(dir, meta, coords)
	if err != nil {
		t.Fatalf("WriteDefectMap failed: %v", err)
	}

	got, err := loadDefectMap(path)
	if err != nil {
		t.Fatalf("loadDefectMap failed: %v", err)
	}
	if len(got) != len(coords) {
		t.Fatalf("loadDefectMap returned %d coords, want %d", len(got), len(coords))
	}
	for i := range coords {
		if got[i] != coords[i] {
			t.Fatalf("loadDefectMap()[%d] = %v, want %v", i, got[i], coords[i])
		}
	}
}

func TestApplyCalibrationSkipsMissingMasters(t *testing.T) {
	plane := []uint16{10, 20, 30, 40}
	methods := applyCalibration(plane, 2, 2, config.CalibrParams{})
	if methods != 0 {
		t.Fatalf("expected no calibration methods applied with no masters configured, got %v", methods)
	}
}
