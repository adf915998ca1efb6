package rawio

import (
	"bytes"
	"encoding/binary"
	"path/filepath"
	"testing"
	"time"
)

func encodeTestBlob(t *testing.T, w, h int, bitDepth, colorFlag, bayer byte, pixels []uint16) []byte {
	t.Helper()
	var buf bytes.Buffer
	buf.WriteString("ARAW")
	binary.Write(&buf, binary.LittleEndian, uint32(w))
	binary.Write(&buf, binary.LittleEndian, uint32(h))
	buf.WriteByte(bitDepth)
	buf.WriteByte(colorFlag)
	buf.WriteByte(bayer)
	buf.WriteByte(0) // padding
	binary.Write(&buf, binary.LittleEndian, pixels)
	return buf.Bytes()
}

func TestDecodeParsesHeaderAndPixels(t *testing.T) {
	blob := encodeTestBlob(t, 2, 2, 16, 0, 1, []uint16{1, 2, 3, 4})

	plane, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if plane.Width != 2 || plane.Height != 2 {
		t.Fatalf("unexpected shape %dx%d", plane.Width, plane.Height)
	}
	if plane.BitDepth != 16 {
		t.Fatalf("BitDepth = %d, want 16", plane.BitDepth)
	}
	if plane.IsColor {
		t.Fatal("expected mono plane")
	}
	if plane.BayerPattern != "RGGB" {
		t.Fatalf("BayerPattern = %q, want RGGB", plane.BayerPattern)
	}
	want := []uint16{1, 2, 3, 4}
	for i := range want {
		if plane.Pixels[i] != want[i] {
			t.Fatalf("Pixels[%d] = %d, want %d", i, plane.Pixels[i], want[i])
		}
	}
}

func TestDecodeRejectsShortBlob(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected an error decoding a blob shorter than the header")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	blob := encodeTestBlob(t, 1, 1, 16, 0, 0, []uint16{7})
	blob[0] = 'X'
	if _, err := Decode(blob); err == nil {
		t.Fatal("expected an error decoding a blob with the wrong magic")
	}
}

func TestBayerNameCoversAllCodes(t *testing.T) {
	cases := map[byte]string{0: "", 1: "RGGB", 2: "BGGR", 3: "GRBG", 4: "GBRG", 9: ""}
	for code, want := range cases {
		if got := bayerName(code); got != want {
			t.Fatalf("bayerName(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestWriteMasterProducesReadableFile(t *testing.T) {
	dir := t.TempDir()
	meta := MasterMeta{Camera: "ZWO ASI1600", Kind: MasterFlat, Exposure: 2, Gain: 50, Offset: 10, BinX: 1, BinY: 1}
	plane := Plane{Width: 2, Height: 1, Pixels: []uint16{111, 222}}

	path, err := WriteMaster(dir, meta, plane)
	if err != nil {
		t.Fatalf("WriteMaster failed: %v", err)
	}
	if filepath.Base(path) != masterFileName(meta) {
		t.Fatalf("WriteMaster path = %q, want basename %q", path, masterFileName(meta))
	}
}

func TestMasterFileNameEncodesSettings(t *testing.T) {
	meta := MasterMeta{Camera: "ZWO ASI1600", Kind: MasterDark, Exposure: 60, Gain: 100, Offset: 20, BinX: 2, BinY: 2, Temperature: -10, HasTemp: true}
	name := masterFileName(meta)
	want := "ZWO_ASI1600_dark_exp60.000_g100_o20_bin2x2_t-10.0.amst"
	if name != want {
		t.Fatalf("masterFileName() = %q, want %q", name, want)
	}
}

func TestMasterFileNameOmitsTemperatureWhenAbsent(t *testing.T) {
	meta := MasterMeta{Camera: "cam", Kind: MasterBias, Exposure: 0, BinX: 1, BinY: 1}
	name := masterFileName(meta)
	if filepath.Ext(name) != ".amst" {
		t.Fatalf("expected .amst extension, got %q", name)
	}
	want := "cam_bias_exp0.000_g0_o0_bin1x1.amst"
	if name != want {
		t.Fatalf("masterFileName() = %q, want %q", name, want)
	}
}

func TestSanitizeReplacesUnsafeCharacters(t *testing.T) {
	got := sanitize("ZWO ASI1600/Pro:Cool")
	want := "ZWO_ASI1600_Pro_Cool"
	if got != want {
		t.Fatalf("sanitize() = %q, want %q", got, want)
	}
}

func TestNextSessionDirFindsFirstFreeSlot(t *testing.T) {
	root := t.TempDir()
	now := time.Date(2026, 7, 29, 22, 0, 0, 0, time.UTC)

	first, err := NextSessionDir(root, "CCD Simulator", now)
	if err != nil {
		t.Fatalf("NextSessionDir failed: %v", err)
	}
	if filepath.Base(first) != "1" {
		t.Fatalf("first session dir = %q, want basename 1", first)
	}

	second, err := NextSessionDir(root, "CCD Simulator", now)
	if err != nil {
		t.Fatalf("NextSessionDir failed: %v", err)
	}
	if filepath.Base(second) != "2" {
		t.Fatalf("second session dir = %q, want basename 2 (first already exists)", second)
	}
}

func TestFrameFilePrefixMapsKnownTypes(t *testing.T) {
	cases := map[string]string{"flat": "flat", "dark": "dark", "bias": "bias", "light": "light", "": "light"}
	for in, want := range cases {
		if got := FrameFilePrefix(in); got != want {
			t.Fatalf("FrameFilePrefix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCounterNextIsMonotonicAndNeverRepeats(t *testing.T) {
	var c Counter
	first := c.Next("light", ".araw")
	second := c.Next("light", ".araw")
	if first == second {
		t.Fatalf("Counter.Next returned the same name twice: %q", first)
	}
	if first != "light_000001.araw" {
		t.Fatalf("first name = %q, want light_000001.araw", first)
	}
	if second != "light_000002.araw" {
		t.Fatalf("second name = %q, want light_000002.araw", second)
	}
}

func TestSortedMasterFilesDoesNotMutateInput(t *testing.T) {
	in := []string{"b.amst", "a.amst"}
	out := SortedMasterFiles(in)
	if in[0] != "b.amst" {
		t.Fatal("SortedMasterFiles must not mutate its input slice")
	}
	if out[0] != "a.amst" || out[1] != "b.amst" {
		t.Fatalf("SortedMasterFiles() = %v, want sorted order", out)
	}
}
