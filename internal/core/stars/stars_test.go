package stars

import (
	"math"
	"testing"
)

func flatPlane(w, h int, v uint16) []uint16 {
	plane := make([]uint16, w*h)
	for i := range plane {
		plane[i] = v
	}
	return plane
}

func TestDetectOnFlatPlaneFindsNoStars(t *testing.T) {
	w, h := 128, 128
	plane := flatPlane(w, h, 1000)
	res := Detect(plane, w, h, SensitivityNormal)
	if len(res.Stars) != 0 {
		t.Fatalf("expected no stars on a uniform plane, got %d", len(res.Stars))
	}
	if res.HFD != 0 || res.FWHM != 0 || res.Ovality != 0 {
		t.Fatalf("expected zero-valued aggregate metrics with no stars, got %+v", res)
	}
}

func TestDetectRejectsUndersizedPlane(t *testing.T) {
	res := Detect([]uint16{1, 2, 3}, 10, 10, SensitivityNormal)
	if len(res.Stars) != 0 {
		t.Fatalf("expected no stars when plane is shorter than w*h, got %d", len(res.Stars))
	}
}

func TestDetectZeroDimensionsReturnsEmptyResult(t *testing.T) {
	res := Detect(nil, 0, 0, SensitivityNormal)
	if len(res.Stars) != 0 || res.Background != 0 {
		t.Fatalf("expected a zero Result for zero dimensions, got %+v", res)
	}
}

// TestDetectIsIdempotent guards the invariant that running Detect twice over
// the same plane produces the same star set and aggregate metrics, since
// the pipeline performs no mutation of its input and carries no hidden
// state between calls.
func TestDetectIsIdempotent(t *testing.T) {
	w, h := 160, 160
	plane := flatPlane(w, h, 200)
	// A single bright gaussian-ish blob well clear of the detection margin.
	cx, cy := 80, 80
	for dy := -6; dy <= 6; dy++ {
		for dx := -6; dx <= 6; dx++ {
			d2 := float64(dx*dx + dy*dy)
			v := 200 + int(6000*math.Exp(-d2/18))
			if v > 65535 {
				v = 65535
			}
			plane[(cy+dy)*w+(cx+dx)] = uint16(v)
		}
	}

	first := Detect(plane, w, h, SensitivityNormal)
	second := Detect(plane, w, h, SensitivityNormal)

	if len(first.Stars) != len(second.Stars) {
		t.Fatalf("star count changed across repeated Detect calls: %d vs %d", len(first.Stars), len(second.Stars))
	}
	for i := range first.Stars {
		if first.Stars[i] != second.Stars[i] {
			t.Fatalf("star %d differs across repeated Detect calls: %+v vs %+v", i, first.Stars[i], second.Stars[i])
		}
	}
	if first.HFD != second.HFD || first.FWHM != second.FWHM || first.Ovality != second.Ovality {
		t.Fatalf("aggregate metrics differ across repeated Detect calls: %+v vs %+v", first, second)
	}
}

func TestOffsetEmptyInputsReturnsZero(t *testing.T) {
	dx, dy := Offset(nil, nil)
	if dx != 0 || dy != 0 {
		t.Fatalf("Offset(nil, nil) = (%v, %v), want (0, 0)", dx, dy)
	}
}

func TestOffsetIdenticalStarsIsZero(t *testing.T) {
	set := []Star{{X: 10, Y: 20}, {X: 50, Y: 60}}
	dx, dy := Offset(set, set)
	if dx != 0 || dy != 0 {
		t.Fatalf("Offset on identical star sets = (%v, %v), want (0, 0)", dx, dy)
	}
}

func TestOffsetMeasuresUniformShift(t *testing.T) {
	ref := []Star{{X: 10, Y: 10}, {X: 100, Y: 100}}
	cur := []Star{{X: 13, Y: 11}, {X: 103, Y: 101}}
	dx, dy := Offset(ref, cur)
	if dx != 3 || dy != 1 {
		t.Fatalf("Offset() = (%v, %v), want (3, 1)", dx, dy)
	}
}

func TestOffsetIgnoresUnmatchedFarStar(t *testing.T) {
	ref := []Star{{X: 10, Y: 10}}
	cur := []Star{{X: 11, Y: 11}, {X: 500, Y: 500}}
	dx, dy := Offset(ref, cur)
	if dx != 1 || dy != 1 {
		t.Fatalf("Offset() = (%v, %v), want (1, 1) ignoring the far unmatched star", dx, dy)
	}
}

func TestBackgroundLevelIsLowerQuartile(t *testing.T) {
	plane := []uint16{10, 20, 30, 40, 50, 60, 70, 80}
	got := backgroundLevel(plane)
	if got != 30 {
		t.Fatalf("backgroundLevel() = %v, want 30 (value at index len/4)", got)
	}
}

func TestBackgroundLevelEmptyPlane(t *testing.T) {
	if got := backgroundLevel(nil); got != 0 {
		t.Fatalf("backgroundLevel(nil) = %v, want 0", got)
	}
}

func TestShapeSanityRejectsZeroWidthStar(t *testing.T) {
	in := []Star{{Width: 0}, {Width: 10}}
	out := shapeSanity(in)
	if len(out) != 1 || out[0].Width != 10 {
		t.Fatalf("shapeSanity() = %+v, want only the width-10 star", out)
	}
}

func TestRemoveAreaOutliersKeepsOverexposedRegardlessOfSize(t *testing.T) {
	in := []Star{
		{Width: 5, Overexposed: false},
		{Width: 5, Overexposed: false},
		{Width: 100, Overexposed: true},
	}
	out := removeAreaOutliers(in)
	if len(out) != len(in) {
		t.Fatalf("removeAreaOutliers() dropped %d stars, want all kept since the oversized one is overexposed", len(in)-len(out))
	}
}

func TestRemoveAreaOutliersDropsOversizedNonExposedStar(t *testing.T) {
	in := []Star{
		{Width: 5, Overexposed: false},
		{Width: 5, Overexposed: false},
		{Width: 5, Overexposed: false},
		{Width: 50, Overexposed: false},
	}
	out := removeAreaOutliers(in)
	for _, s := range out {
		if s.Width == 50 {
			t.Fatalf("expected the oversized non-overexposed star to be dropped, got %+v", out)
		}
	}
}
