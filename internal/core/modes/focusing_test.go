package modes

import "testing"

// TestFitParabolaRecoversExactVertex exercises a noise-free V-curve: a
// perfect parabola fit must locate the known minimum via -b/(2a).
func TestFitParabolaRecoversExactVertex(t *testing.T) {
	// y = 0.01*(x-5000)^2 + 2, vertex at x=5000.
	var samples []focusSample
	for _, dx := range []int{-200, -100, -50, 0, 50, 100, 200} {
		x := 5000 + dx
		y := 0.01*float64(dx*dx) + 2
		samples = append(samples, focusSample{position: x, fwhm: y})
	}

	a, b, _, r2 := fitParabola(samples)
	if a <= 0 {
		t.Fatalf("expected a positive leading coefficient for a valid V-curve, got %v", a)
	}
	if r2 < 0.99 {
		t.Fatalf("expected a near-perfect fit for a noise-free parabola, got r2=%v", r2)
	}

	vertex := -b / (2 * a)
	if diff := vertex - 5000; diff > 1 || diff < -1 {
		t.Fatalf("fitted vertex = %v, want ~5000", vertex)
	}
}

func TestFitParabolaRejectsTooFewSamples(t *testing.T) {
	samples := []focusSample{{position: 0, fwhm: 1}, {position: 1, fwhm: 2}}
	a, b, c, r2 := fitParabola(samples)
	if a != 0 || b != 0 || c != 0 || r2 != 0 {
		t.Fatalf("expected all-zero result for an undersized sample set, got a=%v b=%v c=%v r2=%v", a, b, c, r2)
	}
}

func TestFitParabolaOnCollinearPointsIsUnusable(t *testing.T) {
	// A straight line has no quadratic term: a should come out at or near
	// zero, which fitAndMove treats as "not a usable V-curve".
	var samples []focusSample
	for _, x := range []int{0, 100, 200, 300, 400} {
		samples = append(samples, focusSample{position: x, fwhm: float64(x) * 0.5})
	}
	a, _, _, _ := fitParabola(samples)
	if a > 1e-9 || a < -1e-9 {
		t.Fatalf("expected ~0 curvature fitting a straight line, got a=%v", a)
	}
}

func TestDet3ComputesDeterminant(t *testing.T) {
	got := det3(1, 0, 0, 0, 1, 0, 0, 0, 1)
	if got != 1 {
		t.Fatalf("det3(identity) = %v, want 1", got)
	}
	got = det3(2, 0, 0, 0, 3, 0, 0, 0, 4)
	if got != 24 {
		t.Fatalf("det3(diag(2,3,4)) = %v, want 24", got)
	}
}

func TestFocusingModePositionsAreSymmetricAroundCenter(t *testing.T) {
	m := &FocusingMode{StepSize: 10, NumSteps: 2, center: 1000}
	got := m.positions()
	want := []int{980, 990, 1000, 1010, 1020}
	if len(got) != len(want) {
		t.Fatalf("positions() returned %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("positions()[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}
