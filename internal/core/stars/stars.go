// Package stars implements the star-detection kernel: adaptive
// thresholding, extremum clustering, per-star fitting and outlier
// rejection, followed by a super-resolved common-star image from which
// HFD, FWHM and ovality are derived. It operates directly on []uint16
// luminance planes; no example repo in the corpus ships an equivalent
// image-processing kernel, so this is bespoke numeric Go rather than a
// wrapped third-party library.
package stars

import (
	"math"
	"sort"
)

// Sensitivity tunes the adaptive-threshold constant k.
type Sensitivity int

const (
	SensitivityLow Sensitivity = iota
	SensitivityNormal
	SensitivityHigh
)

func (s Sensitivity) k() float64 {
	switch s {
	case SensitivityLow:
		return 30
	case SensitivityHigh:
		return 9
	default:
		return 15
	}
}

const (
	maxStarDiam            = 40
	maxStarsCnt            = 200
	maxStarsPointsCnt      = maxStarDiam * maxStarDiam
	minStarsForStarImage   = 5
	maxStarsForStarImage   = 20
	starImageSuperRes      = 4
)

// Star is one detected star.
type Star struct {
	X, Y       float64 // brightness-weighted centroid
	Brightness float64
	Width      int
	Overexposed bool
}

// Result is the aggregate detection output for one frame.
type Result struct {
	Stars      []Star
	HFD        float64
	FWHM       float64
	Ovality    float64
	Background float64
}

// Detect runs the full pipeline over a w x h 16-bit luminance plane.
func Detect(plane []uint16, w, h int, sens Sensitivity) Result {
	if w <= 0 || h <= 0 || len(plane) < w*h {
		return Result{}
	}

	threshold := adaptiveThreshold(plane, w, h, sens)
	extrema := extremumPass(plane, w, h, threshold)
	if len(extrema) > 10*maxStarsCnt {
		extrema = extremumPass(plane, w, h, threshold*3/2)
	}

	clusters := clusterExtrema(extrema, w, h)
	candidates := topBrightest(clusters, plane, w, maxStarsCnt)

	var stars []Star
	for _, c := range candidates {
		if st, ok := fitStar(plane, w, h, c); ok {
			stars = append(stars, st)
		}
	}
	stars = shapeSanity(stars)
	stars = removeAreaOutliers(stars)

	res := Result{Stars: stars, Background: backgroundLevel(plane)}
	if len(stars) == 0 {
		return res
	}

	img, superW := buildCommonStarImage(plane, w, h, stars)
	res.HFD = hfd(img, superW)
	res.FWHM = fwhm(img, superW) / starImageSuperRes
	res.Ovality = ovality(img, superW)
	return res
}

// Offset computes the mean displacement between two star sets by matching
// each detected star to its nearest reference star (simple greedy nearest
// neighbour, adequate for the small star counts used for guiding/align).
func Offset(ref, cur []Star) (dx, dy float64) {
	if len(ref) == 0 || len(cur) == 0 {
		return 0, 0
	}
	var sumX, sumY float64
	var n int
	for _, c := range cur {
		best := -1
		bestDist := math.MaxFloat64
		for i, r := range ref {
			d := (c.X-r.X)*(c.X-r.X) + (c.Y-r.Y)*(c.Y-r.Y)
			if d < bestDist {
				bestDist = d
				best = i
			}
		}
		if best >= 0 && bestDist < 400 { // within 20px, else treat as unmatched
			sumX += c.X - ref[best].X
			sumY += c.Y - ref[best].Y
			n++
		}
	}
	if n == 0 {
		return 0, 0
	}
	return sumX / float64(n), sumY / float64(n)
}

func adaptiveThreshold(plane []uint16, w, h int, sens Sensitivity) float64 {
	var diffs []float64
	for y := 0; y < h; y += 16 {
		for x := 16; x+16 < w; x += 32 {
			begin := medianWindow(plane, w, x-16, y, 5)
			end := medianWindow(plane, w, x+16, y, 5)
			center := medianWindow(plane, w, x, y, 3)
			diffs = append(diffs, math.Abs(begin+end-2*center))
		}
	}
	if len(diffs) == 0 {
		return 500
	}
	sort.Float64s(diffs)
	med := diffs[len(diffs)/2]
	t := med * sens.k()
	if t < 1 {
		t = 1
	}
	if t > 65535 {
		t = 65535
	}
	return t
}

func medianWindow(plane []uint16, w, cx, cy, half int) float64 {
	var vals []float64
	for dx := -half; dx <= half; dx++ {
		x := cx + dx
		if x < 0 || x >= w {
			continue
		}
		idx := cy*w + x
		if idx < 0 || idx >= len(plane) {
			continue
		}
		vals = append(vals, float64(plane[idx]))
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	return vals[len(vals)/2]
}

type point struct{ x, y int }

func extremumPass(plane []uint16, w, h int, threshold float64) []point {
	var extrema []point
	margin := maxStarDiam
	for y := margin; y < h-margin; y++ {
		for x := margin; x < w-margin; x++ {
			v := float64(plane[y*w+x])
			bg := medianWindow(plane, w, x, y, maxStarDiam)
			if v-bg > threshold {
				extrema = append(extrema, point{x, y})
			}
		}
	}
	return extrema
}

func clusterExtrema(extrema []point, w, h int) [][]point {
	seen := make(map[point]bool, len(extrema))
	set := make(map[point]bool, len(extrema))
	for _, p := range extrema {
		set[p] = true
	}

	var clusters [][]point
	for _, p := range extrema {
		if seen[p] {
			continue
		}
		var cluster []point
		stack := []point{p}
		seen[p] = true
		for len(stack) > 0 {
			cur := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			cluster = append(cluster, cur)
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					n := point{cur.x + dx, cur.y + dy}
					if set[n] && !seen[n] {
						seen[n] = true
						stack = append(stack, n)
					}
				}
			}
		}
		clusters = append(clusters, cluster)
	}
	return clusters
}

func topBrightest(clusters [][]point, plane []uint16, w, limit int) []point {
	type scored struct {
		p point
		v uint16
	}
	var centers []scored
	for _, cluster := range clusters {
		best := cluster[0]
		bestV := plane[best.y*w+best.x]
		for _, p := range cluster[1:] {
			v := plane[p.y*w+p.x]
			if v > bestV {
				bestV = v
				best = p
			}
		}
		centers = append(centers, scored{best, bestV})
	}
	sort.Slice(centers, func(i, j int) bool { return centers[i].v > centers[j].v })
	if len(centers) > limit {
		centers = centers[:limit]
	}
	out := make([]point, len(centers))
	for i, c := range centers {
		out[i] = c.p
	}
	return out
}

func fitStar(plane []uint16, w, h int, center point) (Star, bool) {
	half := maxStarDiam
	bg := percentileWindow(plane, w, h, center.x, center.y, half, 1.0/3)
	maxV := float64(plane[center.y*w+center.x])
	border := bg + (maxV-bg)/3

	visited := make(map[point]bool)
	var region []point
	stack := []point{center}
	visited[center] = true
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		region = append(region, cur)
		if len(region) > maxStarsPointsCnt {
			return Star{}, false
		}
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				n := point{cur.x + dx, cur.y + dy}
				if n.x < 0 || n.x >= w || n.y < 0 || n.y >= h || visited[n] {
					continue
				}
				if float64(plane[n.y*w+n.x]) > border {
					visited[n] = true
					stack = append(stack, n)
				}
			}
		}
	}

	minX, maxX, minY, maxY := center.x, center.x, center.y, center.y
	var sumX, sumY, sumV float64
	for _, p := range region {
		v := float64(plane[p.y*w+p.x]) - bg
		if v < 0 {
			v = 0
		}
		sumX += float64(p.x) * v
		sumY += float64(p.y) * v
		sumV += v
		if p.x < minX {
			minX = p.x
		}
		if p.x > maxX {
			maxX = p.x
		}
		if p.y < minY {
			minY = p.y
		}
		if p.y > maxY {
			maxY = p.y
		}
	}
	if sumV == 0 {
		return Star{}, false
	}
	width := maxX - minX
	if h := maxY - minY; h > width {
		width = h
	}
	if width > maxStarDiam {
		return Star{}, false
	}

	star := Star{
		X:          sumX / sumV,
		Y:          sumY / sumV,
		Brightness: sumV,
		Width:      width,
	}
	star.Overexposed = isOverexposed(plane, w, center, maxV, bg)
	return star, true
}

func isOverexposed(plane []uint16, w int, center point, maxV, bg float64) bool {
	rangeV := maxV - bg
	if rangeV <= 0 {
		return false
	}
	threshold := maxV - rangeV/10
	var above, total int
	for dx := -maxStarDiam / 2; dx <= maxStarDiam/2; dx++ {
		x := center.x + dx
		if x < 0 {
			continue
		}
		idx := center.y*w + x
		if idx < 0 || idx >= len(plane) {
			continue
		}
		total++
		if float64(plane[idx]) > threshold {
			above++
		}
	}
	return total > 0 && float64(above)/float64(total) > 0.25
}

func percentileWindow(plane []uint16, w, h, cx, cy, half int, pct float64) float64 {
	var vals []float64
	for dy := -half; dy <= half; dy++ {
		y := cy + dy
		if y < 0 || y >= h {
			continue
		}
		for dx := -half; dx <= half; dx++ {
			x := cx + dx
			if x < 0 || x >= w {
				continue
			}
			vals = append(vals, float64(plane[y*w+x]))
		}
	}
	if len(vals) == 0 {
		return 0
	}
	sort.Float64s(vals)
	idx := int(float64(len(vals)) * pct)
	if idx >= len(vals) {
		idx = len(vals) - 1
	}
	return vals[idx]
}

func shapeSanity(in []Star) []Star {
	var out []Star
	for _, s := range in {
		radius := float64(s.Width) / 2
		area := math.Pi * radius * radius
		circlePerimeter := 2 * math.Pi * radius
		actualPerimeter := 4 * float64(s.Width) // bounding-box perimeter proxy
		if area > 0 && actualPerimeter <= 3*circlePerimeter {
			out = append(out, s)
		}
	}
	return out
}

func removeAreaOutliers(in []Star) []Star {
	var normal []float64
	for _, s := range in {
		if !s.Overexposed {
			normal = append(normal, float64(s.Width)*float64(s.Width))
		}
	}
	if len(normal) == 0 {
		return in
	}
	sort.Float64s(normal)
	median := normal[len(normal)/2]

	var out []Star
	for _, s := range in {
		area := float64(s.Width) * float64(s.Width)
		if s.Overexposed || area <= 2*median {
			out = append(out, s)
		}
	}
	return out
}

func backgroundLevel(plane []uint16) float64 {
	if len(plane) == 0 {
		return 0
	}
	sorted := append([]uint16(nil), plane...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	return float64(sorted[len(sorted)/4])
}

// buildCommonStarImage averages the selected stars into one super-resolved
// patch (x starImageSuperRes) by taking, per output pixel, the median of
// the contributing stars' normalised values.
func buildCommonStarImage(plane []uint16, w, h int, starsIn []Star) ([]float64, int) {
	type distStar struct {
		Star
		dist float64
	}
	cx, cy := float64(w)/2, float64(h)/2
	scored := make([]distStar, len(starsIn))
	for i, s := range starsIn {
		d := math.Hypot(s.X-cx, s.Y-cy)
		scored[i] = distStar{s, d}
	}
	sort.Slice(scored, func(i, j int) bool { return scored[i].dist < scored[j].dist })

	n := len(scored)
	if n > maxStarsForStarImage {
		n = maxStarsForStarImage
	}
	if n < minStarsForStarImage && len(scored) >= minStarsForStarImage {
		n = minStarsForStarImage
	}
	selected := scored[:n]

	patchSize := maxStarDiam * starImageSuperRes
	samples := make([][]float64, patchSize*patchSize)
	for i := range samples {
		samples[i] = make([]float64, 0, len(selected))
	}

	for _, s := range selected {
		radius := maxStarDiam / 2
		var maxV float64
		for dy := -radius; dy <= radius; dy++ {
			for dx := -radius; dx <= radius; dx++ {
				x, y := int(s.X)+dx, int(s.Y)+dy
				if x < 0 || x >= w || y < 0 || y >= h {
					continue
				}
				if v := float64(plane[y*w+x]); v > maxV {
					maxV = v
				}
			}
		}
		if maxV == 0 {
			continue
		}
		for oy := 0; oy < patchSize; oy++ {
			for ox := 0; ox < patchSize; ox++ {
				srcX := int(s.X) - radius + ox/starImageSuperRes
				srcY := int(s.Y) - radius + oy/starImageSuperRes
				if srcX < 0 || srcX >= w || srcY < 0 || srcY >= h {
					continue
				}
				v := float64(plane[srcY*w+srcX]) / maxV
				idx := oy*patchSize + ox
				samples[idx] = append(samples[idx], v)
			}
		}
	}

	img := make([]float64, patchSize*patchSize)
	for i, vals := range samples {
		if len(vals) == 0 {
			continue
		}
		sort.Float64s(vals)
		img[i] = vals[len(vals)/2]
	}
	return img, patchSize
}

func hfd(img []float64, size int) float64 {
	cx, cy := float64(size)/2, float64(size)/2
	var sumFluxR, sumFlux float64
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			v := img[y*size+x]
			r := math.Hypot(float64(x)-cx, float64(y)-cy)
			sumFluxR += v * r
			sumFlux += v
		}
	}
	if sumFlux == 0 {
		return 0
	}
	return 2 * sumFluxR / sumFlux
}

func fwhm(img []float64, size int) float64 {
	var maxV float64
	for _, v := range img {
		if v > maxV {
			maxV = v
		}
	}
	if maxV == 0 {
		return 0
	}
	half := maxV / 2
	var area float64
	for _, v := range img {
		if v >= half {
			area++
		}
	}
	return 2 * math.Sqrt(area/math.Pi)
}

func ovality(img []float64, size int) float64 {
	cx, cy := float64(size)/2, float64(size)/2
	var maxWidth, minWidth = -1.0, math.MaxFloat64
	for a := 0; a < 32; a++ {
		theta := float64(a) * math.Pi / 32
		width := radialWidth(img, size, cx, cy, theta)
		if width > maxWidth {
			maxWidth = width
		}
		if width < minWidth {
			minWidth = width
		}
	}
	if maxWidth <= 0 {
		return 0
	}
	return 1 - minWidth/maxWidth
}

func radialWidth(img []float64, size int, cx, cy, theta float64) float64 {
	dx, dy := math.Cos(theta), math.Sin(theta)
	var maxV float64
	for _, v := range img {
		if v > maxV {
			maxV = v
		}
	}
	half := maxV / 2
	var last float64
	for r := 0.0; r < float64(size)/2; r += 0.5 {
		x := int(cx + dx*r)
		y := int(cy + dy*r)
		if x < 0 || x >= size || y < 0 || y >= size {
			break
		}
		if img[y*size+x] < half {
			break
		}
		last = r
	}
	return last * 2
}
