package frameproc

import (
	"math"

	"astrocore/internal/config"
)

// debayerLuminance produces a single-channel luminance plane from a
// Bayer-patterned sensor readout by averaging each 2x2 super-pixel's four
// samples — sufficient for star detection, which only needs relative
// brightness, not full-color demosaicing.
func debayerLuminance(plane []uint16, w, h int, pattern string) []uint16 {
	out := make([]uint16, w*h)
	for y := 0; y < h; y += 2 {
		for x := 0; x < w; x += 2 {
			var sum uint32
			var n int
			for dy := 0; dy < 2 && y+dy < h; dy++ {
				for dx := 0; dx < 2 && x+dx < w; dx++ {
					sum += uint32(plane[(y+dy)*w+x+dx])
					n++
				}
			}
			avg := uint16(sum / uint32(n))
			for dy := 0; dy < 2 && y+dy < h; dy++ {
				for dx := 0; dx < 2 && x+dx < w; dx++ {
					out[(y+dy)*w+x+dx] = avg
				}
			}
		}
	}
	return out
}

// renderPreview derives an 8-bit RGB buffer for UI display: dark/light
// point clipping, gamma curve, then a block-averaged N x N reduction
// (never subsampling, to preserve SNR as the spec requires).
func renderPreview(plane []uint16, w, h int, opts config.PreviewOptions) ([]byte, int, int) {
	block := opts.ReduceBlock
	if block < 1 {
		block = 1
	}
	if block > 4 {
		block = 4
	}

	outW, outH := (w+block-1)/block, (h+block-1)/block
	rgb := make([]byte, outW*outH*3)

	dark := opts.DarkPoint
	light := opts.LightPoint
	if light <= dark {
		light = dark + 1
	}
	gamma := opts.Gamma
	if gamma <= 0 {
		gamma = 1.0
	}

	for by := 0; by < outH; by++ {
		for bx := 0; bx < outW; bx++ {
			var sum uint64
			var n int
			for dy := 0; dy < block; dy++ {
				y := by*block + dy
				if y >= h {
					continue
				}
				for dx := 0; dx < block; dx++ {
					x := bx*block + dx
					if x >= w {
						continue
					}
					sum += uint64(plane[y*w+x])
					n++
				}
			}
			if n == 0 {
				continue
			}
			avg := float64(sum) / float64(n) / 65535.0
			v := (avg - dark) / (light - dark)
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			v = math.Pow(v, 1.0/gamma)
			byteVal := byte(v * 255)

			idx := (by*outW + bx) * 3
			rgb[idx] = byteVal
			rgb[idx+1] = byteVal
			rgb[idx+2] = byteVal
		}
	}
	return rgb, outW, outH
}
