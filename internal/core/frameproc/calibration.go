package frameproc

import (
	"fmt"
	"os"
	"path/filepath"

	"astrocore/internal/config"
	"astrocore/internal/rawio"

	"gopkg.in/gographics/imagick.v3/imagick"
)

func decode(blob Blob) ([]uint16, error) {
	plane, err := rawio.Decode(blob.Bytes)
	if err != nil {
		return nil, err
	}
	return plane.Pixels, nil
}

// applyCalibration subtracts dark/bias, replaces defective pixels, and
// divides by the flat, in that order. Subtraction and defect replacement
// are plain loops over the plane; only the flat division (dividePlane)
// goes through an ImageMagick MagickWand composite.
func applyCalibration(plane []uint16, w, h int, params config.CalibrParams) CalibrMethods {
	var methods CalibrMethods

	if params.DarkPath != "" {
		if dark, err := loadMasterPlane(params.DarkPath, w, h); err == nil {
			subtractPlane(plane, dark)
			methods |= CalibrSubDark
		}
	} else if params.BiasPath != "" {
		if bias, err := loadMasterPlane(params.BiasPath, w, h); err == nil {
			subtractPlane(plane, bias)
			methods |= CalibrSubBias
		}
	}

	if params.HotPixels != "" {
		if coords, err := loadDefectMap(params.HotPixels); err == nil {
			replaceDefects(plane, w, h, coords)
			methods |= CalibrDefectPixels
		}
	}

	if params.FlatPath != "" {
		if flat, err := loadMasterPlane(params.FlatPath, w, h); err == nil {
			dividePlane(plane, flat, w, h)
			methods |= CalibrDivFlat
		}
	}

	return methods
}

func loadMasterPlane(path string, w, h int) ([]uint16, error) {
	return decodeMaster(path, w, h)
}

func decodeMaster(path string, w, h int) ([]uint16, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < 12 {
		return nil, fmt.Errorf("frameproc: master file %s too short", path)
	}
	body := raw[12:]
	count := w * h
	out := make([]uint16, count)
	for i := 0; i < count && i*2+1 < len(body); i++ {
		out[i] = uint16(body[i*2]) | uint16(body[i*2+1])<<8
	}
	return out, nil
}

func loadDefectMap(path string) ([][2]int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var coords [][2]int
	for i := 0; i+3 < len(raw); i += 4 {
		x := int(raw[i]) | int(raw[i+1])<<8
		y := int(raw[i+2]) | int(raw[i+3])<<8
		coords = append(coords, [2]int{x, y})
	}
	return coords, nil
}

func subtractPlane(plane, dark []uint16) {
	for i := range plane {
		if i >= len(dark) {
			break
		}
		if plane[i] > dark[i] {
			plane[i] -= dark[i]
		} else {
			plane[i] = 0
		}
	}
}

// dividePlane normalises the flat to its own mean, then divides plane by it
// pixel-wise via an ImageMagick composite (COMPOSITE_OP_DIVIDE_DST),
// falling back to the equivalent manual arithmetic if the wand path fails
// (e.g. the flat/plane shapes disagree).
func dividePlane(plane, flat []uint16, w, h int) {
	mean, _, _ := stats(flat)
	if mean == 0 {
		return
	}
	normalizedFlat := make([]uint16, len(flat))
	for i, v := range flat {
		nv := float64(v)
		if nv == 0 {
			nv = mean
		}
		normalizedFlat[i] = uint16(nv)
	}

	if lightWand, err := planeToWand(plane, w, h); err == nil {
		defer lightWand.Destroy()
		if flatWand, err := planeToWand(normalizedFlat, w, h); err == nil {
			defer flatWand.Destroy()
			if err := compositeWands(lightWand, flatWand, imagick.COMPOSITE_OP_DIVIDE_DST); err == nil {
				if out, err := wandToPlane(lightWand, w, h); err == nil {
					copy(plane, out)
					return
				}
			}
		}
	}

	for i := range plane {
		if i >= len(flat) || flat[i] == 0 {
			continue
		}
		v := float64(plane[i]) * mean / float64(flat[i])
		if v > 65535 {
			v = 65535
		}
		plane[i] = uint16(v)
	}
}

func replaceDefects(plane []uint16, w, h int, coords [][2]int) {
	for _, c := range coords {
		x, y := c[0], c[1]
		if x <= 0 || y <= 0 || x >= w-1 || y >= h-1 {
			continue
		}
		neighbors := []uint16{
			plane[(y-1)*w+x], plane[(y+1)*w+x], plane[y*w+x-1], plane[y*w+x+1],
		}
		var sum uint32
		for _, n := range neighbors {
			sum += uint32(n)
		}
		plane[y*w+x] = uint16(sum / uint32(len(neighbors)))
	}
}

// compositeWands composites b onto a with op; dividePlane uses it for the
// flat-field division.
func compositeWands(a, b *imagick.MagickWand, op imagick.CompositeOperator) error {
	return a.CompositeImage(b, op, true, 0, 0)
}

func planeToWand(plane []uint16, w, h int) (*imagick.MagickWand, error) {
	wand := imagick.NewMagickWand()
	pixels := make([]byte, len(plane)*2)
	for i, v := range plane {
		pixels[i*2] = byte(v)
		pixels[i*2+1] = byte(v >> 8)
	}
	if err := wand.ConstituteImage(uint(w), uint(h), "I", imagick.PIXEL_SHORT, pixels); err != nil {
		wand.Destroy()
		return nil, err
	}
	return wand, nil
}

func wandToPlane(wand *imagick.MagickWand, w, h int) ([]uint16, error) {
	pixels, err := wand.ExportImagePixels(0, 0, uint(w), uint(h), "I", imagick.PIXEL_SHORT)
	if err != nil {
		return nil, err
	}
	out := make([]uint16, w*h)
	for i := range out {
		if v, ok := pixels[i].(uint16); ok {
			out[i] = v
		}
	}
	return out, nil
}

func writeRawFile(sessionDir, fileName string, blob Blob) error {
	if err := os.MkdirAll(sessionDir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(sessionDir, fileName), blob.Bytes, 0o644)
}
