// Package rawio decodes the vendor-specific 16-bit sensor blob the device
// protocol delivers and encodes/decodes the master-frame container this
// system writes to disk. Neither format is a standard image container, and
// no example repo in the corpus ships a decoder for either, so both are
// implemented directly on encoding/binary rather than reaching for an
// image-format library that does not fit.
package rawio

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Plane is a decoded single-channel 16-bit sensor readout.
type Plane struct {
	Width, Height int
	BitDepth      int
	IsColor       bool
	BayerPattern  string
	Pixels        []uint16
}

// Decode parses a raw blob payload: a fixed 16-byte header (magic, width,
// height, bit depth, color flag, bayer pattern code) followed by
// little-endian uint16 samples, matching the shape the device-protocol
// blob events deliver for this sensor family.
func Decode(blob []byte) (Plane, error) {
	if len(blob) < 16 {
		return Plane{}, fmt.Errorf("rawio: blob too short (%d bytes)", len(blob))
	}
	r := bytes.NewReader(blob)
	var hdr struct {
		Magic    [4]byte
		Width    uint32
		Height   uint32
		BitDepth uint8
		Color    uint8
		Bayer    uint8
		_        uint8 // padding to 16 bytes
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return Plane{}, fmt.Errorf("rawio: decode header: %w", err)
	}
	if string(hdr.Magic[:]) != "ARAW" {
		return Plane{}, fmt.Errorf("rawio: unrecognised blob magic %q", hdr.Magic)
	}

	count := int(hdr.Width) * int(hdr.Height)
	pixels := make([]uint16, count)
	if err := binary.Read(r, binary.LittleEndian, &pixels); err != nil {
		return Plane{}, fmt.Errorf("rawio: decode pixels: %w", err)
	}

	return Plane{
		Width:        int(hdr.Width),
		Height:       int(hdr.Height),
		BitDepth:     int(hdr.BitDepth),
		IsColor:      hdr.Color != 0,
		BayerPattern: bayerName(hdr.Bayer),
		Pixels:       pixels,
	}, nil
}

func bayerName(code uint8) string {
	switch code {
	case 1:
		return "RGGB"
	case 2:
		return "BGGR"
	case 3:
		return "GRBG"
	case 4:
		return "GBRG"
	default:
		return ""
	}
}
