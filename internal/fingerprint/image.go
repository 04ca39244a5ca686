package fingerprint

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/image/draw"
)

const (
	dhashWidth  = 9
	dhashHeight = 8
)

// ImageDigest is the exact fingerprint of raw image bytes.
func ImageDigest(raw []byte) []byte {
	if len(raw) == 0 {
		return nil
	}
	sum := blake2b.Sum256(raw)
	return sum[:]
}

// ImageDHash decodes raw and computes its 64-bit difference hash.
func ImageDHash(raw []byte) (uint64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("image is empty")
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return 0, fmt.Errorf("decode image: %w", err)
	}
	return dhash(img)
}

// dhash shrinks img to 9x8 grayscale and sets one bit per pixel that is
// brighter than its right-hand neighbour.
func dhash(img image.Image) (uint64, error) {
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return 0, fmt.Errorf("image has no pixels")
	}

	dst := image.NewGray(image.Rect(0, 0, dhashWidth, dhashHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, bounds, draw.Src, nil)

	var hash uint64
	bit := 0
	for y := 0; y < dhashHeight; y++ {
		for x := 0; x < dhashWidth-1; x++ {
			left := dst.GrayAt(x, y).Y
			right := dst.GrayAt(x+1, y).Y
			if left > right {
				hash |= uint64(1) << bit
			}
			bit++
		}
	}
	return hash, nil
}
