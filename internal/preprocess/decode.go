package preprocess

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// ErrDecode marks image bytes that cannot be decoded at all. Every other
// pipeline stage degrades instead of failing.
var ErrDecode = errors.New("preprocess: undecodable image")

// decodeGray decodes raw bytes and reduces them to 8-bit luminance.
// Transparent pixels are composited onto an opaque white background first, so
// a digit drawn on a transparent canvas keeps a white background instead of
// whatever happens to live in the color channels.
func decodeGray(data []byte) (*image.Gray, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return flattenToGray(img), nil
}

// flattenToGray composites onto white and converts to grayscale using the
// BT.601 luma weights (0.299 R + 0.587 G + 0.114 B). The weighted conversion
// decides which pixels cross the binarization threshold, so a naive channel
// average is not equivalent.
func flattenToGray(img image.Image) *image.Gray {
	bounds := img.Bounds()
	gray := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, a := img.At(x, y).RGBA()

			// RGBA returns alpha-premultiplied channels, so compositing
			// over white is channel + (1 - alpha) * white.
			if a < 0xffff {
				inv := 0xffff - a
				r = min(r+inv, 0xffff)
				g = min(g+inv, 0xffff)
				b = min(b+inv, 0xffff)
			}

			luma := (299*r + 587*g + 114*b) / 1000
			gray.SetGray(x-bounds.Min.X, y-bounds.Min.Y, grayColor(uint8(luma>>8)))
		}
	}
	return gray
}

// gaussianBlur applies a 3x3 Gaussian kernel (1-2-1 separable, /16) with
// clamped edges. It removes the speckle noise that would otherwise fragment
// connected regions during extraction.
func gaussianBlur(src *image.Gray) *image.Gray {
	w := src.Rect.Dx()
	h := src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))

	clamp := func(v, lo, hi int) int {
		if v < lo {
			return lo
		}
		if v > hi {
			return hi
		}
		return v
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum uint32
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					sy := clamp(y+dy, 0, h-1)
					sx := clamp(x+dx, 0, w-1)
					weight := uint32(kernel3[dy+1][dx+1])
					sum += weight * uint32(src.GrayAt(sx, sy).Y)
				}
			}
			dst.SetGray(x, y, grayColor(uint8((sum+8)/16)))
		}
	}
	return dst
}

func grayColor(v uint8) color.Gray { return color.Gray{Y: v} }

var kernel3 = [3][3]uint8{
	{1, 2, 1},
	{2, 4, 2},
	{1, 2, 1},
}
