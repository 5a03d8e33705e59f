package preprocess

import (
	"image"
	"image/color"

	"github.com/nfnt/resize"
)

// resizeGray scales src to tw×th. Downscaling uses area averaging, which
// integrates every source pixel covered by an output cell and so avoids the
// aliasing a point-sampling filter would introduce. Upscaling (a digit crop
// smaller than the target) falls back to bilinear interpolation.
func resizeGray(src *image.Gray, tw, th int) *image.Gray {
	sw := src.Rect.Dx()
	sh := src.Rect.Dy()
	if sw == tw && sh == th {
		return src
	}
	if sw >= tw && sh >= th {
		return areaAverage(src, tw, th)
	}
	return toGray(resize.Resize(uint(tw), uint(th), src, resize.Bilinear))
}

// areaAverage computes each output pixel as the mean of the exact source box
// it covers, with fractional weights on the box edges.
func areaAverage(src *image.Gray, tw, th int) *image.Gray {
	sw := src.Rect.Dx()
	sh := src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, tw, th))

	scaleX := float64(sw) / float64(tw)
	scaleY := float64(sh) / float64(th)

	for oy := 0; oy < th; oy++ {
		y0 := float64(oy) * scaleY
		y1 := float64(oy+1) * scaleY
		for ox := 0; ox < tw; ox++ {
			x0 := float64(ox) * scaleX
			x1 := float64(ox+1) * scaleX

			var sum, weight float64
			for sy := int(y0); sy < sh && float64(sy) < y1; sy++ {
				wy := boxOverlap(float64(sy), float64(sy+1), y0, y1)
				if wy == 0 {
					continue
				}
				for sx := int(x0); sx < sw && float64(sx) < x1; sx++ {
					wx := boxOverlap(float64(sx), float64(sx+1), x0, x1)
					if wx == 0 {
						continue
					}
					w := wx * wy
					sum += w * float64(src.GrayAt(sx, sy).Y)
					weight += w
				}
			}
			if weight > 0 {
				dst.SetGray(ox, oy, grayColor(uint8(sum/weight+0.5)))
			}
		}
	}
	return dst
}

// boxOverlap returns the length of the intersection of [a0,a1) and [b0,b1).
func boxOverlap(a0, a1, b0, b1 float64) float64 {
	lo := max(a0, b0)
	hi := min(a1, b1)
	if hi <= lo {
		return 0
	}
	return hi - lo
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	bounds := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			dst.Set(x-bounds.Min.X, y-bounds.Min.Y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return dst
}
