package preprocess

import "image"

// otsuThreshold picks the binarization threshold that maximizes between-class
// variance of the intensity histogram. Fixed thresholds break down across
// lighting and input-device conditions; this adapts per image.
func otsuThreshold(src *image.Gray) uint8 {
	var hist [256]int
	total := src.Rect.Dx() * src.Rect.Dy()
	for y := 0; y < src.Rect.Dy(); y++ {
		for x := 0; x < src.Rect.Dx(); x++ {
			hist[src.GrayAt(x, y).Y]++
		}
	}

	var sum float64
	for i, n := range hist {
		sum += float64(i) * float64(n)
	}

	var (
		sumBg     float64
		weightBg  int
		bestVar   float64
		threshold uint8
	)
	for t := 0; t < 256; t++ {
		weightBg += hist[t]
		if weightBg == 0 {
			continue
		}
		weightFg := total - weightBg
		if weightFg == 0 {
			break
		}
		sumBg += float64(t) * float64(hist[t])

		meanBg := sumBg / float64(weightBg)
		meanFg := (sum - sumBg) / float64(weightFg)
		diff := meanBg - meanFg
		between := float64(weightBg) * float64(weightFg) * diff * diff
		if between > bestVar {
			bestVar = between
			threshold = uint8(t)
		}
	}
	return threshold
}

// binarizeInv thresholds with inverted polarity: dark ink becomes 255
// (foreground), light background becomes 0.
func binarizeInv(src *image.Gray) *image.Gray {
	t := otsuThreshold(src)
	w := src.Rect.Dx()
	h := src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if src.GrayAt(x, y).Y <= t {
				dst.SetGray(x, y, grayColor(255))
			}
		}
	}
	return dst
}
