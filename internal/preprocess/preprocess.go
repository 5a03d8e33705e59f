// Package preprocess converts arbitrary raster images into the canonical
// 28x28 normalized tensors the digit models expect. The pipeline is a pure
// function of the input bytes: identical bytes always produce identical
// tensors.
package preprocess

import (
	"bytes"
	"image"

	"github.com/ihdrs/digitserver/internal/tensor"
)

const (
	// TargetSize is the side length of the square tensor handed to models.
	TargetSize = 28

	// DefaultMaxImageSize caps uploads at 5 MB.
	DefaultMaxImageSize = 5 * 1024 * 1024

	roiMargin    = 5
	minCropSize  = 10
	maxDimension = 5000
	minDimension = 10
)

// Preprocess runs the full pipeline: decode, grayscale, denoise, binarize
// with an Otsu threshold (ink becomes foreground), isolate the largest
// connected region, resize to TargetSize and normalize to [0,1].
//
// Only an undecodable input returns an error. Images without a usable
// foreground region fall back to the full binarized canvas.
func Preprocess(imageBytes []byte) (*tensor.Tensor, error) {
	gray, err := decodeGray(imageBytes)
	if err != nil {
		return nil, err
	}

	bin := binarizeInv(gaussianBlur(gray))
	roi := extractROI(bin)
	return normalize(resizeGray(roi, TargetSize, TargetSize)), nil
}

// extractROI isolates the digit from the binarized canvas. The largest
// connected component wins, its box grows by roiMargin on every side so
// anti-aliased edges survive the crop, and anything smaller than
// minCropSize in either dimension is treated as noise.
func extractROI(bin *image.Gray) *image.Gray {
	largest, ok := largestRegion(findRegions(bin))
	if !ok {
		return bin
	}
	if largest.rect.Dx() < minCropSize || largest.rect.Dy() < minCropSize {
		// A region that small is more likely noise than a digit.
		return bin
	}

	crop := largest.rect.Inset(-roiMargin).Intersect(bin.Rect)
	if crop.Dx() < minCropSize || crop.Dy() < minCropSize {
		return bin
	}
	return cropGray(bin, crop)
}

// Segment splits an image containing several digits into one tensor per
// digit, ordered left to right. Regions with a bounding box under 10x10 in
// either dimension are dropped. Decode failures and empty results both yield
// an empty slice.
func Segment(imageBytes []byte) []*tensor.Tensor {
	gray, err := decodeGray(imageBytes)
	if err != nil {
		return nil
	}

	bin := binarizeInv(gaussianBlur(gray))
	regions := findRegions(bin)
	sortByX(regions)

	var digits []*tensor.Tensor
	for _, r := range regions {
		if r.rect.Dx() < minCropSize || r.rect.Dy() < minCropSize {
			continue
		}
		crop := cropGray(bin, r.rect)
		digits = append(digits, normalize(resizeGray(crop, TargetSize, TargetSize)))
	}
	return digits
}

// Validate is the fast-reject guard run before any full decode: it checks
// the byte length against maxSize and the declared dimensions against the
// 10px..5000px range using only the image header.
func Validate(imageBytes []byte, maxSize int) bool {
	if len(imageBytes) > maxSize {
		return false
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(imageBytes))
	if err != nil {
		return false
	}
	if cfg.Width > maxDimension || cfg.Height > maxDimension {
		return false
	}
	if cfg.Width < minDimension || cfg.Height < minDimension {
		return false
	}
	return true
}

// normalize scales 8-bit pixels into [0,1] floats.
func normalize(img *image.Gray) *tensor.Tensor {
	w := img.Rect.Dx()
	h := img.Rect.Dy()
	data := make([]float32, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = float32(img.GrayAt(x, y).Y) / 255.0
		}
	}
	t, _ := tensor.New2D(h, w, data)
	return t
}
