package preprocess

import (
	"image"
	"sort"
)

// region is one connected foreground component of a binarized image.
type region struct {
	area int
	rect image.Rectangle
}

// findRegions labels 8-connected foreground components and returns their
// pixel areas and bounding rectangles.
func findRegions(bin *image.Gray) []region {
	w := bin.Rect.Dx()
	h := bin.Rect.Dy()
	visited := make([]bool, w*h)
	var regions []region

	// Reused stack keeps the flood fill allocation-light across components.
	stack := make([]image.Point, 0, 256)

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if visited[y*w+x] || bin.GrayAt(x, y).Y == 0 {
				continue
			}

			r := region{rect: image.Rect(x, y, x+1, y+1)}
			stack = append(stack[:0], image.Pt(x, y))
			visited[y*w+x] = true

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				r.area++
				r.rect = r.rect.Union(image.Rect(p.X, p.Y, p.X+1, p.Y+1))

				for dy := -1; dy <= 1; dy++ {
					for dx := -1; dx <= 1; dx++ {
						nx, ny := p.X+dx, p.Y+dy
						if nx < 0 || ny < 0 || nx >= w || ny >= h {
							continue
						}
						if visited[ny*w+nx] || bin.GrayAt(nx, ny).Y == 0 {
							continue
						}
						visited[ny*w+nx] = true
						stack = append(stack, image.Pt(nx, ny))
					}
				}
			}
			regions = append(regions, r)
		}
	}
	return regions
}

// largestRegion returns the component with the greatest area, or false when
// the image has no foreground at all. Ties keep the first component found.
func largestRegion(regions []region) (region, bool) {
	if len(regions) == 0 {
		return region{}, false
	}
	best := regions[0]
	for _, r := range regions[1:] {
		if r.area > best.area {
			best = r
		}
	}
	return best, true
}

// sortByX orders regions left to right by bounding-box position. This is the
// reading order for multi-digit segmentation and must be stable so the same
// image always yields the same digit sequence.
func sortByX(regions []region) {
	sort.SliceStable(regions, func(i, j int) bool {
		return regions[i].rect.Min.X < regions[j].rect.Min.X
	})
}

// cropGray copies the given rectangle out of src into a fresh image.
func cropGray(src *image.Gray, r image.Rectangle) *image.Gray {
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		for x := 0; x < r.Dx(); x++ {
			dst.SetGray(x, y, src.GrayAt(r.Min.X+x, r.Min.Y+y))
		}
	}
	return dst
}
