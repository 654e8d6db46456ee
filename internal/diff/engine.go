// Package diff detects drawn changes between an aligned pair of page images
// and renders a reviewer overlay.
package diff

import (
	"encoding/json"
	"image"
)

// RegionKind classifies a changed region.
type RegionKind string

const (
	RegionAdded    RegionKind = "added"
	RegionRemoved  RegionKind = "removed"
	RegionModified RegionKind = "modified"
)

// Region is one connected area of change in baseline page coordinates.
type Region struct {
	Kind          RegionKind `json:"kind"`
	X             int        `json:"x"`
	Y             int        `json:"y"`
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	AddedPixels   int        `json:"added_pixels"`
	RemovedPixels int        `json:"removed_pixels"`
}

// Report is the outcome of comparing one aligned page pair.
type Report struct {
	Regions         []Region `json:"regions"`
	ChangeCount     int      `json:"change_count"`
	ChangesDetected bool     `json:"changes_detected"`
	AddedPixels     int      `json:"added_pixels"`
	RemovedPixels   int      `json:"removed_pixels"`
}

// RegionsJSON returns the regions serialized for storage and summarization.
func (r *Report) RegionsJSON() json.RawMessage {
	data, err := json.Marshal(r.Regions)
	if err != nil {
		return json.RawMessage("[]")
	}
	return data
}

// Engine runs the pixel-level comparison. The same inputs always produce the
// same report; there is no randomness anywhere in the pass.
type Engine struct {
	// InkThreshold is the luminance below which a pixel counts as drawn ink.
	InkThreshold uint8
	// MinRegionPixels suppresses regions smaller than this, which are
	// typically scan noise and anti-aliasing residue.
	MinRegionPixels int
	// MergeGap joins change pixels within this many pixels of each other
	// into one region, so a redrawn wall reads as one change.
	MergeGap int
}

// NewEngine returns an engine with the given tuning. Zero values fall back
// to defaults suitable for 150 DPI scans.
func NewEngine(inkThreshold int, minRegionPixels int, mergeGap int) *Engine {
	e := &Engine{
		InkThreshold:    uint8(inkThreshold),
		MinRegionPixels: minRegionPixels,
		MergeGap:        mergeGap,
	}
	if inkThreshold <= 0 || inkThreshold > 255 {
		e.InkThreshold = 200
	}
	if e.MinRegionPixels <= 0 {
		e.MinRegionPixels = 24
	}
	if e.MergeGap <= 0 {
		e.MergeGap = 3
	}
	return e
}

// pixel change classes
const (
	classNone  = 0
	classAdded = 1 // ink in revised only
	classRemov = 2 // ink in baseline only
)

// Compare diffs an aligned pair. Both images must share bounds; the revised
// image is expected to already be warped onto the baseline frame.
func (e *Engine) Compare(baseline, revised *image.Gray) *Report {
	b := baseline.Bounds()
	w, h := b.Dx(), b.Dy()

	classes := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			baseInk := baseline.GrayAt(b.Min.X+x, b.Min.Y+y).Y < e.InkThreshold
			revInk := inkAt(revised, b.Min.X+x, b.Min.Y+y, e.InkThreshold)
			switch {
			case revInk && !baseInk:
				classes[y*w+x] = classAdded
			case baseInk && !revInk:
				classes[y*w+x] = classRemov
			}
		}
	}

	regions := e.label(classes, w, h)

	report := &Report{Regions: regions, ChangeCount: len(regions)}
	for _, r := range regions {
		report.AddedPixels += r.AddedPixels
		report.RemovedPixels += r.RemovedPixels
	}
	report.ChangesDetected = report.ChangeCount > 0
	return report
}

// label groups change pixels into regions with a breadth-first flood over a
// MergeGap-dilated neighborhood, then classifies each region by its pixel
// class mix.
func (e *Engine) label(classes []uint8, w, h int) []Region {
	visited := make([]bool, len(classes))
	var regions []Region

	var queue []int
	for start, class := range classes {
		if class == classNone || visited[start] {
			continue
		}

		minX, minY := w, h
		maxX, maxY := -1, -1
		added, removed := 0, 0

		queue = queue[:0]
		queue = append(queue, start)
		visited[start] = true

		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]

			x, y := idx%w, idx/w
			switch classes[idx] {
			case classAdded:
				added++
			case classRemov:
				removed++
			}
			if x < minX {
				minX = x
			}
			if y < minY {
				minY = y
			}
			if x > maxX {
				maxX = x
			}
			if y > maxY {
				maxY = y
			}

			for ny := y - e.MergeGap; ny <= y+e.MergeGap; ny++ {
				if ny < 0 || ny >= h {
					continue
				}
				for nx := x - e.MergeGap; nx <= x+e.MergeGap; nx++ {
					if nx < 0 || nx >= w {
						continue
					}
					nidx := ny*w + nx
					if !visited[nidx] && classes[nidx] != classNone {
						visited[nidx] = true
						queue = append(queue, nidx)
					}
				}
			}
		}

		if added+removed < e.MinRegionPixels {
			continue
		}

		regions = append(regions, Region{
			Kind:          regionKind(added, removed),
			X:             minX,
			Y:             minY,
			Width:         maxX - minX + 1,
			Height:        maxY - minY + 1,
			AddedPixels:   added,
			RemovedPixels: removed,
		})
	}
	return regions
}

// regionKind decides a region's class: overwhelmingly one-sided regions are
// pure additions or removals, mixed regions are modifications.
func regionKind(added, removed int) RegionKind {
	total := added + removed
	switch {
	case removed*10 <= total:
		return RegionAdded
	case added*10 <= total:
		return RegionRemoved
	default:
		return RegionModified
	}
}

// inkAt reads ink presence treating out-of-bounds as blank paper, which
// handles revised pages slightly smaller than the baseline after warping.
func inkAt(img *image.Gray, x, y int, threshold uint8) bool {
	if !image.Pt(x, y).In(img.Bounds()) {
		return false
	}
	return img.GrayAt(x, y).Y < threshold
}
