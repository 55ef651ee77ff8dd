package detections

import (
	"math"
	"sort"
)

// Box is an axis-aligned candidate in network input space, top-left anchored.
type Box struct {
	X, Y          float64
	Width, Height float64
	Confidence    float64
	ClassIndex    int64
}

func (b Box) Area() float64 {
	if b.Width <= 0 || b.Height <= 0 {
		return 0
	}
	return b.Width * b.Height
}

// IoU returns the intersection over union of two boxes.
func IoU(a, b Box) float64 {
	x1 := math.Max(a.X, b.X)
	y1 := math.Max(a.Y, b.Y)
	x2 := math.Min(a.X+a.Width, b.X+b.Width)
	y2 := math.Min(a.Y+a.Height, b.Y+b.Height)

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	union := a.Area() + b.Area() - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

// NMS runs class-agnostic greedy non-maximum suppression and returns the
// indices of the kept boxes in selection order. Equal confidences keep
// their input order.
func NMS(boxes []Box, iouThreshold float64) []int {
	order := make([]int, len(boxes))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(i, j int) bool {
		return boxes[order[i]].Confidence > boxes[order[j]].Confidence
	})

	suppressed := make([]bool, len(boxes))
	keep := make([]int, 0, len(boxes))

	for i, idx := range order {
		if suppressed[idx] {
			continue
		}
		keep = append(keep, idx)

		for _, other := range order[i+1:] {
			if suppressed[other] {
				continue
			}
			if IoU(boxes[idx], boxes[other]) > iouThreshold {
				suppressed[other] = true
			}
		}
	}

	return keep
}
