package detections

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIoU(t *testing.T) {
	a := Box{X: 0, Y: 0, Width: 10, Height: 10}

	assert.Equal(t, 1.0, IoU(a, a))
	assert.Equal(t, 0.0, IoU(a, Box{X: 20, Y: 20, Width: 5, Height: 5}))
	assert.Equal(t, 0.0, IoU(a, Box{X: 10, Y: 0, Width: 10, Height: 10}), "touching edges do not overlap")
	assert.InDelta(t, 50.0/150.0, IoU(a, Box{X: 5, Y: 0, Width: 10, Height: 10}), 1e-12)
	assert.Equal(t, 0.0, IoU(Box{}, Box{}))
}

func TestNMS_SuppressesOverlaps(t *testing.T) {
	boxes := []Box{
		{X: 0, Y: 0, Width: 10, Height: 10, Confidence: 0.8},
		{X: 1, Y: 1, Width: 10, Height: 10, Confidence: 0.9},
		{X: 50, Y: 50, Width: 10, Height: 10, Confidence: 0.75},
		{X: 51, Y: 50, Width: 10, Height: 10, Confidence: 0.6},
	}

	keep := NMS(boxes, 0.5)
	assert.Equal(t, []int{1, 2}, keep)
}

func TestNMS_ThresholdIsStrict(t *testing.T) {
	// IoU of these two is exactly 1/3.
	boxes := []Box{
		{X: 0, Y: 0, Width: 10, Height: 10, Confidence: 0.9},
		{X: 5, Y: 0, Width: 10, Height: 10, Confidence: 0.8},
	}

	assert.Equal(t, []int{0, 1}, NMS(boxes, 50.0/150.0))
	assert.Equal(t, []int{0}, NMS(boxes, 0.3))
}

func TestNMS_TiesKeepInputOrder(t *testing.T) {
	boxes := []Box{
		{X: 100, Y: 100, Width: 10, Height: 10, Confidence: 0.8},
		{X: 0, Y: 0, Width: 10, Height: 10, Confidence: 0.8},
		{X: 0, Y: 0, Width: 10, Height: 10, Confidence: 0.8},
	}

	assert.Equal(t, []int{0, 1}, NMS(boxes, 0.5))
}

func TestNMS_Idempotent(t *testing.T) {
	boxes := []Box{
		{X: 0, Y: 0, Width: 40, Height: 40, Confidence: 0.91},
		{X: 4, Y: 4, Width: 40, Height: 40, Confidence: 0.87},
		{X: 30, Y: 30, Width: 40, Height: 40, Confidence: 0.85},
		{X: 200, Y: 10, Width: 20, Height: 60, Confidence: 0.72},
		{X: 205, Y: 12, Width: 20, Height: 60, Confidence: 0.95},
		{X: 400, Y: 400, Width: 5, Height: 5, Confidence: 0.71},
	}

	first := NMS(boxes, 0.45)
	survivors := make([]Box, len(first))
	for i, idx := range first {
		survivors[i] = boxes[idx]
	}

	second := NMS(survivors, 0.45)
	again := make([]Box, len(second))
	for i, idx := range second {
		again[i] = survivors[idx]
	}

	assert.Equal(t, survivors, again)
}

func TestNMS_Empty(t *testing.T) {
	assert.Empty(t, NMS(nil, 0.5))
}
