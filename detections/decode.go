package detections

import (
	"errors"
	"fmt"

	"github.com/Tutortoise/yolox-detection-service/models"
)

// ErrRowMismatch is returned when the boxes and labels tensors disagree on
// the number of candidates.
var ErrRowMismatch = errors.New("boxes/labels row count mismatch")

// ErrMalformedOutput is returned when the boxes tensor cannot be split into rows.
var ErrMalformedOutput = errors.New("malformed boxes tensor")

// ClassIndexError reports a candidate whose class index has no entry in the
// class table. The candidate is dropped; the rest of the batch is kept.
type ClassIndexError struct {
	Index      int64
	NumClasses int
	Confidence float64
}

func (e *ClassIndexError) Error() string {
	return fmt.Sprintf("class index %d out of range [0,%d) (confidence %.3f)", e.Index, e.NumClasses, e.Confidence)
}

// DecodeParams are the per-pipeline decode settings.
type DecodeParams struct {
	ConfidenceThreshold float64
	IoUThreshold        float64
	ClassNames          []string
}

// ParseCandidates splits the raw boxes tensor (rows of boxAttrs values,
// x1 y1 x2 y2 score first) and pairs each row with its label.
func ParseCandidates(boxes []float32, boxAttrs int, labels []int64) ([]models.RawCandidate, error) {
	if boxAttrs < MinBoxAttrs {
		return nil, fmt.Errorf("%w: %d attributes per row, need at least %d", ErrMalformedOutput, boxAttrs, MinBoxAttrs)
	}
	if len(boxes)%boxAttrs != 0 {
		return nil, fmt.Errorf("%w: %d values is not a multiple of %d", ErrMalformedOutput, len(boxes), boxAttrs)
	}

	rows := len(boxes) / boxAttrs
	if rows != len(labels) {
		return nil, fmt.Errorf("%w: boxes=%d labels=%d", ErrRowMismatch, rows, len(labels))
	}

	candidates := make([]models.RawCandidate, rows)
	for r := 0; r < rows; r++ {
		row := boxes[r*boxAttrs : (r+1)*boxAttrs]
		candidates[r] = models.RawCandidate{
			X1:         float64(row[0]),
			Y1:         float64(row[1]),
			X2:         float64(row[2]),
			Y2:         float64(row[3]),
			Confidence: float64(row[4]),
			ClassIndex: labels[r],
		}
	}
	return candidates, nil
}

// Filter keeps candidates scoring strictly above threshold and converts
// them to top-left anchored boxes.
func Filter(raw []models.RawCandidate, threshold float64) []Box {
	boxes := make([]Box, 0, len(raw))
	for _, c := range raw {
		if c.Confidence > threshold {
			boxes = append(boxes, Box{
				X:          c.X1,
				Y:          c.Y1,
				Width:      c.X2 - c.X1,
				Height:     c.Y2 - c.Y1,
				Confidence: c.Confidence,
				ClassIndex: c.ClassIndex,
			})
		}
	}
	return boxes
}

// Decode turns raw candidates into detections in original image space.
// Detections come back in NMS selection order. Candidates with an unknown
// class index are dropped and reported in the returned error slice.
func Decode(raw []models.RawCandidate, g Geometry, p DecodeParams) ([]models.Detection, []error) {
	boxes := Filter(raw, p.ConfidenceThreshold)
	keep := NMS(boxes, p.IoUThreshold)

	var faults []error
	out := make([]models.Detection, 0, len(keep))

	for _, idx := range keep {
		b := boxes[idx]
		if b.ClassIndex < 0 || b.ClassIndex >= int64(len(p.ClassNames)) {
			faults = append(faults, &ClassIndexError{
				Index:      b.ClassIndex,
				NumClasses: len(p.ClassNames),
				Confidence: b.Confidence,
			})
			continue
		}

		cx, cy := g.Invert(b.X+b.Width/2, b.Y+b.Height/2)
		out = append(out, models.Detection{
			CenterX:    cx,
			CenterY:    cy,
			Width:      g.InvertLength(b.Width),
			Height:     g.InvertLength(b.Height),
			Angle:      0,
			ClassLabel: p.ClassNames[b.ClassIndex],
			Confidence: b.Confidence,
		})
	}

	return out, faults
}
