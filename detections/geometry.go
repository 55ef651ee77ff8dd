package detections

import (
	"image"
	"image/color"

	"github.com/disintegration/imaging"
)

// Geometry describes how a frame was letterboxed into the square network
// input. PadWidth and PadHeight are the border widths added on the left and
// top respectively; at most one of them is non-zero.
type Geometry struct {
	Ratio     float64
	PadWidth  int
	PadHeight int
	InputSize int
}

// ComputeGeometry derives the letterbox parameters for a frame of the given
// size. The shorter axis is padded by (max-min)/2 on its near side and Ratio
// is inputSize/max(w, h).
func ComputeGeometry(frameW, frameH, inputSize int) Geometry {
	g := Geometry{Ratio: 1, InputSize: inputSize}

	longest := max(frameW, frameH)
	if longest <= 0 || inputSize <= 0 {
		return g
	}

	g.Ratio = float64(inputSize) / float64(longest)
	if frameW > frameH {
		g.PadHeight = (frameW - frameH) / 2
	} else {
		g.PadWidth = (frameH - frameW) / 2
	}
	return g
}

// Forward maps a point from image space into network input space.
func (g Geometry) Forward(x, y float64) (float64, float64) {
	return (x + float64(g.PadWidth)) * g.Ratio, (y + float64(g.PadHeight)) * g.Ratio
}

// Invert maps a point from network input space back into image space.
func (g Geometry) Invert(x, y float64) (float64, float64) {
	return x/g.Ratio - float64(g.PadWidth), y/g.Ratio - float64(g.PadHeight)
}

// InvertLength maps a network-space length to an image-space length.
func (g Geometry) InvertLength(l float64) float64 {
	return l / g.Ratio
}

// Letterbox returns a square copy of frame with constant PadValue borders.
// The frame is placed at (PadWidth, PadHeight); when the size difference is
// odd the far border gets the extra pixel so the result stays square.
func Letterbox(frame image.Image, g Geometry) *image.NRGBA {
	b := frame.Bounds()
	side := max(b.Dx(), b.Dy())

	canvas := imaging.New(side, side, color.NRGBA{R: PadValue, G: PadValue, B: PadValue, A: 255})
	return imaging.Paste(canvas, frame, image.Pt(g.PadWidth, g.PadHeight))
}
