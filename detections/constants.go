package detections

const (
	// PadValue is the grey level YOLOX was trained with for letterbox borders.
	PadValue = 114

	// MinBoxAttrs is the minimum row width of the boxes tensor: x1, y1, x2, y2, score.
	MinBoxAttrs = 5

	channels = 3
)
