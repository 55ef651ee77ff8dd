package models

import "time"

// Detection is an oriented bounding box in original image coordinates.
// Angle is always 0 for YOLOX outputs.
type Detection struct {
	CenterX    float64 `json:"cx"`
	CenterY    float64 `json:"cy"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Angle      float64 `json:"angle"`
	ClassLabel string  `json:"object_id"`
	Confidence float64 `json:"confidence"`
}

// RawCandidate is one row of network output in network input space.
type RawCandidate struct {
	X1, Y1, X2, Y2 float64
	Confidence     float64
	ClassIndex     int64
}

type ProcessingTimings struct {
	RequestID   string
	Letterbox   time.Duration
	Preprocess  time.Duration
	Acquire     time.Duration
	Inference   time.Duration
	Postprocess time.Duration
	Total       time.Duration
}
