package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/Tutortoise/yolox-detection-service/inference"
	"github.com/Tutortoise/yolox-detection-service/logger"
	"github.com/Tutortoise/yolox-detection-service/models"
)

const maxUploadSize = 32 << 20

// detector is the part of inference.Pipeline the HTTP layer uses.
type detector interface {
	Detect(ctx context.Context, frame image.Image) ([]models.Detection, error)
	Ready() bool
	Stats() inference.PipelineStats
	ResetMetrics() inference.MetricsSnapshot
}

type AppState struct {
	Detector detector
	Log      *logger.Logger
}

type DetectResponse struct {
	RequestID  string             `json:"request_id"`
	Detections []models.Detection `json:"detections"`
	Count      int                `json:"count"`
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func newRouter(state *AppState) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/detect", state.handleDetect).Methods(http.MethodPost)
	r.HandleFunc("/metrics", state.handleMetrics).Methods(http.MethodGet)
	r.HandleFunc("/metrics/reset", state.handleResetMetrics).Methods(http.MethodPost)
	r.HandleFunc("/healthz", state.handleHealth).Methods(http.MethodGet)
	return r
}

func (s *AppState) handleDetect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)

	imgBytes, err := readImage(r)
	if err != nil {
		sendErrorResponse(w, CodeInvalidRequest, "Could not read image from request", err.Error(), http.StatusBadRequest)
		return
	}

	img, err := decodeImage(imgBytes)
	if err != nil {
		sendErrorResponse(w, CodeInvalidImage, MsgInvalidImage, err.Error(), http.StatusBadRequest)
		return
	}

	dets, err := s.Detector.Detect(inference.WithRequestID(r.Context(), requestID), img)
	if err != nil {
		code, msg, status := classifyDetectError(err)
		s.Log.Warn("Detect request failed", "request_id", requestID, "code", code, "error", err)
		sendErrorResponse(w, code, msg, err.Error(), status)
		return
	}

	if dets == nil {
		dets = []models.Detection{}
	}
	s.Log.Debug("Detect request served",
		"request_id", requestID,
		"width", img.Bounds().Dx(),
		"height", img.Bounds().Dy(),
		"count", len(dets),
		"elapsed", time.Since(start),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DetectResponse{
		RequestID:  requestID,
		Detections: dets,
		Count:      len(dets),
	})
}

func classifyDetectError(err error) (code, message string, status int) {
	switch {
	case errors.Is(err, inference.ErrInvalidFrame):
		return CodeInvalidImage, MsgInvalidImage, http.StatusBadRequest
	case errors.Is(err, inference.ErrNotInitialized):
		return CodeNotInitialized, MsgNotInitialized, http.StatusServiceUnavailable
	case errors.Is(err, inference.ErrPoolClosed):
		return CodeUnavailable, MsgUnavailable, http.StatusServiceUnavailable
	case errors.Is(err, inference.ErrDecodeConsistency):
		return CodeDecodeConsistency, MsgDecodeConsistency, http.StatusInternalServerError
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCancelled, MsgCancelled, http.StatusServiceUnavailable
	default:
		return CodeInferenceFailed, MsgInferenceFailed, http.StatusInternalServerError
	}
}

func (s *AppState) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	stats := s.Detector.Stats()
	response := map[string]interface{}{
		"ready":              stats.Ready,
		"pool_size":          stats.Pool.Size,
		"requests_in_use":    stats.Pool.InUse,
		"total_acquired":     stats.Pool.Acquired,
		"total_released":     stats.Pool.Released,
		"total_submitted":    stats.Pool.Submitted,
		"execution_failures": stats.Pool.Failures,
		"acquire_wait_ms":    stats.Pool.WaitTime.Milliseconds(),
		"frames":             stats.Metrics.Frames,
		"average_fps":        stats.Metrics.AverageFPS,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleResetMetrics starts a new frame-rate window and returns the one it
// closed.
func (s *AppState) handleResetMetrics(w http.ResponseWriter, _ *http.Request) {
	closed := s.Detector.ResetMetrics()
	s.Log.Info("Metrics reset", "frames", closed.Frames, "average_fps", closed.AverageFPS)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(closed)
}

func (s *AppState) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if !s.Detector.Ready() {
		sendErrorResponse(w, CodeNotInitialized, MsgNotInitialized, "", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func readImage(r *http.Request) ([]byte, error) {
	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		var err error
		if mediaType, _, err = mime.ParseMediaType(ct); err != nil {
			return nil, fmt.Errorf("bad content type: %w", err)
		}
	}

	switch mediaType {
	case "application/json":
		return handleJSONRequest(r)
	case "multipart/form-data":
		return handleMultipartRequest(r)
	default:
		return io.ReadAll(r.Body)
	}
}

func handleJSONRequest(r *http.Request) ([]byte, error) {
	var req struct {
		Image string `json:"image"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return nil, err
	}
	if req.Image == "" {
		return nil, errors.New("image field is empty")
	}
	return base64.StdEncoding.DecodeString(req.Image)
}

func handleMultipartRequest(r *http.Request) ([]byte, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		return nil, err
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return io.ReadAll(file)
}

func decodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
