// Package inference runs YOLOX detection on top of an engine: a fixed pool
// of engine requests shared by concurrent callers and the pipeline that
// letterboxes a frame, runs it and decodes the result.
package inference

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/Tutortoise/yolox-detection-service/config"
	"github.com/Tutortoise/yolox-detection-service/detections"
	"github.com/Tutortoise/yolox-detection-service/engine"
	"github.com/Tutortoise/yolox-detection-service/logger"
	"github.com/Tutortoise/yolox-detection-service/models"
)

var errAlreadyInitialized = errors.New("pipeline already initialized")

type requestIDKey struct{}

// WithRequestID tags ctx so Detect logs under id instead of a fresh UUID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

type Pipeline struct {
	eng engine.Engine
	log *logger.Logger

	mu       sync.RWMutex
	ready    bool
	cfg      config.Detector
	params   detections.DecodeParams
	compiled engine.CompiledModel
	pool     *RequestPool
	pre      *detections.Preprocessor
	metrics  *Metrics
}

type PipelineStats struct {
	Ready   bool            `json:"ready"`
	Pool    PoolStats       `json:"pool"`
	Metrics MetricsSnapshot `json:"metrics"`
}

func NewPipeline(eng engine.Engine, log *logger.Logger) *Pipeline {
	return &Pipeline{
		eng:     eng,
		log:     log.Named("pipeline"),
		metrics: NewMetrics(),
	}
}

// Initialize loads and compiles the model called modelName from
// cfg.ModelDir and creates the request pool. Settings are fixed afterwards.
func (p *Pipeline) Initialize(modelName string, cfg config.Detector) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.compiled != nil {
		return &InitError{Op: "config", Err: errAlreadyInitialized}
	}
	if err := cfg.Validate(); err != nil {
		return &InitError{Op: "config", Err: err}
	}
	cfg.ClassNames = append([]string(nil), cfg.ClassNames...)

	files, err := engine.ResolveModelFiles(cfg.ModelDir, modelName, cfg.ModelFormat)
	if err != nil {
		return &InitError{Op: "load", Path: files.Model, Err: err}
	}

	model, err := p.eng.LoadModel(files.Model)
	if err != nil {
		return &InitError{Op: "load", Path: files.Model, Err: err}
	}
	if model.WeightsPath == "" {
		model.WeightsPath = files.Weights
	}
	p.logModel(model)

	options := map[string]string{engine.OptionPerformanceHint: cfg.PerformanceHint}
	if cfg.CacheDir != "" {
		options[engine.OptionCacheDir] = cfg.CacheDir
	}

	compiled, err := p.eng.Compile(model, cfg.InferenceDevice, options)
	if err != nil {
		return &InitError{Op: "compile", Path: files.Model, Err: err}
	}

	pool, err := NewRequestPool(compiled, p.log)
	if err != nil {
		return &InitError{Op: "requests", Path: files.Model, Err: multierr.Append(err, compiled.Close())}
	}

	size := compiled.InputSize()
	g := detections.ComputeGeometry(cfg.ResX, cfg.ResY, size)

	p.cfg = cfg
	p.params = detections.DecodeParams{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IoUThreshold:        cfg.NMSThreshold,
		ClassNames:          cfg.ClassNames,
	}
	p.compiled = compiled
	p.pool = pool
	p.pre = detections.NewPreprocessor(size)
	p.ready = true

	p.log.Info("Pipeline initialized",
		"model", files.Model,
		"model_version", cfg.ModelVersion,
		"device", cfg.InferenceDevice,
		"requests", pool.Size(),
		"input_size", size,
		"classes", len(cfg.ClassNames),
		"confidence_threshold", cfg.ConfidenceThreshold,
		"nms_threshold", cfg.NMSThreshold,
		"expected_ratio", g.Ratio,
		"expected_pad_width", g.PadWidth,
		"expected_pad_height", g.PadHeight,
	)
	return nil
}

func (p *Pipeline) logModel(m *engine.Model) {
	for _, in := range m.Inputs {
		p.log.Info("Model input", "name", in.Name, "type", in.ElementType, "shape", in.Shape)
	}
	for _, out := range m.Outputs {
		p.log.Info("Model output", "name", out.Name, "type", out.ElementType, "shape", out.Shape)
	}
}

// Detect runs one frame through the model and returns its detections in
// frame coordinates. Failures are *DetectError and never carry partial
// results. ctx bounds only the caller's own wait; an inference already
// started still completes and frees its slot.
func (p *Pipeline) Detect(ctx context.Context, frame image.Image) ([]models.Detection, error) {
	p.mu.RLock()
	ready, pool, pre, params := p.ready, p.pool, p.pre, p.params
	p.mu.RUnlock()

	if !ready {
		return nil, &DetectError{Stage: StageNew, Kind: ErrNotInitialized}
	}

	timings := models.ProcessingTimings{RequestID: requestID(ctx)}
	log := p.log.With("request_id", timings.RequestID)
	start := time.Now()
	stage := StageNew
	fail := func(kind, err error) error {
		log.Warn("Detection failed", "stage", stage.String(), "error", err)
		return &DetectError{Stage: stage, Kind: kind, Err: err}
	}

	if frame == nil || frame.Bounds().Empty() {
		return nil, fail(ErrInvalidFrame, ErrInvalidFrame)
	}

	bounds := frame.Bounds()
	g := detections.ComputeGeometry(bounds.Dx(), bounds.Dy(), pre.Size())
	padded := detections.Letterbox(frame, g)
	timings.Letterbox = time.Since(start)
	stage = StagePadded

	mark := time.Now()
	buf := pre.Process(padded)
	defer pre.Release(buf)
	timings.Preprocess = time.Since(mark)

	mark = time.Now()
	slot, err := pool.Acquire(ctx)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			return nil, fail(ErrPoolClosed, err)
		}
		return nil, fail(err, err)
	}
	timings.Acquire = time.Since(mark)
	stage = StageSlotAcquired

	mark = time.Now()
	pending, err := pool.Submit(slot, buf.Data)
	if err != nil {
		return nil, fail(ErrInferenceExecution, err)
	}
	stage = StageSubmitted

	out, err := pending.Wait(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, fail(ctxErr, err)
		}
		return nil, fail(ErrInferenceExecution, err)
	}
	timings.Inference = time.Since(mark)
	stage = StageCompleted

	mark = time.Now()
	raw, err := detections.ParseCandidates(out.Boxes, out.BoxAttrs, out.Labels)
	if err != nil {
		return nil, fail(ErrDecodeConsistency, err)
	}

	dets, faults := detections.Decode(raw, g, params)
	for _, fault := range faults {
		log.Warn("Dropped candidate", "error", fault)
	}
	timings.Postprocess = time.Since(mark)
	timings.Total = time.Since(start)

	if p.metrics.Frame() {
		snap := p.metrics.Snapshot()
		log.Debug("Frame rate", "average_fps", snap.AverageFPS, "frames", snap.Frames)
	}
	log.Debug("Detection complete",
		"detections", len(dets),
		"candidates", len(raw),
		"letterbox", timings.Letterbox,
		"preprocess", timings.Preprocess,
		"acquire", timings.Acquire,
		"inference", timings.Inference,
		"postprocess", timings.Postprocess,
		"total", timings.Total,
	)

	return dets, nil
}

func (p *Pipeline) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

// Config returns the detector settings the pipeline was initialized with.
func (p *Pipeline) Config() config.Detector {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

func (p *Pipeline) Stats() PipelineStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := PipelineStats{Ready: p.ready, Metrics: p.metrics.Snapshot()}
	if p.pool != nil {
		s.Pool = p.pool.Stats()
	}
	return s
}

// ResetMetrics restarts the frame-rate window and returns the closed one.
func (p *Pipeline) ResetMetrics() MetricsSnapshot {
	return p.metrics.Reset()
}

// Close shuts the pool down and releases the compiled model. Detect calls
// blocked on a slot fail with ErrPoolClosed.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.ready {
		return nil
	}
	p.ready = false
	return multierr.Combine(p.pool.Close(), p.compiled.Close())
}
