// Package onnx runs YOLOX models on ONNX Runtime. Each engine.Request owns
// a session with its input tensor pre-bound. Exports with static output
// shapes also pre-bind the outputs; exports whose row count is dynamic let
// the runtime allocate outputs on every run.
package onnx

import (
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"runtime"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"golang.org/x/sys/cpu"

	"github.com/Tutortoise/yolox-detection-service/engine"
	"github.com/Tutortoise/yolox-detection-service/logger"
)

var errRunning = errors.New("onnx: request already running")

// Initialize loads the ONNX Runtime shared library. It is safe to call more
// than once.
func Initialize(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("initialize onnxruntime: %w", err)
	}
	return nil
}

// Shutdown releases the ONNX Runtime environment.
func Shutdown() error {
	return ort.DestroyEnvironment()
}

type Config struct {
	// IntraOpThreads overrides the per-session thread count; 0 picks one
	// from the device plan.
	IntraOpThreads int
}

// Engine implements engine.Engine on ONNX Runtime.
type Engine struct {
	cfg Config
	log *logger.Logger
}

var _ engine.Engine = (*Engine)(nil)

func New(cfg Config, log *logger.Logger) *Engine {
	return &Engine{cfg: cfg, log: log.Named("onnx")}
}

// LoadModel reads the input/output description of an .onnx file.
func (e *Engine) LoadModel(path string) (*engine.Model, error) {
	if !strings.EqualFold(filepath.Ext(path), ".onnx") {
		return nil, fmt.Errorf("onnxruntime reads .onnx models only, got %s", path)
	}

	inputs, outputs, err := ort.GetInputOutputInfo(path)
	if err != nil {
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}

	m := &engine.Model{Path: path}
	for _, info := range inputs {
		m.Inputs = append(m.Inputs, tensorInfo(info))
	}
	for _, info := range outputs {
		m.Outputs = append(m.Outputs, tensorInfo(info))
	}
	return m, nil
}

// Compile validates the model layout against the YOLOX contract and checks
// that the execution provider for device can be configured.
func (e *Engine) Compile(m *engine.Model, device string, options map[string]string) (engine.CompiledModel, error) {
	l, err := resolveLayout(m)
	if err != nil {
		return nil, err
	}

	plan, err := planDevice(device, options, e.cfg.IntraOpThreads, runtime.NumCPU())
	if err != nil {
		return nil, err
	}

	opts, err := sessionOptions(plan)
	if err != nil {
		return nil, fmt.Errorf("configure %s provider for %s: %w", plan.provider, device, err)
	}
	if err := opts.Destroy(); err != nil {
		return nil, err
	}

	e.log.Info("Model compiled",
		"model", m.Path,
		"device", device,
		"provider", plan.provider,
		"requests", plan.requests,
		"intra_op_threads", plan.intraOpThreads,
		"input_size", l.inputSize,
		"dynamic_rows", l.dynamicRows,
		"cpu_features", cpuFeatures(),
	)

	return &compiledModel{path: m.Path, layout: l, plan: plan}, nil
}

type compiledModel struct {
	path   string
	layout layout
	plan   devicePlan
}

func (c *compiledModel) InputSize() int {
	return c.layout.inputSize
}

func (c *compiledModel) OptimalRequests() int {
	return c.plan.requests
}

func (c *compiledModel) Close() error {
	return nil
}

func (c *compiledModel) NewRequest() (engine.Request, error) {
	opts, err := sessionOptions(c.plan)
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer opts.Destroy()

	r := &request{boxAttrs: c.layout.boxAttrs}

	r.input, err = ort.NewEmptyTensor[float32](ort.NewShape(c.layout.inputShape...))
	if err != nil {
		return nil, fmt.Errorf("error creating input tensor: %w", err)
	}

	inputNames := []string{c.layout.inputName}
	outputNames := []string{c.layout.boxesName, c.layout.labelsName}

	if c.layout.dynamicRows {
		r.dynamic, err = ort.NewDynamicAdvancedSession(c.path, inputNames, outputNames, opts)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("error creating session: %w", err)
		}
		return r, nil
	}

	r.boxes, err = ort.NewEmptyTensor[float32](ort.NewShape(c.layout.boxesShape...))
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("error creating boxes tensor: %w", err)
	}

	var labels ort.Value
	if c.layout.labelsFloat {
		r.labelsFloat, err = ort.NewEmptyTensor[float32](ort.NewShape(c.layout.labelsShape...))
		labels = r.labelsFloat
	} else {
		r.labelsInt, err = ort.NewEmptyTensor[int64](ort.NewShape(c.layout.labelsShape...))
		labels = r.labelsInt
	}
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("error creating labels tensor: %w", err)
	}

	r.session, err = ort.NewAdvancedSession(
		c.path,
		inputNames,
		outputNames,
		[]ort.Value{r.input},
		[]ort.Value{r.boxes, labels},
		opts,
	)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	return r, nil
}

// request runs either a session with pre-bound outputs or, for exports
// whose row count is dynamic, a session that allocates outputs per run.
type request struct {
	session     *ort.AdvancedSession
	dynamic     *ort.DynamicAdvancedSession
	input       *ort.Tensor[float32]
	boxes       *ort.Tensor[float32]
	labelsInt   *ort.Tensor[int64]
	labelsFloat *ort.Tensor[float32]
	boxAttrs    int
	running     atomic.Bool
}

func (r *request) Input() []float32 {
	return r.input.GetData()
}

// Start runs the session on its own goroutine and reports through done.
func (r *request) Start(done engine.Callback) error {
	if !r.running.CompareAndSwap(false, true) {
		return errRunning
	}

	go func() {
		out, err := r.run()
		r.running.Store(false)
		if err != nil {
			done(engine.Output{}, fmt.Errorf("model inference: %w", err))
			return
		}
		done(out, nil)
	}()
	return nil
}

func (r *request) run() (engine.Output, error) {
	if r.dynamic != nil {
		return r.runDynamic()
	}
	if err := r.session.Run(); err != nil {
		return engine.Output{}, err
	}

	out := engine.Output{Boxes: r.boxes.GetData(), BoxAttrs: r.boxAttrs}
	if r.labelsInt != nil {
		out.Labels = r.labelsInt.GetData()
	} else {
		out.Labels = roundLabels(r.labelsFloat.GetData())
	}
	return out, nil
}

// runDynamic copies the runtime-allocated outputs and destroys them before
// returning.
func (r *request) runDynamic() (out engine.Output, err error) {
	outputs := []ort.Value{nil, nil}
	defer func() {
		for _, v := range outputs {
			if v != nil {
				err = multierr.Append(err, v.Destroy())
			}
		}
	}()

	if err := r.dynamic.Run([]ort.Value{r.input}, outputs); err != nil {
		return engine.Output{}, err
	}

	boxes, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return engine.Output{}, fmt.Errorf("boxes output is %T, expected a float32 tensor", outputs[0])
	}
	if shape := boxes.GetShape(); len(shape) != 3 || int(shape[2]) != r.boxAttrs {
		return engine.Output{}, fmt.Errorf("boxes output shape %v, expected [1, N, %d]", shape, r.boxAttrs)
	}
	out = engine.Output{
		Boxes:    append([]float32(nil), boxes.GetData()...),
		BoxAttrs: r.boxAttrs,
	}

	switch labels := outputs[1].(type) {
	case *ort.Tensor[int64]:
		out.Labels = append([]int64(nil), labels.GetData()...)
	case *ort.Tensor[float32]:
		out.Labels = roundLabels(labels.GetData())
	default:
		return engine.Output{}, fmt.Errorf("labels output is %T, expected an int64 or float32 tensor", outputs[1])
	}
	return out, nil
}

func roundLabels(data []float32) []int64 {
	labels := make([]int64, len(data))
	for i, v := range data {
		labels[i] = int64(math.Round(float64(v)))
	}
	return labels
}

func (r *request) Close() error {
	var err error
	if r.session != nil {
		err = multierr.Append(err, r.session.Destroy())
	}
	if r.dynamic != nil {
		err = multierr.Append(err, r.dynamic.Destroy())
	}
	if r.input != nil {
		err = multierr.Append(err, r.input.Destroy())
	}
	if r.boxes != nil {
		err = multierr.Append(err, r.boxes.Destroy())
	}
	if r.labelsInt != nil {
		err = multierr.Append(err, r.labelsInt.Destroy())
	}
	if r.labelsFloat != nil {
		err = multierr.Append(err, r.labelsFloat.Destroy())
	}
	return err
}

func sessionOptions(plan devicePlan) (*ort.SessionOptions, error) {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}

	err = multierr.Combine(
		options.SetIntraOpNumThreads(plan.intraOpThreads),
		options.SetInterOpNumThreads(plan.interOpThreads),
	)
	if err == nil {
		switch plan.provider {
		case providerOpenVINO:
			err = options.AppendExecutionProviderOpenVINO(plan.providerOptions)
		case providerCUDA:
			err = appendCUDA(options, plan.providerOptions)
		}
	}
	if err != nil {
		options.Destroy()
		return nil, err
	}
	return options, nil
}

func appendCUDA(options *ort.SessionOptions, providerOptions map[string]string) error {
	cudaOptions, err := ort.NewCUDAProviderOptions()
	if err != nil {
		return err
	}
	defer cudaOptions.Destroy()

	if err := cudaOptions.Update(providerOptions); err != nil {
		return err
	}
	return options.AppendExecutionProviderCUDA(cudaOptions)
}

func tensorInfo(info ort.InputOutputInfo) engine.TensorInfo {
	return engine.TensorInfo{
		Name:        info.Name,
		ElementType: elementType(info.DataType),
		Shape:       append([]int64(nil), info.Dimensions...),
	}
}

func elementType(t ort.TensorElementDataType) string {
	switch t {
	case ort.TensorElementDataTypeFloat:
		return "float32"
	case ort.TensorElementDataTypeInt64:
		return "int64"
	case ort.TensorElementDataTypeInt32:
		return "int32"
	case ort.TensorElementDataTypeUint8:
		return "uint8"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

func cpuFeatures() []string {
	var features []string
	if cpu.X86.HasAVX512F {
		features = append(features, "avx512f")
	}
	if cpu.X86.HasAVX2 {
		features = append(features, "avx2")
	}
	if cpu.X86.HasSSE41 {
		features = append(features, "sse4.1")
	}
	if cpu.ARM64.HasASIMD {
		features = append(features, "asimd")
	}
	return features
}
