// Package enginetest provides an in-memory engine for tests.
package enginetest

import (
	"errors"
	"sync"

	"go.uber.org/atomic"

	"github.com/Tutortoise/yolox-detection-service/engine"
)

var errRunning = errors.New("enginetest: request already running")

// InferFunc computes the output for one input tensor.
type InferFunc func(input []float32) (engine.Output, error)

// Row is one candidate for building fake outputs.
type Row struct {
	X1, Y1, X2, Y2 float32
	Score          float32
	Label          int64
}

// Outputs builds an engine.Output with five attributes per row.
func Outputs(rows ...Row) engine.Output {
	out := engine.Output{BoxAttrs: 5, Boxes: []float32{}, Labels: []int64{}}
	for _, r := range rows {
		out.Boxes = append(out.Boxes, r.X1, r.Y1, r.X2, r.Y2, r.Score)
		out.Labels = append(out.Labels, r.Label)
	}
	return out
}

// Static returns an InferFunc that always yields out.
func Static(out engine.Output) InferFunc {
	return func([]float32) (engine.Output, error) {
		return out, nil
	}
}

// Engine is a fake engine.Engine. Zero values give a 640 input, two
// requests and empty outputs.
type Engine struct {
	Size          int
	Requests      int
	LoadErr       error
	CompileErr    error
	NewRequestErr error
	// FailRequestAt makes the n-th NewRequest call (1-based) fail with NewRequestErr.
	FailRequestAt int
	Infer         InferFunc
	// Gate, when set, holds every run until a value is received or it is closed.
	Gate chan struct{}

	mu              sync.Mutex
	loaded          []string
	compiledDevice  string
	compiledOptions map[string]string
	created         []*Request
}

var _ engine.Engine = (*Engine)(nil)

func (e *Engine) LoadModel(path string) (*engine.Model, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded = append(e.loaded, path)
	if e.LoadErr != nil {
		return nil, e.LoadErr
	}
	size := int64(e.inputSize())
	return &engine.Model{
		Path:    path,
		Inputs:  []engine.TensorInfo{{Name: "images", ElementType: "float32", Shape: []int64{1, 3, size, size}}},
		Outputs: []engine.TensorInfo{{Name: "boxes", ElementType: "float32", Shape: []int64{1, 100, 5}}, {Name: "labels", ElementType: "int64", Shape: []int64{1, 100}}},
	}, nil
}

func (e *Engine) Compile(m *engine.Model, device string, options map[string]string) (engine.CompiledModel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.CompileErr != nil {
		return nil, e.CompileErr
	}
	e.compiledDevice = device
	e.compiledOptions = options
	return &Compiled{eng: e}, nil
}

// Loaded returns the paths passed to LoadModel.
func (e *Engine) Loaded() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.loaded...)
}

// CompiledWith returns the device and options of the last Compile call.
func (e *Engine) CompiledWith() (string, map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compiledDevice, e.compiledOptions
}

// Created returns every request handed out so far.
func (e *Engine) Created() []*Request {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Request(nil), e.created...)
}

func (e *Engine) inputSize() int {
	if e.Size > 0 {
		return e.Size
	}
	return 640
}

// Compiled is the fake compiled model.
type Compiled struct {
	eng    *Engine
	closed atomic.Bool
}

func (c *Compiled) InputSize() int {
	return c.eng.inputSize()
}

func (c *Compiled) OptimalRequests() int {
	if c.eng.Requests > 0 {
		return c.eng.Requests
	}
	return 2
}

func (c *Compiled) NewRequest() (engine.Request, error) {
	e := c.eng
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.FailRequestAt > 0 && len(e.created)+1 == e.FailRequestAt {
		return nil, e.NewRequestErr
	}
	size := e.inputSize()
	r := &Request{eng: e, input: make([]float32, 3*size*size)}
	e.created = append(e.created, r)
	return r, nil
}

func (c *Compiled) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether Close was called.
func (c *Compiled) Closed() bool {
	return c.closed.Load()
}

// Request is the fake execution context.
type Request struct {
	eng     *Engine
	input   []float32
	running atomic.Bool
	closed  atomic.Bool
	starts  atomic.Int64
}

func (r *Request) Input() []float32 {
	return r.input
}

func (r *Request) Start(done engine.Callback) error {
	if r.closed.Load() {
		return errors.New("enginetest: request closed")
	}
	if !r.running.CompareAndSwap(false, true) {
		return errRunning
	}
	r.starts.Inc()

	infer := r.eng.Infer
	gate := r.eng.Gate
	input := r.input

	go func() {
		if gate != nil {
			<-gate
		}
		var (
			out engine.Output
			err error
		)
		if infer != nil {
			out, err = infer(input)
		} else {
			out = Outputs()
		}
		r.running.Store(false)
		done(out, err)
	}()
	return nil
}

func (r *Request) Close() error {
	r.closed.Store(true)
	return nil
}

// Starts returns how many runs were started on this request.
func (r *Request) Starts() int64 {
	return r.starts.Load()
}

// IsClosed reports whether Close was called.
func (r *Request) IsClosed() bool {
	return r.closed.Load()
}
