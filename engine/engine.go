// Package engine abstracts the inference runtime: reading a model
// description, compiling it for a device and running requests against the
// compiled model. Backends live in subpackages.
package engine

// Options understood by Compile. Backends ignore keys they do not support.
const (
	OptionPerformanceHint = "PERFORMANCE_HINT"
	OptionCacheDir        = "CACHE_DIR"
	OptionNumRequests     = "NUM_REQUESTS"
)

// TensorInfo describes one model input or output.
type TensorInfo struct {
	Name        string
	ElementType string
	Shape       []int64
}

// Model is a loaded but not yet compiled model description.
type Model struct {
	Path        string
	WeightsPath string
	Inputs      []TensorInfo
	Outputs     []TensorInfo
}

// Output holds the two output bindings of a request: rows of BoxAttrs
// values (x1, y1, x2, y2, score, ...) and one class index per row.
//
// A backend may hand out views of its bound tensors; they are only valid
// until the request is started again. Clone before releasing the request.
type Output struct {
	Boxes    []float32
	BoxAttrs int
	Labels   []int64
}

// Clone returns a copy that does not alias backend memory.
func (o Output) Clone() Output {
	c := Output{BoxAttrs: o.BoxAttrs}
	if o.Boxes != nil {
		c.Boxes = append([]float32(nil), o.Boxes...)
	}
	if o.Labels != nil {
		c.Labels = append([]int64(nil), o.Labels...)
	}
	return c
}

// Callback receives the result of one asynchronous run. It is invoked
// exactly once per successful Start, on a goroutine owned by the backend.
type Callback func(Output, error)

// Request is one reusable execution context bound to a compiled model.
// A request runs at most one inference at a time.
type Request interface {
	// Input returns the bound input tensor (NCHW float32).
	Input() []float32
	// Start begins asynchronous execution. If Start returns an error the
	// callback is never invoked.
	Start(done Callback) error
	Close() error
}

// CompiledModel is a model compiled for a device.
type CompiledModel interface {
	// InputSize is the edge length of the square network input.
	InputSize() int
	// OptimalRequests is the number of requests the device runs best with.
	OptimalRequests() int
	NewRequest() (Request, error)
	Close() error
}

type Loader interface {
	LoadModel(path string) (*Model, error)
}

type Compiler interface {
	Compile(m *Model, device string, options map[string]string) (CompiledModel, error)
}

// Engine is the full capability the pipeline needs.
type Engine interface {
	Loader
	Compiler
}
