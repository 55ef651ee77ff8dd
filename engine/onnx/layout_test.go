package onnx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/Tutortoise/yolox-detection-service/engine"
)

func yoloxModel() *engine.Model {
	return &engine.Model{
		Path: "yolox.onnx",
		Inputs: []engine.TensorInfo{
			{Name: "images", ElementType: "float32", Shape: []int64{-1, 3, 416, 416}},
		},
		Outputs: []engine.TensorInfo{
			{Name: "boxes", ElementType: "float32", Shape: []int64{1, 100, 5}},
			{Name: "labels", ElementType: "int64", Shape: []int64{1, 100}},
		},
	}
}

func TestResolveLayout(t *testing.T) {
	l, err := resolveLayout(yoloxModel())
	require.NoError(t, err)

	assert.Equal(t, "images", l.inputName)
	assert.Equal(t, []int64{1, 3, 416, 416}, l.inputShape)
	assert.Equal(t, 416, l.inputSize)
	assert.Equal(t, "boxes", l.boxesName)
	assert.Equal(t, 5, l.boxAttrs)
	assert.Equal(t, "labels", l.labelsName)
	assert.False(t, l.labelsFloat)
	assert.False(t, l.dynamicRows)
}

func TestResolveLayout_DynamicRows(t *testing.T) {
	tests := []struct {
		name        string
		boxes       []int64
		labels      []int64
		boxesShape  []int64
		labelsShape []int64
	}{
		{"batched labels", []int64{1, -1, 5}, []int64{1, -1}, []int64{1, -1, 5}, []int64{1, -1}},
		{"flat labels", []int64{1, -1, 5}, []int64{-1}, []int64{1, -1, 5}, []int64{-1}},
		{"dynamic batch", []int64{-1, -1, 6}, []int64{-1, -1}, []int64{1, -1, 6}, []int64{1, -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := yoloxModel()
			m.Outputs[0].Shape = tt.boxes
			m.Outputs[1].Shape = tt.labels

			l, err := resolveLayout(m)
			require.NoError(t, err)
			assert.True(t, l.dynamicRows)
			assert.Equal(t, tt.boxesShape, l.boxesShape)
			assert.Equal(t, tt.labelsShape, l.labelsShape)
			assert.Equal(t, int(tt.boxes[2]), l.boxAttrs)
		})
	}
}

func TestResolveLayout_FloatLabels(t *testing.T) {
	m := yoloxModel()
	m.Outputs[1] = engine.TensorInfo{Name: "labels", ElementType: "float32", Shape: []int64{100}}

	l, err := resolveLayout(m)
	require.NoError(t, err)
	assert.True(t, l.labelsFloat)
	assert.Equal(t, []int64{100}, l.labelsShape)
}

func TestResolveLayout_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *engine.Model)
		want   string
	}{
		{"two inputs", func(m *engine.Model) { m.Inputs = append(m.Inputs, m.Inputs[0]) }, "expected 1 model input"},
		{"uint8 input", func(m *engine.Model) { m.Inputs[0].ElementType = "uint8" }, "expected float32"},
		{"NHWC rank", func(m *engine.Model) { m.Inputs[0].Shape = []int64{416, 416, 3} }, "expected NCHW"},
		{"grey input", func(m *engine.Model) { m.Inputs[0].Shape = []int64{1, 1, 416, 416} }, "expected 3 channels"},
		{"non-square", func(m *engine.Model) { m.Inputs[0].Shape = []int64{1, 3, 480, 640} }, "square input"},
		{"dynamic spatial", func(m *engine.Model) { m.Inputs[0].Shape = []int64{1, 3, -1, -1} }, "dynamic"},
		{"one output", func(m *engine.Model) { m.Outputs = m.Outputs[:1] }, "boxes and labels"},
		{"short rows", func(m *engine.Model) { m.Outputs[0].Shape = []int64{1, 100, 4} }, "at least 5"},
		{"string labels", func(m *engine.Model) { m.Outputs[1].ElementType = "string" }, "int64 or float32"},
		{"labels rank", func(m *engine.Model) { m.Outputs[1].Shape = []int64{1, 1, 100} }, "[batch, rows]"},
		{"dynamic attrs", func(m *engine.Model) { m.Outputs[0].Shape = []int64{1, -1, -1} }, "dimension 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := yoloxModel()
			tt.mutate(m)
			_, err := resolveLayout(m)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStaticShape(t *testing.T) {
	got, err := staticShape([]int64{-1, 3, 640, 640})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3, 640, 640}, got)

	_, err = staticShape([]int64{1, -1, 5})
	assert.Error(t, err)

	_, err = staticShape([]int64{-1})
	assert.Error(t, err)
}

func TestOutputShape(t *testing.T) {
	got, dynamic, err := outputShape([]int64{-1, 100, 5}, 1)
	require.NoError(t, err)
	assert.False(t, dynamic)
	assert.Equal(t, []int64{1, 100, 5}, got)

	got, dynamic, err = outputShape([]int64{-1}, 0)
	require.NoError(t, err)
	assert.True(t, dynamic)
	assert.Equal(t, []int64{-1}, got)

	_, _, err = outputShape([]int64{1, 100, -1}, 1)
	assert.Error(t, err)
}

func TestPlanDevice(t *testing.T) {
	tests := []struct {
		name      string
		device    string
		options   map[string]string
		provider  string
		requests  int
		intraOp   int
		providerO map[string]string
	}{
		{
			name:     "cpu latency",
			device:   "CPU",
			options:  map[string]string{engine.OptionPerformanceHint: "LATENCY"},
			provider: providerCPU,
			requests: 1,
			intraOp:  8,
		},
		{
			name:     "cpu throughput",
			device:   "cpu",
			options:  map[string]string{engine.OptionPerformanceHint: "THROUGHPUT"},
			provider: providerCPU,
			requests: 2,
			intraOp:  4,
		},
		{
			name:      "gpu with cache",
			device:    "GPU",
			options:   map[string]string{engine.OptionPerformanceHint: "LATENCY", engine.OptionCacheDir: "/rvc/cl_cache_dir"},
			provider:  providerOpenVINO,
			requests:  2,
			intraOp:   1,
			providerO: map[string]string{"device_type": "GPU", "cache_dir": "/rvc/cl_cache_dir"},
		},
		{
			name:      "cuda device id",
			device:    "CUDA:1",
			options:   nil,
			provider:  providerCUDA,
			requests:  2,
			intraOp:   1,
			providerO: map[string]string{"device_id": "1"},
		},
		{
			name:     "request override",
			device:   "CPU",
			options:  map[string]string{engine.OptionNumRequests: "3"},
			provider: providerCPU,
			requests: 3,
			intraOp:  2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := planDevice(tt.device, tt.options, 0, 8)
			require.NoError(t, err)
			assert.Equal(t, tt.provider, p.provider)
			assert.Equal(t, tt.requests, p.requests)
			assert.Equal(t, tt.intraOp, p.intraOpThreads)
			assert.Equal(t, 1, p.interOpThreads)
			if tt.providerO != nil {
				assert.Equal(t, tt.providerO, p.providerOptions)
			}
		})
	}
}

func TestPlanDevice_ExplicitThreads(t *testing.T) {
	p, err := planDevice("CPU", nil, 3, 16)
	require.NoError(t, err)
	assert.Equal(t, 3, p.intraOpThreads)
}

func TestPlanDevice_Errors(t *testing.T) {
	_, err := planDevice("", nil, 0, 4)
	assert.ErrorIs(t, err, errNoDevice)

	_, err = planDevice("CUDA:x", nil, 0, 4)
	assert.Error(t, err)

	_, err = planDevice("CPU", map[string]string{engine.OptionPerformanceHint: "FASTEST"}, 0, 4)
	assert.Error(t, err)

	_, err = planDevice("CPU", map[string]string{engine.OptionNumRequests: "0"}, 0, 4)
	assert.Error(t, err)
}

func TestElementType(t *testing.T) {
	assert.Equal(t, "float32", elementType(ort.TensorElementDataTypeFloat))
	assert.Equal(t, "int64", elementType(ort.TensorElementDataTypeInt64))
}
