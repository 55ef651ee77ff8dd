package onnx

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/Tutortoise/yolox-detection-service/engine"
)

// layout is the tensor binding plan for a YOLOX export: one NCHW float32
// input, a boxes output [1, N, attrs] and a labels output [1, N] or [N].
// dynamicRows is set when N is only known after a run.
type layout struct {
	inputName   string
	inputShape  []int64
	inputSize   int
	boxesName   string
	boxesShape  []int64
	boxAttrs    int
	labelsName  string
	labelsShape []int64
	labelsFloat bool
	dynamicRows bool
}

func resolveLayout(m *engine.Model) (layout, error) {
	var l layout

	if len(m.Inputs) != 1 {
		return l, fmt.Errorf("expected 1 model input, got %d", len(m.Inputs))
	}
	in := m.Inputs[0]
	if in.ElementType != "float32" {
		return l, fmt.Errorf("input %s: expected float32, got %s", in.Name, in.ElementType)
	}
	if len(in.Shape) != 4 {
		return l, fmt.Errorf("input %s: expected NCHW shape, got %v", in.Name, in.Shape)
	}
	shape, err := staticShape(in.Shape)
	if err != nil {
		return l, fmt.Errorf("input %s: %w", in.Name, err)
	}
	if shape[1] != 3 {
		return l, fmt.Errorf("input %s: expected 3 channels, got %d", in.Name, shape[1])
	}
	if shape[2] != shape[3] {
		return l, fmt.Errorf("input %s: expected a square input, got %dx%d", in.Name, shape[3], shape[2])
	}
	l.inputName = in.Name
	l.inputShape = shape
	l.inputSize = int(shape[3])

	if len(m.Outputs) < 2 {
		return l, fmt.Errorf("expected boxes and labels outputs, got %d outputs", len(m.Outputs))
	}

	boxes := m.Outputs[0]
	if boxes.ElementType != "float32" {
		return l, fmt.Errorf("output %s: expected float32 boxes, got %s", boxes.Name, boxes.ElementType)
	}
	if len(boxes.Shape) != 3 {
		return l, fmt.Errorf("output %s: expected [batch, rows, attrs], got %v", boxes.Name, boxes.Shape)
	}
	var dynamic bool
	if l.boxesShape, dynamic, err = outputShape(boxes.Shape, 1); err != nil {
		return l, fmt.Errorf("output %s: %w", boxes.Name, err)
	}
	l.dynamicRows = dynamic
	if l.boxesShape[2] < 5 {
		return l, fmt.Errorf("output %s: need at least 5 attributes per row, got %d", boxes.Name, l.boxesShape[2])
	}
	l.boxesName = boxes.Name
	l.boxAttrs = int(l.boxesShape[2])

	labels := m.Outputs[1]
	switch labels.ElementType {
	case "int64":
	case "float32":
		l.labelsFloat = true
	default:
		return l, fmt.Errorf("output %s: expected int64 or float32 labels, got %s", labels.Name, labels.ElementType)
	}
	if len(labels.Shape) < 1 || len(labels.Shape) > 2 {
		return l, fmt.Errorf("output %s: expected [batch, rows] or [rows], got %v", labels.Name, labels.Shape)
	}
	if l.labelsShape, dynamic, err = outputShape(labels.Shape, len(labels.Shape)-1); err != nil {
		return l, fmt.Errorf("output %s: %w", labels.Name, err)
	}
	l.dynamicRows = l.dynamicRows || dynamic
	l.labelsName = labels.Name

	return l, nil
}

// staticShape pins a dynamic batch dimension to 1. Any other dynamic
// dimension cannot be pre-allocated and is rejected.
func staticShape(dims []int64) ([]int64, error) {
	out := append([]int64(nil), dims...)
	if len(out) > 1 && out[0] <= 0 {
		out[0] = 1
	}
	for i, d := range out {
		if d <= 0 {
			return nil, fmt.Errorf("dimension %d of %v is dynamic; export the model with static shapes", i, dims)
		}
	}
	return out, nil
}

// outputShape pins a dynamic batch dimension to 1 and reports whether the
// dimension at rowsAxis is dynamic. Any other dynamic dimension is rejected.
func outputShape(dims []int64, rowsAxis int) ([]int64, bool, error) {
	out := append([]int64(nil), dims...)
	if rowsAxis > 0 && out[0] <= 0 {
		out[0] = 1
	}
	dynamic := false
	for i, d := range out {
		if d > 0 {
			continue
		}
		if i != rowsAxis {
			return nil, false, fmt.Errorf("dimension %d of %v is dynamic", i, dims)
		}
		dynamic = true
	}
	return out, dynamic, nil
}

const (
	providerCPU      = "cpu"
	providerOpenVINO = "openvino"
	providerCUDA     = "cuda"
)

var errNoDevice = errors.New("inference device is empty")

// devicePlan is how a device name and compile options map onto session options.
type devicePlan struct {
	provider        string
	device          string
	providerOptions map[string]string
	requests        int
	intraOpThreads  int
	interOpThreads  int
}

func planDevice(device string, options map[string]string, intraOpThreads, numCPU int) (devicePlan, error) {
	p := devicePlan{device: device, interOpThreads: 1}
	upper := strings.ToUpper(strings.TrimSpace(device))

	switch {
	case upper == "":
		return p, errNoDevice
	case upper == "CPU":
		p.provider = providerCPU
	case upper == "CUDA" || strings.HasPrefix(upper, "CUDA:"):
		p.provider = providerCUDA
		id := "0"
		if _, after, ok := strings.Cut(upper, ":"); ok {
			if _, err := strconv.Atoi(after); err != nil {
				return p, fmt.Errorf("invalid CUDA device %q", device)
			}
			id = after
		}
		p.providerOptions = map[string]string{"device_id": id}
	default:
		// GPU, GPU.1, NPU, AUTO:GPU,CPU, HETERO:..., MULTI:...
		p.provider = providerOpenVINO
		p.providerOptions = map[string]string{"device_type": upper}
		if dir := options[engine.OptionCacheDir]; dir != "" {
			p.providerOptions["cache_dir"] = dir
		}
	}

	accelerated := p.provider != providerCPU
	hint := strings.ToUpper(options[engine.OptionPerformanceHint])
	switch hint {
	case "", "LATENCY":
		p.requests = 1
		if accelerated {
			p.requests = 2
		}
	case "THROUGHPUT":
		p.requests = max(2, numCPU/4)
		if accelerated {
			p.requests = 4
		}
	default:
		return p, fmt.Errorf("unknown performance hint %q", options[engine.OptionPerformanceHint])
	}

	if n := options[engine.OptionNumRequests]; n != "" {
		v, err := strconv.Atoi(n)
		if err != nil || v <= 0 {
			return p, fmt.Errorf("invalid %s %q", engine.OptionNumRequests, n)
		}
		p.requests = v
	}

	switch {
	case intraOpThreads > 0:
		p.intraOpThreads = intraOpThreads
	case p.provider == providerCPU:
		p.intraOpThreads = max(1, numCPU/p.requests)
	default:
		p.intraOpThreads = 1
	}

	return p, nil
}
