package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrModelNotFound is returned when a model file is missing.
var ErrModelNotFound = errors.New("model file not found")

// ModelFiles are the on-disk files of one model.
type ModelFiles struct {
	Model   string
	Weights string
}

// ResolveModelFiles finds the model called name in dir. The onnx format is a
// single <name>.onnx file; openvino is <name>.xml with weights in <name>.bin.
func ResolveModelFiles(dir, name, format string) (ModelFiles, error) {
	var files ModelFiles

	switch format {
	case "onnx":
		files.Model = filepath.Join(dir, name+".onnx")
	case "openvino":
		files.Model = filepath.Join(dir, name+".xml")
		files.Weights = filepath.Join(dir, name+".bin")
	default:
		return files, fmt.Errorf("unknown model format %q", format)
	}

	if err := checkFile(files.Model); err != nil {
		return files, err
	}
	if files.Weights != "" {
		if err := checkFile(files.Weights); err != nil {
			return files, err
		}
	}

	return files, nil
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrModelNotFound, path)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrModelNotFound, path)
	}
	return nil
}
