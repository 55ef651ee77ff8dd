package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 0.7, cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, 0.5, cfg.Detector.NMSThreshold)
	assert.Equal(t, []string{"bolt", "gear", "nut", "cube"}, cfg.Detector.ClassNames)
	assert.Equal(t, 640, cfg.Detector.ResX)
	assert.Equal(t, 480, cfg.Detector.ResY)
	assert.Equal(t, "GPU", cfg.Detector.InferenceDevice)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  addr: ":9090"
log:
  level: debug
  format: json
engine:
  model_name: parts
detector:
  model_format: openvino
  inference_device: CPU
  confidence_threshold: 0.4
  nms_threshold: 0.3
  class_name_array: [a, b]
  res_x: 1280
  res_y: 720
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "parts", cfg.Engine.ModelName)
	assert.Equal(t, FormatOpenVINO, cfg.Detector.ModelFormat)
	assert.Equal(t, "CPU", cfg.Detector.InferenceDevice)
	assert.Equal(t, 0.4, cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, 0.3, cfg.Detector.NMSThreshold)
	assert.Equal(t, []string{"a", "b"}, cfg.Detector.ClassNames)
	assert.Equal(t, 1280, cfg.Detector.ResX)
	assert.Equal(t, 5, cfg.Detector.ModelVersion)
}

func TestLoad_ExplicitZeroThresholds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
detector:
  confidence_threshold: 0
  nms_threshold: 0
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Detector.ConfidenceThreshold)
	assert.Zero(t, cfg.Detector.NMSThreshold)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_AbsentKeysKeepDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
server:
  addr: ""
detector:
  confidence_threshold: 0
  inference_device: CPU
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, DefaultNMSThreshold, cfg.Detector.NMSThreshold)
	assert.Equal(t, "CPU", cfg.Detector.InferenceDevice)
	assert.Equal(t, []string{"bolt", "gear", "nut", "cube"}, cfg.Detector.ClassNames)
	assert.Equal(t, "127.0.0.1:8080", cfg.Server.Addr)
	assert.Equal(t, "yolox", cfg.Engine.ModelName)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration file not found")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("YOLOX_CONFIDENCE_THRESHOLD", "0.25")
	t.Setenv("YOLOX_CLASS_NAMES", "x, y ,z")
	t.Setenv("YOLOX_INFERENCE_DEVICE", "NPU")
	t.Setenv("YOLOX_NMS_THRESHOLD", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 0.25, cfg.Detector.ConfidenceThreshold)
	assert.Equal(t, []string{"x", "y", "z"}, cfg.Detector.ClassNames)
	assert.Equal(t, "NPU", cfg.Detector.InferenceDevice)
	assert.Equal(t, 0.5, cfg.Detector.NMSThreshold)
}

func TestDetector_Validate(t *testing.T) {
	d := DefaultDetector()
	require.NoError(t, d.Validate())

	d.ModelFormat = "tflite"
	d.ConfidenceThreshold = 1.5
	d.ClassNames = nil
	err := d.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model_format")
	assert.Contains(t, err.Error(), "confidence_threshold")
	assert.Contains(t, err.Error(), "class_name_array")
}

func TestConfig_ValidateLogSettings(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "verbose"
	cfg.Log.Format = "xml"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log.level")
	assert.Contains(t, err.Error(), "invalid log.format")
}

func TestLoad_ExampleFile(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "config.example.yaml"))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultDetector(), cfg.Detector)
	assert.Equal(t, "/usr/lib/libonnxruntime.so", cfg.Engine.SharedLibraryPath)
}
