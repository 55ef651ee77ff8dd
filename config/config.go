package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Model formats understood by ResolveModelFiles.
const (
	FormatONNX     = "onnx"
	FormatOpenVINO = "openvino"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig `yaml:"server"`
	Log      LogConfig    `yaml:"log,omitempty"`
	Engine   EngineConfig `yaml:"engine"`
	Detector Detector     `yaml:"detector"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// EngineConfig configures the ONNX Runtime backend.
type EngineConfig struct {
	SharedLibraryPath string `yaml:"shared_library_path"`
	IntraOpThreads    int    `yaml:"intra_op_threads"`
	ModelName         string `yaml:"model_name"`
}

// Detector holds the detection parameters. It is read once by
// Pipeline.Initialize and not modified afterwards.
type Detector struct {
	ModelFormat         string   `yaml:"model_format"`
	ModelVersion        int      `yaml:"model_version"`
	InferenceDevice     string   `yaml:"inference_device"`
	ConfidenceThreshold float64  `yaml:"confidence_threshold"`
	NMSThreshold        float64  `yaml:"nms_threshold"`
	ClassNames          []string `yaml:"class_name_array"`
	ResX                int      `yaml:"res_x"`
	ResY                int      `yaml:"res_y"`
	ModelDir            string   `yaml:"model_dir"`
	CacheDir            string   `yaml:"cache_dir"`
	PerformanceHint     string   `yaml:"performance_hint"`
}

// Default detection thresholds. They are only applied when the key is
// absent; an explicit 0 in the file is kept.
const (
	DefaultConfidenceThreshold = 0.7
	DefaultNMSThreshold        = 0.5
)

// Load reads and parses the configuration file over the defaults, so keys
// missing from the file keep their default. An empty path yields the
// defaults. Environment overrides are applied last in both cases.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s", configPath)
		}

		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse configuration: %w", err)
		}
	}

	cfg.setDefaults()
	cfg.applyEnv()

	return cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := Config{Detector: DefaultDetector()}
	cfg.setDefaults()
	return &cfg
}

// DefaultDetector returns the detector defaults.
func DefaultDetector() Detector {
	d := Detector{
		ConfidenceThreshold: DefaultConfidenceThreshold,
		NMSThreshold:        DefaultNMSThreshold,
	}
	d.SetDefaults()
	return d
}

func (c *Config) setDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = "127.0.0.1:8080"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 60 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 60 * time.Second
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Engine.ModelName == "" {
		c.Engine.ModelName = "yolox"
	}

	c.Detector.SetDefaults()
}

// SetDefaults fills empty detector fields. Thresholds are left alone: 0 is
// a valid threshold, so their defaults come from DefaultDetector.
func (d *Detector) SetDefaults() {
	if d.ModelFormat == "" {
		d.ModelFormat = FormatONNX
	}
	if d.ModelVersion == 0 {
		d.ModelVersion = 5
	}
	if d.InferenceDevice == "" {
		d.InferenceDevice = "GPU"
	}
	if len(d.ClassNames) == 0 {
		d.ClassNames = []string{"bolt", "gear", "nut", "cube"}
	}
	if d.ResX == 0 {
		d.ResX = 640
	}
	if d.ResY == 0 {
		d.ResY = 480
	}
	if d.ModelDir == "" {
		d.ModelDir = "./ai_models"
	}
	if d.CacheDir == "" {
		d.CacheDir = "/rvc/cl_cache_dir"
	}
	if d.PerformanceHint == "" {
		d.PerformanceHint = "LATENCY"
	}
}

func (c *Config) applyEnv() {
	c.Server.Addr = getEnv("YOLOX_ADDR", c.Server.Addr)
	c.Log.Level = getEnv("YOLOX_LOG_LEVEL", c.Log.Level)
	c.Engine.SharedLibraryPath = getEnv("YOLOX_ORT_LIB", c.Engine.SharedLibraryPath)
	c.Engine.ModelName = getEnv("YOLOX_MODEL_NAME", c.Engine.ModelName)

	c.Detector.ModelFormat = getEnv("YOLOX_MODEL_FORMAT", c.Detector.ModelFormat)
	c.Detector.ModelDir = getEnv("YOLOX_MODEL_DIR", c.Detector.ModelDir)
	c.Detector.InferenceDevice = getEnv("YOLOX_INFERENCE_DEVICE", c.Detector.InferenceDevice)
	c.Detector.ConfidenceThreshold = getEnvAsFloat("YOLOX_CONFIDENCE_THRESHOLD", c.Detector.ConfidenceThreshold)
	c.Detector.NMSThreshold = getEnvAsFloat("YOLOX_NMS_THRESHOLD", c.Detector.NMSThreshold)
	if names := os.Getenv("YOLOX_CLASS_NAMES"); names != "" {
		c.Detector.ClassNames = splitList(names)
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
