package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var problems []string

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true, "fatal": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		problems = append(problems, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error, fatal)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}
	if c.Server.Addr == "" {
		problems = append(problems, "server.addr is required")
	}
	if c.Engine.ModelName == "" {
		problems = append(problems, "engine.model_name is required")
	}
	if c.Engine.IntraOpThreads < 0 {
		problems = append(problems, fmt.Sprintf("engine.intra_op_threads must be >= 0, got: %d", c.Engine.IntraOpThreads))
	}

	if err := c.Detector.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return errors.New("configuration validation failed:\n  - " + strings.Join(problems, "\n  - "))
	}
	return nil
}

// Validate checks the detector parameters.
func (d *Detector) Validate() error {
	var problems []string

	if d.ModelFormat != FormatONNX && d.ModelFormat != FormatOpenVINO {
		problems = append(problems, fmt.Sprintf("detector.model_format must be %q or %q, got: %q", FormatONNX, FormatOpenVINO, d.ModelFormat))
	}
	if d.InferenceDevice == "" {
		problems = append(problems, "detector.inference_device is required")
	}
	if d.ConfidenceThreshold < 0 || d.ConfidenceThreshold > 1 {
		problems = append(problems, fmt.Sprintf("detector.confidence_threshold must be between 0 and 1, got: %.2f", d.ConfidenceThreshold))
	}
	if d.NMSThreshold < 0 || d.NMSThreshold > 1 {
		problems = append(problems, fmt.Sprintf("detector.nms_threshold must be between 0 and 1, got: %.2f", d.NMSThreshold))
	}
	if len(d.ClassNames) == 0 {
		problems = append(problems, "detector.class_name_array must not be empty")
	}
	if d.ResX <= 0 || d.ResY <= 0 {
		problems = append(problems, fmt.Sprintf("detector.res_x/res_y must be > 0, got: %dx%d", d.ResX, d.ResY))
	}

	if len(problems) > 0 {
		return errors.New(strings.Join(problems, "; "))
	}
	return nil
}
