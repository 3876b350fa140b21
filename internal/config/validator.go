package config

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/e7canasta/orion-defect-station/internal/source"
)

var deviceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks if the configuration is valid and applies defaults.
func Validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateShadow(cfg); err != nil {
		return err
	}

	if cfg.Pipeline.RunTimeoutS < 0 {
		return fmt.Errorf("pipeline.run_timeout_s must be >= 0")
	}
	if cfg.Pipeline.RunTimeoutS == 0 {
		cfg.Pipeline.RunTimeoutS = 30
	}

	if cfg.Capture.OutputDir == "" {
		return fmt.Errorf("capture.output_dir is required")
	}
	if cfg.Capture.IndexDir == "" {
		cfg.Capture.IndexDir = filepath.Join(cfg.Capture.OutputDir, ".index")
	}
	if cfg.Capture.MaxCount <= 0 {
		cfg.Capture.MaxCount = 1000
	}
	if cfg.Capture.QueueSize <= 0 {
		cfg.Capture.QueueSize = 64
	}

	if cfg.Health.Listen == "" {
		cfg.Health.Listen = ":8080"
	}

	if err := ValidateWorkflows(cfg.Workflows); err != nil {
		return fmt.Errorf("workflow validation failed: %w", err)
	}
	return nil
}

func validateShadow(cfg *Config) error {
	s := &cfg.Shadow
	if s.Backend == "" {
		s.Backend = "mqtt"
	}
	switch s.Backend {
	case "mqtt":
		if s.MQTT.Broker == "" {
			return fmt.Errorf("shadow.mqtt.broker is required")
		}
	case "memory":
	default:
		return fmt.Errorf("shadow.backend: unknown backend '%s' (must be 'mqtt' or 'memory')", s.Backend)
	}
	if s.Document == "" {
		s.Document = "pipelines"
	}
	if s.TimeoutMS <= 0 {
		s.TimeoutMS = 5000
	}
	if s.SyncIntervalS == 0 {
		s.SyncIntervalS = 60
	}
	if s.MQTT.ClientID == "" {
		s.MQTT.ClientID = cfg.DeviceID
	}
	if s.MQTT.Thing == "" {
		s.MQTT.Thing = cfg.DeviceID
	}
	if s.MQTT.QoS > 2 {
		return fmt.Errorf("shadow.mqtt.qos must be 0, 1 or 2")
	}
	if s.MQTT.HealthTopic == "" {
		s.MQTT.HealthTopic = fmt.Sprintf("defect/%s/health", cfg.DeviceID)
	}
	if s.MQTT.ControlTopic == "" {
		s.MQTT.ControlTopic = fmt.Sprintf("defect/%s/control", cfg.DeviceID)
	}
	if s.MQTT.ControlResponseTopic == "" {
		s.MQTT.ControlResponseTopic = s.MQTT.ControlTopic + "/response"
	}
	return nil
}

// ValidateWorkflows checks workflow definitions for correctness.
func ValidateWorkflows(workflows []Workflow) error {
	ids := make(map[string]bool, len(workflows))
	streams := make(map[string]string, len(workflows))

	for i := range workflows {
		w := &workflows[i]
		if w.ID == "" {
			return fmt.Errorf("workflow %d: id is required", i)
		}
		if ids[w.ID] {
			return fmt.Errorf("workflow '%s': duplicate id", w.ID)
		}
		ids[w.ID] = true

		if w.StreamID == "" {
			return fmt.Errorf("workflow '%s': stream_id is required", w.ID)
		}
		if other, ok := streams[w.StreamID]; ok {
			return fmt.Errorf("workflow '%s': stream '%s' already used by workflow '%s'", w.ID, w.StreamID, other)
		}
		streams[w.StreamID] = w.ID

		if strings.TrimSpace(w.Definition) == "" {
			return fmt.Errorf("workflow '%s': definition is required", w.ID)
		}
		if w.ImageSource == "" {
			w.ImageSource = "camera"
		}
		if err := source.Validate(w.ImageSource); err != nil {
			return fmt.Errorf("workflow '%s': %w", w.ID, err)
		}

		if w.Trigger != nil {
			if w.Trigger.DebounceTimeMS < 0 {
				return fmt.Errorf("workflow '%s': trigger.debounce_time_ms must be >= 0", w.ID)
			}
			if w.Trigger.PollingFrequencyS < 0 {
				return fmt.Errorf("workflow '%s': trigger.polling_frequency_s must be > 0", w.ID)
			}
			if _, _, err := w.TriggerConfig(); err != nil {
				return fmt.Errorf("workflow '%s': %w", w.ID, err)
			}
		}
	}
	return nil
}
