// Package config loads the defect station configuration from YAML.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-defect-station/internal/broker"
	"github.com/e7canasta/orion-defect-station/internal/capture"
	"github.com/e7canasta/orion-defect-station/internal/pipeline"
	"github.com/e7canasta/orion-defect-station/internal/trigger"
)

// Config is the complete station configuration.
type Config struct {
	DeviceID         string         `yaml:"device_id"`
	ShutdownTimeoutS int            `yaml:"shutdown_timeout_s"` // graceful shutdown timeout (default: 5)
	Shadow           ShadowConfig   `yaml:"shadow"`
	Pipeline         PipelineConfig `yaml:"pipeline"`
	Capture          CaptureConfig  `yaml:"capture"`
	Health           HealthConfig   `yaml:"health"`
	Workflows        []Workflow     `yaml:"workflows"`
}

// ShadowConfig selects the shadow backend.
type ShadowConfig struct {
	Backend   string     `yaml:"backend"`    // mqtt, memory (default: mqtt)
	Document  string     `yaml:"document"`   // named shadow holding pipeline definitions (default: pipelines)
	TimeoutMS int        `yaml:"timeout_ms"` // per round trip (default: 5000)
	// SyncIntervalS is how often remote desired changes are applied
	// (default: 60, negative disables)
	SyncIntervalS int        `yaml:"sync_interval_s"`
	MQTT          MQTTConfig `yaml:"mqtt"`
}

// MQTTConfig contains MQTT broker settings.
type MQTTConfig struct {
	Broker               string `yaml:"broker"`
	ClientID             string `yaml:"client_id"` // default: device_id
	Username             string `yaml:"username"`
	Password             string `yaml:"password"`
	Thing                string `yaml:"thing"` // shadow thing name (default: device_id)
	QoS                  byte   `yaml:"qos"`
	HealthTopic          string `yaml:"health_topic"`           // default: defect/<device_id>/health
	ControlTopic         string `yaml:"control_topic"`          // default: defect/<device_id>/control
	ControlResponseTopic string `yaml:"control_response_topic"` // default: <control_topic>/response
}

// PipelineConfig configures the media runtime.
type PipelineConfig struct {
	TraceLog    string `yaml:"trace_log"`
	DebugLevel  string `yaml:"debug_level"`
	DebugFile   string `yaml:"debug_file"`
	PluginPath  string `yaml:"plugin_path"`
	RunTimeoutS int    `yaml:"run_timeout_s"` // default: 30
	MaxWidth    int    `yaml:"max_width"`     // folder sources larger than this are downscaled
	MaxHeight   int    `yaml:"max_height"`
}

// CaptureConfig configures result persistence and scheduling limits.
type CaptureConfig struct {
	OutputDir string `yaml:"output_dir"`
	IndexDir  string `yaml:"index_dir"` // default: <output_dir>/.index
	MaxCount  int    `yaml:"max_count"` // default: 1000
	QueueSize int    `yaml:"queue_size"`
}

// HealthConfig configures the probe server.
type HealthConfig struct {
	Listen string `yaml:"listen"` // default: :8080
}

// Workflow binds a stream's pipeline definition to an image source and an
// optional trigger.
type Workflow struct {
	ID          string         `yaml:"id"`
	StreamID    string         `yaml:"stream_id"`
	Definition  string         `yaml:"definition"`
	ImageSource string         `yaml:"image_source"` // camera, folder:<dir>, fake:<w>x<h>
	OutputPath  string         `yaml:"output_path"`  // frame directory below capture.output_dir (default: id)
	Trigger     *TriggerConfig `yaml:"trigger,omitempty"`
}

// TriggerConfig is the YAML form of trigger.Config.
type TriggerConfig struct {
	Chip              string  `yaml:"chip"`
	Pin               int     `yaml:"pin"`
	Edge              string  `yaml:"edge"` // rising, falling (default: rising)
	DebounceTimeMS    int     `yaml:"debounce_time_ms"`
	PollingFrequencyS float64 `yaml:"polling_frequency_s"` // default: 0.001
	Strategy          string  `yaml:"strategy"`            // thread, process (default: thread)
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Workflow returns the workflow with the given ID.
func (c *Config) Workflow(id string) (Workflow, bool) {
	for _, w := range c.Workflows {
		if w.ID == id {
			return w, true
		}
	}
	return Workflow{}, false
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// ShadowTimeout returns the per round trip shadow timeout.
func (c *Config) ShadowTimeout() time.Duration {
	return time.Duration(c.Shadow.TimeoutMS) * time.Millisecond
}

// SyncInterval returns the shadow reconcile period; zero disables it.
func (c *Config) SyncInterval() time.Duration {
	if c.Shadow.SyncIntervalS < 0 {
		return 0
	}
	return time.Duration(c.Shadow.SyncIntervalS) * time.Second
}

// Broker returns the MQTT connection settings.
func (c *Config) Broker() broker.Config {
	return broker.Config{
		Broker:   c.Shadow.MQTT.Broker,
		ClientID: c.Shadow.MQTT.ClientID,
		Username: c.Shadow.MQTT.Username,
		Password: c.Shadow.MQTT.Password,
	}
}

// Executor returns the pipeline executor settings.
func (c *Config) Executor() pipeline.ExecutorConfig {
	return pipeline.ExecutorConfig{
		DebugLevel:   c.Pipeline.DebugLevel,
		DebugFile:    c.Pipeline.DebugFile,
		PluginPath:   c.Pipeline.PluginPath,
		TraceLogPath: c.Pipeline.TraceLog,
		RunTimeout:   time.Duration(c.Pipeline.RunTimeoutS) * time.Second,
	}
}

// Scheduler returns the capture scheduler settings.
func (c *Config) Scheduler() capture.Config {
	return capture.Config{MaxCount: c.Capture.MaxCount, QueueSize: c.Capture.QueueSize}
}

// TriggerConfig converts the YAML trigger section. It reports false when the
// workflow has no trigger.
func (w Workflow) TriggerConfig() (trigger.Config, bool, error) {
	if w.Trigger == nil {
		return trigger.Config{}, false, nil
	}
	t := w.Trigger

	edge, err := trigger.ParseEdge(t.Edge)
	if err != nil {
		return trigger.Config{}, true, err
	}
	strategy, err := trigger.ParseStrategy(t.Strategy)
	if err != nil {
		return trigger.Config{}, true, err
	}

	cfg := trigger.Config{
		Chip:            t.Chip,
		Pin:             t.Pin,
		Edge:            edge,
		DebounceTime:    time.Duration(t.DebounceTimeMS) * time.Millisecond,
		PollingInterval: time.Duration(math.Round(t.PollingFrequencyS * float64(time.Second))),
		Strategy:        strategy,
	}
	if err := cfg.Validate(); err != nil {
		return trigger.Config{}, true, err
	}
	return cfg, true, nil
}
