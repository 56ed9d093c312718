// Package config provides configuration loading and management for mrisegview.
// It handles loading configuration from YAML or TOML files and provides default values.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"mrisegview/pkg/logging"
	"mrisegview/pkg/tasks"
)

// Model backends understood by the run pipeline
const (
	BackendExec      = "exec"
	BackendThreshold = "threshold"
)

// Config represents the application configuration
type Config struct {
	// Viewer parameters
	Viewer struct {
		// SlotCapacity is the number of pre-allocated 2D display slots
		SlotCapacity int `yaml:"slotCapacity" toml:"slot_capacity"`

		// DefaultTask is the task selected when a session starts
		DefaultTask string `yaml:"defaultTask" toml:"default_task"`

		// OverlayColor is the hex colour used to draw the label region
		OverlayColor string `yaml:"overlayColor" toml:"overlay_color"`

		// OverlayAlpha is the opacity of the label region, 0..1
		OverlayAlpha float64 `yaml:"overlayAlpha" toml:"overlay_alpha"`

		// WindowLow and WindowHigh are the intensity percentiles mapped to black and white
		WindowLow  float64 `yaml:"windowLow" toml:"window_low"`
		WindowHigh float64 `yaml:"windowHigh" toml:"window_high"`
	} `yaml:"viewer" toml:"viewer"`

	// Segmentation model parameters
	Model struct {
		// Backend selects how the model is invoked: exec or threshold
		Backend string `yaml:"backend" toml:"backend"`

		// Command is the argv prefix of the external model
		Command []string `yaml:"command" toml:"command"`

		// ModelDir is the model resource directory handed to the model
		ModelDir string `yaml:"modelDir" toml:"model_dir"`

		// ThresholdQuantile is the intensity quantile used by the threshold backend
		ThresholdQuantile float64 `yaml:"thresholdQuantile" toml:"threshold_quantile"`
	} `yaml:"model" toml:"model"`

	// Mesh extraction parameters
	Mesh struct {
		// IsoLevel is the label value at which the surface is extracted
		IsoLevel float64 `yaml:"isoLevel" toml:"iso_level"`

		// Format is the mesh file format, obj or stl
		Format string `yaml:"format" toml:"format"`

		// NumCores is the number of goroutines used for surface extraction
		NumCores int `yaml:"numCores" toml:"num_cores"`
	} `yaml:"mesh" toml:"mesh"`

	// Storage locations
	Storage struct {
		// UploadDir receives uploaded scans
		UploadDir string `yaml:"uploadDir" toml:"upload_dir"`

		// OutputRoot holds one directory per run with the prediction and mesh
		OutputRoot string `yaml:"outputRoot" toml:"output_root"`

		// RunDB is the sqlite database recording run history
		RunDB string `yaml:"runDB" toml:"run_db"`

		// SliceCacheBytes bounds the rendered slice cache
		SliceCacheBytes int `yaml:"sliceCacheBytes" toml:"slice_cache_bytes"`
	} `yaml:"storage" toml:"storage"`

	// HTTP server parameters
	Server struct {
		Address        string   `yaml:"address" toml:"address"`
		AllowedOrigins []string `yaml:"allowedOrigins" toml:"allowed_origins"`

		// MaxUploadBytes bounds a single uploaded scan
		MaxUploadBytes int64 `yaml:"maxUploadBytes" toml:"max_upload_bytes"`

		// SessionIdleMinutes expires sessions unused for this long, 0 keeps them
		SessionIdleMinutes int `yaml:"sessionIdleMinutes" toml:"session_idle_minutes"`
	} `yaml:"server" toml:"server"`

	Logging logging.Config `yaml:"logging" toml:"logging"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Viewer.SlotCapacity = 512
	cfg.Viewer.DefaultTask = tasks.DefaultTask
	cfg.Viewer.OverlayColor = "#ffae00"
	cfg.Viewer.OverlayAlpha = 0.5
	cfg.Viewer.WindowLow = 0.005
	cfg.Viewer.WindowHigh = 0.995

	cfg.Model.Backend = BackendExec
	cfg.Model.Command = []string{"raidionicsseg"}
	cfg.Model.ModelDir = "resources/models"
	cfg.Model.ThresholdQuantile = 0.98

	cfg.Mesh.IsoLevel = 0.5
	cfg.Mesh.Format = "obj"
	cfg.Mesh.NumCores = 4

	cfg.Storage.UploadDir = "data/uploads"
	cfg.Storage.OutputRoot = "data/runs"
	cfg.Storage.RunDB = "data/runs.db"
	cfg.Storage.SliceCacheBytes = 64 * 1024 * 1024

	cfg.Server.Address = "0.0.0.0:7860"
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.MaxUploadBytes = 1 << 30
	cfg.Server.SessionIdleMinutes = 120

	return cfg
}

// Validate checks values that would otherwise fail deep inside a run
func (c *Config) Validate() error {
	if c.Viewer.SlotCapacity <= 0 {
		return fmt.Errorf("viewer.slotCapacity must be positive, got %d", c.Viewer.SlotCapacity)
	}
	if _, err := tasks.Lookup(c.Viewer.DefaultTask); err != nil {
		return fmt.Errorf("viewer.defaultTask: %w", err)
	}
	if c.Viewer.WindowLow < 0 || c.Viewer.WindowHigh > 1 || c.Viewer.WindowLow >= c.Viewer.WindowHigh {
		return fmt.Errorf("viewer window must satisfy 0 <= low < high <= 1, got %g..%g",
			c.Viewer.WindowLow, c.Viewer.WindowHigh)
	}
	switch c.Model.Backend {
	case BackendExec:
		if len(c.Model.Command) == 0 {
			return fmt.Errorf("model.command is required for the exec backend")
		}
	case BackendThreshold:
	default:
		return fmt.Errorf("unknown model.backend %q", c.Model.Backend)
	}
	if c.Server.SessionIdleMinutes < 0 {
		return fmt.Errorf("server.sessionIdleMinutes must not be negative, got %d", c.Server.SessionIdleMinutes)
	}
	switch c.Mesh.Format {
	case "obj", "stl":
	default:
		return fmt.Errorf("unknown mesh.format %q (must be obj or stl)", c.Mesh.Format)
	}
	return nil
}

// LoadConfig loads configuration from a YAML or TOML file, chosen by extension.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if isTOML(configPath) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}
	return cfg, nil
}

// SaveConfig saves the configuration to a YAML or TOML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	var data []byte
	if isTOML(configPath) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
		data = buf.Bytes()
	} else {
		var err error
		if data, err = yaml.Marshal(cfg); err != nil {
			return fmt.Errorf("error marshaling config: %w", err)
		}
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}
	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}
