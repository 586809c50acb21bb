// Package config resolves the worker's configuration once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"asrworker/internal/component"
)

const (
	DefaultBackend      = "sense_voice"
	DefaultDevice       = "auto"
	DefaultLogLevel     = "info"
	DefaultInitTimeout  = 300 * time.Second
	DefaultInitPolicy   = "parallel"
	DefaultReclaimEvery = 10
	DefaultNumThreads   = 4
	DefaultLogFile      = "asr-worker.log"
)

// ComponentSpec declares one loadable stage.
type ComponentSpec struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Enabled  *bool  `yaml:"enabled"`
	// Path overrides the stage's model location (directory or file).
	Path string `yaml:"path"`
}

// IsEnabled treats an unset flag as enabled.
func (c ComponentSpec) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// DefaultComponents returns asr (required), vad and punc (optional).
func DefaultComponents() []ComponentSpec {
	return []ComponentSpec{
		{Name: "asr", Required: true},
		{Name: "vad"},
		{Name: "punc"},
	}
}

// Config is immutable once Load returns.
type Config struct {
	ModelDir      string
	Backend       string
	Device        string
	LogDir        string
	LogLevel      string
	InitTimeout   time.Duration
	InitPolicy    string
	ReclaimEvery  int
	NumThreads    int
	JournalPath   string
	StatusAddr    string
	RequireFFmpeg bool
	Defaults      component.Options
	Components    []ComponentSpec
}

// Component returns the declaration for name.
func (c Config) Component(name string) (ComponentSpec, bool) {
	for _, spec := range c.Components {
		if spec.Name == name {
			return spec, true
		}
	}
	return ComponentSpec{}, false
}

// Validate applies defaults and rejects out-of-range values.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Device == "" {
		c.Device = DefaultDevice
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.InitPolicy == "" {
		c.InitPolicy = DefaultInitPolicy
	}
	if c.InitTimeout == 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.ReclaimEvery == 0 {
		c.ReclaimEvery = DefaultReclaimEvery
	}
	if c.NumThreads == 0 {
		c.NumThreads = DefaultNumThreads
	}
	if len(c.Components) == 0 {
		c.Components = DefaultComponents()
	}

	if c.ModelDir == "" {
		return fmt.Errorf("config: model dir is required")
	}
	if c.InitTimeout < 0 {
		return fmt.Errorf("config: init timeout must be positive, got %s", c.InitTimeout)
	}
	if c.InitPolicy != "parallel" && c.InitPolicy != "sequential" {
		return fmt.Errorf("config: init policy must be parallel or sequential, got %q", c.InitPolicy)
	}
	if c.ReclaimEvery < 0 {
		return fmt.Errorf("config: reclaim interval must be >= 1, got %d", c.ReclaimEvery)
	}
	if c.NumThreads < 0 {
		return fmt.Errorf("config: threads must be >= 1, got %d", c.NumThreads)
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	if c.Defaults.BeamSize < 1 {
		return fmt.Errorf("config: beam_size must be >= 1, got %d", c.Defaults.BeamSize)
	}

	seen := make(map[string]bool, len(c.Components))
	required := 0
	for _, spec := range c.Components {
		if spec.Name == "" {
			return fmt.Errorf("config: component without a name")
		}
		if seen[spec.Name] {
			return fmt.Errorf("config: component %q declared twice", spec.Name)
		}
		seen[spec.Name] = true
		if spec.Required && spec.IsEnabled() {
			required++
		}
	}
	if required == 0 {
		return fmt.Errorf("config: at least one required component must be enabled")
	}
	return nil
}

// defaultModelDir is ~/.cache/asr-worker/models, or a temp dir without a home.
func defaultModelDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "asr-worker", "models")
	}
	return filepath.Join(os.TempDir(), "asr-worker", "models")
}

// defaultLogDir follows the desktop app convention: the app's user-data
// logs folder when launched by it, else a temp folder.
func defaultLogDir(lookup func(string) (string, bool)) string {
	if v, ok := lookup("ELECTRON_USER_DATA"); ok && strings.TrimSpace(v) != "" {
		return filepath.Join(strings.TrimSpace(v), "logs")
	}
	return filepath.Join(os.TempDir(), "asr_worker_logs")
}
