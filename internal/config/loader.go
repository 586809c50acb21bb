package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"asrworker/internal/component"
)

// Loader resolves configuration from, in increasing precedence, defaults,
// a .env file, a YAML file and the environment. Tests can override Lookup
// to inject deterministic maps.
type Loader struct {
	Lookup func(string) (string, bool)
	// DotEnvPath is read when present; a missing file is not an error.
	DotEnvPath string
	// FilePath is an optional YAML file; when set it must exist.
	FilePath string
}

// fileConfig mirrors the YAML layout.
type fileConfig struct {
	ModelDir      string          `yaml:"model_dir"`
	Backend       string          `yaml:"backend"`
	Device        string          `yaml:"device"`
	LogDir        string          `yaml:"log_dir"`
	LogLevel      string          `yaml:"log_level"`
	InitTimeout   string          `yaml:"init_timeout"`
	InitPolicy    string          `yaml:"init_policy"`
	ReclaimEvery  int             `yaml:"reclaim_every"`
	NumThreads    int             `yaml:"num_threads"`
	JournalPath   string          `yaml:"journal_path"`
	StatusAddr    string          `yaml:"status_addr"`
	RequireFFmpeg *bool           `yaml:"require_ffmpeg"`
	Defaults      *fileOptions    `yaml:"defaults"`
	Components    []ComponentSpec `yaml:"components"`
}

// fileOptions distinguishes absent keys from zero values.
type fileOptions struct {
	BeamSize     *int     `yaml:"beam_size"`
	BatchSizeS   *float64 `yaml:"batch_size_s"`
	UseVAD       *bool    `yaml:"use_vad"`
	Hotword      *string  `yaml:"hotword"`
	Language     *string  `yaml:"language"`
	MaxNewTokens *int     `yaml:"max_new_tokens"`
}

// Load resolves and validates the configuration.
func (l Loader) Load() (Config, error) {
	if l.Lookup == nil {
		l.Lookup = os.LookupEnv
	}

	cfg := Config{
		ModelDir:     defaultModelDir(),
		Backend:      DefaultBackend,
		Device:       DefaultDevice,
		LogDir:       defaultLogDir(l.Lookup),
		LogLevel:     DefaultLogLevel,
		InitTimeout:  DefaultInitTimeout,
		InitPolicy:   DefaultInitPolicy,
		ReclaimEvery: DefaultReclaimEvery,
		NumThreads:   DefaultNumThreads,
		Defaults:     component.DefaultOptions(),
		Components:   DefaultComponents(),
	}

	if l.DotEnvPath != "" {
		values, err := godotenv.Read(l.DotEnvPath)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", l.DotEnvPath, err)
		default:
			if err := applyEnv(mapLookup(values), &cfg); err != nil {
				return Config{}, err
			}
		}
	}

	if l.FilePath != "" {
		if err := applyFile(l.FilePath, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(l.Lookup, &cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func mapLookup(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func applyFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}

	setString(&cfg.ModelDir, fc.ModelDir)
	setString(&cfg.Backend, fc.Backend)
	setString(&cfg.Device, fc.Device)
	setString(&cfg.LogDir, fc.LogDir)
	setString(&cfg.LogLevel, fc.LogLevel)
	setString(&cfg.InitPolicy, fc.InitPolicy)
	setString(&cfg.JournalPath, fc.JournalPath)
	setString(&cfg.StatusAddr, fc.StatusAddr)
	if fc.InitTimeout != "" {
		d, err := parseDuration(fc.InitTimeout)
		if err != nil {
			return fmt.Errorf("config: init_timeout: %w", err)
		}
		cfg.InitTimeout = d
	}
	if fc.ReclaimEvery != 0 {
		cfg.ReclaimEvery = fc.ReclaimEvery
	}
	if fc.NumThreads != 0 {
		cfg.NumThreads = fc.NumThreads
	}
	if fc.RequireFFmpeg != nil {
		cfg.RequireFFmpeg = *fc.RequireFFmpeg
	}
	if fc.Defaults != nil {
		cfg.Defaults = mergeOptions(cfg.Defaults, *fc.Defaults)
	}
	if len(fc.Components) > 0 {
		cfg.Components = fc.Components
	}
	return nil
}

func mergeOptions(base component.Options, o fileOptions) component.Options {
	if o.BeamSize != nil {
		base.BeamSize = *o.BeamSize
	}
	if o.BatchSizeS != nil {
		base.BatchSizeS = *o.BatchSizeS
	}
	if o.UseVAD != nil {
		base.UseVAD = *o.UseVAD
	}
	if o.Hotword != nil {
		base.Hotword = *o.Hotword
	}
	if o.Language != nil && *o.Language != "" {
		base.Language = *o.Language
	}
	if o.MaxNewTokens != nil {
		base.MaxNewTokens = *o.MaxNewTokens
	}
	return base
}

func applyEnv(lookup func(string) (string, bool), cfg *Config) error {
	overrideString(lookup, "ASR_MODEL_DIR", &cfg.ModelDir)
	overrideString(lookup, "ASR_BACKEND", &cfg.Backend)
	overrideString(lookup, "ASR_DEVICE", &cfg.Device)
	overrideString(lookup, "ASR_LOG_DIR", &cfg.LogDir)
	overrideString(lookup, "ASR_LOG_LEVEL", &cfg.LogLevel)
	overrideString(lookup, "ASR_INIT_POLICY", &cfg.InitPolicy)
	overrideString(lookup, "ASR_JOURNAL_PATH", &cfg.JournalPath)
	overrideString(lookup, "ASR_STATUS_ADDR", &cfg.StatusAddr)

	if v, ok := lookupTrimmed(lookup, "ASR_INIT_TIMEOUT"); ok {
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("config: ASR_INIT_TIMEOUT: %w", err)
		}
		cfg.InitTimeout = d
	}
	if err := overrideInt(lookup, "ASR_RECLAIM_EVERY", &cfg.ReclaimEvery); err != nil {
		return err
	}
	if err := overrideInt(lookup, "ASR_NUM_THREADS", &cfg.NumThreads); err != nil {
		return err
	}
	if v, ok := lookupTrimmed(lookup, "ASR_REQUIRE_FFMPEG"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: ASR_REQUIRE_FFMPEG: %w", err)
		}
		cfg.RequireFFmpeg = b
	}
	return nil
}

// parseDuration accepts Go durations and bare seconds ("300").
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func lookupTrimmed(lookup func(string) (string, bool), key string) (string, bool) {
	if lookup == nil {
		return "", false
	}
	v, ok := lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func overrideString(lookup func(string) (string, bool), key string, target *string) {
	if v, ok := lookupTrimmed(lookup, key); ok {
		*target = v
	}
}

func overrideInt(lookup func(string) (string, bool), key string, target *int) error {
	v, ok := lookupTrimmed(lookup, key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*target = n
	return nil
}

func setString(target *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*target = v
	}
}
