package component

import (
	"encoding/json"
	"math"
	"sort"
	"strings"
)

// Options are the per-request transcription settings.
type Options struct {
	BeamSize     int     `yaml:"beam_size" json:"beam_size"`
	BatchSizeS   float64 `yaml:"batch_size_s" json:"batch_size_s"`
	UseVAD       bool    `yaml:"use_vad" json:"use_vad"`
	Hotword      string  `yaml:"hotword" json:"hotword"`
	Language     string  `yaml:"language" json:"language"`
	MaxNewTokens int     `yaml:"max_new_tokens" json:"max_new_tokens"`
}

// DefaultOptions mirrors the defaults of the resident servers this worker replaces.
func DefaultOptions() Options {
	return Options{
		BeamSize:     3,
		BatchSizeS:   60,
		UseVAD:       true,
		Language:     "auto",
		MaxNewTokens: 512,
	}
}

// ParseOptions overlays raw request options on defaults. Unrecognized keys and
// values of the wrong type are skipped; their keys are returned sorted so the
// caller can log them.
func ParseOptions(raw map[string]any, defaults Options) (Options, []string) {
	opts := defaults
	var skipped []string

	for key, value := range raw {
		ok := true
		switch key {
		case "beam_size":
			var n int
			if n, ok = asInt(value); ok && n > 0 {
				opts.BeamSize = n
			} else {
				ok = false
			}
		case "batch_size_s":
			var f float64
			if f, ok = asFloat(value); ok && f > 0 {
				opts.BatchSizeS = f
			} else {
				ok = false
			}
		case "use_vad":
			var b bool
			if b, ok = value.(bool); ok {
				opts.UseVAD = b
			}
		case "hotword":
			var s string
			if s, ok = value.(string); ok {
				opts.Hotword = strings.TrimSpace(s)
			}
		case "language":
			var s string
			if s, ok = value.(string); ok && strings.TrimSpace(s) != "" {
				opts.Language = strings.TrimSpace(s)
			} else {
				ok = false
			}
		case "max_new_tokens":
			var n int
			if n, ok = asInt(value); ok && n > 0 {
				opts.MaxNewTokens = n
			} else {
				ok = false
			}
		default:
			ok = false
		}
		if !ok {
			skipped = append(skipped, key)
		}
	}

	sort.Strings(skipped)
	return opts, skipped
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func asInt(value any) (int, bool) {
	f, ok := asFloat(value)
	if !ok || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
