// Package component describes the loadable inference stages a worker keeps
// resident and the loader that records the outcome of loading each one.
package component

import (
	"context"
	"errors"
)

// ErrMissingDependency marks a load failure caused by an absent runtime,
// library or binary rather than by the model itself.
var ErrMissingDependency = errors.New("component: required dependency is missing")

// ErrNotLoaded is returned when a component is invoked before a successful load.
var ErrNotLoaded = errors.New("component: not loaded")

// Component is a capability that must be loaded before use.
type Component interface {
	Load(ctx context.Context) error
}

// Transcriber converts an audio resource into text.
type Transcriber interface {
	Component
	Transcribe(ctx context.Context, audioPath string, opts Options) (Transcript, error)
	// ModelType identifies the loaded model in responses, e.g. "sherpa-sense_voice".
	ModelType() string
}

// Transcript is the normalized output of a Transcriber.
type Transcript struct {
	Text     string
	Language string
}

// PunctuationRestorer adds punctuation to unpunctuated text.
type PunctuationRestorer interface {
	Component
	Restore(ctx context.Context, text string) (string, error)
}

// DurationProbe reports an audio resource's length in seconds, 0 when unknown.
type DurationProbe interface {
	Duration(path string) float64
}

// DurationProbeFunc adapts a function to DurationProbe.
type DurationProbeFunc func(path string) float64

// Duration implements DurationProbe.
func (f DurationProbeFunc) Duration(path string) float64 {
	return f(path)
}

// Releaser is implemented by components holding caches that can be dropped
// between requests.
type Releaser interface {
	Release() error
}

// Closer is implemented by components owning native resources.
type Closer interface {
	Close() error
}
