package asr

import (
	"context"
	"fmt"
	"os"
	"sync"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"asrworker/internal/component"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	ModelPath          string  // Path to silero_vad.onnx
	Threshold          float32 // Speech detection threshold (0-1, default 0.5)
	MinSpeechDuration  float32 // Minimum speech duration in seconds (default 0.25)
	MinSilenceDuration float32 // Minimum silence duration to split (default 0.5)
	MaxSpeechDuration  float32 // Segments longer than this are cut (default 20)
	SampleRate         int
	Provider           string
	BufferSeconds      float32
}

// DefaultVADConfig returns default VAD configuration
func DefaultVADConfig(modelPath string) VADConfig {
	return VADConfig{
		ModelPath:          modelPath,
		Threshold:          0.5,
		MinSpeechDuration:  0.25,
		MinSilenceDuration: 0.5,
		MaxSpeechDuration:  20,
		SampleRate:         16000,
		Provider:           "cpu",
		BufferSeconds:      30,
	}
}

const vadWindowSize = 512

// VAD is a silero voice activity detector shared across requests.
type VAD struct {
	config VADConfig

	mu       sync.Mutex
	detector *sherpa.VoiceActivityDetector
}

var (
	_ component.Component = (*VAD)(nil)
	_ component.Releaser  = (*VAD)(nil)
	_ component.Closer    = (*VAD)(nil)
)

// NewVAD creates an unloaded detector.
func NewVAD(config VADConfig) *VAD {
	return &VAD{config: config}
}

// Load creates the native detector.
func (v *VAD) Load(ctx context.Context) error {
	if _, err := os.Stat(v.config.ModelPath); err != nil {
		return fmt.Errorf("VAD model not found: %s", v.config.ModelPath)
	}

	vadModelConfig := sherpa.VadModelConfig{
		SileroVad: sherpa.SileroVadModelConfig{
			Model:              v.config.ModelPath,
			Threshold:          v.config.Threshold,
			MinSilenceDuration: v.config.MinSilenceDuration,
			MinSpeechDuration:  v.config.MinSpeechDuration,
			MaxSpeechDuration:  v.config.MaxSpeechDuration,
			WindowSize:         vadWindowSize,
		},
		SampleRate: v.config.SampleRate,
		NumThreads: 1,
		Provider:   v.config.Provider,
		Debug:      0,
	}

	detector := sherpa.NewVoiceActivityDetector(&vadModelConfig, v.config.BufferSeconds)
	if detector == nil {
		return fmt.Errorf("failed to create VAD")
	}

	v.mu.Lock()
	v.detector = detector
	v.mu.Unlock()
	return nil
}

// Loaded reports whether Load succeeded.
func (v *VAD) Loaded() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.detector != nil
}

// Segments returns the speech segments of samples in order. The detector is
// reset before returning.
func (v *VAD) Segments(samples []float32) ([][]float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.detector == nil {
		return nil, component.ErrNotLoaded
	}
	defer v.detector.Reset()

	var segments [][]float32
	drain := func() {
		for !v.detector.IsEmpty() {
			seg := v.detector.Front()
			v.detector.Pop()
			if len(seg.Samples) > 0 {
				segments = append(segments, seg.Samples)
			}
		}
	}

	for start := 0; start < len(samples); start += vadWindowSize {
		end := start + vadWindowSize
		if end > len(samples) {
			end = len(samples)
		}
		v.detector.AcceptWaveform(samples[start:end])
		drain()
	}
	v.detector.Flush()
	drain()

	if segments == nil {
		segments = [][]float32{}
	}
	return segments, nil
}

// Release drops buffered audio held by the detector.
func (v *VAD) Release() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.detector != nil {
		v.detector.Reset()
	}
	return nil
}

// Close frees the native detector.
func (v *VAD) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.detector != nil {
		sherpa.DeleteVoiceActivityDetector(v.detector)
		v.detector = nil
	}
	return nil
}
