package asr

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"asrworker/internal/component"
)

// ReadSamples returns mono float32 samples at sampleRate. 16-bit mono WAV
// files already at that rate are read directly; anything else is decoded
// through ffmpeg.
func ReadSamples(ctx context.Context, path string, sampleRate int) ([]float32, error) {
	if isNativeWAV(path, sampleRate) {
		wave := sherpa.ReadWave(path)
		if wave == nil || len(wave.Samples) == 0 {
			return nil, fmt.Errorf("failed to read WAV file or file is empty: %s", path)
		}
		return wave.Samples, nil
	}
	return decodeWithFFmpeg(ctx, path, sampleRate)
}

func isNativeWAV(path string, sampleRate int) bool {
	if strings.ToLower(filepath.Ext(path)) != ".wav" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	h, err := readWAVHeader(f)
	if err != nil {
		return false
	}
	return h.AudioFormat == 1 && h.Channels == 1 && h.BitsPerSample == 16 && h.SampleRate == sampleRate
}

// decodeWithFFmpeg converts any input ffmpeg understands to raw PCM.
func decodeWithFFmpeg(ctx context.Context, inputPath string, sampleRate int) ([]float32, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("ffmpeg not found, cannot decode %s: %w", filepath.Base(inputPath), component.ErrMissingDependency)
	}

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-i", inputPath,
		"-f", "s16le",
		"-acodec", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", sampleRate),
		"-ac", "1",
		"-loglevel", "error",
		"pipe:1",
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	data, readErr := io.ReadAll(bufio.NewReader(stdout))
	waitErr := cmd.Wait()
	if readErr != nil {
		return nil, fmt.Errorf("failed to read ffmpeg output: %w", readErr)
	}
	if waitErr != nil {
		return nil, fmt.Errorf("ffmpeg conversion failed: %w: %s", waitErr, strings.TrimSpace(stderr.String()))
	}
	return bytesToFloat32(data), nil
}

// bytesToFloat32 converts 16-bit PCM bytes to float32 samples
func bytesToFloat32(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := 0; i < len(samples); i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2:]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// GetAudioDuration returns the duration of an audio file in seconds
func GetAudioDuration(inputPath string) (float64, error) {
	if _, err := exec.LookPath("ffprobe"); err != nil {
		return 0, fmt.Errorf("ffprobe not found: please install ffmpeg")
	}

	cmd := exec.Command("ffprobe",
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "csv=p=0",
		inputPath,
	)

	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("failed to get audio duration: %w", err)
	}

	var duration float64
	_, err = fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &duration)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration: %w", err)
	}

	return duration, nil
}

// DurationProbe reads WAV headers directly and asks ffprobe for everything
// else. Failures yield 0.
type DurationProbe struct {
	Logger *slog.Logger
}

var _ component.DurationProbe = DurationProbe{}

// Duration implements component.DurationProbe.
func (p DurationProbe) Duration(path string) float64 {
	if d, err := WAVDuration(path); err == nil && d > 0 {
		return d
	}
	d, err := GetAudioDuration(path)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("audio duration unknown", "path", path, "error", err)
		}
		return 0
	}
	return d
}
