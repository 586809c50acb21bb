package asr

import "math"

// SilenceConfig tunes the energy-based splitter used when no VAD segments
// are available.
type SilenceConfig struct {
	// Threshold is the RMS level below which a frame counts as silence (0.0-1.0).
	Threshold float64

	// MinSilence is the shortest gap, in seconds, that ends a speech span.
	MinSilence float64

	// MinSpeech drops spans shorter than this many seconds.
	MinSpeech float64

	// FrameSize is the number of samples per RMS frame.
	FrameSize int
}

// DefaultSilenceConfig returns thresholds tuned for 16kHz speech.
func DefaultSilenceConfig() SilenceConfig {
	return SilenceConfig{
		Threshold:  0.01,
		MinSilence: 0.3,
		MinSpeech:  0.1,
		FrameSize:  480, // 30ms at 16kHz
	}
}

// span is a half-open range of sample indices.
type span struct {
	start, end int
}

// speechSpans finds the non-silent ranges of samples.
func speechSpans(samples []float32, sampleRate int, cfg SilenceConfig) []span {
	if cfg.FrameSize <= 0 || sampleRate <= 0 || len(samples) == 0 {
		return nil
	}

	frameDuration := float64(cfg.FrameSize) / float64(sampleRate)
	minSilenceFrames := max(1, int(cfg.MinSilence/frameDuration))
	minSpeechFrames := int(cfg.MinSpeech / frameDuration)

	numFrames := (len(samples) + cfg.FrameSize - 1) / cfg.FrameSize
	toSample := func(frame int) int {
		return min(frame*cfg.FrameSize, len(samples))
	}

	var spans []span
	inSpeech := false
	speechStart := 0
	silenceCount := 0

	for i := 0; i < numFrames; i++ {
		frame := samples[i*cfg.FrameSize : toSample(i+1)]
		silent := calculateRMS(frame) < cfg.Threshold

		if !inSpeech {
			if !silent {
				inSpeech = true
				speechStart = i
				silenceCount = 0
			}
			continue
		}
		if !silent {
			silenceCount = 0
			continue
		}
		silenceCount++
		if silenceCount >= minSilenceFrames {
			speechEnd := i - silenceCount + 1
			if speechEnd-speechStart >= minSpeechFrames {
				spans = append(spans, span{toSample(speechStart), toSample(speechEnd)})
			}
			inSpeech = false
			silenceCount = 0
		}
	}

	if inSpeech && numFrames-speechStart >= minSpeechFrames {
		spans = append(spans, span{toSample(speechStart), len(samples)})
	}
	return spans
}

// calculateRMS calculates the root mean square of samples
func calculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// splitOnSilence groups speech spans into pieces of at most maxSec seconds,
// cutting only inside silent gaps. A single span longer than maxSec is cut
// into fixed chunks. It returns nil when no speech is detected.
func splitOnSilence(samples []float32, sampleRate int, maxSec float64, cfg SilenceConfig) [][]float32 {
	spans := speechSpans(samples, sampleRate, cfg)
	if len(spans) == 0 {
		return nil
	}
	if maxSec <= 0 {
		maxSec = 60
	}
	limit := int(maxSec * float64(sampleRate))

	var pieces [][]float32
	flush := func(g span) {
		if g.end-g.start > limit {
			pieces = append(pieces, chunkSamples(samples[g.start:g.end], sampleRate, maxSec)...)
			return
		}
		pieces = append(pieces, samples[g.start:g.end])
	}

	group := spans[0]
	for _, s := range spans[1:] {
		if s.end-group.start <= limit {
			group.end = s.end
			continue
		}
		flush(group)
		group = s
	}
	flush(group)
	return pieces
}
