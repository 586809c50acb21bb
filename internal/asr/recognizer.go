package asr

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	sherpa "github.com/k2-fsa/sherpa-onnx-go/sherpa_onnx"

	"asrworker/internal/component"
)

// Config holds the configuration for the ASR recognizer
type Config struct {
	Family     Family
	ModelDir   string // directory holding the family's model files
	Provider   string // cpu, cuda or coreml
	NumThreads int
	SampleRate int
	// Language is fixed at load time for SenseVoice and Whisper; "auto" lets
	// the model detect it.
	Language string
	// MaxActivePaths > 1 selects modified beam search for transducers.
	MaxActivePaths int
	// RequireFFmpeg fails the load when ffmpeg is not on PATH.
	RequireFFmpeg bool
}

// Recognizer is a sherpa-onnx offline recognizer exposed as a worker component.
type Recognizer struct {
	config Config
	vad    *VAD
	log    *slog.Logger

	// vadGate overrides vad.Loaded when the lifecycle owns the VAD's load record.
	vadGate func() bool

	mu         sync.Mutex
	recognizer *sherpa.OfflineRecognizer
}

var (
	_ component.Transcriber = (*Recognizer)(nil)
	_ component.Closer      = (*Recognizer)(nil)
)

// NewRecognizer creates an unloaded recognizer. vad may be nil; it is used
// only when it loaded and the request enables it.
func NewRecognizer(config Config, vad *VAD, logger *slog.Logger) *Recognizer {
	if config.SampleRate <= 0 {
		config.SampleRate = 16000
	}
	if config.NumThreads <= 0 {
		config.NumThreads = 2
	}
	if config.Provider == "" {
		config.Provider = "cpu"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recognizer{
		config: config,
		vad:    vad,
		log:    logger.With("component", "asr"),
	}
}

// GateVAD makes UsesVAD consult loaded instead of the VAD itself. A load
// that finishes after its record was sealed as failed then stays unused.
func (r *Recognizer) GateVAD(loaded func() bool) {
	r.vadGate = loaded
}

// UsesVAD reports whether requests enabling VAD are segmented by it.
func (r *Recognizer) UsesVAD() bool {
	if r.vad == nil {
		return false
	}
	if r.vadGate != nil {
		return r.vadGate()
	}
	return r.vad.Loaded()
}

// ModelType identifies the loaded model in responses.
func (r *Recognizer) ModelType() string {
	return "sherpa-" + string(r.config.Family)
}

// Load creates the native recognizer.
func (r *Recognizer) Load(ctx context.Context) error {
	if r.config.RequireFFmpeg {
		if _, err := exec.LookPath("ffmpeg"); err != nil {
			return fmt.Errorf("ffmpeg not found: %w", component.ErrMissingDependency)
		}
	}

	files, err := Locate(r.config.Family, r.config.ModelDir)
	if err != nil {
		return err
	}

	sherpaConfig := r.sherpaConfig(files)
	r.log.Info("creating recognizer",
		"family", r.config.Family,
		"dir", files.Dir,
		"provider", r.config.Provider,
		"threads", r.config.NumThreads,
	)

	recognizer := sherpa.NewOfflineRecognizer(&sherpaConfig)
	if recognizer == nil {
		return fmt.Errorf("failed to create %s recognizer (provider %s)", r.config.Family, r.config.Provider)
	}

	r.mu.Lock()
	r.recognizer = recognizer
	r.mu.Unlock()
	return nil
}

func (r *Recognizer) sherpaConfig(files ModelFiles) sherpa.OfflineRecognizerConfig {
	model := sherpa.OfflineModelConfig{
		Tokens:     files.Tokens,
		NumThreads: r.config.NumThreads,
		Provider:   r.config.Provider,
		Debug:      0,
	}
	lang := r.config.Language
	if lang == "" {
		lang = "auto"
	}

	switch r.config.Family {
	case FamilySenseVoice:
		model.SenseVoice = sherpa.OfflineSenseVoiceModelConfig{
			Model:                       files.Model,
			Language:                    lang,
			UseInverseTextNormalization: 1,
		}
	case FamilyParaformer:
		model.Paraformer = sherpa.OfflineParaformerModelConfig{Model: files.Model}
	case FamilyTransducer:
		model.Transducer = sherpa.OfflineTransducerModelConfig{
			Encoder: files.Encoder,
			Decoder: files.Decoder,
			Joiner:  files.Joiner,
		}
	case FamilyWhisper:
		if lang == "auto" {
			lang = ""
		}
		model.Whisper = sherpa.OfflineWhisperModelConfig{
			Encoder:  files.Encoder,
			Decoder:  files.Decoder,
			Language: lang,
			Task:     "transcribe",
		}
	case FamilyFireRed:
		model.FireRedAsr = sherpa.OfflineFireRedAsrModelConfig{
			Encoder: files.Encoder,
			Decoder: files.Decoder,
		}
	}

	cfg := sherpa.OfflineRecognizerConfig{
		FeatConfig: sherpa.FeatureConfig{
			SampleRate: r.config.SampleRate,
			FeatureDim: 80,
		},
		ModelConfig:    model,
		DecodingMethod: "greedy_search",
	}
	if r.config.Family == FamilyTransducer && r.config.MaxActivePaths > 1 {
		cfg.DecodingMethod = "modified_beam_search"
		cfg.MaxActivePaths = r.config.MaxActivePaths
	}
	return cfg
}

// Transcribe decodes the audio at path. With VAD enabled and loaded, speech
// segments are decoded one by one; otherwise the audio is cut at silent gaps
// into pieces of at most BatchSizeS seconds.
func (r *Recognizer) Transcribe(ctx context.Context, path string, opts component.Options) (component.Transcript, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer == nil {
		return component.Transcript{}, component.ErrNotLoaded
	}

	r.logUnsupported(opts)

	start := time.Now()
	samples, err := ReadSamples(ctx, path, r.config.SampleRate)
	if err != nil {
		return component.Transcript{}, err
	}
	if len(samples) == 0 {
		return component.Transcript{Language: r.config.Language}, nil
	}

	var segments [][]float32
	if opts.UseVAD && r.UsesVAD() {
		segments, err = r.vad.Segments(samples)
		if err != nil {
			r.log.Warn("vad failed, splitting on silence", "error", err)
			segments = nil
		}
	}
	if segments == nil {
		segments = splitOnSilence(samples, r.config.SampleRate, opts.BatchSizeS, DefaultSilenceConfig())
	}
	if segments == nil {
		segments = chunkSamples(samples, r.config.SampleRate, opts.BatchSizeS)
	}

	var text strings.Builder
	var lang string
	for i, seg := range segments {
		if err := ctx.Err(); err != nil {
			return component.Transcript{}, err
		}
		res := r.decode(seg)
		if res == nil {
			continue
		}
		text.WriteString(joinSegmentText(text.String(), res.Text))
		if lang == "" && res.Lang != "" {
			lang = normalizeLanguage(res.Lang)
		}
		r.log.Debug("segment decoded", "index", i, "samples", len(seg))
	}

	if lang == "" && r.config.Language != "auto" {
		lang = r.config.Language
	}
	r.log.Debug("decode finished",
		"segments", len(segments),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return component.Transcript{Text: text.String(), Language: lang}, nil
}

func (r *Recognizer) decode(samples []float32) *sherpa.OfflineRecognizerResult {
	if len(samples) == 0 {
		return nil
	}
	stream := sherpa.NewOfflineStream(r.recognizer)
	defer sherpa.DeleteOfflineStream(stream)

	stream.AcceptWaveform(r.config.SampleRate, samples)
	r.recognizer.Decode(stream)
	return stream.GetResult()
}

// logUnsupported notes per-request options the offline runtime fixes at load time.
func (r *Recognizer) logUnsupported(opts component.Options) {
	if opts.Hotword != "" {
		r.log.Debug("hotword ignored by offline recognizer", "hotword", opts.Hotword)
	}
	if want := opts.Language; want != "" && want != "auto" && want != r.config.Language {
		r.log.Debug("per-request language ignored, model language is fixed at load",
			"requested", want, "loaded", r.config.Language)
	}
	if opts.MaxNewTokens > 0 {
		r.log.Debug("max_new_tokens has no offline equivalent", "max_new_tokens", opts.MaxNewTokens)
	}
}

// Close releases the recognizer resources
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recognizer != nil {
		sherpa.DeleteOfflineRecognizer(r.recognizer)
		r.recognizer = nil
	}
	return nil
}

// chunkSamples splits samples into pieces of at most sec seconds.
func chunkSamples(samples []float32, sampleRate int, sec float64) [][]float32 {
	if sec <= 0 {
		sec = 60
	}
	size := int(sec * float64(sampleRate))
	if size <= 0 || size >= len(samples) {
		return [][]float32{samples}
	}
	chunks := make([][]float32, 0, len(samples)/size+1)
	for start := 0; start < len(samples); start += size {
		end := start + size
		if end > len(samples) {
			end = len(samples)
		}
		chunks = append(chunks, samples[start:end])
	}
	return chunks
}

// joinSegmentText returns next prepared for appending to prev: trimmed, and
// separated by a space when both sides are word characters of a spaced script.
func joinSegmentText(prev, next string) string {
	next = strings.TrimSpace(next)
	if prev == "" || next == "" {
		return next
	}
	last := prev[len(prev)-1]
	first := next[0]
	if isASCIIWord(last) && isASCIIWord(first) {
		return " " + next
	}
	return next
}

func isASCIIWord(b byte) bool {
	return b < 0x80 && (b == '\'' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z')
}

// normalizeLanguage turns SenseVoice tags such as "<|zh|>" into "zh".
func normalizeLanguage(tag string) string {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "<|")
	tag = strings.TrimSuffix(tag, "|>")
	return strings.ToLower(tag)
}
