// Package dispatch routes decoded commands to the worker's components.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"asrworker/internal/component"
	"asrworker/internal/device"
	"asrworker/internal/failure"
	"asrworker/internal/lifecycle"
	"asrworker/internal/protocol"
	"asrworker/internal/reclaim"
	"asrworker/internal/stats"
	"asrworker/internal/storage"
)

// Default component names.
const (
	TranscriberName = "asr"
	PunctuationName = "punc"
)

// Journal persists successful transcriptions.
type Journal interface {
	Record(ctx context.Context, t storage.Transcription) error
}

// Config holds values reported by or applied to every command.
type Config struct {
	// Defaults fill options missing from a transcribe command.
	Defaults  component.Options
	ModelDir  string
	ModelType string

	TranscriberName string
	PunctuationName string
}

// Deps are the collaborators a Dispatcher drives. Manager, Stats and
// Reclaimer are required.
type Deps struct {
	Manager   *lifecycle.Manager
	Stats     *stats.Registry
	Reclaimer *reclaim.Reclaimer
	Probe     component.DurationProbe
	GPUs      device.Querier
	Journal   Journal
	Logger    *slog.Logger
}

// Dispatcher answers one command at a time.
type Dispatcher struct {
	mgr       *lifecycle.Manager
	stats     *stats.Registry
	reclaimer *reclaim.Reclaimer
	probe     component.DurationProbe
	gpus      device.Querier
	journal   Journal

	cfg Config
	log *slog.Logger
}

var _ protocol.Handler = (*Dispatcher)(nil)

// New creates a Dispatcher.
func New(deps Deps, cfg Config) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.TranscriberName == "" {
		cfg.TranscriberName = TranscriberName
	}
	if cfg.PunctuationName == "" {
		cfg.PunctuationName = PunctuationName
	}
	if cfg.Defaults == (component.Options{}) {
		cfg.Defaults = component.DefaultOptions()
	}
	return &Dispatcher{
		mgr:       deps.Manager,
		stats:     deps.Stats,
		reclaimer: deps.Reclaimer,
		probe:     deps.Probe,
		gpus:      deps.GPUs,
		journal:   deps.Journal,
		cfg:       cfg,
		log:       deps.Logger.With("component", "dispatch"),
	}
}

// Initialize runs the eager load and reports it as the first output line.
func (d *Dispatcher) Initialize(ctx context.Context) any {
	out := d.mgr.Initialize(ctx)
	if !out.Success {
		return InitResponse{
			Error:     out.Err.Error(),
			Type:      out.Err.Kind,
			Device:    d.mgr.Device(),
			ModelType: d.modelType(),
		}
	}

	msg := out.Message
	if d.mgr.Device() == device.CUDA {
		if gpu, ok := d.firstGPU(ctx); ok {
			msg += fmt.Sprintf(" (GPU: %s, %s)", gpu.Name, device.FormatGB(gpu.MemoryTotalMB, 1))
		}
	}
	return InitResponse{
		Success:   true,
		Message:   msg,
		Device:    d.mgr.Device(),
		ModelType: d.modelType(),
		Degraded:  out.Degraded,
	}
}

// Handle implements protocol.Handler.
func (d *Dispatcher) Handle(ctx context.Context, req protocol.Request) (any, bool) {
	switch req.Action {
	case protocol.ActionTranscribe:
		return d.transcribe(ctx, req), false
	case protocol.ActionStatus:
		return d.Status(ctx), false
	case protocol.ActionStats:
		return d.Stats(), false
	case protocol.ActionCleanup:
		d.reclaimer.Reclaim()
		return protocol.Ack{Success: true, Message: "memory cleanup completed"}, false
	case protocol.ActionExit:
		return protocol.Ack{Success: true, Message: "worker exiting"}, true
	default:
		d.log.Warn("unknown action", "action", req.Action)
		return protocol.NewErrorResponse(
			failure.New(failure.KindUnknownAction, "unknown action: %q", req.Action),
		), false
	}
}

func (d *Dispatcher) transcribe(ctx context.Context, req protocol.Request) any {
	id := uuid.New().String()
	log := d.log.With("request_id", id)

	path := strings.TrimSpace(req.AudioPath)
	if path == "" {
		return protocol.NewErrorResponse(failure.New(failure.KindInvalidRequest, "audio_path is required"))
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		log.Warn("audio file not found", "path", path)
		return protocol.NewErrorResponse(failure.New(failure.KindAudioNotFound, "audio file does not exist: %s", path))
	}

	if out := d.mgr.Initialize(ctx); !out.Success {
		return protocol.NewErrorResponse(out.Err)
	}

	opts, skipped := component.ParseOptions(req.Options, d.cfg.Defaults)
	if len(skipped) > 0 {
		log.Warn("ignored invalid options, using defaults", "keys", skipped)
	}

	tr, ok := d.transcriber(true)
	if !ok {
		return protocol.NewErrorResponse(failure.New(failure.KindTranscription, "speech recognizer is not loaded"))
	}

	log.Info("transcribing", "path", path, "language", opts.Language, "use_vad", opts.UseVAD)
	start := time.Now()
	result, err := tr.Transcribe(ctx, path, opts)
	if err != nil {
		log.Error("transcription failed", "path", path, "error", err)
		return protocol.NewErrorResponse(failure.Wrap(failure.KindTranscription, err, "transcription failed"))
	}

	raw := strings.TrimSpace(result.Text)
	text := d.restore(ctx, log, raw)
	duration := d.duration(path)
	elapsed := time.Since(start)

	count := d.stats.Record(duration)
	language := result.Language
	if language == "" {
		language = opts.Language
	}

	log.Info("transcription completed",
		"duration", duration,
		"elapsed", elapsed.Round(time.Millisecond),
		"chars", len([]rune(text)),
		"count", count,
	)

	if d.journal != nil {
		err := d.journal.Record(ctx, storage.Transcription{
			ID:              id,
			AudioPath:       path,
			Text:            text,
			RawText:         raw,
			Language:        language,
			ModelType:       tr.ModelType(),
			DurationSeconds: duration,
			ElapsedMS:       elapsed.Milliseconds(),
		})
		if err != nil {
			log.Warn("journal write failed", "error", err)
		}
	}

	d.reclaimer.MaybeReclaim(count)

	return TranscribeResult{
		Success:   true,
		Text:      text,
		RawText:   raw,
		Duration:  duration,
		Language:  language,
		ModelType: tr.ModelType(),
	}
}

// restore returns raw unchanged when punctuation is unavailable or fails.
func (d *Dispatcher) restore(ctx context.Context, log *slog.Logger, raw string) string {
	if raw == "" {
		return raw
	}
	c, ok := d.mgr.Loaded(d.cfg.PunctuationName)
	if !ok {
		return raw
	}
	p, ok := c.(component.PunctuationRestorer)
	if !ok {
		return raw
	}

	restored, err := safeRestore(ctx, p, raw)
	if err != nil {
		log.Warn("punctuation restore failed, returning raw text", "error", err)
		return raw
	}
	return restored
}

func safeRestore(ctx context.Context, p component.PunctuationRestorer, text string) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("punctuation panicked: %v", r)
		}
	}()
	return p.Restore(ctx, text)
}

func (d *Dispatcher) duration(path string) (secs float64) {
	if d.probe == nil {
		return 0
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Warn("duration probe panicked", "panic", r)
			secs = 0
		}
	}()
	secs = d.probe.Duration(path)
	if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
		return 0
	}
	return secs
}

// Status reports worker state and accelerator details. It never panics.
func (d *Dispatcher) Status(ctx context.Context) (resp StatusResponse) {
	resp = StatusResponse{
		State:       d.mgr.State(),
		Initialized: d.mgr.Ready(),
		Device:      d.mgr.Device(),
	}
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("status introspection panicked", "panic", r)
			resp.Success = false
			resp.Error = fmt.Sprint(r)
		}
	}()

	resp.ModelDir = d.cfg.ModelDir
	resp.ModelType = d.modelType()
	resp.Models = make(map[string]ModelStatus)
	for _, rec := range d.mgr.Records() {
		ms := ModelStatus{
			Required:    rec.Required,
			Loaded:      rec.Loaded,
			LoadSeconds: math.Round(rec.Elapsed.Seconds()*100) / 100,
		}
		if rec.Err != nil {
			ms.Error = rec.Err.Error()
		}
		resp.Models[rec.Name] = ms
	}

	if d.gpus == nil {
		resp.Success = true
		return resp
	}
	gpus, err := d.gpus.GPUs(ctx)
	if errors.Is(err, device.ErrNoDriver) {
		resp.Success = true
		return resp
	}
	if err != nil {
		resp.Error = fmt.Sprintf("query accelerator: %v", err)
		return resp
	}

	resp.Success = true
	if len(gpus) == 0 {
		return resp
	}
	gpu := gpus[0]
	resp.CUDAAvailable = true
	resp.GPUName = gpu.Name
	resp.GPUMemoryTotal = device.FormatGB(gpu.MemoryTotalMB, 1)
	if resp.Initialized {
		resp.GPUMemoryUsed = device.FormatGB(gpu.MemoryUsedMB, 2)
	}
	return resp
}

// Stats reports the process counters.
func (d *Dispatcher) Stats() StatsResponse {
	snap := d.stats.Snapshot()

	loaded := make([]string, 0)
	for _, rec := range d.mgr.Records() {
		if rec.Loaded {
			loaded = append(loaded, rec.Name)
		}
	}

	return StatsResponse{
		Success: true,
		Stats: StatsReport{
			TranscriptionCount: snap.Count,
			TotalAudioDuration: round2(snap.TotalDuration),
			AverageDuration:    round2(snap.Average),
			Initialized:        d.mgr.Ready(),
			Device:             d.mgr.Device(),
			ModelType:          d.modelType(),
			ModelsLoaded:       loaded,
		},
	}
}

func (d *Dispatcher) transcriber(mustBeLoaded bool) (component.Transcriber, bool) {
	l, ok := d.mgr.Loader(d.cfg.TranscriberName)
	if !ok {
		return nil, false
	}
	if mustBeLoaded && !l.Loaded() {
		return nil, false
	}
	tr, ok := l.Component().(component.Transcriber)
	return tr, ok
}

func (d *Dispatcher) modelType() string {
	if tr, ok := d.transcriber(false); ok {
		return tr.ModelType()
	}
	return d.cfg.ModelType
}

func (d *Dispatcher) firstGPU(ctx context.Context) (device.GPU, bool) {
	if d.gpus == nil {
		return device.GPU{}, false
	}
	gpus, err := d.gpus.GPUs(ctx)
	if err != nil || len(gpus) == 0 {
		return device.GPU{}, false
	}
	return gpus[0], true
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
