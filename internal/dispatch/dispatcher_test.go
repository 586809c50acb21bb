package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"asrworker/internal/component"
	"asrworker/internal/device"
	"asrworker/internal/failure"
	"asrworker/internal/lifecycle"
	"asrworker/internal/protocol"
	"asrworker/internal/reclaim"
	"asrworker/internal/stats"
	"asrworker/internal/storage"
)

type fakeTranscriber struct {
	loadErr error
	err     error
	text    string
	loads   int
	calls   int
	lastOpt component.Options
}

func (f *fakeTranscriber) Load(ctx context.Context) error {
	f.loads++
	return f.loadErr
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, path string, opts component.Options) (component.Transcript, error) {
	f.calls++
	f.lastOpt = opts
	if f.err != nil {
		return component.Transcript{}, f.err
	}
	return component.Transcript{Text: f.text, Language: "zh"}, nil
}

func (f *fakeTranscriber) ModelType() string { return "fake-sense_voice" }

type fakePunc struct {
	loadErr    error
	restoreErr error
}

func (f *fakePunc) Load(ctx context.Context) error { return f.loadErr }

func (f *fakePunc) Restore(ctx context.Context, text string) (string, error) {
	if f.restoreErr != nil {
		return "", f.restoreErr
	}
	return text + "。", nil
}

type fakeGPUs struct {
	gpus []device.GPU
	err  error
}

func (f fakeGPUs) GPUs(ctx context.Context) ([]device.GPU, error) { return f.gpus, f.err }

type memJournal struct {
	mu   sync.Mutex
	rows []storage.Transcription
}

func (j *memJournal) Record(ctx context.Context, t storage.Transcription) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.rows = append(j.rows, t)
	return nil
}

type fixture struct {
	d         *Dispatcher
	mgr       *lifecycle.Manager
	asr       *fakeTranscriber
	reclaimer *reclaim.Reclaimer
	journal   *memJournal
}

func newFixture(t *testing.T, asr *fakeTranscriber, punc *fakePunc, gpus device.Querier) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	loaders := []*component.Loader{component.NewLoader(TranscriberName, true, asr)}
	if punc != nil {
		loaders = append(loaders, component.NewLoader(PunctuationName, false, punc))
	}
	mgr := lifecycle.New(loaders, lifecycle.Options{Device: device.CPU}, logger)
	rec := reclaim.New(10, logger)
	journal := &memJournal{}

	d := New(Deps{
		Manager:   mgr,
		Stats:     stats.NewRegistry(),
		Reclaimer: rec,
		Probe:     component.DurationProbeFunc(func(string) float64 { return 3.0 }),
		GPUs:      gpus,
		Journal:   journal,
		Logger:    logger,
	}, Config{ModelDir: "/models"})
	return &fixture{d: d, mgr: mgr, asr: asr, reclaimer: rec, journal: journal}
}

func writeClip(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "clip.wav")
	if err := os.WriteFile(path, []byte("RIFF"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func transcribe(f *fixture, path string, opts map[string]any) any {
	resp, _ := f.d.Handle(context.Background(), protocol.Request{
		Action:    protocol.ActionTranscribe,
		AudioPath: path,
		Options:   opts,
	})
	return resp
}

// TestScenarioStatusTranscribeStats walks the startup, status, transcribe, stats sequence.
func TestScenarioStatusTranscribeStats(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{text: "你好世界"}, &fakePunc{}, nil)
	ctx := context.Background()

	ready := f.d.Initialize(ctx).(InitResponse)
	if !ready.Success || ready.ModelType != "fake-sense_voice" || ready.Device != device.CPU {
		t.Fatalf("ready = %+v", ready)
	}

	st := f.d.Status(ctx)
	if !st.Success || !st.Initialized || st.State != lifecycle.StateReady {
		t.Fatalf("status = %+v", st)
	}
	if !st.Models[TranscriberName].Loaded || !st.Models[TranscriberName].Required {
		t.Fatalf("models = %+v", st.Models)
	}

	res, ok := transcribe(f, writeClip(t), nil).(TranscribeResult)
	if !ok || !res.Success {
		t.Fatalf("transcribe response = %#v", res)
	}
	if res.Duration != 3.0 || res.RawText != "你好世界" || res.Text != "你好世界。" {
		t.Fatalf("result = %+v", res)
	}
	if res.Language != "zh" || res.ModelType != "fake-sense_voice" {
		t.Fatalf("result = %+v", res)
	}

	sr := f.d.Stats()
	if sr.Stats.TranscriptionCount != 1 || sr.Stats.TotalAudioDuration != 3.0 || sr.Stats.AverageDuration != 3.0 {
		t.Fatalf("stats = %+v", sr.Stats)
	}
	if len(f.journal.rows) != 1 || f.journal.rows[0].Text != "你好世界。" {
		t.Fatalf("journal = %+v", f.journal.rows)
	}
}

// TestTranscribeRejectsMissingAudio checks path validation runs before init and counting.
func TestTranscribeRejectsMissingAudio(t *testing.T) {
	tests := []struct {
		name string
		path string
		want failure.Kind
	}{
		{"empty path", "  ", failure.KindInvalidRequest},
		{"missing file", "/definitely/not/here.wav", failure.KindAudioNotFound},
		{"directory", os.TempDir(), failure.KindAudioNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeTranscriber{text: "x"}, nil, nil)

			resp, ok := transcribe(f, tt.path, nil).(protocol.ErrorResponse)
			if !ok || resp.Success || resp.Type != tt.want {
				t.Fatalf("response = %#v, want type %s", resp, tt.want)
			}
			if f.mgr.Attempts() != 0 || f.asr.loads != 0 {
				t.Fatal("no initialization may be attempted for a bad path")
			}
			if f.d.Stats().Stats.TranscriptionCount != 0 {
				t.Fatal("request count must not change")
			}
		})
	}
}

// TestTranscribeLazyInitFailureIsCached verifies a failed init is returned verbatim and not retried.
func TestTranscribeLazyInitFailureIsCached(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{loadErr: errors.New("weights corrupt")}, nil, nil)
	clip := writeClip(t)

	first := transcribe(f, clip, nil).(protocol.ErrorResponse)
	second := transcribe(f, clip, nil).(protocol.ErrorResponse)

	if first.Type != failure.KindInit || first.Error != second.Error {
		t.Fatalf("first = %+v second = %+v", first, second)
	}
	if f.mgr.Attempts() != 1 || f.asr.loads != 1 {
		t.Fatalf("attempts = %d loads = %d, want 1/1", f.mgr.Attempts(), f.asr.loads)
	}
	if f.asr.calls != 0 {
		t.Fatal("transcriber must not run on a failed worker")
	}
}

// TestTranscribePunctuationDegrades checks punctuation problems never fail a transcription.
func TestTranscribePunctuationDegrades(t *testing.T) {
	tests := []struct {
		name string
		punc *fakePunc
	}{
		{"load failed", &fakePunc{loadErr: errors.New("ct-transformer missing")}},
		{"restore failed", &fakePunc{restoreErr: errors.New("bad input")}},
		{"not declared", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, &fakeTranscriber{text: " raw words "}, tt.punc, nil)

			res, ok := transcribe(f, writeClip(t), nil).(TranscribeResult)
			if !ok || !res.Success {
				t.Fatalf("response = %#v", res)
			}
			if res.Text != "raw words" || res.RawText != "raw words" {
				t.Fatalf("text = %q raw = %q", res.Text, res.RawText)
			}
		})
	}
}

// TestTranscribeFailureNotCounted verifies inference errors surface without touching stats.
func TestTranscribeFailureNotCounted(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{err: errors.New("decoder exploded")}, nil, nil)

	resp := transcribe(f, writeClip(t), nil).(protocol.ErrorResponse)
	if resp.Type != failure.KindTranscription {
		t.Fatalf("type = %s", resp.Type)
	}
	if f.d.Stats().Stats.TranscriptionCount != 0 || len(f.journal.rows) != 0 {
		t.Fatal("failed transcription must not be counted or journaled")
	}
	if f.mgr.State() != lifecycle.StateReady {
		t.Fatalf("state = %s, want ready", f.mgr.State())
	}
}

// TestTranscribeOptions checks request options override defaults and bad values fall back.
func TestTranscribeOptions(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{text: "ok"}, nil, nil)

	transcribe(f, writeClip(t), map[string]any{
		"beam_size": "wide",
		"language":  "en",
		"use_vad":   false,
		"unknown":   1,
	})

	got := f.asr.lastOpt
	if got.BeamSize != 3 || got.Language != "en" || got.UseVAD {
		t.Fatalf("options = %+v", got)
	}
}

// TestTranscribeTriggersReclaim verifies N*10 successes give at least N passes.
func TestTranscribeTriggersReclaim(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{text: "ok"}, nil, nil)
	clip := writeClip(t)

	for i := 0; i < 20; i++ {
		if _, ok := transcribe(f, clip, nil).(TranscribeResult); !ok {
			t.Fatalf("request %d failed", i)
		}
	}
	if got := f.reclaimer.Passes(); got < 2 {
		t.Fatalf("reclaim passes = %d, want >= 2", got)
	}
	if got := f.d.Stats().Stats.TranscriptionCount; got != 20 {
		t.Fatalf("count = %d, want 20", got)
	}
}

func TestHandleControlActions(t *testing.T) {
	f := newFixture(t, &fakeTranscriber{}, nil, nil)
	ctx := context.Background()

	resp, stop := f.d.Handle(ctx, protocol.Request{Action: "dance"})
	er, ok := resp.(protocol.ErrorResponse)
	if !ok || stop || er.Type != failure.KindUnknownAction {
		t.Fatalf("unknown action = %#v stop=%v", resp, stop)
	}
	if f.mgr.State() != lifecycle.StateUninitialized {
		t.Fatal("unknown action must not change state")
	}

	before := f.reclaimer.Passes()
	resp, stop = f.d.Handle(ctx, protocol.Request{Action: protocol.ActionCleanup})
	if ack := resp.(protocol.Ack); !ack.Success || stop || f.reclaimer.Passes() != before+1 {
		t.Fatalf("cleanup = %#v", resp)
	}

	resp, stop = f.d.Handle(ctx, protocol.Request{Action: protocol.ActionExit})
	if ack := resp.(protocol.Ack); !ack.Success || !stop {
		t.Fatalf("exit = %#v stop=%v", resp, stop)
	}
}

// TestStatusAccelerator covers GPU reporting and the partial report on query failure.
func TestStatusAccelerator(t *testing.T) {
	ctx := context.Background()

	t.Run("gpu before init", func(t *testing.T) {
		gpus := fakeGPUs{gpus: []device.GPU{{Name: "Tesla T4", MemoryTotalMB: 15360, MemoryUsedMB: 512}}}
		f := newFixture(t, &fakeTranscriber{}, nil, gpus)
		st := f.d.Status(ctx)
		if !st.Success || !st.CUDAAvailable || st.GPUName != "Tesla T4" || st.GPUMemoryTotal != "15.0GB" {
			t.Fatalf("status = %+v", st)
		}
		if st.GPUMemoryUsed != "" {
			t.Fatal("memory used is reported only when ready")
		}

		f.d.Initialize(ctx)
		if st := f.d.Status(ctx); st.GPUMemoryUsed != "0.50GB" {
			t.Fatalf("memory used = %q", st.GPUMemoryUsed)
		}
	})

	t.Run("no driver", func(t *testing.T) {
		f := newFixture(t, &fakeTranscriber{}, nil, fakeGPUs{err: device.ErrNoDriver})
		st := f.d.Status(ctx)
		if !st.Success || st.CUDAAvailable {
			t.Fatalf("status = %+v", st)
		}
	})

	t.Run("query failure", func(t *testing.T) {
		f := newFixture(t, &fakeTranscriber{}, nil, fakeGPUs{err: errors.New("driver mismatch")})
		st := f.d.Status(ctx)
		if st.Success || st.Error == "" || st.Device != device.CPU {
			t.Fatalf("status = %+v", st)
		}
	})
}
