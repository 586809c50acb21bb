package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"asrworker/internal/component"
	"asrworker/internal/failure"
)

// fakeComponent loads after an optional gate and returns err.
type fakeComponent struct {
	calls  atomic.Int32
	err    error
	gate   chan struct{}
	closed atomic.Bool
}

func (f *fakeComponent) Load(ctx context.Context) error {
	f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.err
}

func (f *fakeComponent) Close() error {
	f.closed.Store(true)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newManager(opts Options, loaders ...*component.Loader) *Manager {
	return New(loaders, opts, quietLogger())
}

// TestInitializeAllLoaded verifies the happy path reaches Ready.
func TestInitializeAllLoaded(t *testing.T) {
	asr, vad := &fakeComponent{}, &fakeComponent{}
	m := newManager(Options{Device: "cpu"},
		component.NewLoader("asr", true, asr),
		component.NewLoader("vad", true, vad),
	)

	if m.State() != StateUninitialized {
		t.Fatalf("initial state = %s", m.State())
	}
	out := m.Initialize(context.Background())
	if !out.Success {
		t.Fatalf("Initialize() failed: %v", out.Err)
	}
	if m.State() != StateReady {
		t.Fatalf("state = %s, want ready", m.State())
	}
	if _, ok := m.Loaded("asr"); !ok {
		t.Fatal("expected asr to be loaded")
	}
}

// TestInitializeIdempotent checks a second call has no side effects.
func TestInitializeIdempotent(t *testing.T) {
	asr := &fakeComponent{}
	m := newManager(Options{}, component.NewLoader("asr", true, asr))

	first := m.Initialize(context.Background())
	second := m.Initialize(context.Background())

	if !first.Success || !second.Success {
		t.Fatal("expected both calls to succeed")
	}
	if asr.calls.Load() != 1 || m.Attempts() != 1 {
		t.Fatalf("load calls = %d attempts = %d, want 1/1", asr.calls.Load(), m.Attempts())
	}
}

// TestInitializeSingleFlight verifies concurrent callers share one pass.
func TestInitializeSingleFlight(t *testing.T) {
	gate := make(chan struct{})
	asr := &fakeComponent{gate: gate}
	m := newManager(Options{}, component.NewLoader("asr", true, asr))

	const callers = 8
	var wg sync.WaitGroup
	results := make([]Outcome, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Initialize(context.Background())
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for asr.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if m.State() != StateInitializing {
		t.Fatalf("state = %s, want initializing", m.State())
	}
	close(gate)
	wg.Wait()

	if got := asr.calls.Load(); got != 1 {
		t.Fatalf("load calls = %d, want 1", got)
	}
	if m.Attempts() != 1 {
		t.Fatalf("attempts = %d, want 1", m.Attempts())
	}
	for i, out := range results {
		if !out.Success {
			t.Fatalf("caller %d got failure: %v", i, out.Err)
		}
	}
}

// TestInitializeRequiredFailure checks aggregation lists every failed component.
func TestInitializeRequiredFailure(t *testing.T) {
	m := newManager(Options{},
		component.NewLoader("asr", true, &fakeComponent{err: errors.New("bad weights")}),
		component.NewLoader("vad", true, &fakeComponent{err: errors.New("bad vad")}),
		component.NewLoader("punc", false, &fakeComponent{err: errors.New("no punc")}),
	)

	out := m.Initialize(context.Background())
	if out.Success {
		t.Fatal("expected failure")
	}
	if out.Err.Kind != failure.KindInit {
		t.Fatalf("kind = %s, want %s", out.Err.Kind, failure.KindInit)
	}
	for _, name := range []string{"asr (", "vad (", "punc (optional"} {
		if !strings.Contains(out.Err.Message, name) {
			t.Fatalf("message %q does not mention %q", out.Err.Message, name)
		}
	}
	if m.State() != StateFailed {
		t.Fatalf("state = %s, want failed", m.State())
	}
}

// TestInitializeFailedIsCached verifies no retry after Failed.
func TestInitializeFailedIsCached(t *testing.T) {
	asr := &fakeComponent{err: errors.New("bad weights")}
	m := newManager(Options{}, component.NewLoader("asr", true, asr))

	first := m.Initialize(context.Background())
	second := m.Initialize(context.Background())

	if first.Success || second.Success {
		t.Fatal("expected failures")
	}
	if first.Err.Message != second.Err.Message {
		t.Fatalf("cached message differs: %q vs %q", first.Err.Message, second.Err.Message)
	}
	if asr.calls.Load() != 1 {
		t.Fatalf("load calls = %d, want 1", asr.calls.Load())
	}
}

// TestInitializeOptionalFailureDegrades checks optional failures keep the worker Ready.
func TestInitializeOptionalFailureDegrades(t *testing.T) {
	m := newManager(Options{},
		component.NewLoader("asr", true, &fakeComponent{}),
		component.NewLoader("punc", false, &fakeComponent{err: errors.New("no punc")}),
	)

	out := m.Initialize(context.Background())
	if !out.Success {
		t.Fatalf("expected success, got %v", out.Err)
	}
	if len(out.Degraded) != 1 || out.Degraded[0] != "punc" {
		t.Fatalf("degraded = %v, want [punc]", out.Degraded)
	}
	if _, ok := m.Loaded("punc"); ok {
		t.Fatal("punc must not report loaded")
	}
}

// TestInitializeTimeout verifies a slow required load fails with timeout_error.
func TestInitializeTimeout(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	for _, policy := range []Policy{PolicyParallel, PolicySequential} {
		t.Run(string(policy), func(t *testing.T) {
			slow := &fakeComponent{gate: gate}
			m := newManager(Options{Timeout: 50 * time.Millisecond, Policy: policy},
				component.NewLoader("punc", false, &fakeComponent{}),
				component.NewLoader("asr", true, slow),
			)

			start := time.Now()
			out := m.Initialize(context.Background())
			if time.Since(start) > 2*time.Second {
				t.Fatal("Initialize did not honor the deadline")
			}
			if out.Success {
				t.Fatal("expected timeout failure")
			}
			if out.Err.Kind != failure.KindTimeout {
				t.Fatalf("kind = %s, want %s", out.Err.Kind, failure.KindTimeout)
			}
			if _, ok := m.Loaded("asr"); ok {
				t.Fatal("timed out component must not report loaded")
			}
		})
	}
}

// TestInitializeMissingDependency maps ErrMissingDependency to import_error.
func TestInitializeMissingDependency(t *testing.T) {
	err := fmt.Errorf("ffmpeg not on PATH: %w", component.ErrMissingDependency)
	m := newManager(Options{}, component.NewLoader("asr", true, &fakeComponent{err: err}))

	out := m.Initialize(context.Background())
	if out.Success || out.Err.Kind != failure.KindImport {
		t.Fatalf("outcome = %+v, want import_error", out)
	}
}

// TestInitializePreflight checks missing models skip loading entirely.
func TestInitializePreflight(t *testing.T) {
	asr := &fakeComponent{}
	m := newManager(Options{Preflight: func() error { return errors.New("sense-voice missing") }},
		component.NewLoader("asr", true, asr),
	)

	out := m.Initialize(context.Background())
	if out.Success || out.Err.Kind != failure.KindModelsNotDownloaded {
		t.Fatalf("outcome = %+v, want models_not_downloaded", out)
	}
	if asr.calls.Load() != 0 {
		t.Fatal("no load may run when preflight fails")
	}
}

// TestCloseReleasesLoaded verifies only loaded components are closed.
func TestCloseReleasesLoaded(t *testing.T) {
	ok, bad := &fakeComponent{}, &fakeComponent{err: errors.New("x")}
	m := newManager(Options{},
		component.NewLoader("asr", true, ok),
		component.NewLoader("punc", false, bad),
	)
	m.Initialize(context.Background())

	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !ok.closed.Load() || bad.closed.Load() {
		t.Fatalf("closed: asr=%v punc=%v", ok.closed.Load(), bad.closed.Load())
	}
}
