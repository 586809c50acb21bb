// Package lifecycle owns the worker's components and its initialization state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"asrworker/internal/component"
	"asrworker/internal/failure"
)

// State is the worker's initialization state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateReady         State = "ready"
	StateFailed        State = "failed"
)

// Policy selects how component loads are scheduled.
type Policy string

const (
	PolicyParallel   Policy = "parallel"
	PolicySequential Policy = "sequential"
)

// DefaultTimeout bounds the whole load phase.
const DefaultTimeout = 300 * time.Second

// Options configures a Manager.
type Options struct {
	Timeout time.Duration
	Policy  Policy
	// Preflight, when set, runs before any load. An error fails the worker
	// with models_not_downloaded.
	Preflight func() error
	// Device is the accelerator selected before loading; reported only.
	Device string
}

// Outcome is the result of an initialization pass.
type Outcome struct {
	Success bool
	Message string
	Err     *failure.Error
	Elapsed time.Duration
	// Degraded lists optional components that failed to load.
	Degraded []string
}

// Manager loads the declared components once and caches the outcome.
type Manager struct {
	loaders []*component.Loader
	opts    Options
	log     *slog.Logger

	group    singleflight.Group
	attempts atomic.Int32

	mu      sync.RWMutex
	state   State
	outcome *Outcome
}

// New creates a Manager in the uninitialized state.
func New(loaders []*component.Loader, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Policy == "" {
		opts.Policy = PolicyParallel
	}
	return &Manager{
		loaders: loaders,
		opts:    opts,
		log:     logger.With("component", "lifecycle"),
		state:   StateUninitialized,
	}
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready reports whether initialization succeeded.
func (m *Manager) Ready() bool {
	return m.State() == StateReady
}

// Device returns the accelerator selected for this process.
func (m *Manager) Device() string {
	return m.opts.Device
}

// Attempts returns the number of initialization passes that actually ran.
func (m *Manager) Attempts() int {
	return int(m.attempts.Load())
}

// Records returns the load record of every declared component in declaration order.
func (m *Manager) Records() []component.Record {
	out := make([]component.Record, 0, len(m.loaders))
	for _, l := range m.loaders {
		out = append(out, l.Record())
	}
	return out
}

// Loader returns the loader declared under name.
func (m *Manager) Loader(name string) (*component.Loader, bool) {
	for _, l := range m.loaders {
		if l.Name() == name {
			return l, true
		}
	}
	return nil, false
}

// Loaded returns the component declared under name if it loaded successfully.
func (m *Manager) Loaded(name string) (component.Component, bool) {
	l, ok := m.Loader(name)
	if !ok || !l.Loaded() {
		return nil, false
	}
	return l.Component(), true
}

// Initialize runs the load phase once. Concurrent callers wait for the
// running pass; once Ready or Failed the cached outcome is returned without
// side effects.
func (m *Manager) Initialize(ctx context.Context) Outcome {
	if o, ok := m.cached(); ok {
		return o
	}

	v, _, _ := m.group.Do("initialize", func() (any, error) {
		m.mu.Lock()
		if m.outcome != nil {
			o := *m.outcome
			m.mu.Unlock()
			return o, nil
		}
		m.state = StateInitializing
		m.mu.Unlock()

		m.attempts.Add(1)
		o := m.run(ctx)

		m.mu.Lock()
		m.outcome = &o
		if o.Success {
			m.state = StateReady
		} else {
			m.state = StateFailed
		}
		m.mu.Unlock()
		return o, nil
	})
	return v.(Outcome)
}

func (m *Manager) cached() (Outcome, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.outcome == nil {
		return Outcome{}, false
	}
	return *m.outcome, true
}

func (m *Manager) run(ctx context.Context) Outcome {
	start := time.Now()

	if m.opts.Preflight != nil {
		if err := m.opts.Preflight(); err != nil {
			m.log.Warn("model files missing, skipping load", "error", err)
			return Outcome{
				Err:     failure.Wrap(failure.KindModelsNotDownloaded, err, "model files are not downloaded, download the models first"),
				Elapsed: time.Since(start),
			}
		}
	}

	m.log.Info("initializing components",
		"policy", m.opts.Policy,
		"timeout", m.opts.Timeout,
		"device", m.opts.Device,
		"components", len(m.loaders),
	)

	loadCtx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	defer cancel()

	if m.opts.Policy == PolicySequential {
		m.loadSequential(loadCtx)
	} else {
		m.loadParallel(loadCtx)
	}

	return m.aggregate(time.Since(start))
}

func (m *Manager) loadParallel(ctx context.Context) {
	var wg sync.WaitGroup
	for _, l := range m.loaders {
		wg.Add(1)
		go func(l *component.Loader) {
			defer wg.Done()
			m.loadOne(ctx, l)
		}(l)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		m.abandonPending(ctx.Err())
	}
}

func (m *Manager) loadSequential(ctx context.Context) {
	for _, l := range m.loaders {
		done := make(chan struct{})
		go func(l *component.Loader) {
			defer close(done)
			m.loadOne(ctx, l)
		}(l)

		select {
		case <-done:
		case <-ctx.Done():
			m.abandonPending(ctx.Err())
			return
		}
	}
}

func (m *Manager) loadOne(ctx context.Context, l *component.Loader) {
	start := time.Now()
	err := l.Load(ctx)
	attrs := []any{
		"name", l.Name(),
		"required", l.Required(),
		"elapsed", time.Since(start).Round(time.Millisecond),
	}
	switch {
	case l.Abandoned():
		m.log.Warn("component finished after deadline, result discarded", attrs...)
	case err != nil:
		m.log.Error("component load failed", append(attrs, "error", err)...)
	default:
		m.log.Info("component loaded", attrs...)
	}
}

func (m *Manager) abandonPending(cause error) {
	for _, l := range m.loaders {
		var err *failure.Error
		if errors.Is(cause, context.DeadlineExceeded) {
			err = failure.New(failure.KindTimeout, "%s did not finish loading within %s", l.Name(), m.opts.Timeout)
		} else {
			err = failure.Wrap(failure.KindInit, cause, "%s load interrupted", l.Name())
		}
		if l.Abandon(err) {
			m.log.Error("component load abandoned", "name", l.Name(), "error", err)
		}
	}
}

func (m *Manager) aggregate(elapsed time.Duration) Outcome {
	var required, optional []component.Record
	for _, l := range m.loaders {
		rec := l.Record()
		if rec.Loaded {
			continue
		}
		if rec.Required {
			required = append(required, rec)
		} else {
			optional = append(optional, rec)
		}
	}

	degraded := make([]string, 0, len(optional))
	for _, rec := range optional {
		degraded = append(degraded, rec.Name)
	}

	if len(required) == 0 {
		if len(degraded) > 0 {
			m.log.Warn("optional components unavailable, continuing degraded", "components", degraded)
		}
		msg := fmt.Sprintf("components initialized in %.2fs", elapsed.Seconds())
		m.log.Info(msg, "device", m.opts.Device)
		return Outcome{
			Success:  true,
			Message:  msg,
			Elapsed:  elapsed,
			Degraded: degraded,
		}
	}

	kind := failure.KindInit
	for _, rec := range required {
		if failure.KindOf(rec.Err, "") == failure.KindTimeout || errors.Is(rec.Err, context.DeadlineExceeded) {
			kind = failure.KindTimeout
			break
		}
		if errors.Is(rec.Err, component.ErrMissingDependency) {
			kind = failure.KindImport
		}
	}

	parts := make([]string, 0, len(required)+len(optional))
	for _, rec := range required {
		parts = append(parts, fmt.Sprintf("%s (%v)", rec.Name, rec.Err))
	}
	for _, rec := range optional {
		parts = append(parts, fmt.Sprintf("%s (optional: %v)", rec.Name, rec.Err))
	}
	err := failure.New(kind, "failed to load components: %s", strings.Join(parts, "; "))
	m.log.Error("initialization failed", "type", kind, "error", err)

	return Outcome{
		Err:      err,
		Elapsed:  elapsed,
		Degraded: degraded,
	}
}

// Close releases every loaded component that owns native resources.
func (m *Manager) Close() error {
	var errs []error
	for _, l := range m.loaders {
		if !l.Loaded() {
			continue
		}
		if c, ok := l.Component().(component.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", l.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
