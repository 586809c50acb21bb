// Package reclaim runs best-effort memory housekeeping between requests.
package reclaim

import (
	"fmt"
	"log/slog"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"asrworker/internal/component"
)

// DefaultEvery is the request interval between automatic passes.
const DefaultEvery = 10

// Reclaimer releases heap garbage and component caches.
type Reclaimer struct {
	every int
	log   *slog.Logger

	mu        sync.Mutex
	releasers []component.Releaser
	passes    int

	// overridable in tests
	collect func()
}

// New creates a Reclaimer that runs every n requests (n <= 0 uses DefaultEvery).
func New(every int, logger *slog.Logger) *Reclaimer {
	if every <= 0 {
		every = DefaultEvery
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reclaimer{
		every: every,
		log:   logger.With("component", "reclaim"),
		collect: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
}

// Register adds a releaser invoked on every pass.
func (r *Reclaimer) Register(rel component.Releaser) {
	if rel == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releasers = append(r.releasers, rel)
}

// Every returns the configured interval.
func (r *Reclaimer) Every() int { return r.every }

// MaybeReclaim runs a pass when requestCount is a positive multiple of the
// interval and reports whether it did.
func (r *Reclaimer) MaybeReclaim(requestCount int64) bool {
	if requestCount <= 0 || requestCount%int64(r.every) != 0 {
		return false
	}
	r.log.Info("periodic memory reclaim", "request_count", requestCount)
	r.Reclaim()
	return true
}

// Reclaim runs one pass. It never panics and never returns an error; failures
// are logged.
func (r *Reclaimer) Reclaim() {
	start := time.Now()

	r.mu.Lock()
	releasers := append([]component.Releaser(nil), r.releasers...)
	r.passes++
	r.mu.Unlock()

	if err := guard(r.collect); err != nil {
		r.log.Warn("heap reclaim failed", "error", err)
	}
	for _, rel := range releasers {
		if err := guard(func() {
			if err := rel.Release(); err != nil {
				panic(err)
			}
		}); err != nil {
			r.log.Warn("cache release failed", "releaser", fmt.Sprintf("%T", rel), "error", err)
		}
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	r.log.Info("memory reclaim finished",
		"elapsed_ms", time.Since(start).Milliseconds(),
		"heap_alloc_mb", mem.HeapAlloc/(1<<20),
	)
}

// Passes returns how many passes have run.
func (r *Reclaimer) Passes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.passes
}

func guard(fn func()) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			if e, ok := rec.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", rec)
		}
	}()
	fn()
	return nil
}
