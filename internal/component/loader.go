package component

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"
)

// Record is the load outcome of one declared component. It is written once
// during the load phase and read-only afterwards.
type Record struct {
	Name     string
	Required bool
	Loaded   bool
	Err      error
	Elapsed  time.Duration
}

// Loader wraps one named component and records its load outcome.
type Loader struct {
	name      string
	required  bool
	component Component

	mu        sync.Mutex
	record    Record
	done      bool
	abandoned bool
}

// NewLoader creates a loader for component c.
func NewLoader(name string, required bool, c Component) *Loader {
	return &Loader{
		name:      name,
		required:  required,
		component: c,
		record:    Record{Name: name, Required: required},
	}
}

// Name returns the declared component name.
func (l *Loader) Name() string { return l.name }

// Required reports whether a load failure fails the worker.
func (l *Loader) Required() bool { return l.required }

// Component returns the wrapped capability.
func (l *Loader) Component() Component { return l.component }

// Load runs the component's load exactly once and records the result.
// Later calls return the recorded error. A panic inside the component is
// converted into a load error.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.Lock()
	if l.done {
		err := l.record.Err
		l.mu.Unlock()
		return err
	}
	l.mu.Unlock()

	start := time.Now()
	err := l.safeLoad(ctx)
	elapsed := time.Since(start)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		// abandoned after a deadline; the late result is discarded
		return l.record.Err
	}
	l.done = true
	l.record.Loaded = err == nil
	l.record.Err = err
	l.record.Elapsed = elapsed
	return err
}

func (l *Loader) safeLoad(ctx context.Context) (err error) {
	if l.component == nil {
		return fmt.Errorf("component %s: no implementation configured: %w", l.name, ErrMissingDependency)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("component %s: panic during load: %v\n%s", l.name, r, debug.Stack())
		}
	}()
	return l.component.Load(ctx)
}

// Abandon seals the record as failed with err if the load has not finished.
// It reports whether the record was sealed by this call.
func (l *Loader) Abandon(err error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.done {
		return false
	}
	l.done = true
	l.abandoned = true
	l.record.Loaded = false
	l.record.Err = err
	return true
}

// Record returns a copy of the current load record.
func (l *Loader) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record
}

// Loaded reports whether the component loaded successfully.
func (l *Loader) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record.Loaded
}

// Abandoned reports whether the load was sealed by a deadline.
func (l *Loader) Abandoned() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.abandoned
}
