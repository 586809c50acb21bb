package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// State is the loop's position in its run.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
)

// Handler produces the responses written by a Loop.
type Handler interface {
	// Initialize runs eager startup and returns the first output line.
	Initialize(ctx context.Context) any
	// Handle answers one command. stop ends the loop after the response is written.
	Handle(ctx context.Context, req Request) (resp any, stop bool)
}

// Loop reads commands from in and writes responses to out, strictly in order.
type Loop struct {
	handler Handler
	in      *bufio.Reader
	out     *Writer
	log     *slog.Logger

	stop atomic.Bool

	mu    sync.RWMutex
	state State
}

// NewLoop creates a Loop in the starting state.
func NewLoop(in io.Reader, out io.Writer, h Handler, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		handler: h,
		in:      bufio.NewReader(in),
		out:     NewWriter(out),
		log:     logger.With("component", "protocol"),
		state:   StateStarting,
	}
}

// State returns the current loop state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.log.Debug("protocol state", "state", s)
}

// RequestStop asks the loop to stop. The flag is checked each time a read
// returns; a read in progress is not interrupted.
func (l *Loop) RequestStop() {
	l.stop.Store(true)
}

// StopRequested reports whether RequestStop was called.
func (l *Loop) StopRequested() bool {
	return l.stop.Load()
}

// WatchSignals calls RequestStop on the first of sigs. Any further signal
// is passed to force when it is non-nil. The returned func stops watching.
func (l *Loop) WatchSignals(force func(os.Signal), sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})

	go func() {
		received := 0
		for {
			select {
			case <-done:
				return
			case sig := <-ch:
				received++
				if received == 1 {
					l.log.Info("stop requested by signal, finishing current command", "signal", sig.String())
					l.RequestStop()
					continue
				}
				if force != nil {
					force(sig)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// Run writes the initialization outcome, then serves commands until end of
// input, an exit command, or a stop request.
func (l *Loop) Run(ctx context.Context) error {
	l.setState(StateStarting)
	if err := l.out.Write(l.initialize(ctx)); err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("write initialization outcome: %w", err)
	}

	l.setState(StateRunning)
	served := 0
	for {
		line, readErr := l.in.ReadBytes('\n')
		if l.stop.Load() {
			l.log.Info("stop flag observed, leaving command loop")
			break
		}

		if len(bytes.TrimSpace(line)) > 0 {
			resp, stop := l.handle(ctx, line)
			if err := l.out.Write(resp); err != nil {
				l.setState(StateStopped)
				return fmt.Errorf("write response: %w", err)
			}
			served++
			if stop {
				l.log.Info("exit requested")
				break
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				l.log.Info("input closed")
				break
			}
			l.setState(StateStopped)
			return fmt.Errorf("read command: %w", readErr)
		}
	}

	l.setState(StateDraining)
	err := l.out.Flush()
	l.setState(StateStopped)
	l.log.Info("protocol loop stopped", "commands", served)
	if err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}

func (l *Loop) initialize(ctx context.Context) (resp any) {
	defer func() {
		if r := recover(); r != nil {
			resp = l.panicResponse(r)
		}
	}()
	return l.handler.Initialize(ctx)
}

func (l *Loop) handle(ctx context.Context, line []byte) (resp any, stop bool) {
	defer func() {
		if r := recover(); r != nil {
			resp, stop = l.panicResponse(r), false
		}
	}()

	req, err := DecodeRequest(line)
	if err != nil {
		l.log.Warn("rejected input line", "error", err, "bytes", len(line))
		return NewErrorResponse(err), false
	}
	return l.handler.Handle(ctx, req)
}

func (l *Loop) panicResponse(r any) ErrorResponse {
	stack := string(debug.Stack())
	l.log.Error("command handling panicked", "panic", r, "stack", stack)
	return ErrorResponse{
		Error:     fmt.Sprint(r),
		Traceback: stack,
	}
}
