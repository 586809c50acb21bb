// Package protocol implements the line-delimited JSON conversation between
// the worker and its parent process.
package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"asrworker/internal/failure"
)

// Actions understood by the worker.
const (
	ActionTranscribe = "transcribe"
	ActionStatus     = "status"
	ActionStats      = "stats"
	ActionCleanup    = "cleanup"
	ActionExit       = "exit"
)

// Request is one decoded input line.
type Request struct {
	Action    string         `json:"action"`
	AudioPath string         `json:"audio_path,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// ErrorResponse is written for every failed command.
type ErrorResponse struct {
	Success   bool         `json:"success"`
	Error     string       `json:"error"`
	Type      failure.Kind `json:"type,omitempty"`
	Traceback string       `json:"traceback,omitempty"`
}

// NewErrorResponse converts err into a response, keeping its kind when it has one.
func NewErrorResponse(err error) ErrorResponse {
	return ErrorResponse{
		Error: err.Error(),
		Type:  failure.KindOf(err, ""),
	}
}

// Ack is the generic success acknowledgment.
type Ack struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// DecodeRequest parses one line. Numbers inside options keep their textual
// form so integer options are not rounded through float64.
func DecodeRequest(line []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return Request{}, failure.Wrap(failure.KindInvalidRequest, err, "malformed command")
		}
		return Request{}, failure.Wrap(failure.KindInvalidJSON, err, "invalid JSON input")
	}
	if dec.More() {
		return Request{}, failure.New(failure.KindInvalidJSON, "invalid JSON input: trailing data after command")
	}
	return req, nil
}

// Writer serializes responses, one JSON object per line. Writes are
// atomic with respect to each other and flushed immediately.
type Writer struct {
	mu  sync.Mutex
	buf *bufio.Writer
	enc *json.Encoder
}

// NewWriter wraps w.
func NewWriter(w io.Writer) *Writer {
	buf := bufio.NewWriter(w)
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	return &Writer{buf: buf, enc: enc}
}

// Write encodes v followed by a newline and flushes. A value that cannot be
// encoded is replaced by an error response so the caller still gets a line.
func (w *Writer) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.enc.Encode(v); err != nil {
		fallback := ErrorResponse{Error: fmt.Sprintf("encode response: %v", err)}
		if err := w.enc.Encode(fallback); err != nil {
			return fmt.Errorf("encode fallback response: %w", err)
		}
	}
	return w.buf.Flush()
}

// Flush writes any buffered output.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Flush()
}
