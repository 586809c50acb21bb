// Package failure defines the machine-readable error kinds reported to the
// parent process and an error type that carries one.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the short tag sent as "type" in error responses.
type Kind string

const (
	KindImport              Kind = "import_error"
	KindInit                Kind = "init_error"
	KindTimeout             Kind = "timeout_error"
	KindTranscription       Kind = "transcription_error"
	KindModelsNotDownloaded Kind = "models_not_downloaded"
	KindUnknownAction       Kind = "unknown_action"
	KindInvalidJSON         Kind = "invalid_json"
	KindInvalidRequest      Kind = "invalid_request"
	KindAudioNotFound       Kind = "audio_not_found"
)

// Error is a failure with a kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// New returns an Error without an underlying cause.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns an Error whose message is prefixed to the cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or fallback.
func KindOf(err error, fallback Kind) Kind {
	var fe *Error
	if errors.As(err, &fe) && fe.Kind != "" {
		return fe.Kind
	}
	return fallback
}
