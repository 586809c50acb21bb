package protocol

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"asrworker/internal/failure"
)

type scriptedHandler struct {
	seen []Request
}

func (h *scriptedHandler) Initialize(ctx context.Context) any {
	return Ack{Success: true, Message: "ready"}
}

func (h *scriptedHandler) Handle(ctx context.Context, req Request) (any, bool) {
	h.seen = append(h.seen, req)
	switch req.Action {
	case "boom":
		panic("handler exploded")
	case ActionExit:
		return Ack{Success: true, Message: "exiting"}, true
	default:
		return Ack{Success: true, Message: req.Action}, false
	}
}

func runLoop(t *testing.T, input string, h Handler, before func(*Loop)) []map[string]any {
	t.Helper()
	var out bytes.Buffer
	l := NewLoop(strings.NewReader(input), &out, h, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if before != nil {
		before(l)
	}
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if l.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", l.State())
	}

	var lines []map[string]any
	sc := bufio.NewScanner(&out)
	for sc.Scan() {
		var m map[string]any
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			t.Fatalf("output line %q is not JSON: %v", sc.Text(), err)
		}
		lines = append(lines, m)
	}
	return lines
}

// TestLoopInitOutcomeFirst verifies the first line is the init outcome even with no input.
func TestLoopInitOutcomeFirst(t *testing.T) {
	lines := runLoop(t, "", &scriptedHandler{}, nil)
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}
	if lines[0]["message"] != "ready" {
		t.Fatalf("first line = %v", lines[0])
	}
}

// TestLoopMalformedInput checks a bad line yields one error and the loop keeps going.
func TestLoopMalformedInput(t *testing.T) {
	h := &scriptedHandler{}
	lines := runLoop(t, "{not json\n{\"action\":\"status\"}\n", h, nil)

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3: %v", len(lines), lines)
	}
	if lines[1]["success"] != false || lines[1]["type"] != string(failure.KindInvalidJSON) {
		t.Fatalf("error line = %v", lines[1])
	}
	if lines[2]["message"] != "status" {
		t.Fatalf("follow-up line = %v", lines[2])
	}
}

// TestLoopExitIsLastLine verifies nothing is read or written after exit.
func TestLoopExitIsLastLine(t *testing.T) {
	h := &scriptedHandler{}
	lines := runLoop(t, "{\"action\":\"exit\"}\n{\"action\":\"status\"}\n", h, nil)

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
	if lines[1]["message"] != "exiting" {
		t.Fatalf("last line = %v", lines[1])
	}
	if len(h.seen) != 1 {
		t.Fatalf("handled %d commands, want 1", len(h.seen))
	}
}

// TestLoopFinalLineWithoutNewline checks the last command before EOF is served.
func TestLoopFinalLineWithoutNewline(t *testing.T) {
	h := &scriptedHandler{}
	lines := runLoop(t, "\n\n{\"action\":\"stats\"}", h, nil)
	if len(lines) != 2 || lines[1]["message"] != "stats" {
		t.Fatalf("lines = %v", lines)
	}
}

// TestLoopRecoversPanic verifies a panicking command returns a traceback.
func TestLoopRecoversPanic(t *testing.T) {
	lines := runLoop(t, "{\"action\":\"boom\"}\n{\"action\":\"status\"}\n", &scriptedHandler{}, nil)

	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	if lines[1]["success"] != false || lines[1]["error"] != "handler exploded" {
		t.Fatalf("panic line = %v", lines[1])
	}
	if tb, _ := lines[1]["traceback"].(string); !strings.Contains(tb, "goroutine") {
		t.Fatalf("traceback missing: %v", lines[1]["traceback"])
	}
}

// TestLoopStopFlag checks a pending stop is honored once the read returns.
func TestLoopStopFlag(t *testing.T) {
	h := &scriptedHandler{}
	var loop *Loop
	lines := runLoop(t, "{\"action\":\"status\"}\n", h, func(l *Loop) {
		if l.StopRequested() {
			t.Fatal("new loop reports a pending stop")
		}
		l.RequestStop()
		loop = l
	})

	if !loop.StopRequested() {
		t.Fatal("stop flag was cleared")
	}

	if len(lines) != 1 {
		t.Fatalf("got %d lines, want only the init outcome", len(lines))
	}
	if len(h.seen) != 0 {
		t.Fatal("no command may be handled after stop is requested")
	}
}

func TestDecodeRequest(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantKind failure.Kind
		wantBeam any
	}{
		{name: "transcribe with options", line: `{"action":"transcribe","audio_path":"/a.wav","options":{"beam_size":5}}`, wantBeam: json.Number("5")},
		{name: "options not an object", line: `{"action":"transcribe","options":7}`, wantKind: failure.KindInvalidRequest},
		{name: "truncated", line: `{"action":`, wantKind: failure.KindInvalidJSON},
		{name: "trailing data", line: `{"action":"stats"} {}`, wantKind: failure.KindInvalidJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := DecodeRequest([]byte(tt.line))
			if tt.wantKind != "" {
				if got := failure.KindOf(err, ""); got != tt.wantKind {
					t.Fatalf("kind = %q, want %q (err %v)", got, tt.wantKind, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.Options["beam_size"] != tt.wantBeam {
				t.Fatalf("beam_size = %#v, want %#v", req.Options["beam_size"], tt.wantBeam)
			}
		})
	}
}

// TestWriterKeepsUnicode verifies non-ASCII text is written verbatim.
func TestWriterKeepsUnicode(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	if err := w.Write(map[string]string{"text": "你好 <ok>"}); err != nil {
		t.Fatal(err)
	}
	if got := buf.String(); got != "{\"text\":\"你好 <ok>\"}\n" {
		t.Fatalf("output = %q", got)
	}
}
