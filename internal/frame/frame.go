// Package frame defines the typed event schema the engine emits: one JSON
// object per line, each carrying a timestamp, a type tag, and the optional
// fields that type requires.
package frame

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Type tags a Frame. The set is sealed: consumers switch over it exhaustively
// and unknown tags on decode are preserved verbatim so newer producers can
// introduce types additively.
type Type string

const (
	Stdout     Type = "stdout"
	Stderr     Type = "stderr"
	Stdin      Type = "stdin"
	Exit       Type = "exit"
	Signal     Type = "signal"
	Resize     Type = "resize"
	Idle       Type = "idle"
	LineUpdate Type = "line_update"
	Prompt     Type = "prompt"
	Overflow   Type = "overflow"

	// Reserved types. The engine never emits these; they exist so decoders
	// built against this package tolerate future producers.
	Cursor      Type = "cursor"
	ResizeAck   Type = "resize_ack"
	Stopped     Type = "stopped"
	Continued   Type = "continued"
	CapsuleKill Type = "capsule_kill"
	Ping        Type = "ping"
	Pong        Type = "pong"
)

// Frame is a single engine event. TS is seconds since the Unix epoch with
// sub-millisecond precision; within a session it never decreases. Fields
// beyond TS and Type appear only when the type calls for them.
type Frame struct {
	TS     float64 `json:"ts"`
	Type   Type    `json:"type"`
	Data   string  `json:"data,omitempty"`
	Binary bool    `json:"binary,omitempty"`
	Cols   uint16  `json:"cols,omitempty"`
	Rows   uint16  `json:"rows,omitempty"`
	Code   *int    `json:"code,omitempty"`
	Signal string  `json:"signal,omitempty"`
	Regex  string  `json:"regex,omitempty"`
	DurMS  uint64  `json:"dur_ms,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// NewText builds a text-carrying frame (stdout, stderr, stdin, line_update).
// Data must be valid UTF-8; raw bytes go through NewBinary instead.
func NewText(ts float64, t Type, data string) Frame {
	return Frame{TS: ts, Type: t, Data: data}
}

// NewBinary builds a frame whose payload is not valid UTF-8. The bytes are
// carried as canonical base64 with the binary marker set.
func NewBinary(ts float64, t Type, raw []byte) Frame {
	return Frame{
		TS:     ts,
		Type:   t,
		Data:   base64.StdEncoding.EncodeToString(raw),
		Binary: true,
	}
}

// NewExit reports a normal child exit. Code is always serialized, including
// zero.
func NewExit(ts float64, code int) Frame {
	return Frame{TS: ts, Type: Exit, Code: &code}
}

// NewExitSignal reports a child killed by a signal, e.g. "SIGTERM".
func NewExitSignal(ts float64, signal string) Frame {
	return Frame{TS: ts, Type: Exit, Signal: signal}
}

// NewSignal records a signal forwarded to the child.
func NewSignal(ts float64, signal string) Frame {
	return Frame{TS: ts, Type: Signal, Signal: signal}
}

// NewResize records a geometry change already applied to the PTY.
func NewResize(ts float64, cols, rows uint16) Frame {
	return Frame{TS: ts, Type: Resize, Cols: cols, Rows: rows}
}

// NewIdle reports durMS milliseconds without activity.
func NewIdle(ts float64, durMS uint64) Frame {
	return Frame{TS: ts, Type: Idle, DurMS: durMS}
}

// NewPrompt reports a line whose tail matched the given pattern source.
func NewPrompt(ts float64, line, pattern string) Frame {
	return Frame{TS: ts, Type: Prompt, Data: line, Regex: pattern}
}

// NewOverflow reports dropped output. Reason is "buffer" for sink
// back-pressure.
func NewOverflow(ts float64, reason string) Frame {
	return Frame{TS: ts, Type: Overflow, Reason: reason}
}

// Payload returns the decoded data bytes, reversing base64 for binary
// frames.
func (f Frame) Payload() ([]byte, error) {
	if !f.Binary {
		return []byte(f.Data), nil
	}
	raw, err := base64.StdEncoding.DecodeString(f.Data)
	if err != nil {
		return nil, fmt.Errorf("frame: invalid base64 payload: %w", err)
	}
	return raw, nil
}

// Encode serializes the frame as a single JSON line without the trailing
// newline. Absent optional fields are omitted entirely.
func (f Frame) Encode() ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("frame: encode %s: %w", f.Type, err)
	}
	return b, nil
}

// Parse decodes one JSON line into a Frame. Unknown frame types decode
// without error.
func Parse(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, fmt.Errorf("frame: decode: %w", err)
	}
	return f, nil
}
