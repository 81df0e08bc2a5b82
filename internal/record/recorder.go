// Package record writes asciinema v2 cast files: a JSON header line
// followed by newline-delimited event triples. Recording always captures
// the raw PTY byte stream, independent of any token optimization applied
// to the frame output.
package record

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type header struct {
	Version   int    `json:"version"`
	Width     uint16 `json:"width"`
	Height    uint16 `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Title     string `json:"title,omitempty"`
	Command   string `json:"command,omitempty"`
	Env       env    `json:"env"`
}

type env struct {
	Shell string `json:"SHELL"`
	Term  string `json:"TERM"`
}

// Recorder appends cast events to a file. A write failure disables the
// recorder for the rest of the session with a single diagnostic; it never
// takes the session down with it.
type Recorder struct {
	log   *logrus.Entry
	start time.Time

	mu     sync.Mutex
	f      *os.File
	bw     *bufio.Writer
	failed bool
}

// New creates the cast file and writes the v2 header. Title typically
// carries the session id, command the spawned command line.
func New(path string, cols, rows uint16, title, command string, log *logrus.Entry) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("record: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)

	h := header{
		Version:   2,
		Width:     cols,
		Height:    rows,
		Timestamp: time.Now().Unix(),
		Title:     title,
		Command:   command,
		Env: env{
			Shell: envOr("SHELL", "/bin/sh"),
			Term:  envOr("TERM", "xterm-256color"),
		},
	}
	line, err := json.Marshal(h)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("record: encode header: %w", err)
	}
	if _, err := bw.Write(append(line, '\n')); err != nil {
		f.Close()
		return nil, fmt.Errorf("record: write header: %w", err)
	}

	return &Recorder{
		log:   log,
		start: time.Now(),
		f:     f,
		bw:    bw,
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Output records child output bytes.
func (r *Recorder) Output(p []byte) { r.event("o", string(p)) }

// Input records bytes written to the child.
func (r *Recorder) Input(p []byte) { r.event("i", string(p)) }

// Resize records a geometry change as "COLSxROWS".
func (r *Recorder) Resize(cols, rows uint16) {
	r.event("r", fmt.Sprintf("%dx%d", cols, rows))
}

func (r *Recorder) event(kind, data string) {
	elapsed := time.Since(r.start).Seconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failed {
		return
	}

	line, err := json.Marshal([]any{elapsed, kind, data})
	if err != nil {
		r.disableLocked(err)
		return
	}
	if _, err := r.bw.Write(append(line, '\n')); err != nil {
		r.disableLocked(err)
		return
	}
	if err := r.bw.Flush(); err != nil {
		r.disableLocked(err)
	}
}

func (r *Recorder) disableLocked(err error) {
	r.failed = true
	r.log.WithError(err).Warn("recording disabled")
}

// Close flushes and closes the cast file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	ferr := r.bw.Flush()
	cerr := r.f.Close()
	r.f = nil
	if ferr != nil {
		return fmt.Errorf("record: flush: %w", ferr)
	}
	if cerr != nil {
		return fmt.Errorf("record: close: %w", cerr)
	}
	return nil
}
