// Package session is the supervisor: it wires the PTY host, the stdin pump,
// the output reader, the classifier, the frame sink, and the recorder into
// one lifecycle, handles signals, and mirrors the child's exit status.
package session

import (
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/haasonsaas/spectertty/internal/config"
	"github.com/haasonsaas/spectertty/internal/frame"
	"github.com/haasonsaas/spectertty/internal/pty"
	"github.com/haasonsaas/spectertty/internal/record"
	"github.com/haasonsaas/spectertty/internal/sink"
	"github.com/haasonsaas/spectertty/internal/stream"
)

const (
	// readChunk is the PTY read size.
	readChunk = 8192
	// termGrace is how long a signalled child gets before SIGKILL.
	termGrace = 5 * time.Second
	// veof is the line-discipline end-of-file byte delivered to the child
	// when parent stdin closes (a PTY master cannot half-close).
	veof = 0x04
)

// Session is one wrapped execution: a child on a PTY, frames out one side.
type Session struct {
	id    string
	cfg   *config.Config
	log   *logrus.Entry
	clock *frame.Clock

	host *pty.Host
	sink *sink.Sink
	cls  *stream.Classifier
	rec  *record.Recorder

	stdin  *os.File
	stdout *os.File

	mu           sync.Mutex
	stopping     bool
	exitReason   string
	graceTimer   *time.Timer
	restoreState *term.State
}

// Run executes the configured command to completion and returns the process
// exit code to report: the child's code, 128+signal, or 111 when the spawn
// itself failed.
func Run(cfg *config.Config, log *logrus.Entry) int {
	s := &Session{
		id:     uuid.NewString(),
		cfg:    cfg,
		clock:  frame.NewClock(),
		stdin:  os.Stdin,
		stdout: os.Stdout,
	}
	s.log = log.WithField("session", s.id)
	return s.run()
}

func (s *Session) run() int {
	s.inheritGeometry()

	if s.cfg.JSON {
		s.sink = sink.New(s.stdout, s.cfg.BufferBytes, s.clock, s.log)
		s.cls = stream.NewClassifier(stream.Config{
			Mode:        s.cfg.TokenMode,
			Prompts:     s.cfg.Prompts,
			IdleTimeout: s.cfg.IdleTimeout,
		}, s.clock, s.sink.Enqueue)
	}

	if s.cfg.RecordPath != "" {
		rec, err := record.New(s.cfg.RecordPath, s.cfg.Cols, s.cfg.Rows,
			"spectertty session "+s.id, commandLine(s.cfg.Command), s.log)
		if err != nil {
			s.log.WithError(err).Error("cannot open cast file")
			// Recording is best-effort; the session proceeds without it.
		} else {
			s.rec = rec
		}
	}

	host, err := pty.Spawn(s.cfg.Command[0], s.cfg.Command[1:], s.cfg.ChildEnv(),
		s.cfg.Cols, s.cfg.Rows, s.log)
	if err != nil {
		s.log.WithError(err).Error("spawn failed")
		if s.sink != nil {
			s.sink.Close()
		}
		if s.rec != nil {
			s.rec.Close()
		}
		return 111
	}
	s.host = host

	// Transparent passthrough: without --json the parent terminal talks to
	// the child directly, so raw mode keeps keystrokes unmangled.
	if !s.cfg.JSON && isatty.IsTerminal(s.stdin.Fd()) {
		if state, err := term.MakeRaw(int(s.stdin.Fd())); err == nil {
			s.restoreState = state
		}
	}

	sigCh := make(chan os.Signal, 8)
	signal.Notify(sigCh,
		syscall.SIGWINCH, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP,
		syscall.SIGTSTP, syscall.SIGCONT)
	defer signal.Stop(sigCh)

	readerDone := make(chan struct{})
	waitCh := make(chan pty.ExitStatus, 1)

	go s.outputLoop(readerDone)
	go s.stdinLoop()
	go func() { waitCh <- s.host.Wait() }()

	var overflowTick *time.Ticker
	var overflowCh <-chan time.Time
	if s.sink != nil {
		overflowTick = time.NewTicker(250 * time.Millisecond)
		overflowCh = overflowTick.C
		defer overflowTick.Stop()
	}

	var status pty.ExitStatus
	var reaped bool
	for !reaped {
		select {
		case sig := <-sigCh:
			s.handleSignal(sig.(syscall.Signal))
		case <-overflowCh:
			if s.sink.OverflowedFor() > s.cfg.OverflowTimeout {
				s.log.Warn("sustained sink overflow, killing child")
				s.setExitReason("overflow")
				s.host.Kill()
			}
		case status = <-waitCh:
			reaped = true
		}
	}

	// Draining: the reader sees EIO/EOF once the slave side is gone; give
	// it a bounded window before the master is torn down.
	select {
	case <-readerDone:
	case <-time.After(time.Second):
	}
	s.cancelGrace()
	s.host.CloseMaster()

	if s.restoreState != nil {
		term.Restore(int(s.stdin.Fd()), s.restoreState)
	}

	return s.finish(status)
}

// finish emits the exit frame, flushes the sinks, and maps the child status
// to a process exit code.
func (s *Session) finish(status pty.ExitStatus) int {
	if s.cls != nil {
		s.cls.Close()
	}

	code := status.Code
	if s.sink != nil {
		var f frame.Frame
		if status.Signaled {
			f = frame.NewExitSignal(s.clock.Now(), unix.SignalName(status.Signal))
		} else {
			f = frame.NewExit(s.clock.Now(), status.Code)
		}
		if reason := s.getExitReason(); reason != "" {
			f.Reason = reason
		}
		s.sink.Enqueue(f)
		s.sink.Close()
	}
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.log.WithError(err).Warn("cast file close failed")
		}
	}

	if status.Signaled {
		code = 128 + int(status.Signal)
		s.log.WithField("signal", unix.SignalName(status.Signal)).Debug("child killed by signal")
	} else {
		s.log.WithField("code", code).Debug("child exited")
	}
	return code
}

// outputLoop reads the PTY master in fixed chunks and feeds the recorder,
// the classifier, and (in passthrough mode) parent stdout. EIO on Linux and
// EOF on macOS both mean the child side is gone.
func (s *Session) outputLoop(done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, readChunk)
	for {
		n, err := s.host.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if s.rec != nil {
				s.rec.Output(chunk)
			}
			if s.cls != nil {
				s.cls.Write(chunk)
			} else {
				s.stdout.Write(chunk)
			}
		}
		if err != nil {
			if !childGone(err) {
				s.log.WithError(err).Debug("pty read error")
			}
			return
		}
	}
}

// stdinLoop pumps parent stdin into the master, mirroring frames when
// configured. On stdin EOF the child gets a VEOF byte; the read side of the
// master stays open.
func (s *Session) stdinLoop() {
	buf := make([]byte, readChunk)
	for {
		n, err := s.stdin.Read(buf)
		if n > 0 {
			data := buf[:n]
			if _, werr := s.host.Write(data); werr != nil {
				if !errors.Is(werr, pty.ErrClosed) {
					s.log.WithError(werr).Debug("pty write error")
				}
				return
			}
			if s.rec != nil {
				s.rec.Input(data)
			}
			if s.cls != nil {
				s.cls.Activity()
				if s.cfg.MirrorInput {
					s.sink.Enqueue(frame.NewText(s.clock.Now(), frame.Stdin, string(data)))
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.host.Write([]byte{veof})
			}
			return
		}
	}
}

// handleSignal implements the dispatcher: WINCH resizes, INT/TERM/HUP
// forward with a kill grace, TSTP/CONT just forward.
func (s *Session) handleSignal(sig syscall.Signal) {
	switch sig {
	case syscall.SIGWINCH:
		s.propagateResize()
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP:
		s.emitSignal(sig)
		if err := s.host.Signal(sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.log.WithError(err).Debug("signal forward failed")
		}
		s.armGrace()
	case syscall.SIGTSTP, syscall.SIGCONT:
		s.emitSignal(sig)
		if err := s.host.Signal(sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			s.log.WithError(err).Debug("signal forward failed")
		}
	}
}

// inheritGeometry replaces the configured geometry with the parent
// terminal's in passthrough mode, so the child sees the terminal it is
// actually drawn on. The configured values remain the fallback when stdin
// is not a terminal.
func (s *Session) inheritGeometry() {
	if s.cfg.JSON || !isatty.IsTerminal(s.stdin.Fd()) {
		return
	}
	if c, r, err := term.GetSize(int(s.stdin.Fd())); err == nil && c > 0 && r > 0 {
		s.cfg.Cols, s.cfg.Rows = uint16(c), uint16(r)
	}
}

// propagateResize recomputes the parent terminal size, applies it via the
// resize IOCTL, and only then emits the resize frame.
func (s *Session) propagateResize() {
	cols, rows := s.cfg.Cols, s.cfg.Rows
	if isatty.IsTerminal(s.stdin.Fd()) {
		if c, r, err := term.GetSize(int(s.stdin.Fd())); err == nil && c > 0 && r > 0 {
			cols, rows = uint16(c), uint16(r)
		}
	}
	if err := s.host.Resize(cols, rows); err != nil {
		s.log.WithError(err).Warn("resize failed")
		return
	}
	if s.cls != nil {
		s.cls.Activity()
	}
	if s.sink != nil {
		s.sink.Enqueue(frame.NewResize(s.clock.Now(), cols, rows))
	}
	if s.rec != nil {
		s.rec.Resize(cols, rows)
	}
}

func (s *Session) emitSignal(sig syscall.Signal) {
	if s.sink == nil {
		return
	}
	s.sink.Enqueue(frame.NewSignal(s.clock.Now(), unix.SignalName(sig)))
}

// armGrace schedules a SIGKILL unless the child reaps within the grace
// window. Re-signalling does not extend an armed window.
func (s *Session) armGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return
	}
	s.stopping = true
	s.graceTimer = time.AfterFunc(termGrace, func() {
		s.log.Warn("grace window expired, killing child")
		s.host.Kill()
	})
}

func (s *Session) cancelGrace() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceTimer != nil {
		s.graceTimer.Stop()
		s.graceTimer = nil
	}
}

func (s *Session) setExitReason(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exitReason == "" {
		s.exitReason = reason
	}
}

func (s *Session) getExitReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitReason
}

// childGone classifies read errors that mean the slave side closed: EIO on
// Linux, plain EOF on macOS.
func childGone(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, unix.EIO) ||
		errors.Is(err, os.ErrClosed)
}

func commandLine(argv []string) string {
	out := argv[0]
	for _, a := range argv[1:] {
		out += " " + a
	}
	return out
}
