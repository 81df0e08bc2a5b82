// Package pty owns the pseudo-terminal pair and the child process running on
// its slave side. The master stays with the engine; reads, serialized
// writes, resizes, and signal forwarding all go through the Host.
package pty

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	creackpty "github.com/creack/pty"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Write after the master has been closed.
var ErrClosed = errors.New("pty: host is closed")

// SpawnError wraps any failure to get the child running under a PTY:
// command not found, not executable, or PTY allocation failure.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("pty: spawn %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ExitStatus is the reaped outcome of the child: either a normal exit code
// or the signal that killed it.
type ExitStatus struct {
	Code     int
	Signal   syscall.Signal
	Signaled bool
}

// Host wraps a child process running inside a PTY.
type Host struct {
	cmd  *exec.Cmd
	ptmx *os.File
	log  *logrus.Entry

	mu        sync.Mutex
	cols      uint16
	rows      uint16
	closed    bool
	closeOnce sync.Once

	waitOnce sync.Once
	status   ExitStatus
}

// Spawn allocates a PTY pair with the given geometry and execs command on
// its slave side. env is the full child environment. The returned Host owns
// the master FD and the child handle.
func Spawn(command string, args, env []string, cols, rows uint16, log *logrus.Entry) (*Host, error) {
	if command == "" {
		return nil, &SpawnError{Command: command, Err: errors.New("empty command")}
	}

	cmd := exec.Command(command, args...)
	if len(env) > 0 {
		cmd.Env = env
	}

	ptmx, err := creackpty.StartWithSize(cmd, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	})
	if err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	log.WithFields(logrus.Fields{
		"pid":  cmd.Process.Pid,
		"cols": cols,
		"rows": rows,
	}).Debug("child spawned under pty")

	return &Host{
		cmd:  cmd,
		ptmx: ptmx,
		log:  log,
		cols: cols,
		rows: rows,
	}, nil
}

// Read reads raw bytes from the PTY master. Once the child exits and the
// slave side drains, Read fails with EIO (Linux) or EOF (macOS).
func (h *Host) Read(p []byte) (int, error) {
	return h.ptmx.Read(p)
}

// Write sends bytes to the child's stdin via the master. Writes are
// serialized; concurrent callers never interleave.
func (h *Host) Write(p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return 0, ErrClosed
	}
	return h.ptmx.Write(p)
}

// Resize applies new geometry via the terminal IOCTL. It is idempotent and
// silently a no-op once the master is closed.
func (h *Host) Resize(cols, rows uint16) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	if cols == h.cols && rows == h.rows {
		return nil
	}

	if err := creackpty.Setsize(h.ptmx, &creackpty.Winsize{
		Cols: cols,
		Rows: rows,
	}); err != nil {
		return fmt.Errorf("pty: resize to %dx%d: %w", cols, rows, err)
	}

	h.cols = cols
	h.rows = rows
	return nil
}

// Size returns the current geometry.
func (h *Host) Size() (cols, rows uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cols, h.rows
}

// Pid returns the child's process id.
func (h *Host) Pid() int {
	return h.cmd.Process.Pid
}

// Signal forwards sig to the child's process group so that shells deliver
// it to their foreground jobs too. Falls back to the child pid when no
// group exists.
func (h *Host) Signal(sig syscall.Signal) error {
	pid := h.cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}

// Kill delivers SIGKILL to the child's process group.
func (h *Host) Kill() {
	if err := h.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		h.log.WithError(err).Warn("kill failed")
	}
}

// Wait reaps the child exactly once and caches the result; later callers
// get the cached status immediately.
func (h *Host) Wait() ExitStatus {
	h.waitOnce.Do(func() {
		err := h.cmd.Wait()

		state := h.cmd.ProcessState
		if state == nil {
			// Wait failed before the child ran; report a generic failure.
			h.log.WithError(err).Warn("wait returned no process state")
			h.status = ExitStatus{Code: 1}
			return
		}
		ws, ok := state.Sys().(syscall.WaitStatus)
		if ok && ws.Signaled() {
			h.status = ExitStatus{Signal: ws.Signal(), Signaled: true}
			return
		}
		h.status = ExitStatus{Code: state.ExitCode()}
	})
	return h.status
}

// CloseMaster closes the master FD. Call after all readers have observed
// EOF or cancellation; safe to call multiple times.
func (h *Host) CloseMaster() error {
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		err = h.ptmx.Close()
	})
	return err
}
