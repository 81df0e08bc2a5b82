// Package sink serializes frames to a single handle as newline-delimited
// JSON. A bounded queue of encoded lines provides back-pressure; when a
// slow consumer keeps the queue full past the enqueue deadline, the sink
// reports one overflow frame and drops payload frames until the queue
// drains, keeping the session alive instead of blocking it.
package sink

import (
	"bufio"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/haasonsaas/spectertty/internal/frame"
)

const (
	// DefaultCapacity bounds pending encoded payload (8 MiB).
	DefaultCapacity = 8 << 20
	// enqueueDeadline is how long a producer waits on a full queue before
	// the overflow path engages.
	enqueueDeadline = 100 * time.Millisecond
)

// Sink writes frames as one JSON object per line. Line writes are atomic:
// a single writer goroutine is the only thing that touches the handle.
type Sink struct {
	clock *frame.Clock
	log   *logrus.Entry
	bw    *bufio.Writer
	cap   int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	queue    [][]byte
	queued   int
	dropping bool
	overflow time.Time
	closed   bool
	done     chan struct{}
	werr     error
}

// New starts a Sink writing to w with the given queue capacity in bytes
// (DefaultCapacity when zero or negative).
func New(w io.Writer, capacity int, clock *frame.Clock, log *logrus.Entry) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Sink{
		clock: clock,
		log:   log,
		bw:    bufio.NewWriter(w),
		cap:   capacity,
		done:  make(chan struct{}),
	}
	s.notEmpty = sync.NewCond(&s.mu)
	s.notFull = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// droppable reports whether a frame may be shed under overflow. Lifecycle
// frames (exit, signal, resize, idle, overflow) always get through.
func droppable(t frame.Type) bool {
	switch t {
	case frame.Stdout, frame.Stderr, frame.Stdin, frame.LineUpdate, frame.Prompt:
		return true
	}
	return false
}

// Enqueue serializes f onto the queue. Payload frames block up to the
// enqueue deadline when the queue is full; on expiry one overflow frame is
// queued and this and subsequent payloads are dropped until the queue
// drains.
func (s *Sink) Enqueue(f frame.Frame) {
	line, err := f.Encode()
	if err != nil {
		s.log.WithError(err).Warn("frame encode failed")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	if !droppable(f.Type) {
		s.pushLocked(line)
		return
	}
	if s.dropping {
		return
	}

	if s.queued+len(line) > s.cap {
		deadline := time.Now().Add(enqueueDeadline)
		wake := time.AfterFunc(enqueueDeadline, func() {
			s.mu.Lock()
			s.notFull.Broadcast()
			s.mu.Unlock()
		})
		defer wake.Stop()

		for s.queued+len(line) > s.cap && !s.closed {
			if !time.Now().Before(deadline) {
				s.dropping = true
				s.overflow = time.Now()
				if of, err := frame.NewOverflow(s.clock.Now(), "buffer").Encode(); err == nil {
					s.pushLocked(of)
				}
				return
			}
			s.notFull.Wait()
		}
		if s.closed || s.dropping {
			return
		}
	}
	s.pushLocked(line)
}

func (s *Sink) pushLocked(line []byte) {
	s.queue = append(s.queue, line)
	s.queued += len(line)
	s.notEmpty.Signal()
}

// OverflowedFor returns how long the sink has been in the dropping state,
// or zero when it is keeping up. The supervisor uses this to decide a
// sustained-overflow kill.
func (s *Sink) OverflowedFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dropping || s.overflow.IsZero() {
		return 0
	}
	return time.Since(s.overflow)
}

// Close stops accepting frames, drains the queue, and flushes the handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return s.werr
	}
	s.closed = true
	s.notEmpty.Broadcast()
	s.notFull.Broadcast()
	s.mu.Unlock()

	<-s.done
	return s.werr
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 {
			if s.closed {
				s.mu.Unlock()
				if err := s.bw.Flush(); err != nil && s.werr == nil {
					s.werr = err
				}
				return
			}
			s.notEmpty.Wait()
		}
		batch := s.queue
		s.queue = nil
		s.queued = 0
		// Taking the whole queue counts as drained; payload frames flow
		// again.
		s.dropping = false
		s.overflow = time.Time{}
		s.notFull.Broadcast()
		s.mu.Unlock()

		for _, line := range batch {
			if _, err := s.bw.Write(line); err != nil {
				s.noteWriteErr(err)
			}
			if err := s.bw.WriteByte('\n'); err != nil {
				s.noteWriteErr(err)
			}
		}
		if err := s.bw.Flush(); err != nil {
			s.noteWriteErr(err)
		}
	}
}

func (s *Sink) noteWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.werr == nil {
		s.werr = err
		s.log.WithError(err).Warn("frame write failed")
	}
}
