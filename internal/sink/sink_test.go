package sink

import (
	"bufio"
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/spectertty/internal/frame"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

// gatedWriter blocks every Write until released.
type gatedWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	release chan struct{}
}

func newGatedWriter() *gatedWriter {
	return &gatedWriter{release: make(chan struct{})}
}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.release
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func parseLines(t *testing.T, out string) []frame.Frame {
	t.Helper()
	var frames []frame.Frame
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		f, err := frame.Parse(sc.Bytes())
		require.NoError(t, err, "line %q", sc.Text())
		frames = append(frames, f)
	}
	return frames
}

func TestFramesWrittenInOrderOnePerLine(t *testing.T) {
	var buf bytes.Buffer
	clock := frame.NewClock()
	s := New(&buf, 0, clock, testLogger())

	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "one\n"))
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "two\n"))
	s.Enqueue(frame.NewExit(clock.Now(), 0))
	require.NoError(t, s.Close())

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.False(t, strings.HasSuffix(line, " "), "no trailing whitespace")
	}

	frames := parseLines(t, buf.String())
	require.Len(t, frames, 3)
	assert.Equal(t, "one\n", frames[0].Data)
	assert.Equal(t, "two\n", frames[1].Data)
	assert.Equal(t, frame.Exit, frames[2].Type)
}

func TestOverflowDropsPayloadsAndKeepsLifecycleFrames(t *testing.T) {
	w := newGatedWriter()
	clock := frame.NewClock()
	s := New(w, 150, clock, testLogger())

	payload := strings.Repeat("x", 50)

	// First frame is taken by the writer and blocks in the gated Write.
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "first"))
	time.Sleep(20 * time.Millisecond)

	// Fills the queue.
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, payload))
	// Over capacity: waits the enqueue deadline, then enters overflow.
	start := time.Now()
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, payload+"dropped-1"))
	assert.GreaterOrEqual(t, time.Since(start), enqueueDeadline)

	// Dropping is immediate now.
	start = time.Now()
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "dropped-2"))
	assert.Less(t, time.Since(start), enqueueDeadline)

	assert.Greater(t, s.OverflowedFor(), time.Duration(0))

	// Lifecycle frames bypass the cap even while dropping.
	s.Enqueue(frame.NewExit(clock.Now(), 0))

	close(w.release)
	require.NoError(t, s.Close())

	frames := parseLines(t, w.String())
	var types []frame.Type
	var data []string
	for _, f := range frames {
		types = append(types, f.Type)
		data = append(data, f.Data)
	}
	assert.Equal(t, []frame.Type{frame.Stdout, frame.Stdout, frame.Overflow, frame.Exit}, types)
	assert.NotContains(t, strings.Join(data, ""), "dropped")

	var overflow frame.Frame
	for _, f := range frames {
		if f.Type == frame.Overflow {
			overflow = f
		}
	}
	assert.Equal(t, "buffer", overflow.Reason)
}

func TestOverflowClearsAfterDrain(t *testing.T) {
	w := newGatedWriter()
	clock := frame.NewClock()
	s := New(w, 64, clock, testLogger())

	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "first"))
	time.Sleep(20 * time.Millisecond)
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, strings.Repeat("x", 60)))
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, strings.Repeat("y", 60)))
	require.Greater(t, s.OverflowedFor(), time.Duration(0))

	close(w.release)
	require.Eventually(t, func() bool {
		return s.OverflowedFor() == 0
	}, time.Second, 10*time.Millisecond)

	// Payloads flow again after the drain.
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "after"))
	require.NoError(t, s.Close())
	assert.Contains(t, w.String(), "after")
}

func TestCloseIsIdempotent(t *testing.T) {
	var buf bytes.Buffer
	clock := frame.NewClock()
	s := New(&buf, 0, clock, testLogger())
	s.Enqueue(frame.NewExit(clock.Now(), 0))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestEnqueueAfterCloseIsIgnored(t *testing.T) {
	var buf bytes.Buffer
	clock := frame.NewClock()
	s := New(&buf, 0, clock, testLogger())
	require.NoError(t, s.Close())
	s.Enqueue(frame.NewText(clock.Now(), frame.Stdout, "late"))
	assert.NotContains(t, buf.String(), "late")
}
