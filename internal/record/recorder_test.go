package record

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("component", "test")
}

func readCast(t *testing.T, path string) (map[string]any, [][]any) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	sc := bufio.NewScanner(f)
	require.True(t, sc.Scan(), "missing header line")

	var hdr map[string]any
	require.NoError(t, json.Unmarshal(sc.Bytes(), &hdr))

	var events [][]any
	for sc.Scan() {
		var ev []any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev))
		require.Len(t, ev, 3)
		events = append(events, ev)
	}
	return hdr, events
}

func TestHeaderShape(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	t.Setenv("SHELL", "/bin/zsh")
	t.Setenv("TERM", "xterm-256color")

	r, err := New(path, 120, 40, "test session", "echo hi", testLogger())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	hdr, events := readCast(t, path)
	assert.Equal(t, float64(2), hdr["version"])
	assert.Equal(t, float64(120), hdr["width"])
	assert.Equal(t, float64(40), hdr["height"])
	assert.Equal(t, "test session", hdr["title"])
	assert.Equal(t, "echo hi", hdr["command"])
	assert.NotZero(t, hdr["timestamp"])

	env, ok := hdr["env"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "/bin/zsh", env["SHELL"])
	assert.Equal(t, "xterm-256color", env["TERM"])

	assert.Empty(t, events)
}

func TestEventsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	r, err := New(path, 80, 24, "", "", testLogger())
	require.NoError(t, err)

	r.Output([]byte("hello "))
	r.Input([]byte("y\n"))
	r.Output([]byte("world\r\n"))
	r.Resize(100, 30)
	require.NoError(t, r.Close())

	_, events := readCast(t, path)
	require.Len(t, events, 4)

	var output strings.Builder
	prev := -1.0
	for _, ev := range events {
		elapsed, ok := ev[0].(float64)
		require.True(t, ok)
		assert.GreaterOrEqual(t, elapsed, prev, "event times non-decreasing")
		prev = elapsed
		if ev[1] == "o" {
			output.WriteString(ev[2].(string))
		}
	}
	assert.Equal(t, "hello world\r\n", output.String())

	assert.Equal(t, "i", events[1][1])
	assert.Equal(t, "y\n", events[1][2])
	assert.Equal(t, "r", events[3][1])
	assert.Equal(t, "100x30", events[3][2])
}

func TestWriteFailureDisablesRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.cast")
	r, err := New(path, 80, 24, "", "", testLogger())
	require.NoError(t, err)

	// Yank the file out from under the recorder.
	r.f.Close()

	r.Output([]byte(strings.Repeat("x", 1<<16))) // force a flush to the dead fd
	assert.True(t, r.failed)

	// Further events are silently ignored.
	r.Output([]byte("more"))
	r.Close()
}

func TestCreateFailure(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing", "dir.cast"), 80, 24, "", "", testLogger())
	assert.Error(t, err)
}
