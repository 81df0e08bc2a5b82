// Package stream turns raw PTY byte traffic into typed frames: UTF-8
// framing, prompt detection, idle tracking, and the compact-mode token
// transform (ANSI stripping, carriage-return collapse, batching).
package stream

import (
	"regexp"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/spectertty/internal/frame"
)

const (
	// defaultSettle is how long a carriage-return-overwritten line must sit
	// unchanged before it is surfaced as a line_update.
	defaultSettle = 20 * time.Millisecond
	// defaultBatchBytes and defaultBatchInterval bound compact-mode
	// batching of stdout content.
	defaultBatchBytes    = 512
	defaultBatchInterval = 10 * time.Millisecond
)

// Pattern is a compiled prompt matcher together with its source text, which
// is echoed back in prompt frames.
type Pattern struct {
	Source string
	RE     *regexp.Regexp
}

// Config parameterizes a Classifier.
type Config struct {
	Mode          Mode
	Prompts       []Pattern
	IdleTimeout   time.Duration
	Settle        time.Duration
	BatchBytes    int
	BatchInterval time.Duration
}

func (c *Config) fill() {
	if c.Settle <= 0 {
		c.Settle = defaultSettle
	}
	if c.BatchBytes <= 0 {
		c.BatchBytes = defaultBatchBytes
	}
	if c.BatchInterval <= 0 {
		c.BatchInterval = defaultBatchInterval
	}
}

// Classifier converts PTY read chunks into frames and hands them to emit in
// order. All methods are safe for concurrent use; emit is never called
// concurrently with itself.
type Classifier struct {
	cfg   Config
	clock *frame.Clock
	emit  func(frame.Frame)

	mu     sync.Mutex
	closed bool

	// UTF-8 carry: suffix of the last chunk that is a proper prefix of a
	// multi-byte rune.
	carry []byte

	// escCarry holds a suspected unterminated escape sequence between
	// chunks so stripping never sees half a CSI.
	escCarry string

	// Line state. curLine is the visible line since the last newline,
	// emitted counts how many of its bytes already went out as stdout,
	// dirty marks a carriage-return overwrite, pendingCR defers a CR seen
	// at a chunk boundary.
	curLine    []byte
	emitted    int
	dirty      bool
	pendingCR  bool
	lastShown  string
	lastUpdate string
	promptDone bool

	// Compact-mode batch of outgoing stdout content.
	batch []byte

	batchTimer  *time.Timer
	settleTimer *time.Timer

	idleTimer    *time.Timer
	idleArmed    bool
	lastActivity time.Time
}

// NewClassifier builds a Classifier. The idle timer starts armed: a child
// that never writes still produces idle frames.
func NewClassifier(cfg Config, clock *frame.Clock, emit func(frame.Frame)) *Classifier {
	cfg.fill()
	c := &Classifier{
		cfg:          cfg,
		clock:        clock,
		emit:         emit,
		lastActivity: time.Now(),
	}
	if cfg.IdleTimeout > 0 {
		c.idleTimer = time.AfterFunc(cfg.IdleTimeout, c.idleElapsed)
		c.idleArmed = true
	}
	return c
}

// Write feeds one PTY read chunk through the pipeline.
func (c *Classifier) Write(p []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || len(p) == 0 {
		return
	}

	c.touchLocked()
	now := c.clock.Now()

	text, binary := c.consumeUTF8Locked(p)

	if c.cfg.Mode.compacting() {
		c.writeCompactLocked(now, text)
	} else {
		c.writeRawLocked(now, text)
	}

	if len(binary) > 0 {
		c.emit(frame.NewBinary(now, frame.Stdout, binary))
	}
}

// Activity notes non-output events (input writes, resizes) so they rearm
// the idle timer.
func (c *Classifier) Activity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.touchLocked()
}

// Close flushes carries and pending batches and stops all timers. Further
// Writes are ignored.
func (c *Classifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true

	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	if c.batchTimer != nil {
		c.batchTimer.Stop()
	}
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}

	now := c.clock.Now()

	if c.cfg.Mode.compacting() {
		// Surface whatever the line tracker still holds.
		if c.dirty {
			line := string(c.curLine)
			if line == "" {
				line = c.lastShown
			}
			if line != "" && line != c.lastUpdate {
				c.emit(frame.NewText(now, frame.LineUpdate, line))
			}
		} else if c.emitted < len(c.curLine) {
			c.batch = append(c.batch, c.curLine[c.emitted:]...)
		}
		c.flushBatchLocked(now)
		if c.escCarry != "" {
			if s := StripANSI(c.escCarry); s != "" {
				c.emit(frame.NewText(now, frame.Stdout, s))
			}
		}
	}

	if len(c.carry) > 0 {
		c.emit(frame.NewBinary(now, frame.Stdout, c.carry))
		c.carry = nil
	}
}

// ---------------------------------------------------------------------------
// Raw mode
// ---------------------------------------------------------------------------

func (c *Classifier) writeRawLocked(now float64, text string) {
	if text == "" {
		return
	}
	c.emit(frame.NewText(now, frame.Stdout, text))
	c.trackLineLocked(now, text)
}

// trackLineLocked maintains the visible-line buffer used for prompt
// detection in raw mode. Emitted data is untouched; only the tracker sees
// the stripped text.
func (c *Classifier) trackLineLocked(now float64, text string) {
	merged := c.escCarry + text
	head, tail := splitTrailingEscape(merged)
	c.escCarry = tail

	s := StripANSI(head)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			c.curLine = c.curLine[:0]
			c.promptDone = false
		case '\r':
			c.curLine = c.curLine[:0]
		default:
			c.curLine = append(c.curLine, s[i])
		}
	}
	c.checkPromptLocked(now)
}

// ---------------------------------------------------------------------------
// Compact mode
// ---------------------------------------------------------------------------

func (c *Classifier) writeCompactLocked(now float64, text string) {
	merged := c.escCarry + text
	head, tail := splitTrailingEscape(merged)
	c.escCarry = tail

	s := StripANSI(head)
	if s == "" {
		return
	}

	i := 0
	if c.pendingCR {
		c.pendingCR = false
		if s[0] == '\n' {
			// The held CR was half of a CRLF: a plain line ending.
			c.endLineLocked(now)
			i = 1
		} else {
			c.bareCRLocked()
		}
	}

	for ; i < len(s); i++ {
		switch s[i] {
		case '\r':
			if i == len(s)-1 {
				// Chunk boundary split a possible CRLF; defer until the
				// next chunk or the settle interval.
				c.pendingCR = true
				c.armSettleLocked()
				return
			}
			if s[i+1] == '\n' {
				c.endLineLocked(now)
				i++
				continue
			}
			c.bareCRLocked()
		case '\n':
			c.endLineLocked(now)
		default:
			c.curLine = append(c.curLine, s[i])
		}
	}

	if c.dirty {
		c.armSettleLocked()
	} else if c.emitted < len(c.curLine) {
		if len(c.curLine)-c.emitted >= c.cfg.BatchBytes {
			c.batch = append(c.batch, c.curLine[c.emitted:]...)
			c.emitted = len(c.curLine)
			c.flushBatchLocked(now)
			c.checkPromptLocked(now)
		} else {
			c.armBatchLocked()
		}
	}
}

// bareCRLocked handles a carriage return with no newline: the cursor went
// home and subsequent bytes overwrite the line in place. The content shown
// just before the overwrite is kept so a settle with no new bytes can still
// surface it.
func (c *Classifier) bareCRLocked() {
	if len(c.curLine) > 0 || c.emitted > 0 {
		c.dirty = true
	}
	if len(c.curLine) > 0 {
		c.lastShown = string(c.curLine)
	}
	c.curLine = c.curLine[:0]
	c.emitted = 0
}

// endLineLocked finishes the current visible line: a line_update for
// overwritten lines, a batched stdout write otherwise, then the prompt
// check. line_update always precedes prompt.
func (c *Classifier) endLineLocked(now float64) {
	line := string(c.curLine)
	if c.dirty {
		if line == "" {
			line = c.lastShown
		}
		c.flushBatchLocked(now)
		if line != "" && line != c.lastUpdate {
			c.emit(frame.NewText(now, frame.LineUpdate, line))
		}
	} else {
		c.batch = append(c.batch, c.curLine[c.emitted:]...)
		c.batch = append(c.batch, '\n')
		// Newlines force a flush so prompt detection downstream sees line
		// boundaries promptly.
		c.flushBatchLocked(now)
	}

	c.checkPromptLocked(now)

	c.curLine = c.curLine[:0]
	c.emitted = 0
	c.dirty = false
	c.lastShown = ""
	c.lastUpdate = ""
	c.promptDone = false
	c.stopSettleLocked()
}

func (c *Classifier) flushBatchLocked(now float64) {
	if len(c.batch) == 0 {
		return
	}
	c.emit(frame.NewText(now, frame.Stdout, string(c.batch)))
	c.batch = c.batch[:0]
	if c.batchTimer != nil {
		c.batchTimer.Stop()
	}
}

func (c *Classifier) armBatchLocked() {
	if c.batchTimer == nil {
		c.batchTimer = time.AfterFunc(c.cfg.BatchInterval, c.batchElapsed)
		return
	}
	c.batchTimer.Reset(c.cfg.BatchInterval)
}

// batchElapsed flushes pending content after the batch interval, including
// a partial line so prompts with no trailing newline still surface.
func (c *Classifier) batchElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	now := c.clock.Now()
	if !c.dirty && c.emitted < len(c.curLine) {
		c.batch = append(c.batch, c.curLine[c.emitted:]...)
		c.emitted = len(c.curLine)
	}
	c.flushBatchLocked(now)
	c.checkPromptLocked(now)
}

func (c *Classifier) armSettleLocked() {
	if c.settleTimer == nil {
		c.settleTimer = time.AfterFunc(c.cfg.Settle, c.settleElapsed)
		return
	}
	c.settleTimer.Reset(c.cfg.Settle)
}

func (c *Classifier) stopSettleLocked() {
	if c.settleTimer != nil {
		c.settleTimer.Stop()
	}
}

// settleElapsed surfaces the stable state of an overwritten line after
// output pauses.
func (c *Classifier) settleElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	now := c.clock.Now()
	if c.pendingCR {
		c.pendingCR = false
		c.bareCRLocked()
	}
	if !c.dirty {
		return
	}
	line := string(c.curLine)
	if line == "" {
		line = c.lastShown
	}
	if line == "" || line == c.lastUpdate {
		return
	}
	c.emit(frame.NewText(now, frame.LineUpdate, line))
	c.lastUpdate = line
	c.checkPromptLocked(now)
}

// ---------------------------------------------------------------------------
// Prompt detection
// ---------------------------------------------------------------------------

// checkPromptLocked tests the visible line against the configured patterns
// in declaration order. At most one prompt frame fires per line terminator.
func (c *Classifier) checkPromptLocked(now float64) {
	if c.promptDone || len(c.cfg.Prompts) == 0 {
		return
	}
	line := string(c.curLine)
	if line == "" {
		return
	}
	for _, p := range c.cfg.Prompts {
		if p.RE.MatchString(line) {
			c.emit(frame.NewPrompt(now, line, p.Source))
			c.promptDone = true
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Idle detection
// ---------------------------------------------------------------------------

// touchLocked rearms the idle timer on any activity.
func (c *Classifier) touchLocked() {
	c.lastActivity = time.Now()
	if c.idleTimer == nil {
		return
	}
	c.idleTimer.Reset(c.cfg.IdleTimeout)
	c.idleArmed = true
}

// idleElapsed emits one idle frame per quiescent interval and disarms
// until the next event.
func (c *Classifier) idleElapsed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || !c.idleArmed {
		return
	}
	c.idleArmed = false
	dur := time.Since(c.lastActivity)
	c.emit(frame.NewIdle(c.clock.Now(), uint64(dur.Milliseconds())))
}

// ---------------------------------------------------------------------------
// UTF-8 framing
// ---------------------------------------------------------------------------

// consumeUTF8Locked prepends the carry to p, splits off the longest valid
// UTF-8 prefix, and decides the fate of the remainder: a plausible partial
// rune (at most 3 bytes) becomes the new carry, anything else comes back as
// a binary chunk.
func (c *Classifier) consumeUTF8Locked(p []byte) (text string, binary []byte) {
	buf := p
	if len(c.carry) > 0 {
		buf = append(c.carry, p...)
		c.carry = nil
	}

	n := validPrefixLen(buf)
	text = string(buf[:n])
	rest := buf[n:]
	if len(rest) == 0 {
		return text, nil
	}
	if incompleteRune(rest) {
		c.carry = append([]byte(nil), rest...)
		return text, nil
	}
	return text, append([]byte(nil), rest...)
}

// validPrefixLen returns the length of the longest valid UTF-8 prefix of b.
func validPrefixLen(b []byte) int {
	i := 0
	for i < len(b) {
		if b[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(b[i:])
		if r == utf8.RuneError && size == 1 {
			break
		}
		i += size
	}
	return i
}

// incompleteRune reports whether b is a proper prefix of some valid UTF-8
// rune encoding.
func incompleteRune(b []byte) bool {
	if len(b) == 0 || len(b) >= utf8.UTFMax {
		return false
	}
	var want int
	switch c := b[0]; {
	case c&0xe0 == 0xc0:
		want = 2
	case c&0xf0 == 0xe0:
		want = 3
	case c&0xf8 == 0xf0:
		want = 4
	default:
		return false
	}
	if len(b) >= want {
		return false
	}
	for _, c := range b[1:] {
		if c&0xc0 != 0x80 {
			return false
		}
	}
	return true
}
