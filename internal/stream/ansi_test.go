package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripANSI(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "no ANSI codes",
			input:    "plain text",
			expected: "plain text",
		},
		{
			name:     "color codes SGR",
			input:    "\x1b[31mred text\x1b[0m",
			expected: "red text",
		},
		{
			name:     "cursor movement",
			input:    "\x1b[2J\x1b[Hclear screen",
			expected: "clear screen",
		},
		{
			name:     "OSC sequence with bell",
			input:    "\x1b]0;window title\x07text",
			expected: "text",
		},
		{
			name:     "OSC sequence with ST",
			input:    "\x1b]0;title\x1b\\text",
			expected: "text",
		},
		{
			name:     "carriage returns survive",
			input:    "10%\r20%\r30%\n",
			expected: "10%\r20%\r30%\n",
		},
		{
			name:     "tabs and newlines survive",
			input:    "a\tb\nc",
			expected: "a\tb\nc",
		},
		{
			name:     "private mode and keypad mode",
			input:    "\x1b[?1h\x1b=\x1b[?2004htext\x1b[?2004l\x1b[?1l\x1b>",
			expected: "text",
		},
		{
			name:     "charset selection",
			input:    "\x1b(Btext\x1b)0more",
			expected: "textmore",
		},
		{
			name:     "backspace cleanup",
			input:    "e\becho",
			expected: "echo",
		},
		{
			name:     "other control bytes removed",
			input:    "a\x00b\x1fc",
			expected: "abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, StripANSI(tt.input))
		})
	}
}

func TestSplitTrailingEscape(t *testing.T) {
	tests := []struct {
		name string
		in   string
		head string
		tail string
	}{
		{name: "no escape", in: "hello", head: "hello", tail: ""},
		{name: "complete CSI", in: "a\x1b[31m", head: "a\x1b[31m", tail: ""},
		{name: "split CSI", in: "a\x1b[3", head: "a", tail: "\x1b[3"},
		{name: "lone ESC", in: "abc\x1b", head: "abc", tail: "\x1b"},
		{name: "unterminated OSC", in: "x\x1b]0;tit", head: "x", tail: "\x1b]0;tit"},
		{name: "terminated OSC", in: "x\x1b]0;t\x07", head: "x\x1b]0;t\x07", tail: ""},
		{name: "single-char escape", in: "x\x1b=", head: "x\x1b=", tail: ""},
		{name: "split charset", in: "x\x1b(", head: "x", tail: "\x1b("},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			head, tail := splitTrailingEscape(tt.in)
			assert.Equal(t, tt.head, head)
			assert.Equal(t, tt.tail, tail)
		})
	}
}
