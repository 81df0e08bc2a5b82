// Package config builds the session configuration from an optional YAML
// file and command-line flags. File values supply defaults; flags win.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/spectertty/internal/stream"
)

// ErrUsage marks configuration problems the user must fix; main maps it to
// exit code 2.
var ErrUsage = errors.New("usage error")

// Defaults.
const (
	DefaultCols            = 120
	DefaultRows            = 40
	DefaultIdleMS          = 200
	DefaultBufferBytes     = 8 << 20
	DefaultOverflowTimeout = 5 * time.Second
)

// Config is everything a session needs, fully validated.
type Config struct {
	JSON            bool
	TokenMode       stream.Mode
	RecordPath      string
	Cols            uint16
	Rows            uint16
	IdleTimeout     time.Duration
	PromptSources   []string
	Prompts         []stream.Pattern
	BufferBytes     int
	OverflowTimeout time.Duration
	MirrorInput     bool
	Verbose         bool

	// Command is the argv to spawn: Command[0] plus Command[1:].
	Command []string
}

// Flags carries raw flag state between Register and Build.
type Flags struct {
	json            bool
	tokenMode       string
	record          string
	cols            int
	rows            int
	idleMS          int
	promptRegex     []string
	bufferBytes     int
	overflowTimeout time.Duration
	mirrorInput     bool
	verbose         bool
	configPath      string
}

// fileConfig is the YAML shape of ~/.config/spectertty/config.yaml.
type fileConfig struct {
	TokenMode       string   `yaml:"token_mode"`
	Cols            int      `yaml:"cols"`
	Rows            int      `yaml:"rows"`
	IdleMS          int      `yaml:"idle_ms"`
	PromptRegexes   []string `yaml:"prompt_regexes"`
	BufferBytes     int      `yaml:"buffer_bytes"`
	OverflowTimeout string   `yaml:"overflow_timeout"`
	MirrorInput     *bool    `yaml:"mirror_input"`
}

// Register declares all flags on fs and returns the holder Build reads.
func Register(fs *pflag.FlagSet) *Flags {
	v := &Flags{}
	fs.BoolVar(&v.json, "json", false, "emit newline-delimited JSON frames on stdout")
	fs.StringVar(&v.tokenMode, "token-mode", string(stream.ModeRaw), "output transform: raw, compact, or parsed")
	fs.StringVar(&v.record, "record", "", "write an asciinema v2 cast file to PATH")
	fs.IntVar(&v.cols, "cols", DefaultCols, "initial PTY columns")
	fs.IntVar(&v.rows, "rows", DefaultRows, "initial PTY rows")
	fs.IntVar(&v.idleMS, "idle", DefaultIdleMS, "idle timeout in milliseconds")
	fs.StringArrayVar(&v.promptRegex, "prompt-regex", nil, "prompt regex; may repeat")
	fs.IntVar(&v.bufferBytes, "buffer", DefaultBufferBytes, "frame sink queue capacity in bytes")
	fs.DurationVar(&v.overflowTimeout, "overflow-timeout", DefaultOverflowTimeout, "grace before kill on sustained overflow")
	fs.BoolVar(&v.mirrorInput, "mirror-input", false, "mirror stdin as stdin frames")
	fs.BoolVarP(&v.verbose, "verbose", "v", false, "verbose diagnostics on stderr")
	fs.StringVar(&v.configPath, "config", "", "config file (default ~/.config/spectertty/config.yaml)")
	return v
}

// Build merges file defaults with flag values (flags win for flags the user
// set), parses the command, and validates everything.
func Build(fs *pflag.FlagSet, v *Flags, command []string) (*Config, error) {
	fc, err := loadFile(v.configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		JSON:            v.json,
		RecordPath:      v.record,
		MirrorInput:     v.mirrorInput,
		Verbose:         v.verbose,
		OverflowTimeout: v.overflowTimeout,
	}

	mode := v.tokenMode
	cols, rows := v.cols, v.rows
	idleMS := v.idleMS
	bufferBytes := v.bufferBytes
	prompts := v.promptRegex

	if fc != nil {
		if fc.TokenMode != "" && !fs.Changed("token-mode") {
			mode = fc.TokenMode
		}
		if fc.Cols > 0 && !fs.Changed("cols") {
			cols = fc.Cols
		}
		if fc.Rows > 0 && !fs.Changed("rows") {
			rows = fc.Rows
		}
		if fc.IdleMS > 0 && !fs.Changed("idle") {
			idleMS = fc.IdleMS
		}
		if fc.BufferBytes > 0 && !fs.Changed("buffer") {
			bufferBytes = fc.BufferBytes
		}
		if len(fc.PromptRegexes) > 0 && !fs.Changed("prompt-regex") {
			prompts = fc.PromptRegexes
		}
		if fc.MirrorInput != nil && !fs.Changed("mirror-input") {
			cfg.MirrorInput = *fc.MirrorInput
		}
		if fc.OverflowTimeout != "" && !fs.Changed("overflow-timeout") {
			d, err := time.ParseDuration(fc.OverflowTimeout)
			if err != nil {
				return nil, fmt.Errorf("%w: config overflow_timeout %q: %v", ErrUsage, fc.OverflowTimeout, err)
			}
			cfg.OverflowTimeout = d
		}
	}

	cfg.TokenMode, err = stream.ParseMode(mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUsage, err)
	}

	if cols < 1 || cols > 0xffff {
		return nil, fmt.Errorf("%w: cols must be between 1 and 65535, got %d", ErrUsage, cols)
	}
	if rows < 1 || rows > 0xffff {
		return nil, fmt.Errorf("%w: rows must be between 1 and 65535, got %d", ErrUsage, rows)
	}
	cfg.Cols = uint16(cols)
	cfg.Rows = uint16(rows)

	if idleMS < 1 {
		return nil, fmt.Errorf("%w: idle timeout must be positive, got %d", ErrUsage, idleMS)
	}
	cfg.IdleTimeout = time.Duration(idleMS) * time.Millisecond

	if bufferBytes < 1 {
		return nil, fmt.Errorf("%w: buffer capacity must be positive, got %d", ErrUsage, bufferBytes)
	}
	cfg.BufferBytes = bufferBytes

	if cfg.OverflowTimeout <= 0 {
		return nil, fmt.Errorf("%w: overflow timeout must be positive", ErrUsage)
	}

	cfg.PromptSources = prompts
	for _, src := range prompts {
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("%w: prompt regex %q: %v", ErrUsage, src, err)
		}
		cfg.Prompts = append(cfg.Prompts, stream.Pattern{Source: src, RE: re})
	}

	cfg.Command, err = ParseCommand(command)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// ParseCommand normalizes the positional command. A single argument
// containing whitespace or shell metacharacters is split shell-style, so
// `spectertty --json -- "npm install -g foo"` works as expected.
func ParseCommand(args []string) ([]string, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: no command given", ErrUsage)
	}
	if len(args) == 1 && strings.ContainsAny(args[0], " \t'\"\\") {
		argv, err := shellquote.Split(args[0])
		if err != nil {
			return nil, fmt.Errorf("%w: command %q: %v", ErrUsage, args[0], err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("%w: empty command", ErrUsage)
		}
		return argv, nil
	}
	return args, nil
}

// ChildEnv builds the child environment: the parent's, with TERM defaulted
// and COLUMNS/LINES pinned to the PTY geometry.
func (c *Config) ChildEnv() []string {
	env := os.Environ()
	out := make([]string, 0, len(env)+3)
	hasTerm := false
	for _, kv := range env {
		switch {
		case strings.HasPrefix(kv, "COLUMNS="), strings.HasPrefix(kv, "LINES="):
			continue
		case strings.HasPrefix(kv, "TERM="):
			hasTerm = true
		}
		out = append(out, kv)
	}
	if !hasTerm {
		out = append(out, "TERM=xterm-256color")
	}
	out = append(out,
		fmt.Sprintf("COLUMNS=%d", c.Cols),
		fmt.Sprintf("LINES=%d", c.Rows),
	)
	return out
}

func loadFile(explicit string) (*fileConfig, error) {
	path := explicit
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, nil
		}
		path = filepath.Join(home, ".config", "spectertty", "config.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if explicit == "" && os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: config file %s: %v", ErrUsage, path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("%w: config file %s: %v", ErrUsage, path, err)
	}
	return &fc, nil
}
