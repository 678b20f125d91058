// Package common holds the process-wide context shared by every stage,
// device and connection object: the structured logger, the console printer
// and the per-command message accumulator.
//
// A Common is created once at process start and handed to constructors
// explicitly. The server brackets every dispatched command with
// AccumulateMsgs / AccumulatedMsgs so that whatever the remote call logged or
// printed can be shipped back to the client and replayed there.
package common

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures New.
type Options struct {
	// Level is the minimum level written to the console and log file.
	Level zapcore.Level
	// Format is "console" (default) or "json".
	Format string
	// LogDir, when set, receives a daily log file in addition to stderr.
	LogDir string
	// Console is where Print writes. Defaults to os.Stdout.
	Console io.Writer
	// AccumulateLevel is the minimum level captured for remote replay.
	AccumulateLevel zapcore.Level
}

// Common is the shared logging and message-accumulation context.
type Common struct {
	Logger *zap.Logger

	console io.Writer
	logFile *os.File

	mu           sync.Mutex
	accumulating bool
	msgs         []string
}

// New builds a Common writing to stderr and, optionally, a file under LogDir.
func New(opts Options) (*Common, error) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	sinks := []zapcore.WriteSyncer{zapcore.Lock(os.Stderr)}
	var logFile *os.File
	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		name := filepath.Join(opts.LogDir, "stacker-"+time.Now().Format("2006-01-02")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		logFile = f
		sinks = append(sinks, zapcore.AddSync(f))
	}

	c := NewWithCore(zapcore.NewCore(enc, zapcore.NewMultiWriteSyncer(sinks...), opts.Level), opts.Console, opts.AccumulateLevel)
	c.logFile = logFile
	return c, nil
}

// NewWithCore wraps an existing core. Tests pass a zaptest observer core.
func NewWithCore(core zapcore.Core, console io.Writer, accumulateLevel zapcore.Level) *Common {
	if console == nil {
		console = os.Stdout
	}
	c := &Common{console: console}
	c.Logger = zap.New(zapcore.NewTee(core, newAccumulatorCore(c, accumulateLevel)))
	return c
}

// NewNop returns a Common that logs nowhere and prints to console.
func NewNop(console io.Writer) *Common {
	return NewWithCore(zapcore.NewNopCore(), console, zapcore.InfoLevel)
}

// Named returns a child logger for a component, e.g. "sam" or "client".
func (c *Common) Named(name string) *zap.Logger {
	return c.Logger.Named(name)
}

// Print writes text to the console, recording it if messages are being
// accumulated.
func (c *Common) Print(text string) {
	c.record(text)
	fmt.Fprintln(c.console, text)
}

// AccumulateMsgs starts a fresh accumulation buffer.
func (c *Common) AccumulateMsgs() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accumulating = true
	c.msgs = nil
}

// AccumulatedMsgs drains the buffer and stops accumulating.
// The result is never nil so it encodes as an empty list.
func (c *Common) AccumulatedMsgs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.msgs
	if msgs == nil {
		msgs = []string{}
	}
	c.accumulating = false
	c.msgs = nil
	return msgs
}

func (c *Common) isAccumulating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accumulating
}

func (c *Common) record(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.accumulating {
		c.msgs = append(c.msgs, text)
	}
}

// Close flushes the logger and closes the log file.
func (c *Common) Close() error {
	// Sync on stderr returns EINVAL on some platforms; not worth reporting.
	_ = c.Logger.Sync()
	if c.logFile != nil {
		return multierr.Append(c.logFile.Sync(), c.logFile.Close())
	}
	return nil
}
