// Package applog builds the zap logger used throughout sin from the CLI's
// verbosity and --log_directory flags.
package applog

import (
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the logger built by New.
type Options struct {
	// LogDirectory, when non-empty, receives a JSON-encoded log file
	// named sin-<UTC time as 20060102T150405Z>.log in addition to the
	// console sink.
	LogDirectory string

	// Verbosity follows the CLI's -v/--quiet convention: 0 is the
	// default (info and above), positive values lower the level
	// (1 = debug), negative values raise it (-1 = warn, -2 = error).
	Verbosity int
}

func levelFor(verbosity int) zapcore.Level {
	switch {
	case verbosity >= 1:
		return zapcore.DebugLevel
	case verbosity == 0:
		return zapcore.InfoLevel
	case verbosity == -1:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

// New builds a *zap.Logger per Options. The returned logger must be
// flushed with Sync before process exit.
func New(opts Options) (*zap.Logger, error) {
	level := levelFor(opts.Verbosity)

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(consoleCfg),
		zapcore.Lock(os.Stderr),
		level,
	)

	cores := []zapcore.Core{consoleCore}

	if opts.LogDirectory != "" {
		if err := os.MkdirAll(opts.LogDirectory, 0o700); err != nil {
			return nil, err
		}
		name := filepath.Join(opts.LogDirectory, "sin-"+time.Now().UTC().Format("20060102T150405Z")+".log")
		f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return nil, err
		}
		fileCfg := zap.NewProductionEncoderConfig()
		fileCfg.TimeKey = "ts"
		fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		fileCore := zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(f), zapcore.DebugLevel)
		cores = append(cores, fileCore)
	}

	core := zapcore.NewTee(cores...)
	return zap.New(core), nil
}

// Nop returns a logger that discards everything, for tests.
func Nop() *zap.Logger { return zap.NewNop() }
