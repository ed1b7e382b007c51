// Package logging builds the process's logr.Logger on top of zap.
package logging

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatAuto    = "auto"
	FormatConsole = "console"
	FormatJSON    = "json"
)

// New returns a logger writing to stderr. The auto format picks a colored
// console encoder when stderr is a terminal and JSON otherwise. Verbose
// enables V(1) lines. The returned func flushes buffered entries.
func New(format string, verbose bool) (logr.Logger, func(), error) {
	color := false
	if format == FormatAuto || format == "" {
		format = FormatJSON
		if isatty.IsTerminal(os.Stderr.Fd()) {
			format = FormatConsole
			color = true
		}
	}

	z, err := newZap(format, verbose, color, zapcore.Lock(os.Stderr))
	if err != nil {
		return logr.Discard(), func() {}, err
	}
	return zapr.NewLogger(z), func() { _ = z.Sync() }, nil
}

// NewWriter is New for an arbitrary writer, without color.
func NewWriter(w io.Writer, format string, verbose bool) (logr.Logger, error) {
	if format == FormatAuto || format == "" {
		format = FormatJSON
	}
	z, err := newZap(format, verbose, false, zapcore.AddSync(w))
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(z), nil
}

func newZap(format string, verbose, color bool, ws zapcore.WriteSyncer) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		// zapr maps V(1) to zap level -1.
		level.SetLevel(zapcore.Level(-1))
	}

	var enc zapcore.Encoder
	switch format {
	case FormatConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeCaller = nil
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
		if color {
			cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(cfg)
	case FormatJSON:
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	return zap.New(zapcore.NewCore(enc, ws, level)), nil
}
