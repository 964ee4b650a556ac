// Package log builds the zap logger shared by every mmns component.
package log

import (
	"os"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
	FormatLogfmt  = "logfmt"
)

var ErrUnknownFormat = errors.New("unknown log format")

// Options selects the level and encoding of the logger.
type Options struct {
	Level  string
	Format string
}

// New returns a logger writing to stderr. Output of user commands goes to
// stdout, so log lines never interleave with it.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, errors.Wrapf(err, "failed to parse log level %q", opts.Level)
		}
	}

	encoder, err := newEncoder(opts.Format)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), nil
}

func newEncoder(format string) (zapcore.Encoder, error) {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	switch format {
	case "", FormatConsole:
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return zapcore.NewConsoleEncoder(cfg), nil
	case FormatJSON:
		return zapcore.NewJSONEncoder(cfg), nil
	case FormatLogfmt:
		return zaplogfmt.NewEncoder(cfg), nil
	default:
		return nil, errors.Wrap(ErrUnknownFormat, format)
	}
}
