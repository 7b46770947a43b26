package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the sink handed to every component.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	SetLogLevel(level string)
	New(component string) Logger
}

// Options configures a logger.
type Options struct {
	level   string
	console bool
	out     io.Writer
	file    string
}

// Option mutates Options.
type Option func(*Options)

// WithLevel sets the minimum level (debug, info, warn, error).
func WithLevel(level string) Option { return func(o *Options) { o.level = level } }

// WithConsole toggles pretty printing to stdout.
func WithConsole(enabled bool) Option { return func(o *Options) { o.console = enabled } }

// WithWriter adds a raw JSON destination, mostly for tests.
func WithWriter(w io.Writer) Option { return func(o *Options) { o.out = w } }

// WithFile appends JSON lines to path.
func WithFile(path string) Option { return func(o *Options) { o.file = path } }

// ZLogger is a zerolog backed Logger.
type ZLogger struct {
	zerolog.Logger
	component string
	closer    io.Closer
}

// New builds the root logger. The returned closer releases the log file,
// if any.
func New(component string, options ...Option) (*ZLogger, error) {
	opts := &Options{level: "info", console: true}
	for _, o := range options {
		o(opts)
	}

	var (
		writers []io.Writer
		closer  io.Closer
	)
	if opts.console {
		writers = append(writers, consoleWriter(os.Stdout))
	}
	if opts.out != nil {
		writers = append(writers, opts.out)
	}
	if opts.file != "" {
		if err := os.MkdirAll(filepath.Dir(opts.file), 0755); err != nil {
			return nil, fmt.Errorf("log directory: %w", err)
		}
		f, err := os.OpenFile(opts.file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("log file: %w", err)
		}
		writers = append(writers, f)
		closer = f
	}

	var w io.Writer = io.Discard
	switch len(writers) {
	case 0:
	case 1:
		w = writers[0]
	default:
		w = zerolog.MultiLevelWriter(writers...)
	}

	z := &ZLogger{
		Logger:    zerolog.New(w).With().Timestamp().Logger(),
		component: component,
		closer:    closer,
	}
	z.SetLogLevel(opts.level)
	return z, nil
}

func consoleWriter(out io.Writer) zerolog.ConsoleWriter {
	cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	cw.FormatTimestamp = func(i interface{}) string {
		parsed, err := time.Parse(time.RFC3339, fmt.Sprint(i))
		if err != nil {
			return fmt.Sprint(i)
		}
		return parsed.Format("15:04:05")
	}
	cw.FormatLevel = func(i interface{}) string {
		return fmt.Sprintf("| %-6s|", strings.ToUpper(fmt.Sprint(i)))
	}
	cw.PartsExclude = []string{"component"}
	cw.FieldsExclude = []string{"component"}
	return cw
}

// Nop discards everything.
func Nop() Logger {
	return &ZLogger{Logger: zerolog.Nop()}
}

// New returns a child logger tagged with another component name.
func (z *ZLogger) New(component string) Logger {
	return &ZLogger{
		Logger:    z.Logger.With().Str("component", component).Logger(),
		component: component,
	}
}

// SetLogLevel changes the minimum level; unknown names fall back to info.
func (z *ZLogger) SetLogLevel(level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		z.Logger = z.Logger.Level(zerolog.DebugLevel)
	case "WARN":
		z.Logger = z.Logger.Level(zerolog.WarnLevel)
	case "ERROR":
		z.Logger = z.Logger.Level(zerolog.ErrorLevel)
	default:
		z.Logger = z.Logger.Level(zerolog.InfoLevel)
	}
}

func (z *ZLogger) Debugf(format string, args ...interface{}) {
	z.Logger.Debug().Msgf(z.prefix()+format, args...)
}

func (z *ZLogger) Infof(format string, args ...interface{}) {
	z.Logger.Info().Msgf(z.prefix()+format, args...)
}

func (z *ZLogger) Warnf(format string, args ...interface{}) {
	z.Logger.Warn().Msgf(z.prefix()+format, args...)
}

func (z *ZLogger) Errorf(format string, args ...interface{}) {
	z.Logger.Error().Msgf(z.prefix()+format, args...)
}

func (z *ZLogger) prefix() string {
	if z.component == "" {
		return ""
	}
	return "[" + z.component + "] "
}

// Close releases the log file.
func (z *ZLogger) Close() error {
	if z.closer == nil {
		return nil
	}
	return z.closer.Close()
}
