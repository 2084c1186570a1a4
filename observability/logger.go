package observability

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/willibrandon/mtlog"
	"github.com/willibrandon/mtlog/core"
	"github.com/willibrandon/mtlog/sinks"
)

// Property names attached by the signing and verification pipeline.
const (
	PropertyCorrelationID = "CorrelationId"
	PropertySourceContext = "SourceContext"
	PropertyPackage       = "Package"
)

// Logger is the structured logger used across nusign. Message templates
// follow mtlog syntax, for example "Verifying {Package}".
type Logger interface {
	Verbose(messageTemplate string, args ...any)
	VerboseContext(ctx context.Context, messageTemplate string, args ...any)
	Debug(messageTemplate string, args ...any)
	DebugContext(ctx context.Context, messageTemplate string, args ...any)
	Info(messageTemplate string, args ...any)
	InfoContext(ctx context.Context, messageTemplate string, args ...any)
	Warn(messageTemplate string, args ...any)
	WarnContext(ctx context.Context, messageTemplate string, args ...any)
	Error(messageTemplate string, args ...any)
	ErrorContext(ctx context.Context, messageTemplate string, args ...any)

	// ForContext returns a child logger that adds key to every event.
	ForContext(key string, value any) Logger
}

// LogLevel is the minimum severity a logger emits.
type LogLevel int

const (
	VerboseLevel LogLevel = iota
	DebugLevel
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"verbose", "debug", "info", "warn", "error"}

func (l LogLevel) String() string {
	if l < VerboseLevel || l > ErrorLevel {
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
	return levelNames[l]
}

// ParseLogLevel accepts the names printed by LogLevel.String, ignoring case.
func ParseLogLevel(s string) (LogLevel, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return LogLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) option() mtlog.Option {
	switch l {
	case VerboseLevel:
		return mtlog.Verbose()
	case DebugLevel:
		return mtlog.Debug()
	case InfoLevel:
		return mtlog.Information()
	case ErrorLevel:
		return mtlog.Error()
	default:
		return mtlog.Warning()
	}
}

// NewLogger writes events at or above level to w.
func NewLogger(w io.Writer, level LogLevel) Logger {
	return &mtlogLogger{l: mtlog.New(
		mtlog.WithSink(sinks.NewConsoleSinkWithWriter(w)),
		mtlog.WithTimestamp(),
		mtlog.WithMachineName(),
		mtlog.WithProcess(),
		level.option(),
	)}
}

// ForPackage scopes logger to the package file at path.
func ForPackage(logger Logger, path string) Logger {
	if logger == nil {
		return NewNullLogger()
	}
	return logger.ForContext(PropertyPackage, filepath.Base(path))
}

type mtlogLogger struct {
	l core.Logger
}

func (m *mtlogLogger) Verbose(tmpl string, args ...any) { m.l.Verbose(tmpl, args...) }
func (m *mtlogLogger) VerboseContext(ctx context.Context, tmpl string, args ...any) {
	m.l.VerboseContext(ctx, tmpl, args...)
}
func (m *mtlogLogger) Debug(tmpl string, args ...any) { m.l.Debug(tmpl, args...) }
func (m *mtlogLogger) DebugContext(ctx context.Context, tmpl string, args ...any) {
	m.l.DebugContext(ctx, tmpl, args...)
}
func (m *mtlogLogger) Info(tmpl string, args ...any) { m.l.Info(tmpl, args...) }
func (m *mtlogLogger) InfoContext(ctx context.Context, tmpl string, args ...any) {
	m.l.InfoContext(ctx, tmpl, args...)
}
func (m *mtlogLogger) Warn(tmpl string, args ...any) { m.l.Warn(tmpl, args...) }
func (m *mtlogLogger) WarnContext(ctx context.Context, tmpl string, args ...any) {
	m.l.WarnContext(ctx, tmpl, args...)
}
func (m *mtlogLogger) Error(tmpl string, args ...any) { m.l.Error(tmpl, args...) }
func (m *mtlogLogger) ErrorContext(ctx context.Context, tmpl string, args ...any) {
	m.l.ErrorContext(ctx, tmpl, args...)
}

func (m *mtlogLogger) ForContext(key string, value any) Logger {
	return &mtlogLogger{l: m.l.ForContext(key, value)}
}

// NewNullLogger returns a Logger that drops everything. Components use
// it when the caller passes a nil Logger.
func NewNullLogger() Logger { return nullLogger{} }

type nullLogger struct{}

func (nullLogger) Verbose(string, ...any)                          {}
func (nullLogger) VerboseContext(context.Context, string, ...any) {}
func (nullLogger) Debug(string, ...any)                            {}
func (nullLogger) DebugContext(context.Context, string, ...any)   {}
func (nullLogger) Info(string, ...any)                             {}
func (nullLogger) InfoContext(context.Context, string, ...any)    {}
func (nullLogger) Warn(string, ...any)                             {}
func (nullLogger) WarnContext(context.Context, string, ...any)    {}
func (nullLogger) Error(string, ...any)                            {}
func (nullLogger) ErrorContext(context.Context, string, ...any)   {}
func (n nullLogger) ForContext(string, any) Logger                 { return n }
