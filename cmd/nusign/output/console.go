package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/willibrandon/nusign/observability"
	"github.com/willibrandon/nusign/packaging/signatures"
)

// Verbosity levels
type Verbosity int

const (
	// VerbosityQuiet shows errors only
	VerbosityQuiet Verbosity = iota
	// VerbosityMinimal adds warnings
	VerbosityMinimal
	// VerbosityNormal shows errors, warnings, and key operations (default)
	VerbosityNormal
	// VerbosityDetailed shows above + informational verification issues
	VerbosityDetailed
	// VerbosityDiagnostic shows above + HTTP requests, cache hits, timing
	VerbosityDiagnostic
)

var verbosityNames = map[string]Verbosity{
	"q":          VerbosityQuiet,
	"quiet":      VerbosityQuiet,
	"m":          VerbosityMinimal,
	"minimal":    VerbosityMinimal,
	"n":          VerbosityNormal,
	"normal":     VerbosityNormal,
	"d":          VerbosityDetailed,
	"detailed":   VerbosityDetailed,
	"diag":       VerbosityDiagnostic,
	"diagnostic": VerbosityDiagnostic,
}

// ParseVerbosity parses a --verbosity value. Short forms are accepted.
func ParseVerbosity(s string) (Verbosity, error) {
	if s == "" {
		return VerbosityNormal, nil
	}
	v, ok := verbosityNames[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return VerbosityNormal, fmt.Errorf("invalid verbosity %q (quiet, minimal, normal, detailed, diagnostic)", s)
	}
	return v, nil
}

func (v Verbosity) String() string {
	switch v {
	case VerbosityQuiet:
		return "quiet"
	case VerbosityMinimal:
		return "minimal"
	case VerbosityDetailed:
		return "detailed"
	case VerbosityDiagnostic:
		return "diagnostic"
	default:
		return "normal"
	}
}

// LogLevel returns the structured log level matching v.
func (v Verbosity) LogLevel() observability.LogLevel {
	switch v {
	case VerbosityQuiet:
		return observability.ErrorLevel
	case VerbosityDetailed:
		return observability.InfoLevel
	case VerbosityDiagnostic:
		return observability.DebugLevel
	default:
		return observability.WarnLevel
	}
}

// Console provides output abstraction
type Console struct {
	out       io.Writer
	err       io.Writer
	verbosity Verbosity
	mu        sync.Mutex
	colors    bool
}

// NewConsole creates a new console
func NewConsole(out, err io.Writer, verbosity Verbosity) *Console {
	c := &Console{
		out:       out,
		err:       err,
		verbosity: verbosity,
		colors:    IsColorEnabled(out),
	}

	if !c.colors {
		DisableColors()
	}

	return c
}

// DefaultConsole creates a console with stdout/stderr and normal verbosity
func DefaultConsole() *Console {
	return NewConsole(os.Stdout, os.Stderr, VerbosityNormal)
}

// Out returns the standard output writer. JSON documents go here.
func (c *Console) Out() io.Writer {
	return c.out
}

// Err returns the error writer.
func (c *Console) Err() io.Writer {
	return c.err
}

// SetOutput replaces both writers.
func (c *Console) SetOutput(out, err io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = out
	c.err = err
}

// SetVerbosity sets the verbosity level
func (c *Console) SetVerbosity(v Verbosity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.verbosity = v
}

// GetVerbosity returns the current verbosity level
func (c *Console) GetVerbosity() Verbosity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verbosity
}

// SetColors enables or disables color output
func (c *Console) SetColors(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.colors = enabled
	if enabled {
		EnableColors()
	} else {
		DisableColors()
	}
}

func (c *Console) enabled(min Verbosity) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verbosity >= min
}

// colorizer is satisfied by *color.Color.
type colorizer interface {
	Fprintf(w io.Writer, format string, a ...any) (int, error)
}

func (c *Console) write(w io.Writer, col colorizer, format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.colors && col != nil {
		_, _ = col.Fprintf(w, format, a...)
		return
	}
	_, _ = fmt.Fprintf(w, format, a...)
}

// Print writes to output
func (c *Console) Print(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprint(c.out, a...)
}

// Println writes line to output
func (c *Console) Println(a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintln(c.out, a...)
}

// Printf writes formatted output
func (c *Console) Printf(format string, a ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = fmt.Fprintf(c.out, format, a...)
}

// Success writes success message (green)
func (c *Console) Success(format string, a ...any) {
	if c.enabled(VerbosityNormal) {
		c.write(c.out, ColorSuccess, format+"\n", a...)
	}
}

// Error writes error message (red). Errors are never suppressed.
func (c *Console) Error(format string, a ...any) {
	c.write(c.err, ColorError, "Error: "+format+"\n", a...)
}

// Warning writes warning message (yellow)
func (c *Console) Warning(format string, a ...any) {
	if c.enabled(VerbosityMinimal) {
		c.write(c.out, ColorWarning, "Warning: "+format+"\n", a...)
	}
}

// Info writes info message (cyan)
func (c *Console) Info(format string, a ...any) {
	if c.enabled(VerbosityNormal) {
		c.write(c.out, ColorInfo, format+"\n", a...)
	}
}

// Header writes a bold line
func (c *Console) Header(format string, a ...any) {
	if c.enabled(VerbosityNormal) {
		c.write(c.out, ColorHeader, format+"\n", a...)
	}
}

// Debug writes debug message (white)
func (c *Console) Debug(format string, a ...any) {
	if c.enabled(VerbosityDiagnostic) {
		c.write(c.out, ColorDebug, "[DEBUG] "+format+"\n", a...)
	}
}

// Detail writes detailed message
func (c *Console) Detail(format string, a ...any) {
	if c.enabled(VerbosityDetailed) {
		c.write(c.out, nil, format+"\n", a...)
	}
}

// Issue prints a verification issue as "<code>: <message>" at the console
// level matching its severity.
func (c *Console) Issue(issue signatures.SignatureLog) {
	switch issue.Level {
	case signatures.LogLevelError:
		c.Error("%s: %s", issue.Code, issue.Message)
	case signatures.LogLevelWarning:
		c.Warning("%s: %s", issue.Code, issue.Message)
	default:
		c.Detail("%s: %s", issue.Code, issue.Message)
	}
}

// Issues prints every issue in order.
func (c *Console) Issues(issues []signatures.SignatureLog) {
	for _, issue := range issues {
		c.Issue(issue)
	}
}
