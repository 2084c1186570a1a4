package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/willibrandon/nusign/cmd/nusign/config"
	"github.com/willibrandon/nusign/cmd/nusign/output"
	nhttp "github.com/willibrandon/nusign/http"
	"github.com/willibrandon/nusign/observability"
)

// GlobalOptions are the persistent flags shared by every command.
type GlobalOptions struct {
	ConfigFile     string
	Verbosity      string
	Trace          string
	OTLPEndpoint   string
	OTLPInsecure   bool
	HTTP3          bool
	NonInteractive bool
	MetricsFile    string
}

// Options holds the parsed persistent flags.
var Options = GlobalOptions{Verbosity: "normal", Trace: "none"}

// Console is the global console for CLI commands
var Console *output.Console

var rootCmd = &cobra.Command{
	Use:   "nusign",
	Short: "Sign and verify NuGet packages",
	Long: `nusign signs NuGet packages with X.509 certificates and verifies
author signatures, repository signatures and repository countersignatures.

Complete documentation is available at https://github.com/willibrandon/nusign`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := Start(cmd.Context(), cmd.Name())
		if err != nil {
			return err
		}
		cmd.SetContext(ctx)
		return nil
	},
	Run: func(cmd *cobra.Command, args []string) {
		// Show help when no command is provided
		_ = cmd.Help()
	},
}

// run is the state of one invocation.
type run struct {
	logger        observability.Logger
	correlationID string
	tp            *sdktrace.TracerProvider
	span          trace.Span
}

var current = &run{logger: observability.NewNullLogger()}

func init() {
	Console = output.DefaultConsole()

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&Options.ConfigFile, "configfile", "", "nusign configuration file to use (default "+config.DefaultPath()+")")
	flags.StringVar(&Options.Verbosity, "verbosity", "normal", "Display verbosity (quiet, minimal, normal, detailed, diagnostic)")
	flags.StringVar(&Options.Trace, "trace", "none", "Trace exporter (none, stdout, otlp)")
	flags.StringVar(&Options.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector endpoint (default $OTEL_EXPORTER_OTLP_ENDPOINT or localhost:4317)")
	flags.BoolVar(&Options.OTLPInsecure, "otlp-insecure", false, "Connect to the OTLP collector without TLS")
	flags.BoolVar(&Options.HTTP3, "http3", false, "Try HTTP/3 for timestamp and revocation requests")
	flags.BoolVar(&Options.NonInteractive, "non-interactive", false, "Do not prompt for user input or confirmations")
	flags.StringVar(&Options.MetricsFile, "metrics-file", "", "Write Prometheus metrics to this file on exit")
}

// Start applies the persistent flags: console verbosity, the run logger
// with its correlation ID, tracing, and the shared HTTP client. It returns
// ctx carrying the root span of the command.
func Start(ctx context.Context, command string) (context.Context, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	verbosity, err := output.ParseVerbosity(Options.Verbosity)
	if err != nil {
		return ctx, err
	}
	Console.SetVerbosity(verbosity)

	id := uuid.New().String()
	logger := observability.NewLogger(Console.Err(), verbosity.LogLevel()).
		ForContext(observability.PropertyCorrelationID, id)

	r := &run{logger: logger, correlationID: id}
	tracing := Options.Trace != "" && Options.Trace != observability.ExporterNone
	if tracing {
		tp, err := observability.SetupTracing(ctx, tracerConfig())
		if err != nil {
			return ctx, fmt.Errorf("setup tracing: %w", err)
		}
		r.tp = tp
	}
	ctx, r.span = observability.StartCommandSpan(ctx, command, id)
	current = r

	nhttp.InitGlobalClient(
		nhttp.WithUserAgent(UserAgent()),
		nhttp.WithLogger(logger.ForContext(observability.PropertySourceContext, "http")),
		nhttp.WithTracing(tracing),
		nhttp.WithHTTP3(Options.HTTP3),
	)

	logger.Debug("Starting {Command} {Version}", command, Version)
	return ctx, nil
}

func tracerConfig() observability.TracerConfig {
	cfg := observability.DefaultTracerConfig()
	cfg.ServiceVersion = Version
	cfg.Exporter = Options.Trace
	cfg.Writer = Console.Err()
	cfg.OTLPInsecure = Options.OTLPInsecure
	cfg.OTLPEndpoint = Options.OTLPEndpoint
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	if cfg.OTLPEndpoint == "" {
		cfg.OTLPEndpoint = "localhost:4317"
	}
	return cfg
}

// Shutdown ends the command span and flushes the tracer.
func Shutdown(ctx context.Context, cmdErr error) error {
	r := current
	current = &run{logger: observability.NewNullLogger()}

	if r.span != nil {
		observability.EndSpanWithError(r.span, cmdErr)
	}
	var errs []error
	if Options.MetricsFile != "" {
		errs = append(errs, observability.WriteMetricsFile(Options.MetricsFile))
	}
	if r.tp != nil {
		errs = append(errs, observability.ShutdownTracing(context.WithoutCancel(ctx), r.tp))
	}
	return errors.Join(errs...)
}

// Logger returns the logger of the running command.
func Logger() observability.Logger {
	return current.logger
}

// CorrelationID identifies the running command in logs and traces.
func CorrelationID() string {
	return current.correlationID
}

// ConfigPath returns --configfile or the default config location.
func ConfigPath() string {
	if Options.ConfigFile != "" {
		return Options.ConfigFile
	}
	return config.DefaultPath()
}

// ExecuteContext runs the root command and flushes telemetry.
func ExecuteContext(ctx context.Context) error {
	err := rootCmd.ExecuteContext(ctx)
	if shutdownErr := Shutdown(ctx, err); shutdownErr != nil {
		err = errors.Join(err, shutdownErr)
	}
	return err
}

// SetupVersion configures version information after variables are set
func SetupVersion() {
	rootCmd.SetVersionTemplate(GetFullVersion() + "\n")
	rootCmd.Version = GetVersion()
}

// AddCommand adds a command to the root command
func AddCommand(cmd *cobra.Command) {
	rootCmd.AddCommand(cmd)
}

// Root returns the root command.
func Root() *cobra.Command {
	return rootCmd
}
