// Package cli wires configuration, logging and the HTTP server behind the
// video-transcript command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/helberjf/video-transcript/internal/config"
	"github.com/helberjf/video-transcript/internal/logging"
	"github.com/helberjf/video-transcript/internal/version"
)

type appState struct {
	port       string
	debug      bool
	jsonLogs   bool
	noProgress bool
	model      string

	cfg    config.Config
	logger *zap.Logger
	out    io.Writer

	loadFn  func() config.Config
	serveFn func(ctx context.Context, cfg config.Config, logger *zap.Logger) error
}

// NewRootCmd builds the command tree. Running it without a subcommand serves.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&appState{
		out:     os.Stdout,
		loadFn:  config.Load,
		serveFn: serve,
	})
}

func newRootCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "video-transcript",
		Short:         "Convert social media videos to MP3 and transcribe them",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.prepare(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}
	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.PersistentFlags().StringVar(&app.port, "port", "", "HTTP listen port (overrides PORT)")
	cmd.PersistentFlags().BoolVar(&app.debug, "debug", false, "Enable debug logs (overrides DEBUG)")
	cmd.PersistentFlags().BoolVar(&app.jsonLogs, "json-logs", false, "Emit JSON logs (overrides LOG_JSON)")

	cmd.AddCommand(newServeCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newServiceCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// prepare loads configuration, applies flag overrides and builds the logger.
func (a *appState) prepare(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()
	a.cfg = a.loadFn()

	flags := cmd.Flags()
	if flags.Changed("port") {
		a.cfg.Port = a.port
	}
	if flags.Changed("debug") {
		a.cfg.Debug = a.debug
	}
	if flags.Changed("json-logs") {
		a.cfg.LogJSON = a.jsonLogs
	}

	logger, err := logging.New(logging.Options{Debug: a.cfg.Debug, JSON: a.cfg.LogJSON})
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	a.logger = logger
	zap.ReplaceGlobals(logger)
	return nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) runServe(ctx context.Context) error {
	if err := a.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	defer a.log().Sync()
	return a.serveFn(ctx, a.cfg, a.log())
}

func newServeCmd(app *appState) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.runServe(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		RunE: func(cmd *cobra.Command, _ []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "video-transcript v%s\n", version.Resolve())
			return nil
		},
	}
}
