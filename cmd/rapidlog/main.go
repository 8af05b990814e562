// Command rapidlog runs the log ingestion service and its offline tools.
//
// Logging:
//   - Base handler is created here with output format and level
//   - Logger is passed to all components via dependency injection
//   - No global slog configuration (no slog.SetDefault)
//   - Components scope loggers with their own attributes
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"rapidlog/internal/home"
	"rapidlog/internal/logging"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries state built by the root command for its subcommands.
type app struct {
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{logger: logging.Discard()}

	root := &cobra.Command{
		Use:           "rapidlog",
		Short:         "Queue-fed log ingestion service",
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(cmd, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			a.logger = logger
			return nil
		},
	}

	pf := root.PersistentFlags()
	pf.String("home", "", "home directory (default: platform config dir)")
	pf.String("store-type", "sqlite", "document store type: sqlite, bolt, or memory")
	pf.String("log-level", "info", "default log level: debug, info, warn, error")
	pf.String("log-format", "text", "log output format: text or json")
	pf.String("log-component-levels", "", "per-component levels, e.g. repository=debug,manager=warn")
	pf.StringP("output", "o", "table", "output format: table or json")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	root.AddCommand(
		newServerCmd(a),
		newPublishCmd(a),
		newRepoCmd(),
		newSearchCmd(),
		versionCmd,
	)
	return root
}

// buildLogger creates the base logger with a ComponentFilterHandler for
// per-component level control.
func buildLogger(cmd *cobra.Command, w io.Writer) (*slog.Logger, error) {
	levelName, _ := cmd.Flags().GetString("log-level")
	format, _ := cmd.Flags().GetString("log-format")
	overrides, _ := cmd.Flags().GetString("log-component-levels")

	level, err := logging.ParseLevel(levelName)
	if err != nil {
		return nil, err
	}
	components, err := logging.ParseComponentLevels(overrides)
	if err != nil {
		return nil, err
	}

	// All levels pass the base handler; filtering is done by the filter handler.
	opts := &slog.HandlerOptions{Level: slog.LevelDebug}
	var base slog.Handler
	switch format {
	case "text":
		base = slog.NewTextHandler(w, opts)
	case "json":
		base = slog.NewJSONHandler(w, opts)
	default:
		return nil, fmt.Errorf("unknown log format %q (supported: text, json)", format)
	}

	filter := logging.NewComponentFilterHandler(base, level)
	for name, l := range components {
		filter.SetLevel(name, l)
	}
	return slog.New(filter), nil
}

// resolveHome returns a Dir from the --home flag, or the platform default.
func resolveHome(cmd *cobra.Command) (home.Dir, error) {
	v, _ := cmd.Flags().GetString("home")
	return homeDir(v)
}

func homeDir(root string) (home.Dir, error) {
	if root != "" {
		return home.New(root), nil
	}
	return home.Default()
}
