package main

import (
	"fmt"
	"os"

	"blackmoon-term/internal/config"
	"blackmoon-term/internal/logging"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

type rootOptions struct {
	url      string
	token    string
	encoding string
	logFile  string
	logLevel string

	config *config.Config
	logger *zap.Logger
}

// prepare loads env configuration and applies flag overrides.
func (r *rootOptions) prepare(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("url") {
		cfg.Client.URL = r.url
	}
	if flags.Changed("token") {
		cfg.Client.Token = r.token
	}
	if flags.Changed("encoding") {
		cfg.Client.WireEncoding = r.encoding
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level = r.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.config = cfg

	// The terminal belongs to the running program, so logs are written
	// only when a file is given.
	if r.logFile == "" {
		r.logger = zap.NewNop()
		return nil
	}
	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{r.logFile},
	})
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.logger = logger.Logger
	return nil
}

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "blackmoon",
		Short:         "Interactive terminal for a remote code-execution backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.url, "url", "", "execution backend WebSocket URL (overrides BLACKMOON_URL)")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", "", "bearer token for the backend (overrides BLACKMOON_TOKEN)")
	rootCmd.PersistentFlags().StringVar(&opts.encoding, "encoding", "", "wire encoding: plain or json (overrides BLACKMOON_WIRE_ENCODING)")
	rootCmd.PersistentFlags().StringVar(&opts.logFile, "log-file", "", "write logs to this file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides LOG_LEVEL)")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare(cmd)
	}
	rootCmd.PersistentPostRun = func(*cobra.Command, []string) {
		if opts.logger != nil {
			opts.logger.Sync()
		}
	}

	rootCmd.AddCommand(newRunCmd(opts))
	rootCmd.AddCommand(newLanguagesCmd(opts))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "blackmoon: %v\n", err)
		os.Exit(1)
	}
}

func newLanguagesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "languages",
		Short: "List the languages the client will submit",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			for _, l := range opts.config.Client.Languages {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
		},
	}
}
