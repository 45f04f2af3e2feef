package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"blackmoon-term/internal/config"
	"blackmoon-term/internal/watcher"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type runOptions struct {
	language   string
	watch      bool
	transcript string
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run [flags] <file>",
		Short: "Run a source file on the execution backend",
		Long: `Run a source file on the execution backend and attach the terminal to it.

While the program runs, typed lines are sent to its stdin and Ctrl-C stops it.
The language is taken from the file extension unless --language is given.`,
		Example: `  blackmoon run hello.py
  blackmoon run --watch --language javascript app.mjs
  BLACKMOON_URL=wss://exec.example.com/ws blackmoon run main.c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFile(cmd.Context(), root, opts, args[0])
		},
	}
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "language of the file (default: from extension)")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "rerun the file every time it is saved")
	cmd.Flags().StringVar(&opts.transcript, "transcript", "", "write each run's output to this file as JSON lines")
	return cmd
}

func runFile(ctx context.Context, root *rootOptions, opts *runOptions, path string) error {
	cfg := root.config
	logger := root.logger

	language := opts.language
	if language == "" {
		language = config.LanguageForPath(path)
	}
	if language == "" {
		return fmt.Errorf("cannot tell the language of %s; use --language", path)
	}
	if !cfg.Client.SupportsLanguage(language) {
		return fmt.Errorf("unsupported language %q (supported: %v)", language, cfg.Client.Languages)
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(cfg, os.Stdout, logger)
	a.transcript = opts.transcript
	defer a.close()

	var changes chan string
	if opts.watch {
		changes = make(chan string, 1)
		w := watcher.New(0, func(string) {
			select {
			case changes <- path:
			default:
			}
		}, logger)
		if err := w.Watch(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		defer w.Shutdown()
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer term.Restore(fd, oldState)
	}
	go a.pumpInput(os.Stdin)

	logger.Info("client started",
		zap.String("url", cfg.Client.URL),
		zap.String("path", path),
		zap.String("language", language),
		zap.Bool("watch", opts.watch))

	return a.loop(ctx, path, language, changes)
}
