package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"blackmoon-term/internal/config"
	"blackmoon-term/internal/logging"
	"blackmoon-term/internal/realtime"

	"go.uber.org/zap"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:       cfg.Logging.Level,
		Development: cfg.Logging.Development,
		OutputPaths: []string{cfg.Logging.Output},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	interpreters, err := realtime.ParseInterpreters(cfg.Server.Interpreters)
	if err != nil {
		logger.Fatal("interpreters", zap.Error(err))
	}
	runtime, err := realtime.NewRuntime(cfg.Server.Runtime, realtime.RuntimeOptions{
		Exec: &realtime.ExecRuntime{
			Interpreters: interpreters,
			GracePeriod:  cfg.Server.StopGrace,
			Logger:       logger.Component("runtime"),
		},
		ScriptTimeout: cfg.Server.ScriptTimeout,
	})
	if err != nil {
		logger.Fatal("runtime", zap.Error(err))
	}

	rtServer := realtime.New(realtime.Options{
		Banner:       cfg.Server.Banner,
		Variant:      cfg.Server.Variant,
		Encoding:     cfg.Server.WireEncoding,
		Token:        cfg.Server.Token,
		CommandRate:  cfg.Server.CommandRate,
		CommandBurst: cfg.Server.CommandBurst,
		Runtime:      runtime,
		Logger:       logger.Logger,
	})

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown on signals.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("shutting down", zap.String("signal", sig.String()))
		rtServer.Shutdown()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Warn("forced shutdown", zap.Error(err))
			httpServer.Close()
		}
	}()

	logger.Info("execution backend listening",
		zap.String("addr", addr),
		zap.String("variant", cfg.Server.Variant),
		zap.String("runtime", cfg.Server.Runtime),
		zap.String("encoding", cfg.Server.WireEncoding))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("http server error", zap.Error(err))
	}
}
