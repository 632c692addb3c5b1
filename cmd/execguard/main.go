// execguard authorizes program launches on a Linux host. It answers
// fanotify exec permission events from a rule set and a client mode, and
// records every decision.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"execguard/config"
	"execguard/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		logLevel   string
		logFormat  string
	)
	flagSet := pflag.NewFlagSet("execguard", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "/etc/execguard/execguard.yaml", "path to the agent configuration (YAML or JSON)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.StringVar(&logFormat, "log-format", "text", "diagnostic log format: text or json")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	logger, err := newLogger(logLevel, logFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	agent, err := core.NewAgent(configPath, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialise agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := agent.Start(ctx); err != nil {
		agent.Stop()
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGUSR1)
	defer signal.Stop(signals)
	for sig := range signals {
		switch sig {
		case syscall.SIGHUP:
			if err := agent.Reload(); err != nil {
				logger.Error("reload failed", "error", err)
			}
		case syscall.SIGUSR1:
			if err := agent.RotateLog(); err != nil {
				logger.Error("log rotation failed", "error", err)
			}
		default:
			logger.Info("shutting down", "signal", sig.String())
			agent.Stop()
			return nil
		}
	}
	return nil
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("log format %q not supported", format)
}
