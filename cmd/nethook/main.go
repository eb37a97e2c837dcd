// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/SteamRE/SteamKit-sub000/pkg/agent"
	"github.com/SteamRE/SteamKit-sub000/pkg/config"
	"github.com/SteamRE/SteamKit-sub000/pkg/hook"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "capture" {
		os.Exit(runCapture(os.Args[2:]))
	}

	var (
		configPath  string
		logLevel    string
		replayFile  string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file or directory (directories auto-reload)")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.StringVar(&replayFile, "replay", "", "replay a pcap/pcapng file instead of listening for hooks")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Parse()

	if showVersion {
		fmt.Printf("nethook %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Override from CLI
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if replayFile != "" {
		cfg.Replay.File = replayFile
	}
	if cfg.Replay.File != "" {
		cfg.Hook.Enabled = false
	}

	level := zap.NewAtomicLevelAt(parseLevel(cfg.LogLevel))
	logger, err := newLogger(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting nethook",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, logger, level, version)
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Replay.File != "" {
		go func() {
			<-sigCh
			cancel()
		}()
		if _, err := a.Replay(ctx, cfg.Replay.File); err != nil {
			logger.Error("replay failed", zap.Error(err))
		}
		a.Stop()
		return
	}

	// Directories are watched; single files reload on SIGHUP.
	var watcher *config.Watcher
	if configPath != "" {
		if info, err := os.Stat(configPath); err == nil && info.IsDir() {
			watcher = config.NewWatcher(configPath, func(newCfg *config.Config, changedFile string) {
				if err := a.Reload(newCfg); err != nil {
					logger.Error("failed to apply reloaded config",
						zap.String("file", changedFile),
						zap.Error(err),
					)
				}
			}, logger)
			if err := watcher.Start(ctx); err != nil {
				logger.Fatal("failed to start config watcher", zap.Error(err))
			}
		}
	}

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			shutdownDone := make(chan struct{})
			go func() {
				if err := a.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
			case <-time.After(30 * time.Second):
				logger.Error("shutdown timed out after 30s, forcing exit")
				os.Exit(1)
			}
			return

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}

// runCapture implements "nethook capture pause|resume|status".
func runCapture(args []string) int {
	fs := flag.NewFlagSet("capture", flag.ExitOnError)
	configPath := fs.String("config", "", "path to configuration file or directory")
	socketPath := fs.String("socket", "", "hook socket path (overrides config)")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: nethook capture [-config path] [-socket path] pause|resume|status")
		return 2
	}

	path := *socketPath
	if path == "" {
		cfg, err := loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			return 1
		}
		path = cfg.Hook.SocketPath
	}

	ctrl, err := hook.OpenControlFile(filepath.Dir(path))
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v (is nethook running?)\n", err)
		return 1
	}
	defer ctrl.Close()

	switch fs.Arg(0) {
	case "pause":
		err = ctrl.Disable()
	case "resume":
		err = ctrl.Enable()
	case "status":
	default:
		fmt.Fprintf(os.Stderr, "unknown capture command %q\n", fs.Arg(0))
		return 2
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "update control file: %v\n", err)
		return 1
	}

	enabled, err := ctrl.IsEnabled()
	if err != nil {
		fmt.Fprintf(os.Stderr, "read control file: %v\n", err)
		return 1
	}
	if enabled {
		fmt.Println("capture: active")
	} else {
		fmt.Println("capture: paused")
	}
	return 0
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadPath(path)
	}

	// Try default locations
	defaults := []string{
		"configs/nethook.yaml",
		"/etc/nethook/nethook.yaml",
		"/etc/nethook.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	cfg := config.DefaultConfig()
	cfg.ApplyEnvOverrides()
	return cfg, cfg.Validate()
}

func parseLevel(level string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func newLogger(level zap.AtomicLevel) (*zap.Logger, error) {
	cfg := zap.Config{
		Level:            level,
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
