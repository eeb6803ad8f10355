// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/interpose/pkg/config"
)

// Main is the embedding entry point. payload is a config file or config
// directory path; empty means defaults plus INTERPOSE_* overrides. Main
// sets *stayResident so the host keeps the runtime loaded, starts the
// runtime and, for a non-empty payload, watches it for changes.
func Main(ctx context.Context, payload string, stayResident *bool) (*Runtime, error) {
	if stayResident != nil {
		*stayResident = true
	}

	cfg, err := LoadConfig(payload)
	if err != nil {
		return nil, err
	}
	logger, err := NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	rt, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	if payload != "" {
		if err := rt.Watch(ctx, payload); err != nil {
			rt.Close()
			return nil, err
		}
	}
	return rt, nil
}

// LoadConfig loads a config file or directory. An empty path yields the
// defaults with environment overrides applied.
func LoadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.DefaultConfig()
		cfg.ApplyEnvOverrides()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return cfg, nil
	}
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	if fi.IsDir() {
		return config.LoadDir(path)
	}
	return config.Load(path)
}

// Watch reloads the runtime whenever the config at path changes.
func (rt *Runtime) Watch(ctx context.Context, path string) error {
	onChange := func(cfg *config.Config, changedFile string) {
		if err := rt.Reload(ctx, cfg); err != nil {
			rt.logger.Error("failed to apply reloaded config",
				zap.String("file", changedFile),
				zap.Error(err),
			)
		}
	}

	var w *config.Watcher
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		w = config.NewWatcher(path, onChange, rt.logger)
	} else {
		w = config.NewFileWatcher(path, onChange, rt.logger)
	}
	if err := w.Start(ctx); err != nil {
		return fmt.Errorf("start config watcher: %w", err)
	}

	rt.mu.Lock()
	if rt.watcher != nil {
		rt.watcher.Stop()
	}
	rt.watcher = w
	rt.mu.Unlock()
	return nil
}

// NewLogger builds the console logger used by the runtime and the CLI.
func NewLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}
