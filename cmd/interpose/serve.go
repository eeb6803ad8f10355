// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/interpose/pkg/agent"
	"github.com/mbeema/interpose/pkg/config"
)

var serveOpts struct {
	configPath string
	configDir  string
	logLevel   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server behind the policy gateway",
	Long: `Serve starts the embedded runtime and an HTTP server whose requests pass
through the pipeline and the policy gateway before reaching the content
handler (a static 200, or server.upstream when set).

--config-dir enables multi-file mode with automatic reload. SIGHUP reloads
either mode.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveOpts.configPath, "config", "", "path to configuration file")
	serveCmd.Flags().StringVar(&serveOpts.configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	serveCmd.Flags().StringVar(&serveOpts.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.AddCommand(serveCmd)
}

func loadConfig() (*config.Config, error) {
	if serveOpts.configDir != "" {
		return config.LoadDir(serveOpts.configDir)
	}
	if serveOpts.configPath != "" {
		return config.Load(serveOpts.configPath)
	}
	for _, p := range []string{"configs/interpose.yaml", "/etc/interpose/interpose.yaml"} {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}
	return agent.LoadConfig("")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if serveOpts.logLevel != "" {
		cfg.LogLevel = serveOpts.logLevel
	}

	logger, err := agent.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("create logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting interpose",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	rt, err := agent.New(cfg, logger, agent.WithVersion(version))
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	if err := rt.Start(ctx); err != nil {
		rt.Close()
		return fmt.Errorf("start runtime: %w", err)
	}
	if serveOpts.configDir != "" {
		if err := rt.Watch(ctx, serveOpts.configDir); err != nil {
			rt.Close()
			return err
		}
	}

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           rt.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	defer signal.Stop(hupCh)

	for {
		select {
		case err, ok := <-serveErr:
			rt.Close()
			if ok {
				return fmt.Errorf("http server: %w", err)
			}
			return nil

		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			timeout := cfg.Server.ShutdownTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			shutdownCtx, stop := context.WithTimeout(context.Background(), timeout)
			err := srv.Shutdown(shutdownCtx)
			stop()
			cancel()
			if cerr := rt.Close(); cerr != nil {
				logger.Error("error during shutdown", zap.Error(cerr))
			}
			if err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("interpose stopped")
			return nil

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig()
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := rt.Reload(ctx, newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			} else {
				logger.Info("configuration reloaded successfully")
			}
		}
	}
}
