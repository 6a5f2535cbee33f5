// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Command pghatch serves a REST endpoint for every table, view and
// function of a PostgreSQL database and follows the schema as it
// changes.
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
	"go.uber.org/zap/zapcore"

	"github.com/pghatch/pghatch/config"
	"github.com/pghatch/pghatch/router"
)

func main() {
	root := &cobra.Command{
		Use:          "pghatch",
		Short:        "Dynamic REST gateway for PostgreSQL",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		cfgPath string
		dsn     string
		addr    string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Introspect the database and serve the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgPath, dsn, addr)
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), err)
				os.Exit(2)
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "path to an HCL configuration file")
	cmd.Flags().StringVar(&dsn, "dsn", "", "PostgreSQL connection string (overrides the file)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides the file)")
	return cmd
}

func loadConfig(path, dsn, addr string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if dsn != "" {
		cfg.DSN = dsn
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer log.Sync()
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := router.New(ctx, router.Options{
		DSN:               cfg.DSN,
		Namespaces:        cfg.Namespaces,
		Exclude:           cfg.Exclude,
		DefaultLimit:      cfg.Pagination.DefaultLimit,
		MaxLimit:          cfg.Pagination.MaxLimit,
		RequestTimeout:    cfg.RequestTimeout,
		ReconcileInterval: cfg.Watcher.ReconcileInterval,
		Debounce:          cfg.Watcher.Debounce,
		Heartbeat:         cfg.Watcher.Heartbeat,
		PoolMinConns:      cfg.Pool.MinConns,
		PoolMaxConns:      cfg.Pool.MaxConns,
		PoolMaxLifetime:   cfg.Pool.MaxLifetime,
		Logger:            log,
	})
	if err != nil {
		log.Error("startup failed", zap.Error(err))
		return err
	}
	defer rt.Close()
	rt.Start(ctx)

	srv := &http.Server{Addr: cfg.Addr, Handler: rt.Handler()}
	errc := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.Addr))
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newLogger(cfg config.Log) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
