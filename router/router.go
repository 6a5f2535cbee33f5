// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package router mounts a REST endpoint for every relation and callable
// of an introspected database and keeps the routing table current as
// the schema changes. Rebuilds swap an immutable resolver set with a
// single atomic pointer store, so in-flight requests always finish
// against the snapshot they started with.
package router

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/pghatch/pghatch/introspect"
	"github.com/pghatch/pghatch/query"
	"github.com/pghatch/pghatch/schema"
)

// A snapshotter produces consistent schema snapshots.
type snapshotter interface {
	Snapshot(ctx context.Context) (*schema.Model, error)
}

// Options configures a Router.
type Options struct {
	// DSN is the PostgreSQL connection string, shared by the pool and
	// the watch connection.
	DSN string
	// Namespaces to introspect. Empty means public only.
	Namespaces []string
	// Exclude patterns remove matching relations and callables from
	// the routing table.
	Exclude []string

	DefaultLimit int
	MaxLimit     int

	// RequestTimeout bounds each request, statement execution included.
	RequestTimeout time.Duration
	// ReconcileInterval is the period of full rebuilds that catch
	// changes the watch channel missed. Zero disables reconciliation.
	ReconcileInterval time.Duration
	// Debounce coalesces notification bursts into one rebuild.
	Debounce time.Duration
	// Heartbeat is the idle interval after which the watch connection
	// is pinged.
	Heartbeat time.Duration

	PoolMinConns    int32
	PoolMaxConns    int32
	PoolMaxLifetime time.Duration

	Logger *zap.Logger
}

// A Router owns the connection pool, the current resolver set and the
// background goroutines keeping them fresh.
type Router struct {
	pool     *pgxpool.Pool
	intro    snapshotter
	compiler *query.Compiler
	engine   *gin.Engine
	log      *zap.Logger
	opts     Options

	current atomic.Pointer[resolverSet]
	// rebuildMu serializes rebuilds; the atomic store keeps readers
	// lock-free.
	rebuildMu sync.Mutex
	watcher   *watcher
	wg        sync.WaitGroup
	stop      context.CancelFunc
}

// New connects the pool, takes the initial snapshot, installs the
// schema watch and mounts the routes. It fails rather than serve with
// no schema or without change notifications.
func New(ctx context.Context, opts Options) (*Router, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	cfg, err := pgxpool.ParseConfig(opts.DSN)
	if err != nil {
		return nil, err
	}
	if opts.PoolMinConns > 0 {
		cfg.MinConns = opts.PoolMinConns
	}
	if opts.PoolMaxConns > 0 {
		cfg.MaxConns = opts.PoolMaxConns
	}
	if opts.PoolMaxLifetime > 0 {
		cfg.MaxConnLifetime = opts.PoolMaxLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	r := &Router{
		pool:     pool,
		intro:    introspect.New(pool, opts.Namespaces, opts.Exclude),
		compiler: &query.Compiler{DefaultLimit: opts.DefaultLimit, MaxLimit: opts.MaxLimit},
		log:      log,
		opts:     opts,
		watcher:  newWatcher(opts.DSN, opts.Debounce, opts.Heartbeat, log),
	}
	if err := r.Rebuild(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := r.watcher.install(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("router: install schema watch: %w", err)
	}
	r.engine = r.mount()
	return r, nil
}

// Rebuild takes a fresh snapshot and swaps the resolver set. Requests
// racing the swap finish on whichever set they dereferenced.
func (r *Router) Rebuild(ctx context.Context) error {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()
	start := time.Now()
	model, err := r.intro.Snapshot(ctx)
	if err != nil {
		return err
	}
	set := newResolverSet(model, r.pool, r.compiler, r.log)
	r.current.Store(set)
	r.log.Info("schema loaded",
		zap.Int("relations", len(set.relations)),
		zap.Int("callables", len(set.callables)),
		zap.String("version", model.ServerVersion),
		zap.Duration("took", time.Since(start)),
	)
	return nil
}

// Start launches the watch and reconcile goroutines.
func (r *Router) Start(ctx context.Context) {
	ctx, r.stop = context.WithCancel(ctx)
	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.watcher.run(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.loop(ctx)
	}()
}

// Close stops the background goroutines and closes the pool.
func (r *Router) Close() {
	if r.stop != nil {
		r.stop()
	}
	r.wg.Wait()
	r.pool.Close()
}

// Handler returns the HTTP handler serving the gateway.
func (r *Router) Handler() http.Handler {
	return r.engine
}

// loop runs debounced rebuilds and periodic reconciliation.
func (r *Router) loop(ctx context.Context) {
	interval := r.opts.ReconcileInterval
	if interval <= 0 {
		interval = time.Hour
	}
	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.watcher.trigger:
		case <-tick.C:
		}
		rctx, cancel := context.WithTimeout(ctx, time.Minute)
		if err := r.Rebuild(rctx); err != nil && ctx.Err() == nil {
			// The previous resolver set keeps serving; the next
			// trigger or tick retries.
			r.log.Error("schema rebuild failed", zap.Error(err))
		}
		cancel()
	}
}

func (r *Router) mount() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	e := gin.New()
	e.Use(gin.Recovery(), r.timed())
	e.GET("/", r.index)
	e.GET("/healthz", r.health)
	e.Any("/:ns/:name", func(c *gin.Context) {
		ctx := c.Request.Context()
		if t := r.opts.RequestTimeout; t > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, t)
			defer cancel()
			c.Request = c.Request.WithContext(ctx)
		}
		r.current.Load().dispatch(c, c.Param("ns"), c.Param("name"))
	})
	return e
}

// index serves the route listing of the current resolver set.
func (r *Router) index(c *gin.Context) {
	set := r.current.Load()
	c.JSON(200, gin.H{
		"server_version": set.model.ServerVersion,
		"role":           set.model.CurrentRole,
		"routes":         set.routes,
	})
}

func (r *Router) health(c *gin.Context) {
	if err := r.pool.Ping(c.Request.Context()); err != nil {
		abortWith(c, err)
		return
	}
	c.JSON(200, Ack{OK: true})
}

// timed logs each request with its outcome.
func (r *Router) timed() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		r.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		)
	}
}
