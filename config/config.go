// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package config loads the gateway configuration from an HCL file.
// Files can reference process environment variables through the env
// object, e.g. dsn = env.DATABASE_URL.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/zclconf/go-cty/cty"
)

type (
	// Config is the fully resolved gateway configuration.
	Config struct {
		DSN        string
		Addr       string
		Namespaces []string
		Exclude    []string

		Pool       Pool
		Pagination Pagination
		Watcher    Watcher

		RequestTimeout time.Duration

		Log Log
	}

	// Pool bounds the pgx connection pool.
	Pool struct {
		MinConns    int32
		MaxConns    int32
		MaxLifetime time.Duration
	}

	// Pagination sets the page-size defaults of the query compiler.
	Pagination struct {
		DefaultLimit int
		MaxLimit     int
	}

	// Watcher tunes the DDL watch loop.
	Watcher struct {
		Debounce          time.Duration
		Heartbeat         time.Duration
		ReconcileInterval time.Duration
	}

	// Log selects the logger output.
	Log struct {
		Level  string
		Format string
	}
)

// file mirrors the HCL layout; durations arrive as strings.
type file struct {
	DSN        string   `hcl:"dsn,optional"`
	Addr       string   `hcl:"addr,optional"`
	Namespaces []string `hcl:"namespaces,optional"`
	Exclude    []string `hcl:"exclude,optional"`

	Pool *struct {
		MinConns    int32  `hcl:"min_conns,optional"`
		MaxConns    int32  `hcl:"max_conns,optional"`
		MaxLifetime string `hcl:"max_conn_lifetime,optional"`
	} `hcl:"pool,block"`

	Pagination *struct {
		DefaultLimit int `hcl:"default_limit,optional"`
		MaxLimit     int `hcl:"max_limit,optional"`
	} `hcl:"pagination,block"`

	Watcher *struct {
		Debounce          string `hcl:"debounce,optional"`
		Heartbeat         string `hcl:"heartbeat,optional"`
		ReconcileInterval string `hcl:"reconcile_interval,optional"`
	} `hcl:"watcher,block"`

	Request *struct {
		Timeout string `hcl:"timeout,optional"`
	} `hcl:"request,block"`

	Log *struct {
		Level  string `hcl:"level,optional"`
		Format string `hcl:"format,optional"`
	} `hcl:"log,block"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DSN:        os.Getenv("PGHATCH_DSN"),
		Addr:       ":8080",
		Namespaces: []string{"public"},
		Pool: Pool{
			MinConns:    2,
			MaxConns:    10,
			MaxLifetime: 30 * time.Minute,
		},
		Pagination: Pagination{
			DefaultLimit: 50,
			MaxLimit:     500,
		},
		Watcher: Watcher{
			Debounce:          250 * time.Millisecond,
			Heartbeat:         30 * time.Second,
			ReconcileInterval: time.Minute,
		},
		RequestTimeout: 30 * time.Second,
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads an HCL configuration file over the defaults.
func Load(path string) (*Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(path, src)
}

// Parse decodes HCL source over the defaults.
func Parse(filename string, src []byte) (*Config, error) {
	var f file
	if err := hclsimple.Decode(filename, src, evalContext(), &f); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if f.DSN != "" {
		cfg.DSN = f.DSN
	}
	if f.Addr != "" {
		cfg.Addr = f.Addr
	}
	if len(f.Namespaces) > 0 {
		cfg.Namespaces = f.Namespaces
	}
	if len(f.Exclude) > 0 {
		cfg.Exclude = f.Exclude
	}
	if p := f.Pool; p != nil {
		if p.MinConns > 0 {
			cfg.Pool.MinConns = p.MinConns
		}
		if p.MaxConns > 0 {
			cfg.Pool.MaxConns = p.MaxConns
		}
		if err := duration(p.MaxLifetime, &cfg.Pool.MaxLifetime); err != nil {
			return nil, err
		}
	}
	if p := f.Pagination; p != nil {
		if p.DefaultLimit > 0 {
			cfg.Pagination.DefaultLimit = p.DefaultLimit
		}
		if p.MaxLimit > 0 {
			cfg.Pagination.MaxLimit = p.MaxLimit
		}
	}
	if w := f.Watcher; w != nil {
		if err := duration(w.Debounce, &cfg.Watcher.Debounce); err != nil {
			return nil, err
		}
		if err := duration(w.Heartbeat, &cfg.Watcher.Heartbeat); err != nil {
			return nil, err
		}
		if err := duration(w.ReconcileInterval, &cfg.Watcher.ReconcileInterval); err != nil {
			return nil, err
		}
	}
	if r := f.Request; r != nil {
		if err := duration(r.Timeout, &cfg.RequestTimeout); err != nil {
			return nil, err
		}
	}
	if l := f.Log; l != nil {
		if l.Level != "" {
			cfg.Log.Level = l.Level
		}
		if l.Format != "" {
			cfg.Log.Format = l.Format
		}
	}
	return cfg, nil
}

// Validate checks the resolved configuration is serviceable.
func (c *Config) Validate() error {
	if c.DSN == "" {
		return fmt.Errorf("config: no dsn given (set dsn or PGHATCH_DSN)")
	}
	if c.Pagination.MaxLimit > 0 && c.Pagination.DefaultLimit > c.Pagination.MaxLimit {
		return fmt.Errorf("config: default_limit %d exceeds max_limit %d",
			c.Pagination.DefaultLimit, c.Pagination.MaxLimit)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

func duration(s string, d *time.Duration) error {
	if s == "" {
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = v
	return nil
}

// evalContext exposes the process environment as the env object.
func evalContext() *hcl.EvalContext {
	vars := make(map[string]cty.Value)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		vars[k] = cty.StringVal(v)
	}
	return &hcl.EvalContext{
		Variables: map[string]cty.Value{"env": cty.ObjectVal(vars)},
	}
}
