// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package introspect reflects the live PostgreSQL catalog into a
// schema.Model. The reflection is a single composite query executed in
// a repeatable-read transaction, so every model describes one catalog
// instant; a model is built completely or not at all.
package introspect

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/mod/semver"

	"github.com/pghatch/pghatch/schema"
)

// MinVersion is the oldest server the gateway supports. The catalog
// query reads pg_proc.prokind and pg_attribute.attgenerated, both of
// which require this release line.
const MinVersion = "v12"

// Error kinds reported by the introspector.
const (
	KindConnectionLost = "connection_lost"
	KindQueryFailed    = "query_failed"
	KindDecodeFailed   = "decode_failed"
)

// An Error describes a failed introspection attempt.
type Error struct {
	Kind    string
	Context string
	err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("introspect: %s: %s: %v", e.Kind, e.Context, e.err)
	}
	return fmt.Sprintf("introspect: %s: %s", e.Kind, e.Context)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.err }

// An Introspector snapshots the catalog of the pool's database.
type Introspector struct {
	pool       *pgxpool.Pool
	namespaces []string
	exclude    []string
}

// New returns an Introspector scoped to the given namespaces. The
// exclude patterns are applied to every snapshot before it is returned.
func New(pool *pgxpool.Pool, namespaces, exclude []string) *Introspector {
	if len(namespaces) == 0 {
		namespaces = []string{"public"}
	}
	return &Introspector{pool: pool, namespaces: namespaces, exclude: exclude}
}

// Snapshot reflects the catalog into a new model. The returned model is
// complete and internally consistent; on any failure no model is
// returned.
func (i *Introspector) Snapshot(ctx context.Context) (*schema.Model, error) {
	tx, err := i.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.RepeatableRead,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, &Error{Kind: KindConnectionLost, Context: "begin snapshot transaction", err: err}
	}
	defer tx.Rollback(ctx)
	var doc string
	if err := tx.QueryRow(ctx, catalogQuery, i.namespaces).Scan(&doc); err != nil {
		return nil, &Error{Kind: KindQueryFailed, Context: "catalog query", err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, &Error{Kind: KindConnectionLost, Context: "commit snapshot transaction", err: err}
	}
	m, err := Build([]byte(doc))
	if err != nil {
		return nil, err
	}
	if err := checkVersion(m.ServerVersion); err != nil {
		return nil, err
	}
	if _, err := schema.ExcludeModel(m, i.exclude); err != nil {
		return nil, &Error{Kind: KindDecodeFailed, Context: "apply exclusions", err: err}
	}
	return m, nil
}

// checkVersion gates on the server release the catalog query requires.
func checkVersion(v string) error {
	// server_version looks like "15.3" or "16beta1 (Debian ...)".
	s, _, _ := strings.Cut(v, " ")
	if i := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	}); i > 0 {
		s = s[:i]
	}
	sv := "v" + s
	if !semver.IsValid(sv) {
		return &Error{Kind: KindDecodeFailed, Context: "server version " + v, err: errors.New("unparsable version")}
	}
	if semver.Compare(sv, MinVersion) < 0 {
		return &Error{
			Kind:    KindDecodeFailed,
			Context: "server version " + v,
			err:     fmt.Errorf("unsupported server, need %s or newer", MinVersion),
		}
	}
	return nil
}
