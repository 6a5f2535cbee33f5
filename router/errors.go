// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package router

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pghatch/pghatch/query"
)

// Kind classifies a request failure for the response status and body.
type Kind string

// Failure kinds, in decreasing specificity.
const (
	KindValidation  Kind = "validation"
	KindNotFound    Kind = "not_found"
	KindConflict    Kind = "conflict"
	KindUnavailable Kind = "unavailable"
	KindInternal    Kind = "internal"
)

var statusByKind = map[Kind]int{
	KindValidation:  http.StatusBadRequest,
	KindNotFound:    http.StatusNotFound,
	KindConflict:    http.StatusConflict,
	KindUnavailable: http.StatusServiceUnavailable,
	KindInternal:    http.StatusInternalServerError,
}

type apiError struct {
	Kind    Kind
	Message string
	Details map[string]any
	err     error
}

func (e *apiError) Error() string { return e.Message }

func (e *apiError) Unwrap() error { return e.err }

func notFound(message string) *apiError {
	return &apiError{Kind: KindNotFound, Message: message}
}

func invalid(message string) *apiError {
	return &apiError{Kind: KindValidation, Message: message}
}

// classify maps an error to a failure kind. Constraint violations
// surface as conflicts; resource and connectivity failures as
// unavailable so clients know to retry.
func classify(err error) *apiError {
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	if query.IsValidation(err) {
		return &apiError{Kind: KindValidation, Message: err.Error(), err: err}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return &apiError{Kind: KindNotFound, Message: "no row matches the given key", err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		class := pgErr.Code
		if len(class) > 2 {
			class = class[:2]
		}
		switch class {
		case "23":
			return &apiError{
				Kind:    KindConflict,
				Message: pgErr.Message,
				Details: map[string]any{"code": pgErr.Code, "constraint": pgErr.ConstraintName},
				err:     err,
			}
		case "53", "57", "08":
			return &apiError{Kind: KindUnavailable, Message: pgErr.Message, err: err}
		case "22":
			// Data exceptions (bad cast, out of range) are the
			// caller's input.
			return &apiError{Kind: KindValidation, Message: pgErr.Message, Details: map[string]any{"code": pgErr.Code}, err: err}
		case "42":
			if pgErr.Code == "42501" {
				return &apiError{Kind: KindNotFound, Message: "insufficient privilege", err: err}
			}
		}
		return &apiError{Kind: KindInternal, Message: pgErr.Message, Details: map[string]any{"code": pgErr.Code}, err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &apiError{Kind: KindUnavailable, Message: "request cancelled or timed out", err: err}
	}
	if strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "connection refused") {
		return &apiError{Kind: KindUnavailable, Message: "database unavailable", err: err}
	}
	return &apiError{Kind: KindInternal, Message: err.Error(), err: err}
}

// abortWith writes the error envelope and stops the handler chain.
func abortWith(c *gin.Context, err error) {
	ae := classify(err)
	body := gin.H{"kind": ae.Kind, "message": ae.Message}
	if len(ae.Details) > 0 {
		body["details"] = ae.Details
	}
	c.AbortWithStatusJSON(statusByKind[ae.Kind], gin.H{"error": body})
}
