// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package query

import (
	"errors"
	"fmt"
	"strings"
)

// A ValidationError is any compile-time rejection of a request
// document. Validation errors cite the offending token and never reach
// the database.
type ValidationError interface {
	error
	validation()
}

type (
	// UnknownFieldError reports a field name that does not resolve
	// against the target relation's attributes.
	UnknownFieldError struct{ Name string }

	// UnknownRelationError reports a nested select naming a relation
	// not reachable through a foreign key.
	UnknownRelationError struct{ Name string }

	// UnknownArgumentError reports an argument name a callable does
	// not declare.
	UnknownArgumentError struct{ Callable, Name string }

	// OperatorTypeMismatchError reports an operator applied to an
	// attribute outside its operand category.
	OperatorTypeMismatchError struct {
		Field    string
		Operator Operator
		Reason   string
	}

	// LimitExceededError reports a requested page size over the
	// configured maximum.
	LimitExceededError struct{ Limit, Max int }

	// KeyShapeMismatchError reports a key document that does not
	// exactly match the primary key or one unique constraint.
	KeyShapeMismatchError struct {
		Relation string
		Keys     []string
	}

	// MissingFieldError reports a required attribute absent from an
	// insert row.
	MissingFieldError struct{ Name string }

	// MissingArgumentError reports an unsupplied callable argument
	// that has no default.
	MissingArgumentError struct{ Callable, Name string }

	// DocumentError reports a malformed request document: unknown
	// top-level keys, unknown operators, wrong shapes.
	DocumentError struct{ Reason string }
)

func (e *UnknownFieldError) Error() string {
	return fmt.Sprintf("query: unknown field %q", e.Name)
}

func (e *UnknownRelationError) Error() string {
	return fmt.Sprintf("query: unknown or unreachable relation %q", e.Name)
}

func (e *UnknownArgumentError) Error() string {
	return fmt.Sprintf("query: %s has no argument %q", e.Callable, e.Name)
}

func (e *OperatorTypeMismatchError) Error() string {
	return fmt.Sprintf("query: operator %q not applicable to field %q: %s", e.Operator, e.Field, e.Reason)
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("query: limit %d exceeds maximum %d", e.Limit, e.Max)
}

func (e *KeyShapeMismatchError) Error() string {
	return fmt.Sprintf("query: key [%s] does not match the primary key or a unique constraint of %s",
		strings.Join(e.Keys, ", "), e.Relation)
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("query: missing required field %q", e.Name)
}

func (e *MissingArgumentError) Error() string {
	return fmt.Sprintf("query: missing argument %q of %s", e.Name, e.Callable)
}

func (e *DocumentError) Error() string {
	return "query: " + e.Reason
}

func (*UnknownFieldError) validation()         {}
func (*UnknownRelationError) validation()      {}
func (*UnknownArgumentError) validation()      {}
func (*OperatorTypeMismatchError) validation() {}
func (*LimitExceededError) validation()        {}
func (*KeyShapeMismatchError) validation()     {}
func (*MissingFieldError) validation()         {}
func (*MissingArgumentError) validation()      {}
func (*DocumentError) validation()             {}

// IsValidation reports if err is a compile-time validation error.
func IsValidation(err error) bool {
	var v ValidationError
	return errors.As(err, &v)
}
