// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package query

import (
	"strconv"
	"strings"
)

// A Statement is a compiled SQL text with its positional arguments.
// Every request-supplied value travels in Args; the text itself holds
// only identifiers, keywords and placeholders.
type Statement struct {
	SQL  string
	Args []any
}

// A Builder accumulates a SQL statement and its arguments. Nested
// builders share the argument list through the parent, so placeholder
// numbering stays contiguous across subqueries.
type Builder struct {
	buf  strings.Builder
	args *[]any
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{args: new([]any)}
}

// P writes the given phrases separated and followed by a space.
func (b *Builder) P(phrases ...string) *Builder {
	for _, p := range phrases {
		if p == "" {
			continue
		}
		b.buf.WriteString(p)
		b.buf.WriteByte(' ')
	}
	return b
}

// Ident writes the given names quoted and dot-joined, followed by a
// space.
func (b *Builder) Ident(names ...string) *Builder {
	for i, n := range names {
		if i > 0 {
			b.buf.WriteByte('.')
		}
		b.buf.WriteString(Quote(n))
	}
	b.buf.WriteByte(' ')
	return b
}

// Arg appends v to the argument list and writes its placeholder.
func (b *Builder) Arg(v any) *Builder {
	*b.args = append(*b.args, v)
	b.buf.WriteString(placeholder(len(*b.args)))
	b.buf.WriteByte(' ')
	return b
}

// Comma writes the given phrase between calls to f.
func (b *Builder) Comma(n int, f func(i int)) *Builder {
	for i := 0; i < n; i++ {
		if i > 0 {
			b.trimSpace()
			b.P(",")
		}
		f(i)
	}
	return b
}

// Wrap writes the output of f wrapped in parentheses.
func (b *Builder) Wrap(f func(*Builder)) *Builder {
	b.buf.WriteByte('(')
	f(b)
	b.trimSpace()
	b.buf.WriteString(") ")
	return b
}

// Nested returns a builder sharing this builder's argument list, for
// composing subquery text that is later spliced in with P.
func (b *Builder) Nested() *Builder {
	return &Builder{args: b.args}
}

// String returns the accumulated statement text.
func (b *Builder) String() string {
	return strings.TrimRight(b.buf.String(), " ")
}

// Statement returns the accumulated text and arguments.
func (b *Builder) Statement() Statement {
	return Statement{SQL: b.String(), Args: *b.args}
}

func (b *Builder) trimSpace() {
	s := strings.TrimRight(b.buf.String(), " ")
	b.buf.Reset()
	b.buf.WriteString(s)
}

// Quote returns the identifier double-quoted, with embedded quotes
// doubled.
func Quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}
