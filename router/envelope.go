// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package router

import "fmt"

type (
	// Envelope is the list-shaped response of reads, creates, updates
	// and set-returning callables.
	Envelope struct {
		Results []map[string]any `json:"results"`
		Total   int              `json:"total"`
		Page    Page             `json:"pagination"`
	}

	// Page describes the returned window of the full result set.
	Page struct {
		Limit   int  `json:"limit"`
		Offset  int  `json:"offset"`
		Total   int  `json:"total"`
		HasMore bool `json:"has_more"`
	}

	// Deleted is the response of a delete.
	Deleted struct {
		Deleted int    `json:"deleted"`
		Message string `json:"message"`
	}

	// Scalar is the response of a scalar-returning callable.
	Scalar struct {
		Result any `json:"result"`
	}

	// Ack is the response of a void callable or procedure.
	Ack struct {
		OK bool `json:"ok"`
	}
)

// envelope wraps a page of rows. Total repeats in the pagination block
// so clients reading either spot agree.
func envelope(rows []map[string]any, total, limit, offset int) Envelope {
	if rows == nil {
		rows = []map[string]any{}
	}
	return Envelope{
		Results: rows,
		Total:   total,
		Page: Page{
			Limit:   limit,
			Offset:  offset,
			Total:   total,
			HasMore: offset+len(rows) < total,
		},
	}
}

// deleted reports how many rows a delete removed.
func deleted(n int) Deleted {
	noun := "rows"
	if n == 1 {
		noun = "row"
	}
	return Deleted{Deleted: n, Message: fmt.Sprintf("%d %s deleted", n, noun)}
}
