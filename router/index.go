// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package router

import (
	"strings"

	"github.com/go-openapi/inflect"

	"github.com/pghatch/pghatch/schema"
)

// A Route describes one mounted endpoint for the index document served
// at the root path.
type Route struct {
	Method      string `json:"method"`
	Path        string `json:"path"`
	OperationID string `json:"operation_id"`
	Summary     string `json:"summary"`
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}

// relationRoutes lists the endpoints mounted for a relation, honoring
// its kind and the connected role's privileges.
func relationRoutes(rel *schema.Relation) []Route {
	path := "/" + rel.Namespace.Name + "/" + rel.Name
	route := func(method, verb string) Route {
		return Route{
			Method:      method,
			Path:        path,
			OperationID: operationID(verb, rel.QualifiedName()),
			Summary:     summary(verb, rel.QualifiedName()),
			Kind:        "relation",
			Description: rel.Comment,
		}
	}
	routes := []Route{route("GET", "list"), route("POST", "query")}
	if !rel.Updatable() {
		return routes
	}
	p := rel.Privileges
	if p.Insert {
		routes = append(routes, route("PUT", "create"))
	}
	if p.Delete {
		routes = append(routes, route("DELETE", "delete"))
	}
	return routes
}

func callableRoute(call *schema.Callable) Route {
	return Route{
		Method:      "POST",
		Path:        "/" + call.Namespace.Name + "/" + call.Name,
		OperationID: operationID("call", call.QualifiedName()),
		Summary:     summary("call", call.QualifiedName()),
		Kind:        string(call.Kind),
		Description: call.Comment,
	}
}

// operationID derives a camel-case identifier from a verb and a
// qualified object name, e.g. ("list", "public.user_orders") becomes
// listPublicUserOrders.
func operationID(verb, qualified string) string {
	return verb + inflect.Camelize(strings.ReplaceAll(qualified, ".", "_"))
}

// summary derives the human-readable endpoint summary, e.g.
// "Query public.user_orders".
func summary(verb, qualified string) string {
	return inflect.Capitalize(verb) + " " + qualified
}
