// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package schema

import (
	"fmt"
	"regexp"
)

// ExcludeModel filters relations and callables whose names match any of
// the given patterns and returns the model. Patterns are anchored
// regular expressions matched against the bare object name, or against
// the "namespace.name" form when they contain a dot. Matching objects
// simply get no endpoint; foreign keys referencing an excluded relation
// are flagged dangling by the caller's builder.
func ExcludeModel(m *Model, patterns []string) (*Model, error) {
	if len(patterns) == 0 {
		return m, nil
	}
	res, err := compile(patterns)
	if err != nil {
		return nil, err
	}
	for _, ns := range m.Namespaces {
		var rels []*Relation
		for _, r := range ns.Relations {
			if !matchAny(res, r.Name, r.QualifiedName()) {
				rels = append(rels, r)
			}
		}
		ns.Relations = rels
		var calls []*Callable
		for _, c := range ns.Callables {
			if !matchAny(res, c.Name, c.QualifiedName()) {
				calls = append(calls, c)
			}
		}
		ns.Callables = calls
	}
	markDangling(m)
	return m, nil
}

func compile(patterns []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		re, err := regexp.Compile("^(?:" + p + ")$")
		if err != nil {
			return nil, fmt.Errorf("schema: invalid exclude pattern %q: %w", p, err)
		}
		res[i] = re
	}
	return res, nil
}

func matchAny(res []*regexp.Regexp, names ...string) bool {
	for _, re := range res {
		for _, n := range names {
			if re.MatchString(n) {
				return true
			}
		}
	}
	return false
}

// markDangling flags foreign keys whose referenced relation is no
// longer part of the model and prunes back-references owned by
// excluded relations.
func markDangling(m *Model) {
	kept := make(map[*Relation]bool)
	for _, ns := range m.Namespaces {
		for _, r := range ns.Relations {
			kept[r] = true
		}
	}
	for _, ns := range m.Namespaces {
		for _, r := range ns.Relations {
			for _, c := range r.Constraints {
				if c.Kind == ForeignKey && (c.RefRelation == nil || !kept[c.RefRelation]) {
					c.Dangling = true
				}
			}
			var refs []*Constraint
			for _, c := range r.ReferencedBy {
				if kept[c.Relation] {
					refs = append(refs, c)
				}
			}
			r.ReferencedBy = refs
		}
	}
}
