// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

// Package schema defines the immutable model of an introspected
// PostgreSQL catalog: namespaces, relations, attributes, constraints,
// callables and types. A Model is built once by the introspector and
// never mutated after publication; components that need a different
// view build a new Model.
package schema

type (
	// A Model describes one consistent snapshot of the catalog.
	Model struct {
		Namespaces    []*Namespace
		Types         []*TypeDescriptor
		ServerVersion string
		CurrentRole   string

		typesByOID map[uint32]*TypeDescriptor
	}

	// A Namespace describes a database schema (in the PostgreSQL sense).
	Namespace struct {
		Name      string
		Owner     string
		Comment   string
		Relations []*Relation
		Callables []*Callable
	}

	// RelationKind enumerates the relation kinds exposed by the gateway.
	RelationKind string

	// A Relation describes a table, view, materialized view, foreign
	// table, partitioned table or partition child.
	Relation struct {
		OID        uint32
		Name       string
		Namespace  *Namespace
		Kind       RelationKind
		Comment    string
		Attributes []*Attribute
		// Constraints in catalog definition order. At most one of them
		// is a primary key.
		Constraints []*Constraint
		// ReferencedBy holds foreign keys declared on other relations
		// that point at this one.
		ReferencedBy []*Constraint
		Privileges   Privileges
	}

	// An Attribute describes a single relation column.
	Attribute struct {
		Num        int
		Name       string
		Type       *TypeDescriptor
		NotNull    bool
		HasDefault bool
		Generated  bool
		Identity   bool
		Comment    string
	}

	// ConstraintKind enumerates supported constraint kinds.
	ConstraintKind string

	// A Constraint describes a table constraint. For foreign keys,
	// RefRelation and RefAttributes point into the same Model; a
	// foreign key whose target was excluded from the snapshot is
	// flagged Dangling and ignored by the query compiler.
	Constraint struct {
		Name          string
		Kind          ConstraintKind
		Relation      *Relation
		Attributes    []*Attribute
		RefRelation   *Relation
		RefAttributes []*Attribute
		Deferrable    bool
		Dangling      bool
	}

	// Privileges summarizes what the connected role may do with a
	// relation. Mutating endpoints are not mounted for relations the
	// role cannot write.
	Privileges struct {
		Select bool
		Insert bool
		Update bool
		Delete bool
	}

	// CallableKind enumerates pg_proc.prokind values the gateway mounts.
	CallableKind string

	// A Callable describes a function or procedure endpoint.
	Callable struct {
		OID             uint32
		Name            string
		Namespace       *Namespace
		Kind            CallableKind
		Comment         string
		Args            []*CallableArg
		Returns         ReturnKind
		ReturnType      *TypeDescriptor
		ReturnsSet      bool
		Volatility      Volatility
		Strict          bool
		SecurityDefiner bool
	}

	// ArgMode is the pg_proc argument mode.
	ArgMode string

	// A CallableArg is a single declared argument of a callable.
	CallableArg struct {
		Name       string
		Mode       ArgMode
		Type       *TypeDescriptor
		HasDefault bool
	}

	// ReturnKind describes the shape of a callable result.
	ReturnKind string

	// Volatility is the pg_proc provolatile class.
	Volatility string
)

// Relation kinds, following pg_class.relkind.
const (
	KindOrdinary         RelationKind = "ordinary"
	KindView             RelationKind = "view"
	KindMaterializedView RelationKind = "materialized_view"
	KindForeign          RelationKind = "foreign"
	KindPartitioned      RelationKind = "partitioned"
	KindPartitionChild   RelationKind = "partition_child"
)

// Constraint kinds, following pg_constraint.contype.
const (
	PrimaryKey ConstraintKind = "primary_key"
	Unique     ConstraintKind = "unique"
	ForeignKey ConstraintKind = "foreign_key"
	Check      ConstraintKind = "check"
	Exclusion  ConstraintKind = "exclusion"
)

// Callable kinds.
const (
	KindFunction  CallableKind = "function"
	KindProcedure CallableKind = "procedure"
	KindAggregate CallableKind = "aggregate"
	KindWindow    CallableKind = "window"
)

// Argument modes.
const (
	ArgIn       ArgMode = "in"
	ArgOut      ArgMode = "out"
	ArgInOut    ArgMode = "inout"
	ArgVariadic ArgMode = "variadic"
	ArgTable    ArgMode = "table"
)

// Return kinds.
const (
	ReturnsScalar    ReturnKind = "scalar"
	ReturnsComposite ReturnKind = "composite"
	ReturnsTable     ReturnKind = "table"
	ReturnsVoid      ReturnKind = "void"
)

// Volatility classes.
const (
	Immutable Volatility = "immutable"
	Stable    Volatility = "stable"
	Volatile  Volatility = "volatile"
)

// Namespace returns the first namespace that matched the given name.
func (m *Model) Namespace(name string) (*Namespace, bool) {
	for _, ns := range m.Namespaces {
		if ns.Name == name {
			return ns, true
		}
	}
	return nil, false
}

// Type returns the type descriptor registered for the given OID.
func (m *Model) Type(oid uint32) (*TypeDescriptor, bool) {
	if m.typesByOID == nil {
		m.indexTypes()
	}
	t, ok := m.typesByOID[oid]
	return t, ok
}

func (m *Model) indexTypes() {
	m.typesByOID = make(map[uint32]*TypeDescriptor, len(m.Types))
	for _, t := range m.Types {
		m.typesByOID[t.OID] = t
	}
}

// Relation returns the first relation that matched the given name.
func (ns *Namespace) Relation(name string) (*Relation, bool) {
	for _, r := range ns.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return nil, false
}

// Callable returns the first callable that matched the given name.
func (ns *Namespace) Callable(name string) (*Callable, bool) {
	for _, c := range ns.Callables {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// Attribute returns the first attribute that matched the given name.
func (r *Relation) Attribute(name string) (*Attribute, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return nil, false
}

// PrimaryKey returns the relation primary key, if defined.
func (r *Relation) PrimaryKey() (*Constraint, bool) {
	for _, c := range r.Constraints {
		if c.Kind == PrimaryKey {
			return c, true
		}
	}
	return nil, false
}

// UniqueConstraints returns the unique constraints in definition order.
func (r *Relation) UniqueConstraints() []*Constraint {
	var cs []*Constraint
	for _, c := range r.Constraints {
		if c.Kind == Unique {
			cs = append(cs, c)
		}
	}
	return cs
}

// ForeignKeys returns the non-dangling foreign keys of the relation.
func (r *Relation) ForeignKeys() []*Constraint {
	var cs []*Constraint
	for _, c := range r.Constraints {
		if c.Kind == ForeignKey && !c.Dangling {
			cs = append(cs, c)
		}
	}
	return cs
}

// Updatable reports if the relation kind accepts INSERT/UPDATE/DELETE.
// Views and foreign tables are exposed read-only by the gateway.
func (r *Relation) Updatable() bool {
	return r.Kind == KindOrdinary || r.Kind == KindPartitioned
}

// QualifiedName returns the namespace-qualified relation name.
func (r *Relation) QualifiedName() string {
	return r.Namespace.Name + "." + r.Name
}

// QualifiedName returns the namespace-qualified callable name.
func (c *Callable) QualifiedName() string {
	return c.Namespace.Name + "." + c.Name
}

// InArgs returns the arguments a caller binds: in, inout and variadic.
func (c *Callable) InArgs() []*CallableArg {
	var args []*CallableArg
	for _, a := range c.Args {
		switch a.Mode {
		case ArgIn, ArgInOut, ArgVariadic:
			args = append(args, a)
		}
	}
	return args
}

// Mountable reports if the callable gets its own endpoint. Aggregates
// and window functions are catalog entries only.
func (c *Callable) Mountable() bool {
	return c.Kind == KindFunction || c.Kind == KindProcedure
}
