// Copyright 2024-present The pghatch Authors. All rights reserved.
// This source code is licensed under the Apache 2.0 license found
// in the LICENSE file in the root directory of this source tree.

package introspect

// catalogQuery reflects everything the gateway needs in one statement.
// Each CTE scopes a system catalog to the requested namespaces ($1) and
// the final projection folds all of them into a single JSON document,
// so the snapshot is taken at one catalog instant regardless of how
// many catalogs participate.
//
// Types are collected from pg_catalog and from every user namespace,
// not only the requested ones: a column in an exposed relation may use
// an enum or domain defined elsewhere.
const catalogQuery = `
WITH namespaces AS (
    SELECT n.oid, n.nspname, pg_catalog.pg_get_userbyid(n.nspowner) AS owner,
           pg_catalog.obj_description(n.oid, 'pg_namespace') AS comment
    FROM pg_catalog.pg_namespace n
    WHERE n.nspname = ANY($1::text[])
),
classes AS (
    SELECT c.oid, c.relnamespace, c.relname, c.relkind, c.relispartition,
           pg_catalog.obj_description(c.oid, 'pg_class') AS comment,
           pg_catalog.has_table_privilege(c.oid, 'SELECT') AS can_select,
           pg_catalog.has_table_privilege(c.oid, 'INSERT') AS can_insert,
           pg_catalog.has_table_privilege(c.oid, 'UPDATE') AS can_update,
           pg_catalog.has_table_privilege(c.oid, 'DELETE') AS can_delete
    FROM pg_catalog.pg_class c
    WHERE c.relnamespace IN (SELECT oid FROM namespaces)
      AND c.relkind IN ('r', 'v', 'm', 'f', 'p')
),
attributes AS (
    SELECT a.attrelid, a.attnum, a.attname, a.atttypid::int8 AS atttypid,
           a.attnotnull, a.atthasdef,
           a.attgenerated <> '' AS generated,
           a.attidentity <> '' AS identity,
           pg_catalog.col_description(a.attrelid, a.attnum) AS comment
    FROM pg_catalog.pg_attribute a
    WHERE a.attrelid IN (SELECT oid FROM classes)
      AND a.attnum > 0 AND NOT a.attisdropped
),
constraints AS (
    SELECT con.oid, con.conrelid, con.conname, con.contype,
           con.condeferrable, con.confrelid::int8 AS confrelid,
           con.conkey, con.confkey
    FROM pg_catalog.pg_constraint con
    WHERE con.conrelid IN (SELECT oid FROM classes)
      AND con.contype IN ('p', 'u', 'f', 'c', 'x')
),
procs AS (
    SELECT p.oid, p.pronamespace, p.proname, p.prokind, p.provolatile,
           p.proisstrict, p.prosecdef, p.proretset,
           p.prorettype::int8 AS prorettype,
           p.pronargs, p.pronargdefaults,
           COALESCE(p.proargnames, '{}'::text[]) AS argnames,
           COALESCE(p.proargmodes::text[], '{}'::text[]) AS argmodes,
           COALESCE(p.proallargtypes::int8[], p.proargtypes::oid[]::int8[]) AS argtypes,
           pg_catalog.obj_description(p.oid, 'pg_proc') AS comment
    FROM pg_catalog.pg_proc p
    WHERE p.pronamespace IN (SELECT oid FROM namespaces)
      AND p.prorettype <> 'pg_catalog.trigger'::pg_catalog.regtype
      AND p.prorettype <> 'pg_catalog.event_trigger'::pg_catalog.regtype
),
types AS (
    SELECT t.oid::int8 AS oid, t.typname, n.nspname, t.typtype,
           t.typcategory, t.typelem::int8 AS typelem,
           t.typbasetype::int8 AS typbasetype, t.typrelid::int8 AS typrelid,
           rng.rngsubtype::int8 AS rngsubtype
    FROM pg_catalog.pg_type t
    JOIN pg_catalog.pg_namespace n ON n.oid = t.typnamespace
    LEFT JOIN pg_catalog.pg_range rng ON rng.rngtypid = t.oid
    WHERE n.nspname = 'pg_catalog'
       OR (n.nspname <> 'information_schema' AND n.nspname NOT LIKE 'pg\_%')
),
enums AS (
    SELECT e.enumtypid::int8 AS enumtypid, e.enumlabel, e.enumsortorder
    FROM pg_catalog.pg_enum e
    WHERE e.enumtypid IN (SELECT oid FROM types)
),
typefields AS (
    SELECT a.attrelid::int8 AS attrelid, a.attnum, a.attname,
           a.atttypid::int8 AS atttypid
    FROM pg_catalog.pg_attribute a
    WHERE a.attrelid IN (SELECT typrelid FROM types WHERE typrelid <> 0)
      AND a.attnum > 0 AND NOT a.attisdropped
)
SELECT json_build_object(
    'namespaces', (SELECT COALESCE(json_agg(row_to_json(namespaces) ORDER BY nspname), '[]'::json) FROM namespaces),
    'classes', (SELECT COALESCE(json_agg(row_to_json(classes) ORDER BY relnamespace, relname), '[]'::json) FROM classes),
    'attributes', (SELECT COALESCE(json_agg(row_to_json(attributes) ORDER BY attrelid, attnum), '[]'::json) FROM attributes),
    'constraints', (SELECT COALESCE(json_agg(row_to_json(constraints) ORDER BY conrelid, oid), '[]'::json) FROM constraints),
    'procs', (SELECT COALESCE(json_agg(row_to_json(procs) ORDER BY pronamespace, proname), '[]'::json) FROM procs),
    'types', (SELECT COALESCE(json_agg(row_to_json(types) ORDER BY oid), '[]'::json) FROM types),
    'enums', (SELECT COALESCE(json_agg(row_to_json(enums) ORDER BY enumtypid, enumsortorder), '[]'::json) FROM enums),
    'typefields', (SELECT COALESCE(json_agg(row_to_json(typefields) ORDER BY attrelid, attnum), '[]'::json) FROM typefields),
    'current_role', current_user,
    'server_version', current_setting('server_version')
)::text`
