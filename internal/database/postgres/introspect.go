package postgres

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/schema"
	"golang.org/x/sync/errgroup"
)

const columnsQuery = `
	SELECT
		c.column_name,
		c.data_type,
		c.is_nullable = 'YES'                                    AS is_nullable,
		(c.column_default IS NOT NULL OR c.is_identity = 'YES')  AS has_default,
		c.character_maximum_length,
		CASE WHEN t.typtype = 'e' THEN c.udt_name::text ELSE '' END AS enum_name,
		COALESCE(pk.is_pk, false)                                AS is_primary_key,
		c.ordinal_position
	FROM information_schema.columns c
	LEFT JOIN pg_catalog.pg_namespace n ON n.nspname = c.udt_schema
	LEFT JOIN pg_catalog.pg_type t
		ON t.typname = c.udt_name
		AND t.typnamespace = n.oid

	-- Primary key check
	LEFT JOIN (
		SELECT kcu.column_name, true AS is_pk
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON tc.constraint_name = kcu.constraint_name
			AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY'
		  AND tc.table_schema = $1
		  AND tc.table_name   = $2
	) pk ON pk.column_name = c.column_name

	WHERE c.table_schema = $1 AND c.table_name = $2
	ORDER BY c.ordinal_position`

const foreignKeysQuery = `
	SELECT
		tc.constraint_name,
		kcu.column_name  AS from_column,
		ccu.table_name   AS to_table,
		ccu.column_name  AS to_column
	FROM information_schema.table_constraints AS tc
	JOIN information_schema.key_column_usage AS kcu
		ON tc.constraint_name = kcu.constraint_name
		AND tc.table_schema = kcu.table_schema
	JOIN information_schema.constraint_column_usage AS ccu
		ON ccu.constraint_name = tc.constraint_name
		AND ccu.table_schema = tc.table_schema
	WHERE tc.constraint_type = 'FOREIGN KEY'
	  AND tc.table_schema = $1
	  AND tc.table_name   = $2
	ORDER BY tc.constraint_name`

const enumsQuery = `
	SELECT t.typname::text, e.enumlabel::text
	FROM pg_catalog.pg_type t
	JOIN pg_catalog.pg_enum e ON e.enumtypid = t.oid
	WHERE t.typname::text = ANY($1)
	ORDER BY t.typname, e.enumsortorder`

// FetchMetadata introspects the requested tables in parallel and the enum
// types their columns use. A table whose queries fail is recorded in
// Snapshot.Failed; an error is returned only when every table failed.
func (d *Driver) FetchMetadata(ctx context.Context, tables []string) (*schema.Snapshot, error) {
	start := time.Now()
	snap := schema.NewSnapshot()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, name := range tables {
		g.Go(func() error {
			t, err := d.inspectTable(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.Failed[name] = err.Error()
				return nil
			}
			if t != nil {
				snap.Tables[name] = t
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(tables) > 0 && len(snap.Failed) == len(tables) {
		return nil, errs.Newf(errs.ErrKindQueryFailed, "fetch metadata: all %d tables failed", len(tables))
	}

	if names := enumNames(snap); len(names) > 0 {
		enums, err := d.fetchEnums(ctx, names)
		if err != nil {
			// Columns keep their EnumName; the validator reports the enum
			// as unavailable instead of failing the whole fetch.
			d.log.WarnWith("enum introspection failed", err, map[string]interface{}{"enums": names})
		} else {
			snap.Enums = enums
		}
	}

	snap.FetchedAt = time.Now()
	d.log.DebugWith("metadata fetched", map[string]interface{}{
		"tables":   len(snap.Tables),
		"enums":    len(snap.Enums),
		"failed":   len(snap.Failed),
		"duration": time.Since(start).String(),
	})
	return snap, nil
}

// inspectTable returns nil, nil for a table that does not exist.
func (d *Driver) inspectTable(ctx context.Context, table string) (*schema.Table, error) {
	ctx, cancel := d.withQueryTimeout(ctx)
	defer cancel()

	rows, err := d.pool.Query(ctx, columnsQuery, d.schema, table)
	if err != nil {
		return nil, mapError(err, "inspect table "+table)
	}
	cols, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (schema.Column, error) {
		var c schema.Column
		err := row.Scan(&c.Name, &c.DataType, &c.Nullable, &c.HasDefault,
			&c.MaxLength, &c.EnumName, &c.PrimaryKey, &c.Position)
		return c, err
	})
	if err != nil {
		return nil, mapError(err, "scan columns of "+table)
	}
	if len(cols) == 0 {
		return nil, nil
	}

	rows, err = d.pool.Query(ctx, foreignKeysQuery, d.schema, table)
	if err != nil {
		return nil, mapError(err, "list foreign keys of "+table)
	}
	fks, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (schema.ForeignKey, error) {
		var fk schema.ForeignKey
		err := row.Scan(&fk.Name, &fk.Column, &fk.RefTable, &fk.RefColumn)
		return fk, err
	})
	if err != nil {
		return nil, mapError(err, "scan foreign keys of "+table)
	}

	return &schema.Table{Name: table, Columns: cols, ForeignKeys: fks}, nil
}

func (d *Driver) fetchEnums(ctx context.Context, names []string) (map[string]*schema.Enum, error) {
	ctx, cancel := d.withQueryTimeout(ctx)
	defer cancel()

	rows, err := d.pool.Query(ctx, enumsQuery, names)
	if err != nil {
		return nil, mapError(err, "list enum values")
	}
	defer rows.Close()

	enums := make(map[string]*schema.Enum, len(names))
	for rows.Next() {
		var typ, label string
		if err := rows.Scan(&typ, &label); err != nil {
			return nil, mapError(err, "scan enum value")
		}
		e, ok := enums[typ]
		if !ok {
			e = &schema.Enum{Name: typ}
			enums[typ] = e
		}
		e.Values = append(e.Values, label)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "iterate enum values")
	}
	return enums, nil
}

// enumNames lists the distinct enum types referenced by snapshot columns.
func enumNames(snap *schema.Snapshot) []string {
	set := make(map[string]bool)
	for _, t := range snap.Tables {
		for _, c := range t.Columns {
			if c.EnumName != "" {
				set[c.EnumName] = true
			}
		}
	}
	names := make([]string, 0, len(set))
	for n := range set {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
