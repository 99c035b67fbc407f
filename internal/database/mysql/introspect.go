package mysql

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"time"

	"github.com/koustreak/schemagate/internal/errs"
	"github.com/koustreak/schemagate/internal/schema"
	"golang.org/x/sync/errgroup"
)

const columnsQuery = `
	SELECT
		c.COLUMN_NAME                                                  AS column_name,
		c.DATA_TYPE                                                    AS data_type,
		c.COLUMN_TYPE                                                  AS column_type,
		c.IS_NULLABLE = 'YES'                                          AS is_nullable,
		(c.COLUMN_DEFAULT IS NOT NULL OR c.EXTRA LIKE '%auto_increment%') AS has_default,
		c.CHARACTER_MAXIMUM_LENGTH                                     AS max_length,
		c.COLUMN_KEY = 'PRI'                                           AS is_primary_key,
		c.ORDINAL_POSITION                                             AS ordinal_position
	FROM information_schema.COLUMNS c
	WHERE c.TABLE_SCHEMA = DATABASE() AND c.TABLE_NAME = ?
	ORDER BY c.ORDINAL_POSITION`

const foreignKeysQuery = `
	SELECT
		CONSTRAINT_NAME        AS name,
		COLUMN_NAME            AS column_name,
		REFERENCED_TABLE_NAME  AS ref_table,
		REFERENCED_COLUMN_NAME AS ref_column
	FROM information_schema.KEY_COLUMN_USAGE
	WHERE TABLE_SCHEMA = DATABASE()
	  AND TABLE_NAME   = ?
	  AND REFERENCED_TABLE_NAME IS NOT NULL
	ORDER BY CONSTRAINT_NAME`

type columnRow struct {
	Name       string        `db:"column_name"`
	DataType   string        `db:"data_type"`
	ColumnType string        `db:"column_type"`
	Nullable   bool          `db:"is_nullable"`
	HasDefault bool          `db:"has_default"`
	MaxLength  sql.NullInt64 `db:"max_length"`
	PrimaryKey bool          `db:"is_primary_key"`
	Position   int           `db:"ordinal_position"`
}

type foreignKeyRow struct {
	Name      string `db:"name"`
	Column    string `db:"column_name"`
	RefTable  string `db:"ref_table"`
	RefColumn string `db:"ref_column"`
}

// FetchMetadata introspects the requested tables in parallel. MySQL enums
// are inline column types; each one becomes a snapshot enum named
// "table.column".
func (d *Driver) FetchMetadata(ctx context.Context, tables []string) (*schema.Snapshot, error) {
	snap := schema.NewSnapshot()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, name := range tables {
		g.Go(func() error {
			t, enums, err := d.inspectTable(ctx, name)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.Failed[name] = err.Error()
				return nil
			}
			if t == nil {
				return nil
			}
			snap.Tables[name] = t
			for _, e := range enums {
				snap.Enums[e.Name] = e
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(tables) > 0 && len(snap.Failed) == len(tables) {
		return nil, errs.Newf(errs.ErrKindQueryFailed, "fetch metadata: all %d tables failed", len(tables))
	}
	snap.FetchedAt = time.Now()
	return snap, nil
}

// inspectTable returns a nil table for a table that does not exist.
func (d *Driver) inspectTable(ctx context.Context, table string) (*schema.Table, []*schema.Enum, error) {
	ctx, cancel := d.withQueryTimeout(ctx)
	defer cancel()

	var rows []columnRow
	if err := d.db.SelectContext(ctx, &rows, columnsQuery, table); err != nil {
		return nil, nil, mapError(err, "inspect table "+table)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	t := &schema.Table{Name: table, Columns: make([]schema.Column, 0, len(rows))}
	var enums []*schema.Enum
	for _, r := range rows {
		c := schema.Column{
			Name:       r.Name,
			DataType:   r.DataType,
			Nullable:   r.Nullable,
			HasDefault: r.HasDefault,
			PrimaryKey: r.PrimaryKey,
			Position:   r.Position,
		}
		if r.MaxLength.Valid {
			n := int(r.MaxLength.Int64)
			c.MaxLength = &n
		}
		if strings.EqualFold(r.DataType, "enum") {
			c.EnumName = table + "." + r.Name
			enums = append(enums, &schema.Enum{Name: c.EnumName, Values: parseEnumValues(r.ColumnType)})
		}
		t.Columns = append(t.Columns, c)
	}

	var fks []foreignKeyRow
	if err := d.db.SelectContext(ctx, &fks, foreignKeysQuery, table); err != nil {
		return nil, nil, mapError(err, "list foreign keys of "+table)
	}
	for _, fk := range fks {
		t.ForeignKeys = append(t.ForeignKeys, schema.ForeignKey{
			Name: fk.Name, Column: fk.Column, RefTable: fk.RefTable, RefColumn: fk.RefColumn,
		})
	}
	return t, enums, nil
}

// parseEnumValues extracts the labels of a COLUMN_TYPE such as
// enum('new','used','it''s'). Quotes inside labels are doubled.
func parseEnumValues(columnType string) []string {
	open := strings.IndexByte(columnType, '(')
	end := strings.LastIndexByte(columnType, ')')
	if open < 0 || end <= open {
		return nil
	}
	body := columnType[open+1 : end]

	var (
		values []string
		cur    strings.Builder
		inStr  bool
	)
	for i := 0; i < len(body); i++ {
		ch := body[i]
		switch {
		case ch == '\'' && inStr && i+1 < len(body) && body[i+1] == '\'':
			cur.WriteByte('\'')
			i++
		case ch == '\'':
			if inStr {
				values = append(values, cur.String())
				cur.Reset()
			}
			inStr = !inStr
		case inStr:
			cur.WriteByte(ch)
		}
	}
	return values
}
