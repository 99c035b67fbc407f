package schema

import (
	"context"
	"time"
)

// Column describes a single column at the time the snapshot was taken.
type Column struct {
	Name       string `json:"name"`
	DataType   string `json:"data_type"`            // as reported by the store: text, integer, USER-DEFINED, …
	MaxLength  *int   `json:"max_length,omitempty"` // nil for unbounded / non-char types
	Nullable   bool   `json:"nullable"`
	HasDefault bool   `json:"has_default"`
	EnumName   string `json:"enum_name,omitempty"` // set when the column is backed by an enum type
	PrimaryKey bool   `json:"primary_key"`
	Position   int    `json:"position"`
}

// Required reports whether an import must supply a value for the column.
func (c Column) Required() bool {
	return !c.Nullable && !c.HasDefault && !c.PrimaryKey
}

// ForeignKey describes a relationship from a local column to another table.
type ForeignKey struct {
	Name      string `json:"name"`
	Column    string `json:"column"`
	RefTable  string `json:"ref_table"`
	RefColumn string `json:"ref_column"`
}

// Table describes a table, its columns in ordinal order, and its foreign keys.
type Table struct {
	Name        string       `json:"name"`
	Columns     []Column     `json:"columns"`
	ForeignKeys []ForeignKey `json:"foreign_keys,omitempty"`
}

// Column returns the column with the given name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table has a column with the given name.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// RequiredColumns returns the columns that are NOT NULL, have no default,
// and are not part of the primary key.
func (t *Table) RequiredColumns() []Column {
	var out []Column
	for _, c := range t.Columns {
		if c.Required() {
			out = append(out, c)
		}
	}
	return out
}

// ForeignKeyFor returns the foreign key whose local column is column.
func (t *Table) ForeignKeyFor(column string) (ForeignKey, bool) {
	for _, fk := range t.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// Enum is a named, ordered set of valid values.
type Enum struct {
	Name   string   `json:"name"`
	Values []string `json:"values"`
}

// Contains reports whether v is one of the enum's values.
func (e *Enum) Contains(v string) bool {
	for _, ev := range e.Values {
		if ev == v {
			return true
		}
	}
	return false
}

// Snapshot is one complete, immutable view of the schema metadata.
// It is replaced wholesale on refresh and must never be modified after it
// has been handed to the Cache.
type Snapshot struct {
	Tables    map[string]*Table `json:"tables"`
	Enums     map[string]*Enum  `json:"enums"`
	Failed    map[string]string `json:"failed,omitempty"` // table → fetch error, for partial snapshots
	FetchedAt time.Time         `json:"fetched_at"`
}

// NewSnapshot returns an empty snapshot ready to be filled by a Source.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Tables: make(map[string]*Table),
		Enums:  make(map[string]*Enum),
		Failed: make(map[string]string),
	}
}

// Table returns the table with the given name.
func (s *Snapshot) Table(name string) (*Table, bool) {
	t, ok := s.Tables[name]
	return t, ok
}

// Enum returns the enum with the given name.
func (s *Snapshot) Enum(name string) (*Enum, bool) {
	e, ok := s.Enums[name]
	return e, ok
}

// Source fetches schema metadata from a backing store in one batch.
//
// Implementations must not fail the whole fetch because one table could not
// be read: they record the table in Snapshot.Failed and carry on. An error
// is returned only when nothing could be fetched at all.
type Source interface {
	FetchMetadata(ctx context.Context, tables []string) (*Snapshot, error)
}
