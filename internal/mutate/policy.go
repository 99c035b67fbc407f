package mutate

import (
	"hash/fnv"
	"regexp"
	"strings"
	"time"

	"github.com/koustreak/schemagate/internal/ident"
)

// DefaultLockTimeout bounds the wait for a column's advisory lock.
const DefaultLockTimeout = 5 * time.Second

// DefaultType is the safe type substituted for anything not allow-listed.
const DefaultType = "text"

// Policy holds the allow-lists and limits that gate schema evolution.
type Policy struct {
	AllowedTables   []string      `mapstructure:"allowed_tables"`
	AllowedTypes    []string      `mapstructure:"allowed_types"`
	DefaultType     string        `mapstructure:"default_type"`
	LockTimeout     time.Duration `mapstructure:"lock_timeout"`
	MaxSampleValues int           `mapstructure:"max_sample_values"`
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		AllowedTables: []string{"pending_entry_items", "pending_entries"},
		AllowedTypes: []string{
			"text", "varchar(255)", "integer", "bigint", "numeric",
			"boolean", "date", "timestamptz", "jsonb",
		},
		DefaultType:     DefaultType,
		LockTimeout:     DefaultLockTimeout,
		MaxSampleValues: 10,
	}
}

// withDefaults fills zero fields from DefaultPolicy.
func (p Policy) withDefaults() Policy {
	def := DefaultPolicy()
	if len(p.AllowedTables) == 0 {
		p.AllowedTables = def.AllowedTables
	}
	if len(p.AllowedTypes) == 0 {
		p.AllowedTypes = def.AllowedTypes
	}
	if p.DefaultType == "" {
		p.DefaultType = def.DefaultType
	}
	if p.LockTimeout <= 0 {
		p.LockTimeout = def.LockTimeout
	}
	if p.MaxSampleValues <= 0 {
		p.MaxSampleValues = def.MaxSampleValues
	}
	return p
}

var (
	spaceRun    = regexp.MustCompile(`\s+`)
	parenSpaces = regexp.MustCompile(`\s*([(),])\s*`)
)

// NormalizeType canonicalizes a type name for allow-list comparison:
// "VARCHAR ( 255 )" → "varchar(255)", "Double   Precision" → "double precision".
func NormalizeType(t string) string {
	t = strings.ToLower(strings.TrimSpace(t))
	t = spaceRun.ReplaceAllString(t, " ")
	return parenSpaces.ReplaceAllString(t, "$1")
}

// LockKey derives the advisory lock identifier for (table, column) using
// FNV-1a over "table.column". Both names must already be sanitized.
func LockKey(table, column string) int64 {
	h := fnv.New64a()
	h.Write([]byte(table))
	h.Write([]byte{'.'})
	h.Write([]byte(column))
	return int64(h.Sum64())
}

// sanitized is a request after identifier and type normalization.
type sanitized struct {
	table           string
	column          string
	dataType        string
	typeSubstituted bool
	samples         []string
}

func (p Policy) sanitize(req Request) sanitized {
	s := sanitized{
		table:  ident.Sanitize(req.Table),
		column: ident.Sanitize(req.Column),
	}

	s.dataType = NormalizeType(req.Type)
	if !containsString(p.AllowedTypes, s.dataType, NormalizeType) {
		s.dataType = NormalizeType(p.DefaultType)
		s.typeSubstituted = true
	}

	samples := req.SampleValues
	if len(samples) > p.MaxSampleValues {
		samples = samples[:p.MaxSampleValues]
	}
	s.samples = append([]string(nil), samples...)
	return s
}

func (p Policy) tableAllowed(table string) bool {
	return containsString(p.AllowedTables, table, ident.Sanitize)
}

func containsString(list []string, v string, norm func(string) string) bool {
	for _, item := range list {
		if norm(item) == v {
			return true
		}
	}
	return false
}
