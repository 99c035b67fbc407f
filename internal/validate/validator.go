// Package validate checks a proposed set of column mappings, together with
// sample rows, against a table schema before anything is written.
//
// Every rule runs on every call; the validator never stops at the first
// error so that a caller can present the complete list of problems in one
// round trip. It never mutates state and is safe for concurrent use.
package validate

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/koustreak/schemagate/internal/logger"
	"github.com/koustreak/schemagate/internal/schema"
)

// Mapping proposes that a source field is loaded into a target column.
type Mapping struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourceType string `json:"source_type,omitempty"` // optional declared type: string, integer, number, boolean, date, datetime, json
}

// Row is one sample record keyed by source field name.
type Row map[string]any

// EnumLookup resolves enum types by name. *schema.Snapshot implements it.
type EnumLookup interface {
	Enum(name string) (*schema.Enum, bool)
}

// ReferenceResolver checks foreign-key sample values against the referenced
// table. It returns the values that could not be found.
type ReferenceResolver interface {
	ResolveReferences(ctx context.Context, table, column string, values []string) (missing []string, err error)
}

// Options tunes the validator.
type Options struct {
	// MaxExamples caps offending examples reported per column and rule.
	MaxExamples int `mapstructure:"max_examples"`
	// MinEnumSamples is the number of non-empty samples below which an enum
	// check is reported as inconclusive.
	MinEnumSamples int `mapstructure:"min_enum_samples"`
}

// DefaultOptions returns the default tuning.
func DefaultOptions() Options {
	return Options{MaxExamples: 5, MinEnumSamples: 3}
}

// Validator runs the import rule set.
type Validator struct {
	opts     Options
	resolver ReferenceResolver
	log      *logger.Logger
}

// New creates a Validator. resolver may be nil, in which case foreign-key
// references are not checked.
func New(opts Options, resolver ReferenceResolver, log *logger.Logger) *Validator {
	def := DefaultOptions()
	if opts.MaxExamples <= 0 {
		opts.MaxExamples = def.MaxExamples
	}
	if opts.MinEnumSamples <= 0 {
		opts.MinEnumSamples = def.MinEnumSamples
	}
	return &Validator{opts: opts, resolver: resolver, log: logger.OrNop(log)}
}

// Validate returns every issue found for mappings and rows against table.
// enums may be nil when the table has no enum-backed columns.
func (v *Validator) Validate(ctx context.Context, table *schema.Table, enums EnumLookup, mappings []Mapping, rows []Row) []Issue {
	var issues []Issue

	targets := make(map[string][]string) // column → sources
	for _, m := range mappings {
		col, ok := table.Column(m.Target)
		if !ok {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Code:     CodeUnknownColumn,
				Message:  fmt.Sprintf("column %q does not exist in table %q", m.Target, table.Name),
				Column:   m.Target,
				Field:    m.Source,
			})
			continue
		}
		targets[col.Name] = append(targets[col.Name], m.Source)

		values := sampleValues(rows, m.Source)
		issues = append(issues, v.checkDeclaredType(m, col)...)
		issues = append(issues, v.checkValues(m, col, values)...)
		issues = append(issues, v.checkEnum(m, col, enums, values)...)
		issues = append(issues, v.checkReference(ctx, m, table, values)...)
	}

	for _, col := range table.RequiredColumns() {
		if _, ok := targets[col.Name]; ok {
			continue
		}
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     CodeMissingRequiredColumn,
			Message:  fmt.Sprintf("required column %q (NOT NULL, no default) has no mapping", col.Name),
			Column:   col.Name,
		})
	}

	issues = append(issues, duplicateTargets(mappings, targets)...)
	issues = append(issues, unmappedFields(mappings, rows, v.opts.MaxExamples)...)
	return issues
}

func (v *Validator) checkDeclaredType(m Mapping, col schema.Column) []Issue {
	if m.SourceType == "" {
		return nil
	}
	out, known := declaredCompat(m.SourceType, categorize(col))
	if !known {
		return []Issue{{
			Severity: SeveritySuggestion,
			Code:     CodeUnknownSourceType,
			Message:  fmt.Sprintf("declared source type %q is not recognized; sample values are checked instead", m.SourceType),
			Column:   col.Name,
			Field:    m.Source,
		}}
	}
	switch out {
	case coerceFail:
		return []Issue{{
			Severity: SeverityError,
			Code:     CodeTypeIncompatible,
			Message:  fmt.Sprintf("source type %s cannot be stored in %s column %q", m.SourceType, col.DataType, col.Name),
			Column:   col.Name,
			Field:    m.Source,
		}}
	case coerceLossy:
		return []Issue{{
			Severity: SeverityWarning,
			Code:     CodeLossyCoercion,
			Message:  fmt.Sprintf("source type %s loses precision in %s column %q", m.SourceType, col.DataType, col.Name),
			Column:   col.Name,
			Field:    m.Source,
		}}
	}
	return nil
}

func (v *Validator) checkValues(m Mapping, col schema.Column, values []any) []Issue {
	cat := categorize(col)
	if cat == catOther {
		return nil
	}

	var failed, lossy []string
	for _, val := range values {
		switch coerce(val, cat, col.MaxLength) {
		case coerceFail:
			failed = appendExample(failed, sampleString(val), v.opts.MaxExamples)
		case coerceLossy:
			lossy = appendExample(lossy, sampleString(val), v.opts.MaxExamples)
		}
	}

	var issues []Issue
	if len(failed) > 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     CodeTypeIncompatible,
			Message:  fmt.Sprintf("values of %q cannot be converted to %s column %q", m.Source, cat, col.Name),
			Column:   col.Name,
			Field:    m.Source,
			Examples: failed,
		})
	}
	if len(lossy) > 0 {
		msg := fmt.Sprintf("values of %q lose precision in %s column %q", m.Source, cat, col.Name)
		if cat == catText && col.MaxLength != nil {
			msg = fmt.Sprintf("values of %q exceed the %d character limit of column %q and would be truncated", m.Source, *col.MaxLength, col.Name)
		}
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     CodeLossyCoercion,
			Message:  msg,
			Column:   col.Name,
			Field:    m.Source,
			Examples: lossy,
		})
	}
	return issues
}

func (v *Validator) checkEnum(m Mapping, col schema.Column, enums EnumLookup, values []any) []Issue {
	if col.EnumName == "" {
		return nil
	}
	var enum *schema.Enum
	if enums != nil {
		enum, _ = enums.Enum(col.EnumName)
	}
	if enum == nil {
		return []Issue{{
			Severity: SeverityWarning,
			Code:     CodeEnumUnavailable,
			Message:  fmt.Sprintf("enum %q backing column %q is not in the schema snapshot; values were not checked", col.EnumName, col.Name),
			Column:   col.Name,
			Field:    m.Source,
		}}
	}

	var issues []Issue
	seen := make(map[string]bool)
	nonEmpty := 0
	reported := 0
	for _, val := range values {
		s := sampleString(val)
		if s == "" {
			continue
		}
		nonEmpty++
		if seen[s] || enum.Contains(s) {
			continue
		}
		seen[s] = true
		if reported >= v.opts.MaxExamples {
			continue
		}
		reported++
		issues = append(issues, Issue{
			Severity: SeverityError,
			Code:     CodeInvalidEnumValue,
			Message: fmt.Sprintf("value %q is not a valid %s; allowed: %s",
				s, enum.Name, strings.Join(firstN(enum.Values, v.opts.MaxExamples), ", ")),
			Column:   col.Name,
			Field:    m.Source,
			Examples: []string{s},
		})
	}

	if nonEmpty < v.opts.MinEnumSamples {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     CodeInsufficientEnumSamples,
			Message: fmt.Sprintf("only %d sample value(s) for enum column %q; at least %d are needed for a conclusive check",
				nonEmpty, col.Name, v.opts.MinEnumSamples),
			Column: col.Name,
			Field:  m.Source,
		})
	}
	return issues
}

func (v *Validator) checkReference(ctx context.Context, m Mapping, table *schema.Table, values []any) []Issue {
	fk, ok := table.ForeignKeyFor(m.Target)
	if !ok || v.resolver == nil {
		return nil
	}
	distinct := distinctStrings(values)
	if len(distinct) == 0 {
		return nil
	}

	missing, err := v.resolver.ResolveReferences(ctx, fk.RefTable, fk.RefColumn, distinct)
	if err != nil {
		v.log.WarnWith("foreign key reference check failed", err, map[string]interface{}{
			"table":     fk.RefTable,
			"column":    fk.RefColumn,
			"reference": fk.Name,
		})
		return []Issue{{
			Severity: SeverityWarning,
			Code:     CodeReferenceCheckUnavailable,
			Message:  fmt.Sprintf("could not check references of %q against %s.%s", m.Target, fk.RefTable, fk.RefColumn),
			Column:   m.Target,
			Field:    m.Source,
		}}
	}
	if len(missing) == 0 {
		return nil
	}
	return []Issue{{
		Severity: SeverityWarning,
		Code:     CodeUnresolvedReference,
		Message: fmt.Sprintf("%d value(s) of %q have no match in %s.%s yet; they may be loaded later",
			len(missing), m.Target, fk.RefTable, fk.RefColumn),
		Column:   m.Target,
		Field:    m.Source,
		Examples: firstN(missing, v.opts.MaxExamples),
	}}
}

func duplicateTargets(mappings []Mapping, targets map[string][]string) []Issue {
	var issues []Issue
	reported := make(map[string]bool)
	for _, m := range mappings {
		sources := targets[m.Target]
		if len(sources) < 2 || reported[m.Target] {
			continue
		}
		reported[m.Target] = true
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Code:     CodeDuplicateTarget,
			Message:  fmt.Sprintf("column %q is the target of %d source fields; only one value can be stored", m.Target, len(sources)),
			Column:   m.Target,
			Examples: sources,
		})
	}
	return issues
}

func unmappedFields(mappings []Mapping, rows []Row, max int) []Issue {
	mapped := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		mapped[m.Source] = true
	}
	seen := make(map[string]bool)
	for _, r := range rows {
		for field := range r {
			if !mapped[field] {
				seen[field] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	fields := make([]string, 0, len(seen))
	for f := range seen {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return []Issue{{
		Severity: SeveritySuggestion,
		Code:     CodeUnmappedField,
		Message:  fmt.Sprintf("%d sample field(s) have no mapping and will not be imported", len(fields)),
		Examples: firstN(fields, max),
	}}
}

func sampleValues(rows []Row, field string) []any {
	var out []any
	for _, r := range rows {
		if v, ok := r[field]; ok && v != nil {
			out = append(out, v)
		}
	}
	return out
}

func distinctStrings(values []any) []string {
	seen := make(map[string]bool)
	var out []string
	for _, v := range values {
		s := sampleString(v)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func appendExample(list []string, s string, max int) []string {
	if len(list) >= max {
		return list
	}
	for _, e := range list {
		if e == s {
			return list
		}
	}
	return append(list, s)
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
