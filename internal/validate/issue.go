package validate

import (
	"fmt"
	"strings"

	"github.com/koustreak/schemagate/internal/errs"
)

// Severity grades an Issue.
type Severity string

const (
	SeverityError      Severity = "error"
	SeverityWarning    Severity = "warning"
	SeveritySuggestion Severity = "suggestion"
)

// Machine-readable issue codes.
const (
	CodeUnknownColumn             = "unknown_column"
	CodeMissingRequiredColumn     = "missing_required_column"
	CodeInvalidEnumValue          = "invalid_enum_value"
	CodeInsufficientEnumSamples   = "insufficient_enum_samples"
	CodeEnumUnavailable           = "enum_unavailable"
	CodeTypeIncompatible          = "type_incompatible"
	CodeLossyCoercion             = "lossy_coercion"
	CodeUnresolvedReference       = "unresolved_reference"
	CodeReferenceCheckUnavailable = "reference_check_unavailable"
	CodeDuplicateTarget           = "duplicate_target"
	CodeUnknownSourceType         = "unknown_source_type"
	CodeUnmappedField             = "unmapped_field"
)

// Issue is one finding of the validator.
type Issue struct {
	Severity Severity `json:"severity"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Column   string   `json:"column,omitempty"`
	Field    string   `json:"field,omitempty"`
	Examples []string `json:"examples,omitempty"`
}

// HasErrors reports whether any issue has error severity.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Filter returns the issues with the given severity.
func Filter(issues []Issue, sev Severity) []Issue {
	var out []Issue
	for _, i := range issues {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// AsError returns an ErrKindValidationFailed error summarizing the
// error-severity issues, or nil when there are none.
func AsError(issues []Issue) error {
	errors := Filter(issues, SeverityError)
	if len(errors) == 0 {
		return nil
	}
	codes := make([]string, 0, len(errors))
	for _, i := range errors {
		if i.Column != "" {
			codes = append(codes, i.Code+"("+i.Column+")")
		} else {
			codes = append(codes, i.Code)
		}
	}
	return errs.New(errs.ErrKindValidationFailed,
		fmt.Sprintf("%d validation error(s): %s", len(errors), strings.Join(codes, ", ")))
}
