package schema

import (
	"cmp"
	"fmt"
	"slices"
	"strings"
)

// ValidationSeverity tells blocking issues from advisory ones.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// ValidationIssue is one problem found in a definition. Path is the dotted
// location inside the document, e.g. "states.Check.choices[0].next".
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects every issue instead of stopping at the first.
// A definition with warnings only is still valid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool { return len(r.Errors) == 0 }

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of other. A nil other is a no-op.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Sort orders issues by path, then message, so reports do not depend on
// map iteration order.
func (r *ValidationResult) Sort() {
	byPath := func(a, b ValidationIssue) int {
		return cmp.Or(strings.Compare(a.Path, b.Path), strings.Compare(a.Message, b.Message))
	}
	slices.SortStableFunc(r.Errors, byPath)
	slices.SortStableFunc(r.Warnings, byPath)
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR whose
// details carry the full issue lists.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	msg := r.Errors[0].Message
	if n := len(r.Errors); n > 1 {
		parts := make([]string, n)
		for i, issue := range r.Errors {
			parts[i] = issue.String()
		}
		msg = fmt.Sprintf("validation failed with %d errors: %s", n, strings.Join(parts, "; "))
	}

	return NewError(ErrCodeValidation, msg).WithDetails(map[string]any{
		"error_count":   len(r.Errors),
		"warning_count": len(r.Warnings),
		"errors":        r.Errors,
		"warnings":      r.Warnings,
	})
}
