// Package schema checks dataset field sets, expressed as Arrow schemas,
// before they reach the store.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"go.uber.org/multierr"
)

// ValidationRule checks one property of a schema.
type ValidationRule interface {
	// Validate returns an error describing every violation.
	Validate(schema *arrow.Schema) error

	// Name returns the human-readable name of the rule.
	Name() string
}

// RequiredFieldsRule requires the listed fields to be present.
type RequiredFieldsRule struct {
	RequiredFields []string
}

func (r *RequiredFieldsRule) Validate(schema *arrow.Schema) error {
	var missing []string
	for _, f := range r.RequiredFields {
		if !schema.HasField(f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (r *RequiredFieldsRule) Name() string { return "RequiredFieldsRule" }

// UniqueNamesRule rejects empty and repeated field names.
type UniqueNamesRule struct{}

func (r *UniqueNamesRule) Validate(schema *arrow.Schema) error {
	var errs error
	seen := make(map[string]bool, schema.NumFields())
	for i, f := range schema.Fields() {
		switch {
		case strings.TrimSpace(f.Name) == "":
			errs = multierr.Append(errs, fmt.Errorf("field %d has an empty name", i))
		case seen[f.Name]:
			errs = multierr.Append(errs, fmt.Errorf("field %q appears more than once", f.Name))
		}
		seen[f.Name] = true
	}
	return errs
}

func (r *UniqueNamesRule) Name() string { return "UniqueNamesRule" }

// Validator applies a set of rules.
type Validator struct {
	rules []ValidationRule
}

// NewValidator creates a Validator with the given rules.
func NewValidator(rules ...ValidationRule) *Validator {
	return &Validator{rules: rules}
}

// ForIdentity returns the validator used for incoming datasets: unique,
// non-empty field names and a present identity field.
func ForIdentity(identity string) *Validator {
	return NewValidator(
		&UniqueNamesRule{},
		&RequiredFieldsRule{RequiredFields: []string{identity}},
	)
}

// AddRule adds a validation rule.
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules = append(v.rules, rule)
}

// ValidateSchema runs every rule and combines the violations.
func (v *Validator) ValidateSchema(schema *arrow.Schema) error {
	var errs error
	for _, r := range v.rules {
		if err := r.Validate(schema); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", r.Name(), err))
		}
	}
	return errs
}

// Drift lists the field differences between an incoming dataset and the
// stored table.
type Drift struct {
	// Added are incoming fields the table lacks. Appends carrying them fail.
	Added []string `json:"added,omitempty"`

	// Missing are table columns the incoming dataset lacks.
	Missing []string `json:"missing,omitempty"`
}

// Empty reports whether the schemas carry the same field names.
func (d Drift) Empty() bool {
	return len(d.Added) == 0 && len(d.Missing) == 0
}

// String formats the drift for logs.
func (d Drift) String() string {
	if d.Empty() {
		return "none"
	}
	return fmt.Sprintf("added [%s] missing [%s]", strings.Join(d.Added, ", "), strings.Join(d.Missing, ", "))
}

// Compare reports the names present in only one of the schemas. Types are
// not compared; the store keeps every column as text.
func Compare(incoming, stored *arrow.Schema) Drift {
	var d Drift
	for _, f := range incoming.Fields() {
		if !stored.HasField(f.Name) {
			d.Added = append(d.Added, f.Name)
		}
	}
	for _, f := range stored.Fields() {
		if !incoming.HasField(f.Name) {
			d.Missing = append(d.Missing, f.Name)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Missing)
	return d
}
