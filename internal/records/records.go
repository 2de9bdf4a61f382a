// Package records defines the structured employee-record source consumed
// read-only by the answer pipeline.
package records

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidFilter indicates a filter with out-of-range enum values.
var ErrInvalidFilter = errors.New("invalid record filter")

// Level is the three-valued rating used for risk, knowledge and vulnerability.
type Level string

const (
	LevelHigh   Level = "high"
	LevelMedium Level = "medium"
	LevelLow    Level = "low"
)

// ValidLevel reports whether l is one of the three accepted ratings.
func ValidLevel(l Level) bool {
	return l == LevelHigh || l == LevelMedium || l == LevelLow
}

// Filter maps the fixed query schema onto employee profiles. All fields are
// optional; the zero filter matches every record up to the caller's limit.
type Filter struct {
	Risk          Level  `json:"risk,omitempty"`
	Vulnerability Level  `json:"vulnerability,omitempty"`
	Knowledge     Level  `json:"knowledge,omitempty"`
	Name          string `json:"name,omitempty"`
	Designation   string `json:"designation,omitempty"`
}

// IsZero reports whether no constraint is set.
func (f Filter) IsZero() bool {
	return f == Filter{}
}

// Validate checks that every set enum field carries an accepted value.
func (f Filter) Validate() error {
	for _, l := range []Level{f.Risk, f.Vulnerability, f.Knowledge} {
		if l != "" && !ValidLevel(l) {
			return fmt.Errorf("%w: rating %q must be high, medium or low", ErrInvalidFilter, l)
		}
	}
	return nil
}

// Profile is one personnel-risk record.
type Profile struct {
	EmployeeID    string   `json:"employeeId"`
	Name          string   `json:"name"`
	Designation   string   `json:"designation"`
	Risk          Level    `json:"risk"`
	Knowledge     Level    `json:"knowledge"`
	Vulnerability Level    `json:"vulnerability"`
	AttackVectors []string `json:"attackVectors"`
}

// Source is the queryable store of employee profiles.
type Source interface {
	// Find returns profiles matching the filter, capped at limit.
	Find(ctx context.Context, filter Filter, limit int) ([]Profile, error)
}
