// Package db provides report filter building for the synced-record cache.
package db

import (
	"strings"
	"time"
)

// Filter represents a single report filter condition.
type Filter interface {
	// SQL returns the SQL fragment for this filter
	SQL() string

	// Args returns the arguments for this filter
	Args() []interface{}

	// Valid checks if the filter is valid
	Valid() bool
}

// ExposureTypeFilter filters cached reports by exposure type.
type ExposureTypeFilter struct {
	ExposureType string
}

// Valid checks if the exposure type is non-empty.
func (f *ExposureTypeFilter) Valid() bool {
	return strings.TrimSpace(f.ExposureType) != ""
}

// SQL returns the SQL fragment for exposure type filtering. The type
// lives inside the cached payload JSON.
func (f *ExposureTypeFilter) SQL() string {
	return "json_extract(sr.payload, '$.exposure_type') = ?"
}

// Args returns the arguments for exposure type filtering.
func (f *ExposureTypeFilter) Args() []interface{} {
	return []interface{}{f.ExposureType}
}

// SeverityFilter filters cached reports by severity.
type SeverityFilter struct {
	Severity string
}

// Valid checks if the severity is one the capture screens produce.
func (f *SeverityFilter) Valid() bool {
	validSeverities := map[string]bool{
		"low":      true,
		"moderate": true,
		"high":     true,
		"critical": true,
	}
	return validSeverities[f.Severity]
}

// SQL returns the SQL fragment for severity filtering.
func (f *SeverityFilter) SQL() string {
	return "json_extract(sr.payload, '$.severity') = ?"
}

// Args returns the arguments for severity filtering.
func (f *SeverityFilter) Args() []interface{} {
	return []interface{}{f.Severity}
}

// DateRangeFilter filters by sync date range.
type DateRangeFilter struct {
	From int64 // Unix timestamp
	To   int64 // Unix timestamp
}

// Valid checks if the date range is valid.
func (f *DateRangeFilter) Valid() bool {
	// At least one boundary should be set
	if f.From == 0 && f.To == 0 {
		return false
	}
	// From should be before To (if both are set)
	if f.From > 0 && f.To > 0 && f.From > f.To {
		return false
	}
	// To should not be in the future
	if f.To > 0 && f.To > time.Now().Unix()+86400 {
		return false // Allow 1 day of clock skew
	}
	return true
}

// SQL returns the SQL fragment for date range filtering.
func (f *DateRangeFilter) SQL() string {
	var parts []string
	if f.From > 0 {
		parts = append(parts, "sr.synced_at >= ?")
	}
	if f.To > 0 {
		parts = append(parts, "sr.synced_at <= ?")
	}
	return strings.Join(parts, " AND ")
}

// Args returns the arguments for date range filtering.
func (f *DateRangeFilter) Args() []interface{} {
	var args []interface{}
	if f.From > 0 {
		args = append(args, f.From)
	}
	if f.To > 0 {
		args = append(args, f.To)
	}
	return args
}

// FilterBuilder accumulates report filters and builds the WHERE clause.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates an empty FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{}
}

// ExposureType adds an exposure type filter.
func (fb *FilterBuilder) ExposureType(exposureType string) *FilterBuilder {
	f := &ExposureTypeFilter{ExposureType: exposureType}
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Severity adds a severity filter.
func (fb *FilterBuilder) Severity(severity string) *FilterBuilder {
	f := &SeverityFilter{Severity: severity}
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// DateRange adds a sync date range filter.
func (fb *FilterBuilder) DateRange(from, to int64) *FilterBuilder {
	f := &DateRangeFilter{From: from, To: to}
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// HasFilters reports whether any valid filter was added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of accumulated filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Build joins all filters with AND and returns the clause plus args.
func (fb *FilterBuilder) Build() (string, []interface{}) {
	if len(fb.filters) == 0 {
		return "", nil
	}

	var clauses []string
	var args []interface{}
	for _, f := range fb.filters {
		clauses = append(clauses, f.SQL())
		args = append(args, f.Args()...)
	}
	return strings.Join(clauses, " AND "), args
}

// Reset clears all accumulated filters.
func (fb *FilterBuilder) Reset() *FilterBuilder {
	fb.filters = nil
	return fb
}
