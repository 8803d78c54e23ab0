// Package policy validates and normalizes semantic queries against a
// database's governance document and limits.
package policy

import (
	"fmt"

	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
	"go.uber.org/zap"
)

const (
	// DefaultLimit is filled in by ApplyDefaults when a query has none.
	DefaultLimit = 100
	// DefaultMaxLimit applies when no maximum is configured.
	DefaultMaxLimit = 1000
)

// Source supplies the governance document and query defaults. The catalog
// index satisfies it, so a refresh is picked up without rebuilding the
// enforcer.
type Source interface {
	Governance() *governance.Document
	DefaultSegments() []string
	DefaultFilters() []cube.Filter
}

// Settings are the database-level limits.
type Settings struct {
	MaxLimit    int
	DenyMembers []string
	ReturnSQL   bool
}

// Enforcer runs every rule against a query and aggregates the outcomes.
type Enforcer struct {
	rules    []Rule
	source   Source
	settings Settings
	logger   *zap.Logger
}

// NewEnforcer creates an enforcer with the given rules.
func NewEnforcer(rules []Rule, source Source, settings Settings, logger *zap.Logger) *Enforcer {
	if settings.MaxLimit <= 0 {
		settings.MaxLimit = DefaultMaxLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{rules: rules, source: source, settings: settings, logger: logger}
}

// Validate runs all rules. Every violation is reported.
func (e *Enforcer) Validate(q cube.Query) ValidationResult {
	in := &Input{
		Query:       &q,
		Governance:  e.source.Governance(),
		MaxLimit:    e.settings.MaxLimit,
		DenyMembers: e.settings.DenyMembers,
		Referenced:  ReferencedMembers(q),
	}

	res := ValidationResult{Errors: []Violation{}, Warnings: []string{}}
	for _, r := range e.rules {
		out := r.Check(in)
		res.Errors = append(res.Errors, out.Errors...)
		res.Warnings = append(res.Warnings, out.Warnings...)
	}
	res.Valid = len(res.Errors) == 0

	if !res.Valid {
		codes := make([]string, len(res.Errors))
		for i, v := range res.Errors {
			codes[i] = v.Code
		}
		e.logger.Debug("query rejected", zap.Strings("codes", codes))
	}
	return res
}

// ApplyDefaults returns a normalized copy of q with default segments,
// default filters and a default limit filled in, and one note per default
// applied. q is not modified and user-specified fields are never removed.
func (e *Enforcer) ApplyDefaults(q cube.Query) (cube.Query, []string) {
	out := q.Clone()
	notes := []string{}

	have := make(map[string]bool, len(out.Segments))
	for _, s := range out.Segments {
		have[s] = true
	}
	for _, s := range e.source.DefaultSegments() {
		if have[s] {
			continue
		}
		have[s] = true
		out.Segments = append(out.Segments, s)
		notes = append(notes, fmt.Sprintf("Applied default segment %s", s))
	}

	filtered := make(map[string]bool, len(out.Filters))
	for _, f := range out.Filters {
		filtered[f.Member] = true
	}
	for _, f := range e.source.DefaultFilters() {
		if filtered[f.Member] {
			continue
		}
		filtered[f.Member] = true
		out.Filters = append(out.Filters, f)
		notes = append(notes, fmt.Sprintf("Applied default filter on %s (%s)", f.Member, f.Operator))
	}

	if out.Limit == nil {
		out.Limit = cube.IntPtr(DefaultLimit)
		notes = append(notes, fmt.Sprintf("Applied default limit %d", DefaultLimit))
	}
	return out, notes
}

// ShouldReturnSQL reports whether SQL previews are disclosed.
func (e *Enforcer) ShouldReturnSQL() bool { return e.settings.ReturnSQL }

// MaxLimit returns the effective row ceiling.
func (e *Enforcer) MaxLimit() int { return e.settings.MaxLimit }
