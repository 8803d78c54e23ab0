package policy

import (
	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
)

// Rule is one validation check. Rules must not mutate Input and must
// report every violation they find, not only the first.
type Rule interface {
	// Name returns the rule's identifier (e.g., "limit").
	Name() string

	Check(in *Input) Outcome
}

// Input is what a Rule evaluates.
type Input struct {
	Query       *cube.Query
	Governance  *governance.Document
	MaxLimit    int
	DenyMembers []string
	// Referenced is ReferencedMembers(Query), computed once per validation.
	Referenced []string
}

// Resolve returns a member's effective governance.
func (in *Input) Resolve(member string) governance.Resolved {
	return in.Governance.Resolve(member, "")
}

// GroupBy returns the query's dimensions followed by its time dimension
// targets.
func (in *Input) GroupBy() []string {
	out := make([]string, 0, len(in.Query.Dimensions)+len(in.Query.TimeDimensions))
	out = append(out, in.Query.Dimensions...)
	for _, td := range in.Query.TimeDimensions {
		out = append(out, td.Dimension)
	}
	return dedupe(out)
}

// Violation is one reason a query is rejected.
type Violation struct {
	Code    string        `json:"code"`
	Kind    apperror.Kind `json:"kind"`
	Message string        `json:"message"`
	Members []string      `json:"members,omitempty"`
}

// Outcome is what a single Rule reports.
type Outcome struct {
	Errors   []Violation
	Warnings []string
}

// ValidationResult aggregates every rule's outcome.
type ValidationResult struct {
	Valid    bool        `json:"valid"`
	Errors   []Violation `json:"errors"`
	Warnings []string    `json:"warnings"`
}

// Err converts an invalid result into an apperror carrying every
// violation. It returns nil for a valid result. The kind is governance when
// any violation is a governance violation, validation otherwise.
func (r ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	kind := apperror.KindValidation
	msg := ""
	for i, v := range r.Errors {
		if v.Kind == apperror.KindGovernance {
			kind = apperror.KindGovernance
		}
		if i > 0 {
			msg += "; "
		}
		msg += v.Message
	}
	return apperror.New(kind, r.Errors[0].Code, msg).WithDetails(map[string]any{
		"errors":   r.Errors,
		"warnings": r.Warnings,
	})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// ReferencedMembers returns every member a query touches: measures,
// dimensions, segments, time dimension targets and filter targets, in
// first-seen order without duplicates.
func ReferencedMembers(q cube.Query) []string {
	all := make([]string, 0, len(q.Measures)+len(q.Dimensions)+len(q.Segments)+len(q.TimeDimensions)+len(q.Filters))
	all = append(all, q.Measures...)
	all = append(all, q.Dimensions...)
	all = append(all, q.Segments...)
	for _, td := range q.TimeDimensions {
		all = append(all, td.Dimension)
	}
	for _, f := range q.Filters {
		all = append(all, f.Member)
	}
	return dedupe(all)
}
