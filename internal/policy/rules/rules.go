// Package rules contains the query validation rules run by the policy
// enforcer.
package rules

import (
	"fmt"
	"slices"
	"strings"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/policy"
)

// ManyDimensions is the dimension count above which a warning is emitted.
const ManyDimensions = 5

// Default returns the full rule set in reporting order.
func Default() []policy.Rule {
	return []policy.Rule{
		Limit{},
		NonEmpty{},
		Exposure{},
		DenyList{},
		GroupBy{},
		DimensionCount{},
	}
}

func violation(kind apperror.Kind, code, msg string, members ...string) policy.Violation {
	return policy.Violation{Code: code, Kind: kind, Message: msg, Members: members}
}

// Limit requires a limit between 1 and the configured maximum.
type Limit struct{}

func (Limit) Name() string { return "limit" }

func (Limit) Check(in *policy.Input) policy.Outcome {
	var out policy.Outcome
	switch l := in.Query.Limit; {
	case l == nil:
		out.Errors = append(out.Errors, violation(apperror.KindValidation, "MISSING_LIMIT",
			fmt.Sprintf("query must set a limit (maximum %d)", in.MaxLimit)))
	case *l < 1:
		out.Errors = append(out.Errors, violation(apperror.KindValidation, "INVALID_LIMIT",
			fmt.Sprintf("limit must be at least 1, got %d", *l)))
	case *l > in.MaxLimit:
		out.Errors = append(out.Errors, violation(apperror.KindValidation, "LIMIT_EXCEEDED",
			fmt.Sprintf("limit %d exceeds the maximum of %d", *l, in.MaxLimit)))
	}
	return out
}

// NonEmpty requires at least one measure or dimension.
type NonEmpty struct{}

func (NonEmpty) Name() string { return "non_empty" }

func (NonEmpty) Check(in *policy.Input) policy.Outcome {
	var out policy.Outcome
	if len(in.Query.Measures) == 0 && len(in.Query.Dimensions) == 0 {
		out.Errors = append(out.Errors, violation(apperror.KindValidation, "EMPTY_QUERY",
			"query must request at least one measure or dimension"))
	}
	return out
}

// Exposure rejects members that are not exposed or are flagged as PII.
// PII members are never queryable, whatever else their override says.
type Exposure struct{}

func (Exposure) Name() string { return "exposure" }

func (Exposure) Check(in *policy.Input) policy.Outcome {
	var hidden, pii []string
	for _, m := range in.Referenced {
		r := in.Resolve(m)
		if !r.Exposed {
			hidden = append(hidden, m)
		}
		if r.PII {
			pii = append(pii, m)
		}
	}

	var out policy.Outcome
	if len(hidden) > 0 {
		out.Errors = append(out.Errors, violation(apperror.KindGovernance, "MEMBER_NOT_EXPOSED",
			"members are not exposed: "+strings.Join(hidden, ", "), hidden...))
	}
	if len(pii) > 0 {
		out.Errors = append(out.Errors, violation(apperror.KindGovernance, "PII_MEMBER_BLOCKED",
			"members are marked as PII and cannot be queried: "+strings.Join(pii, ", "), pii...))
	}
	return out
}

// DenyList rejects members on the configured deny list, independent of
// governance overrides. An entry of the form "Cube.*" denies the whole
// cube.
type DenyList struct{}

func (DenyList) Name() string { return "deny_list" }

func (DenyList) Check(in *policy.Input) policy.Outcome {
	var out policy.Outcome
	if len(in.DenyMembers) == 0 {
		return out
	}
	var denied []string
	for _, m := range in.Referenced {
		if denies(in.DenyMembers, m) {
			denied = append(denied, m)
		}
	}
	if len(denied) > 0 {
		out.Errors = append(out.Errors, violation(apperror.KindGovernance, "MEMBER_DENIED",
			"members are denied by configuration: "+strings.Join(denied, ", "), denied...))
	}
	return out
}

func denies(list []string, member string) bool {
	for _, d := range list {
		if d == member {
			return true
		}
		if cube, ok := strings.CutSuffix(d, ".*"); ok && strings.HasPrefix(member, cube+".") {
			return true
		}
	}
	return false
}

// GroupBy applies each measure's allowed and denied group-by lists and its
// time dimension requirement. The allow and deny checks run independently.
type GroupBy struct{}

func (GroupBy) Name() string { return "group_by" }

func (GroupBy) Check(in *policy.Input) policy.Outcome {
	var out policy.Outcome
	groupBy := in.GroupBy()

	for _, measure := range in.Query.Measures {
		r := in.Resolve(measure)

		if len(r.AllowedGroupBy) > 0 {
			var bad []string
			for _, d := range groupBy {
				if !slices.Contains(r.AllowedGroupBy, d) {
					bad = append(bad, d)
				}
			}
			if len(bad) > 0 {
				out.Errors = append(out.Errors, violation(apperror.KindValidation, "GROUP_BY_NOT_ALLOWED",
					fmt.Sprintf("%s can only be grouped by %s; not allowed: %s",
						measure, strings.Join(r.AllowedGroupBy, ", "), strings.Join(bad, ", ")), bad...))
			}
		}

		if len(r.DeniedGroupBy) > 0 {
			var bad []string
			for _, d := range groupBy {
				if slices.Contains(r.DeniedGroupBy, d) {
					bad = append(bad, d)
				}
			}
			if len(bad) > 0 {
				out.Errors = append(out.Errors, violation(apperror.KindValidation, "GROUP_BY_DENIED",
					fmt.Sprintf("%s cannot be grouped by %s", measure, strings.Join(bad, ", ")), bad...))
			}
		}

		if r.RequiresTimeDimension && len(in.Query.TimeDimensions) == 0 {
			out.Errors = append(out.Errors, violation(apperror.KindValidation, "TIME_DIMENSION_REQUIRED",
				fmt.Sprintf("%s requires a time dimension", measure), measure))
		}
	}
	return out
}

// DimensionCount warns on wide queries. It never rejects.
type DimensionCount struct{}

func (DimensionCount) Name() string { return "dimension_count" }

func (DimensionCount) Check(in *policy.Input) policy.Outcome {
	var out policy.Outcome
	if n := len(in.Query.Dimensions); n > ManyDimensions {
		out.Warnings = append(out.Warnings,
			fmt.Sprintf("many dimensions requested (%d); results may be sparse and slow", n))
	}
	return out
}
