package governance

import (
	"github.com/triage-ai/semgate/internal/cube"
)

// DefaultVersion is the version of a document synthesized when none is
// stored for a database.
const DefaultVersion = "1.0"

// Document is a per-database governance override document.
type Document struct {
	Version         string              `json:"version" yaml:"version"`
	Defaults        Defaults            `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Members         map[string]Override `json:"members,omitempty" yaml:"members,omitempty"`
	DefaultSegments []string            `json:"defaultSegments,omitempty" yaml:"defaultSegments,omitempty"`
	DefaultFilters  []cube.Filter       `json:"defaultFilters,omitempty" yaml:"defaultFilters,omitempty"`
}

// Defaults apply to every member without a more specific override.
// All pointer fields use nil to mean "use the built-in default".
type Defaults struct {
	Exposed               *bool    `json:"exposed,omitempty" yaml:"exposed,omitempty"` // nil = true
	PII                   *bool    `json:"pii,omitempty" yaml:"pii,omitempty"`         // nil = false
	AllowedGroupBy        []string `json:"allowedGroupBy,omitempty" yaml:"allowedGroupBy,omitempty"`
	DeniedGroupBy         []string `json:"deniedGroupBy,omitempty" yaml:"deniedGroupBy,omitempty"`
	RequiresTimeDimension *bool    `json:"requiresTimeDimension,omitempty" yaml:"requiresTimeDimension,omitempty"`
}

// Override is a per-member exception. A nil pointer or empty list means
// "inherit"; presence means this member differs from the defaults.
type Override struct {
	Exposed               *bool    `json:"exposed,omitempty" yaml:"exposed,omitempty"`
	PII                   *bool    `json:"pii,omitempty" yaml:"pii,omitempty"`
	AllowedGroupBy        []string `json:"allowedGroupBy,omitempty" yaml:"allowedGroupBy,omitempty"`
	DeniedGroupBy         []string `json:"deniedGroupBy,omitempty" yaml:"deniedGroupBy,omitempty"`
	RequiresTimeDimension *bool    `json:"requiresTimeDimension,omitempty" yaml:"requiresTimeDimension,omitempty"`
	Description           *string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// IsEmpty reports whether o carries no governance of its own.
func (o Override) IsEmpty() bool {
	return o.Exposed == nil &&
		o.PII == nil &&
		len(o.AllowedGroupBy) == 0 &&
		len(o.DeniedGroupBy) == 0 &&
		o.RequiresTimeDimension == nil &&
		(o.Description == nil || *o.Description == "")
}

// Resolved is a member's effective governance after applying
// override -> defaults -> built-in.
type Resolved struct {
	Exposed               bool
	PII                   bool
	AllowedGroupBy        []string
	DeniedGroupBy         []string
	RequiresTimeDimension bool
	Description           string
	HasOverride           bool
}

// Default returns the document used when a database has none stored.
func Default() *Document {
	return &Document{Version: DefaultVersion}
}

// Override returns the member's override entry, if any.
func (d *Document) Override(member string) (Override, bool) {
	if d == nil || d.Members == nil {
		return Override{}, false
	}
	o, ok := d.Members[member]
	return o, ok
}

// Resolve computes the effective governance for member. ownDescription is
// the member's description as reported by the semantic layer.
func (d *Document) Resolve(member, ownDescription string) Resolved {
	var defaults Defaults
	if d != nil {
		defaults = d.Defaults
	}
	o, has := d.Override(member)

	r := Resolved{
		Exposed:               firstBool(true, o.Exposed, defaults.Exposed),
		PII:                   firstBool(false, o.PII, defaults.PII),
		AllowedGroupBy:        firstList(o.AllowedGroupBy, defaults.AllowedGroupBy),
		DeniedGroupBy:         firstList(o.DeniedGroupBy, defaults.DeniedGroupBy),
		RequiresTimeDimension: firstBool(false, o.RequiresTimeDimension, defaults.RequiresTimeDimension),
		Description:           ownDescription,
		HasOverride:           has && !o.IsEmpty(),
	}
	if o.Description != nil && *o.Description != "" {
		r.Description = *o.Description
	}
	return r
}

// Cleanup removes override entries that carry nothing. It reports how many
// were removed.
func (d *Document) Cleanup() int {
	removed := 0
	for name, o := range d.Members {
		if o.IsEmpty() {
			delete(d.Members, name)
			removed++
		}
	}
	if len(d.Members) == 0 {
		d.Members = nil
	}
	return removed
}

// SetOverride replaces member's override and cleans up the document.
// Passing an empty Override removes the entry.
func (d *Document) SetOverride(member string, o Override) {
	if d.Members == nil {
		d.Members = make(map[string]Override)
	}
	d.Members[member] = o
	d.Cleanup()
}

func firstBool(builtin bool, candidates ...*bool) bool {
	for _, c := range candidates {
		if c != nil {
			return *c
		}
	}
	return builtin
}

func firstList(candidates ...[]string) []string {
	for _, c := range candidates {
		if len(c) > 0 {
			return c
		}
	}
	return nil
}

// Bool is a convenience for building overrides.
func Bool(v bool) *bool { return &v }

// String is a convenience for building overrides.
func String(v string) *string { return &v }
