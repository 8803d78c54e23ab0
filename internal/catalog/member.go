package catalog

import (
	"strings"

	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
)

// MemberType is the catalog-level kind of a member.
type MemberType string

const (
	TypeMeasure       MemberType = "measure"
	TypeDimension     MemberType = "dimension"
	TypeTimeDimension MemberType = "timeDimension"
	TypeSegment       MemberType = "segment"
)

// Valid reports whether t is a known member type.
func (t MemberType) Valid() bool {
	switch t {
	case TypeMeasure, TypeDimension, TypeTimeDimension, TypeSegment:
		return true
	}
	return false
}

// Member is one queryable field with its governance already resolved.
// Members are never mutated after the index snapshot is built.
type Member struct {
	Name                  string             `json:"name"`
	Type                  MemberType         `json:"type"`
	CubeName              string             `json:"cube"`
	Title                 string             `json:"title"`
	ShortTitle            string             `json:"shortTitle,omitempty"`
	Description           string             `json:"description,omitempty"`
	MemberType            string             `json:"memberType,omitempty"`
	IsVisible             bool               `json:"isVisible"`
	Public                bool               `json:"public"`
	Exposed               bool               `json:"exposed"`
	PII                   bool               `json:"pii"`
	AllowedGroupBy        []string           `json:"allowedGroupBy,omitempty"`
	DeniedGroupBy         []string           `json:"deniedGroupBy,omitempty"`
	RequiresTimeDimension bool               `json:"requiresTimeDimension"`
	DrillMembers          []string           `json:"drillMembers,omitempty"`
	Granularities         []cube.Granularity `json:"granularities,omitempty"`
	HasOverride           bool               `json:"hasOverride"`
}

// Hidden reports whether the member is excluded from default search
// results.
func (m *Member) Hidden() bool {
	return !m.IsVisible || !m.Public || !m.Exposed
}

// CubeOf returns the cube part of a member name ("Orders.count" -> "Orders").
func CubeOf(name string) string {
	if i := strings.IndexByte(name, '.'); i >= 0 {
		return name[:i]
	}
	return name
}

func flag(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

// buildMembers flattens cube metadata into members in metadata order,
// resolving governance for each one.
func buildMembers(meta *cube.Meta, doc *governance.Document) []*Member {
	var out []*Member
	for _, c := range meta.Cubes {
		cubeVisible := flag(c.IsVisible, true)
		cubePublic := flag(c.Public, true)

		add := func(mm cube.MemberMeta, t MemberType, memberType string) {
			r := doc.Resolve(mm.Name, mm.Description)
			title := mm.Title
			if title == "" {
				title = mm.Name
			}
			cubeName := c.Name
			if cubeName == "" {
				cubeName = CubeOf(mm.Name)
			}
			out = append(out, &Member{
				Name:                  mm.Name,
				Type:                  t,
				CubeName:              cubeName,
				Title:                 title,
				ShortTitle:            mm.ShortTitle,
				Description:           r.Description,
				MemberType:            memberType,
				IsVisible:             flag(mm.IsVisible, cubeVisible),
				Public:                flag(mm.Public, cubePublic),
				Exposed:               r.Exposed,
				PII:                   r.PII,
				AllowedGroupBy:        r.AllowedGroupBy,
				DeniedGroupBy:         r.DeniedGroupBy,
				RequiresTimeDimension: r.RequiresTimeDimension,
				DrillMembers:          mm.DrillMembers,
				Granularities:         mm.Granularities,
				HasOverride:           r.HasOverride,
			})
		}

		for _, m := range c.Measures {
			kind := m.AggType
			if kind == "" {
				kind = m.Type
			}
			add(m, TypeMeasure, kind)
		}
		for _, d := range c.Dimensions {
			if d.Type == "time" {
				add(d, TypeTimeDimension, d.Type)
				continue
			}
			add(d, TypeDimension, d.Type)
		}
		for _, s := range c.Segments {
			add(s, TypeSegment, "")
		}
	}
	return out
}
