package policy

import (
	"testing"

	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
)

type stubSource struct {
	segments []string
	filters  []cube.Filter
}

func (stubSource) Governance() *governance.Document { return governance.Default() }
func (s stubSource) DefaultSegments() []string { return s.segments }
func (s stubSource) DefaultFilters() []cube.Filter { return s.filters }

func TestApplyDefaults(t *testing.T) {
	src := stubSource{
		segments: []string{"Orders.completed", "Orders.paid"},
		filters: []cube.Filter{
			{Member: "Orders.status", Operator: "notEquals", Values: []string{"cancelled"}},
			{Member: "Orders.region", Operator: "set"},
		},
	}
	e := NewEnforcer(nil, src, Settings{}, nil)

	in := cube.Query{
		Measures: []string{"Orders.count"},
		Segments: []string{"Orders.paid"},
		Filters:  []cube.Filter{{Member: "Orders.region", Operator: "equals", Values: []string{"eu"}}},
	}
	out, notes := e.ApplyDefaults(in)

	if len(out.Segments) != 2 || out.Segments[0] != "Orders.paid" || out.Segments[1] != "Orders.completed" {
		t.Fatalf("unexpected segments %v", out.Segments)
	}
	if len(out.Filters) != 2 || out.Filters[0].Values[0] != "eu" || out.Filters[1].Member != "Orders.status" {
		t.Fatalf("unexpected filters %+v", out.Filters)
	}
	if out.Limit == nil || *out.Limit != DefaultLimit {
		t.Fatalf("expected default limit, got %v", out.Limit)
	}
	if len(notes) != 3 {
		t.Fatalf("expected 3 notes, got %v", notes)
	}

	if len(in.Segments) != 1 || len(in.Filters) != 1 || in.Limit != nil {
		t.Fatal("input query was mutated")
	}
}

func TestApplyDefaults_KeepsCallerLimit(t *testing.T) {
	e := NewEnforcer(nil, stubSource{}, Settings{}, nil)
	out, notes := e.ApplyDefaults(cube.Query{Measures: []string{"Orders.count"}, Limit: cube.IntPtr(7)})
	if *out.Limit != 7 || len(notes) != 0 {
		t.Fatalf("expected no defaults applied, got limit=%d notes=%v", *out.Limit, notes)
	}
}

func TestReferencedMembers_Deduplicates(t *testing.T) {
	q := cube.Query{
		Measures:       []string{"Orders.count"},
		Dimensions:     []string{"Orders.status"},
		TimeDimensions: []cube.TimeDimension{{Dimension: "Orders.createdAt"}},
		Filters:        []cube.Filter{{Member: "Orders.status", Operator: "equals"}},
		Segments:       []string{"Orders.completed"},
	}
	got := ReferencedMembers(q)
	want := []string{"Orders.count", "Orders.status", "Orders.completed", "Orders.createdAt"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestEnforcer_DefaultsAndSQLFlag(t *testing.T) {
	e := NewEnforcer(nil, stubSource{}, Settings{ReturnSQL: true}, nil)
	if e.MaxLimit() != DefaultMaxLimit {
		t.Fatalf("expected default max limit, got %d", e.MaxLimit())
	}
	if !e.ShouldReturnSQL() {
		t.Fatal("expected SQL disclosure enabled")
	}
	if res := e.Validate(cube.Query{}); !res.Valid || res.Err() != nil {
		t.Fatal("an enforcer without rules accepts everything")
	}
}
