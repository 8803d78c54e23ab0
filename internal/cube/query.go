package cube

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Query is a declarative semantic-layer query. Values are treated as
// immutable; use Clone before deriving a modified copy.
type Query struct {
	Measures       []string        `json:"measures,omitempty"`
	Dimensions     []string        `json:"dimensions,omitempty"`
	TimeDimensions []TimeDimension `json:"timeDimensions,omitempty"`
	Filters        []Filter        `json:"filters,omitempty"`
	Segments       []string        `json:"segments,omitempty"`
	Order          Order           `json:"order,omitempty"`
	Limit          *int            `json:"limit,omitempty"`
	Offset         int             `json:"offset,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
}

type TimeDimension struct {
	Dimension   string `json:"dimension"`
	Granularity string `json:"granularity,omitempty"`
	// DateRange is either a relative expression ("last 7 days") or a
	// two-element [from, to] array.
	DateRange any `json:"dateRange,omitempty"`
}

type Filter struct {
	Member   string   `json:"member"`
	Operator string   `json:"operator"`
	Values   []string `json:"values,omitempty"`
}

// OrderItem is one (member, direction) pair.
type OrderItem struct {
	Member    string
	Direction string // "asc" or "desc"

	keyed bool // decoded from the object form
}

// Order preserves the caller's ordering. It accepts both the object form
// {"Orders.count":"desc"} and the pair form [["Orders.count","desc"]] and
// always encodes as pairs.
type Order []OrderItem

// Keyed reports whether o was decoded from the object form, whose key
// order carries no meaning for hashing.
func (o Order) Keyed() bool {
	return len(o) > 0 && o[0].keyed
}

func (o Order) MarshalJSON() ([]byte, error) {
	pairs := make([][2]string, len(o))
	for i, it := range o {
		pairs[i] = [2]string{it.Member, it.Direction}
	}
	return json.Marshal(pairs)
}

func (o *Order) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = nil
		return nil
	}

	if data[0] == '[' {
		var pairs [][]string
		if err := json.Unmarshal(data, &pairs); err != nil {
			return fmt.Errorf("order: %w", err)
		}
		out := make(Order, 0, len(pairs))
		for _, p := range pairs {
			if len(p) != 2 {
				return fmt.Errorf("order: expected [member, direction] pair, got %d elements", len(p))
			}
			out = append(out, OrderItem{Member: p[0], Direction: p[1]})
		}
		*o = out
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("order: %w", err)
	}
	var out Order
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("order: %w", err)
		}
		member, ok := tok.(string)
		if !ok {
			return fmt.Errorf("order: unexpected key %v", tok)
		}
		var dir string
		if err := dec.Decode(&dir); err != nil {
			return fmt.Errorf("order: %s: %w", member, err)
		}
		out = append(out, OrderItem{Member: member, Direction: dir, keyed: true})
	}
	*o = out
	return nil
}

// Clone returns a deep copy of q.
func (q Query) Clone() Query {
	out := q
	out.Measures = cloneStrings(q.Measures)
	out.Dimensions = cloneStrings(q.Dimensions)
	out.Segments = cloneStrings(q.Segments)
	if q.TimeDimensions != nil {
		out.TimeDimensions = make([]TimeDimension, len(q.TimeDimensions))
		copy(out.TimeDimensions, q.TimeDimensions)
	}
	if q.Filters != nil {
		out.Filters = make([]Filter, len(q.Filters))
		for i, f := range q.Filters {
			f.Values = cloneStrings(f.Values)
			out.Filters[i] = f
		}
	}
	if q.Order != nil {
		out.Order = make(Order, len(q.Order))
		copy(out.Order, q.Order)
	}
	if q.Limit != nil {
		l := *q.Limit
		out.Limit = &l
	}
	return out
}

// IntPtr is a convenience for building queries with a limit.
func IntPtr(v int) *int { return &v }

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}
