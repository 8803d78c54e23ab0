package cube

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Meta is the /meta response.
type Meta struct {
	Cubes []CubeMeta `json:"cubes"`
}

type CubeMeta struct {
	Name        string       `json:"name"`
	Title       string       `json:"title"`
	Description string       `json:"description"`
	Type        string       `json:"type"` // "cube" or "view"
	IsVisible   *bool        `json:"isVisible"`
	Public      *bool        `json:"public"`
	Measures    []MemberMeta `json:"measures"`
	Dimensions  []MemberMeta `json:"dimensions"`
	Segments    []MemberMeta `json:"segments"`
}

type MemberMeta struct {
	Name          string         `json:"name"`
	Title         string         `json:"title"`
	ShortTitle    string         `json:"shortTitle"`
	Description   string         `json:"description"`
	Type          string         `json:"type"`
	AggType       string         `json:"aggType"`
	IsVisible     *bool          `json:"isVisible"`
	Public        *bool          `json:"public"`
	DrillMembers  []string       `json:"drillMembers"`
	Granularities []Granularity  `json:"granularities"`
	Meta          map[string]any `json:"meta"`
}

type Granularity struct {
	Name     string `json:"name"`
	Title    string `json:"title"`
	Interval string `json:"interval"`
}

// LoadResponse is the /load response.
type LoadResponse struct {
	Query      json.RawMessage  `json:"query"`
	Data       []map[string]any `json:"data"`
	Annotation Annotation       `json:"annotation"`
	Error      string           `json:"error,omitempty"`
}

type Annotation struct {
	Measures       Annotations `json:"measures"`
	Dimensions     Annotations `json:"dimensions"`
	Segments       Annotations `json:"segments"`
	TimeDimensions Annotations `json:"timeDimensions"`
}

type AnnotationEntry struct {
	Key        string
	Title      string         `json:"title"`
	ShortTitle string         `json:"shortTitle"`
	Type       string         `json:"type"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// Annotations keeps annotation entries in the order the engine sent them.
type Annotations []AnnotationEntry

func (a *Annotations) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*a = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("annotation: %w", err)
	}
	var out Annotations
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("annotation: %w", err)
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("annotation: unexpected key %v", tok)
		}
		var e AnnotationEntry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("annotation %s: %w", key, err)
		}
		e.Key = key
		out = append(out, e)
	}
	*a = out
	return nil
}

// SQLResponse is the /sql response. The inner "sql" array is
// [statement, params].
type SQLResponse struct {
	SQL struct {
		SQL []json.RawMessage `json:"sql"`
	} `json:"sql"`
}

// Statement returns the SQL text and its bind parameters.
func (r *SQLResponse) Statement() (string, []any, error) {
	if len(r.SQL.SQL) == 0 {
		return "", nil, fmt.Errorf("Statement: empty sql payload")
	}
	var stmt string
	if err := json.Unmarshal(r.SQL.SQL[0], &stmt); err != nil {
		return "", nil, fmt.Errorf("Statement: %w", err)
	}
	var params []any
	if len(r.SQL.SQL) > 1 {
		if err := json.Unmarshal(r.SQL.SQL[1], &params); err != nil {
			return "", nil, fmt.Errorf("Statement: params: %w", err)
		}
	}
	return stmt, params, nil
}
