// Package search implements weighted multi-field approximate matching.
//
// Each field is matched by the minimum edit distance between the pattern
// and any substring of the field (case-insensitive, position-independent).
// A field matches when distance/len(pattern) <= Threshold and the
// alignment contains a run of at least MinMatchCharLength matched
// characters. Field scores are combined as the product of
// score^(weight*norm) over matching fields, where norm = 1/sqrt(words).
// Lower combined scores are better; 0 is a perfect match.
package search

import (
	"math"
	"sort"
	"strings"
	"unicode"
)

const (
	DefaultThreshold          = 0.4
	DefaultMinMatchCharLength = 2

	minFieldScore = 0.001
)

// Key is a searchable field and its relative weight.
type Key struct {
	Name   string
	Weight float64
}

type Options struct {
	Keys               []Key
	Threshold          float64
	MinMatchCharLength int
}

// FieldMatch describes where the pattern matched within one field.
// Indices are inclusive [start, end] rune offsets into Value.
type FieldMatch struct {
	Key     string
	Value   string
	Indices [][2]int
}

// Result is one matching record. Ref is the record's position in the slice
// given to New.
type Result struct {
	Ref     int
	Score   float64
	Matches []FieldMatch
}

type field struct {
	raw   string
	lower []rune
	norm  float64
}

// Index is an immutable search index. Safe for concurrent use.
type Index struct {
	keys      []Key
	threshold float64
	minMatch  int
	records   [][]field
}

// New builds an index over records. Each record holds one value per key,
// in the same order as opts.Keys.
func New(opts Options, records [][]string) *Index {
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	minMatch := opts.MinMatchCharLength
	if minMatch <= 0 {
		minMatch = DefaultMinMatchCharLength
	}

	keys := make([]Key, len(opts.Keys))
	total := 0.0
	for _, k := range opts.Keys {
		total += k.Weight
	}
	for i, k := range opts.Keys {
		w := k.Weight
		if total > 0 {
			w /= total
		}
		keys[i] = Key{Name: k.Name, Weight: w}
	}

	idx := &Index{keys: keys, threshold: threshold, minMatch: minMatch}
	idx.records = make([][]field, len(records))
	for i, rec := range records {
		fields := make([]field, len(keys))
		for k := range keys {
			if k < len(rec) {
				fields[k] = newField(rec[k])
			}
		}
		idx.records[i] = fields
	}
	return idx
}

func newField(v string) field {
	words := len(strings.FieldsFunc(v, func(r rune) bool {
		return unicode.IsSpace(r) || r == '.' || r == '_' || r == '-'
	}))
	norm := 1.0
	if words > 1 {
		norm = math.Round(1/math.Sqrt(float64(words))*1000) / 1000
	}
	return field{raw: v, lower: []rune(strings.ToLower(v)), norm: norm}
}

// Len returns the number of indexed records.
func (ix *Index) Len() int { return len(ix.records) }

// Search returns every matching record ordered by ascending score.
func (ix *Index) Search(pattern string) []Result {
	p := []rune(strings.ToLower(strings.TrimSpace(pattern)))
	if len(p) == 0 {
		return nil
	}

	var out []Result
	for ref, fields := range ix.records {
		total := 1.0
		var matches []FieldMatch
		for k, f := range fields {
			if len(f.lower) == 0 {
				continue
			}
			score, indices, ok := ix.matchField(p, f.lower)
			if !ok {
				continue
			}
			w := ix.keys[k].Weight
			if w == 0 {
				w = 1
			}
			total *= math.Pow(score, w*f.norm)
			matches = append(matches, FieldMatch{Key: ix.keys[k].Name, Value: f.raw, Indices: indices})
		}
		if len(matches) == 0 {
			continue
		}
		out = append(out, Result{Ref: ref, Score: total, Matches: matches})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score < out[j].Score })
	return out
}

// matchField scores pattern against text. It returns the normalized score
// (clamped to minFieldScore), the matched ranges, and whether it matched.
func (ix *Index) matchField(pattern, text []rune) (float64, [][2]int, bool) {
	dist, matched := approxSubstring(pattern, text)
	score := float64(dist) / float64(len(pattern))
	if score > ix.threshold {
		return 0, nil, false
	}
	indices := runs(matched, ix.minMatch)
	if len(indices) == 0 {
		return 0, nil, false
	}
	return math.Max(minFieldScore, score), indices, true
}

// approxSubstring computes the minimum edit distance between pattern and
// any substring of text, and the text positions aligned to equal pattern
// characters in one optimal alignment.
func approxSubstring(pattern, text []rune) (int, []int) {
	m, n := len(pattern), len(text)
	d := make([][]int, m+1)
	for i := range d {
		d[i] = make([]int, n+1)
		d[i][0] = i
	}
	// row 0 is all zeros: a match may start anywhere

	for i := 1; i <= m; i++ {
		for j := 1; j <= n; j++ {
			cost := 1
			if pattern[i-1] == text[j-1] {
				cost = 0
			}
			best := d[i-1][j-1] + cost
			if v := d[i-1][j] + 1; v < best {
				best = v
			}
			if v := d[i][j-1] + 1; v < best {
				best = v
			}
			d[i][j] = best
		}
	}

	end := 0
	for j := 1; j <= n; j++ {
		if d[m][j] < d[m][end] {
			end = j
		}
	}
	dist := d[m][end]

	var matched []int
	i, j := m, end
	for i > 0 && j > 0 {
		cost := 1
		if pattern[i-1] == text[j-1] {
			cost = 0
		}
		switch {
		case d[i][j] == d[i-1][j-1]+cost:
			if cost == 0 {
				matched = append(matched, j-1)
			}
			i--
			j--
		case d[i][j] == d[i-1][j]+1:
			i--
		default:
			j--
		}
	}
	for l, r := 0, len(matched)-1; l < r; l, r = l+1, r-1 {
		matched[l], matched[r] = matched[r], matched[l]
	}
	return dist, matched
}

// runs groups sorted positions into contiguous [start, end] ranges of at
// least minLen.
func runs(positions []int, minLen int) [][2]int {
	var out [][2]int
	for k := 0; k < len(positions); {
		start := k
		for k+1 < len(positions) && positions[k+1] == positions[k]+1 {
			k++
		}
		if k-start+1 >= minLen {
			out = append(out, [2]int{positions[start], positions[k]})
		}
		k++
	}
	return out
}
