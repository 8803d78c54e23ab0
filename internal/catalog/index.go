// Package catalog builds a governance-resolved, fuzzy-searchable view of one
// database's semantic-layer members.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
	"github.com/triage-ai/semgate/internal/search"
	"go.uber.org/zap"
)

const (
	DefaultSearchLimit = 10
	maxSuggestions     = 5
)

var searchKeys = []search.Key{
	{Name: "name", Weight: 0.4},
	{Name: "title", Weight: 0.3},
	{Name: "description", Weight: 0.2},
	{Name: "shortTitle", Weight: 0.1},
}

// MetaSource supplies semantic-layer metadata. *cube.Client satisfies it.
type MetaSource interface {
	Meta(ctx context.Context) (*cube.Meta, error)
	InvalidateMeta(ctx context.Context)
}

// Config wires an Index to its collaborators.
type Config struct {
	TenantID   string
	DatabaseID string
	Meta       MetaSource
	Governance governance.Store
	// DefaultSegments is the settings-level fallback used when the
	// governance document configures none.
	DefaultSegments []string
	Logger          *zap.Logger
}

type snapshot struct {
	doc     *governance.Document
	members []*Member
	byName  map[string]*Member
	index   *search.Index
}

// Index serves search and describe over an immutable snapshot that is
// swapped atomically on (re)initialization.
type Index struct {
	cfg    Config
	logger *zap.Logger

	initMu sync.Mutex
	state  atomic.Pointer[snapshot]
}

func New(cfg Config) *Index {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Index{cfg: cfg, logger: logger.With(zap.String("database_id", cfg.DatabaseID))}
}

// Ready reports whether Initialize has completed.
func (ix *Index) Ready() bool { return ix.state.Load() != nil }

// Initialize loads governance and metadata and builds the index. It is a
// no-op once it has succeeded. A missing or unreadable governance document
// falls back to the default document; metadata failures are returned.
func (ix *Index) Initialize(ctx context.Context) error {
	if ix.Ready() {
		return nil
	}
	ix.initMu.Lock()
	defer ix.initMu.Unlock()
	if ix.Ready() {
		return nil
	}

	doc := ix.loadGovernance(ctx)

	if ix.cfg.Meta == nil {
		return apperror.Configuration("catalog has no metadata source")
	}
	meta, err := ix.cfg.Meta.Meta(ctx)
	if err != nil {
		return err
	}

	snap := build(meta, doc)
	ix.state.Store(snap)
	ix.logger.Info("catalog initialized",
		zap.Int("members", len(snap.members)),
		zap.Int("overrides", len(doc.Members)),
	)
	return nil
}

// Refresh drops the current snapshot and the shared metadata cache entry,
// then reinitializes.
func (ix *Index) Refresh(ctx context.Context) error {
	ix.initMu.Lock()
	ix.state.Store(nil)
	if ix.cfg.Meta != nil {
		ix.cfg.Meta.InvalidateMeta(ctx)
	}
	ix.initMu.Unlock()
	return ix.Initialize(ctx)
}

func (ix *Index) loadGovernance(ctx context.Context) *governance.Document {
	if ix.cfg.Governance == nil {
		return governance.Default()
	}
	doc, err := ix.cfg.Governance.Load(ctx, ix.cfg.TenantID, ix.cfg.DatabaseID)
	if err != nil {
		ix.logger.Warn("governance document unavailable, using defaults", zap.Error(err))
		return governance.Default()
	}
	if doc == nil {
		return governance.Default()
	}
	return doc
}

func build(meta *cube.Meta, doc *governance.Document) *snapshot {
	members := buildMembers(meta, doc)
	byName := make(map[string]*Member, len(members))
	records := make([][]string, len(members))
	for i, m := range members {
		byName[m.Name] = m
		records[i] = []string{m.Name, m.Title, m.Description, m.ShortTitle}
	}
	return &snapshot{
		doc:     doc,
		members: members,
		byName:  byName,
		index:   search.New(search.Options{Keys: searchKeys}, records),
	}
}

func (ix *Index) current() (*snapshot, error) {
	s := ix.state.Load()
	if s == nil {
		return nil, apperror.NotReady("CATALOG_NOT_INITIALIZED", "catalog index is not initialized")
	}
	return s, nil
}

// SearchOptions narrows a search. Types and Cubes are allow-lists; empty
// means any.
type SearchOptions struct {
	Types         []MemberType
	Cubes         []string
	Limit         int
	IncludeHidden bool
}

// SearchHit is one ranked result. Score is relevance in (0, 1], higher is
// better.
type SearchHit struct {
	Member  Member              `json:"member"`
	Score   float64             `json:"score"`
	Matches []search.FieldMatch `json:"matches,omitempty"`
}

// Search runs a fuzzy search and returns up to opts.Limit hits by
// descending relevance.
func (ix *Index) Search(query string, opts SearchOptions) ([]SearchHit, error) {
	s, err := ix.current()
	if err != nil {
		return nil, err
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	types := make(map[MemberType]bool, len(opts.Types))
	for _, t := range opts.Types {
		types[t] = true
	}
	cubes := make(map[string]bool, len(opts.Cubes))
	for _, c := range opts.Cubes {
		cubes[c] = true
	}

	var hits []SearchHit
	for _, r := range s.index.Search(query) {
		m := s.members[r.Ref]
		if len(types) > 0 && !types[m.Type] {
			continue
		}
		if len(cubes) > 0 && !cubes[m.CubeName] {
			continue
		}
		if !opts.IncludeHidden && m.Hidden() {
			continue
		}
		hits = append(hits, SearchHit{Member: *m, Score: 1 - r.Score, Matches: r.Matches})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

type Relationship string

const (
	RelSameCube    Relationship = "same_cube"
	RelDrillMember Relationship = "drill_member"
)

// RelatedMember carries the governance flags of the member it names so a
// caller can tell which related members a query may use.
type RelatedMember struct {
	Name         string       `json:"name"`
	Type         MemberType   `json:"type"`
	Title        string       `json:"title"`
	Relationship Relationship `json:"relationship"`
	Exposed      bool         `json:"exposed"`
	PII          bool         `json:"pii"`
}

type Description struct {
	Member         Member          `json:"member"`
	RelatedMembers []RelatedMember `json:"relatedMembers"`
}

// Describe returns the named member and its related members. A member
// that is both in the same cube and a drill member appears once per
// relationship. Related members blocked by governance are listed with
// Exposed false or PII true.
func (ix *Index) Describe(name string) (*Description, error) {
	s, err := ix.current()
	if err != nil {
		return nil, err
	}
	m, ok := s.byName[name]
	if !ok {
		return nil, apperror.NotFound("UNKNOWN_MEMBER", fmt.Sprintf("unknown member %q", name)).
			WithSuggestions(suggest(s, name))
	}

	related := []RelatedMember{}
	for _, other := range s.members {
		if other.Name == m.Name || other.CubeName != m.CubeName {
			continue
		}
		related = append(related, RelatedMember{
			Name:         other.Name,
			Type:         other.Type,
			Title:        other.Title,
			Relationship: RelSameCube,
			Exposed:      other.Exposed,
			PII:          other.PII,
		})
	}
	for _, drill := range m.DrillMembers {
		rm := RelatedMember{Name: drill, Relationship: RelDrillMember}
		if other, ok := s.byName[drill]; ok {
			rm.Type = other.Type
			rm.Title = other.Title
			rm.Exposed = other.Exposed
			rm.PII = other.PII
		}
		related = append(related, rm)
	}
	return &Description{Member: *m, RelatedMembers: related}, nil
}

func suggest(s *snapshot, name string) []string {
	var out []string
	for _, r := range s.index.Search(name) {
		m := s.members[r.Ref]
		if !m.Exposed {
			continue
		}
		out = append(out, m.Name)
		if len(out) == maxSuggestions {
			break
		}
	}
	return out
}

// Lookup returns the member by exact name.
func (ix *Index) Lookup(name string) (Member, bool) {
	s := ix.state.Load()
	if s == nil {
		return Member{}, false
	}
	m, ok := s.byName[name]
	if !ok {
		return Member{}, false
	}
	return *m, true
}

// Governance returns the governance document behind the current snapshot,
// or the default document before initialization.
func (ix *Index) Governance() *governance.Document {
	if s := ix.state.Load(); s != nil {
		return s.doc
	}
	return governance.Default()
}

// DefaultSegments returns the document's default segments, falling back to
// the configured settings-level list.
func (ix *Index) DefaultSegments() []string {
	if doc := ix.Governance(); len(doc.DefaultSegments) > 0 {
		return append([]string(nil), doc.DefaultSegments...)
	}
	return append([]string(nil), ix.cfg.DefaultSegments...)
}

// DefaultFilters returns the document's default filters.
func (ix *Index) DefaultFilters() []cube.Filter {
	doc := ix.Governance()
	out := make([]cube.Filter, len(doc.DefaultFilters))
	for i, f := range doc.DefaultFilters {
		f.Values = append([]string(nil), f.Values...)
		out[i] = f
	}
	return out
}

// Members returns a copy of every member in metadata order.
func (ix *Index) Members() []Member {
	s := ix.state.Load()
	if s == nil {
		return nil
	}
	out := make([]Member, len(s.members))
	for i, m := range s.members {
		out[i] = *m
	}
	return out
}

// Stats counts members per type.
func (ix *Index) Stats() map[MemberType]int {
	out := make(map[MemberType]int, 4)
	s := ix.state.Load()
	if s == nil {
		return out
	}
	for _, m := range s.members {
		out[m.Type]++
	}
	return out
}
