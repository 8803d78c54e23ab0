// Package orchestrator runs the governed query pipeline: validate,
// normalize, execute, annotate and audit.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/metrics"
	"github.com/triage-ai/semgate/internal/policy"
	"github.com/triage-ai/semgate/internal/storage"
	"go.uber.org/zap"
)

// Engine executes queries against the semantic layer. *cube.Client
// satisfies it.
type Engine interface {
	Load(ctx context.Context, q cube.Query) (*cube.LoadResponse, error)
	SQL(ctx context.Context, q cube.Query) (string, error)
}

// Policy validates and normalizes queries. *policy.Enforcer satisfies it.
type Policy interface {
	Validate(q cube.Query) policy.ValidationResult
	ApplyDefaults(q cube.Query) (cube.Query, []string)
	ShouldReturnSQL() bool
}

type Config struct {
	TenantID   string
	DatabaseID string
	Engine     Engine
	Policy     Policy
	Audit      storage.EventWriter
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Orchestrator holds no per-execution state and is safe for concurrent use.
type Orchestrator struct {
	tenantID   string
	databaseID string
	engine     Engine
	policy     Policy
	audit      storage.EventWriter
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	audit := cfg.Audit
	if audit == nil {
		audit = storage.NewLogWriter(logger)
	}
	return &Orchestrator{
		tenantID:   cfg.TenantID,
		databaseID: cfg.DatabaseID,
		engine:     cfg.Engine,
		policy:     cfg.Policy,
		audit:      audit,
		metrics:    cfg.Metrics,
		logger:     logger.With(zap.String("database_id", cfg.DatabaseID)),
	}
}

// ExecOptions identify the caller for auditing.
type ExecOptions struct {
	RequestID string
	UserID    string
}

type SchemaField struct {
	Key        string         `json:"key"`
	Type       string         `json:"type"`
	Title      string         `json:"title"`
	ShortTitle string         `json:"shortTitle"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type Lineage struct {
	Cubes   []string `json:"cubes"`
	Members []string `json:"members"`
}

type Debug struct {
	SQL       *string    `json:"sql"`
	CubeQuery cube.Query `json:"cube_query"`
	QueryHash string     `json:"query_hash"`
}

// Result is the outcome of a successful execution.
type Result struct {
	Data            []map[string]any `json:"data"`
	Schema          []SchemaField    `json:"schema"`
	NormalizedQuery cube.Query       `json:"normalized_query"`
	Lineage         Lineage          `json:"lineage"`
	Notes           []string         `json:"notes"`
	Debug           Debug            `json:"debug"`
}

// Execute validates q, applies defaults, runs it and audits the attempt.
// Validation failures are returned with every violation and nothing is
// sent to the engine. A failed SQL preview is logged and reported as a
// null debug.sql; every other failure is returned unchanged.
func (o *Orchestrator) Execute(ctx context.Context, q cube.Query, opts ExecOptions) (*Result, error) {
	start := time.Now()

	hash, err := QueryHash(q)
	if err != nil {
		return nil, fmt.Errorf("Execute: %w", err)
	}

	if res := o.policy.Validate(q); !res.Valid {
		verr := res.Err()
		o.fail(opts, q, hash, start, verr)
		return nil, verr
	}

	normalized, notes := o.policy.ApplyDefaults(q)

	resp, err := o.engine.Load(ctx, normalized)
	if err != nil {
		o.fail(opts, normalized, hash, start, err)
		return nil, err
	}

	var sql *string
	if o.policy.ShouldReturnSQL() {
		s, err := o.engine.SQL(ctx, normalized)
		if err != nil {
			o.logger.Warn("sql preview failed",
				zap.String("request_id", opts.RequestID),
				zap.String("query_hash", hash),
				zap.Error(err),
			)
		} else {
			sql = &s
		}
	}

	data := resp.Data
	if data == nil {
		data = []map[string]any{}
	}
	lineage := BuildLineage(normalized)
	result := &Result{
		Data:            data,
		Schema:          BuildSchema(resp.Annotation),
		NormalizedQuery: normalized,
		Lineage:         lineage,
		Notes:           notes,
		Debug:           Debug{SQL: sql, CubeQuery: normalized, QueryHash: hash},
	}

	elapsed := time.Since(start)
	o.audit.Write(&storage.QueryEvent{
		RequestID:  opts.RequestID,
		TenantID:   o.tenantID,
		DatabaseID: o.databaseID,
		UserID:     opts.UserID,
		Timestamp:  start.UTC(),
		Event:      storage.EventQueryExecute,
		Result:     storage.ResultSuccess,
		QueryHash:  hash,
		Query:      preview(normalized),
		Members:    lineage.Members,
		Cubes:      lineage.Cubes,
		RowCount:   uint32(len(data)),
		DurationMs: float32(elapsed.Microseconds()) / 1000,
		Notes:      notes,
	})
	o.metrics.ObserveQuery(storage.ResultSuccess, "", elapsed)
	return result, nil
}

func (o *Orchestrator) fail(opts ExecOptions, q cube.Query, hash string, start time.Time, err error) {
	elapsed := time.Since(start)
	code := apperror.CodeOf(err)
	lineage := BuildLineage(q)
	o.audit.Write(&storage.QueryEvent{
		RequestID:    opts.RequestID,
		TenantID:     o.tenantID,
		DatabaseID:   o.databaseID,
		UserID:       opts.UserID,
		Timestamp:    start.UTC(),
		Event:        storage.EventQueryExecute,
		Result:       storage.ResultError,
		QueryHash:    hash,
		Query:        preview(q),
		Members:      lineage.Members,
		Cubes:        lineage.Cubes,
		DurationMs:   float32(elapsed.Microseconds()) / 1000,
		ErrorCode:    code,
		ErrorMessage: err.Error(),
	})
	o.metrics.ObserveQuery(storage.ResultError, code, elapsed)
	o.logger.Info("query rejected",
		zap.String("request_id", opts.RequestID),
		zap.String("query_hash", hash),
		zap.String("code", code),
	)
}

func preview(q cube.Query) string {
	raw, err := json.Marshal(q)
	if err != nil {
		return ""
	}
	return storage.Truncate(string(raw), storage.QueryPreviewLength)
}

// QueryHash returns the first 16 hex characters of the SHA-256 of q
// encoded as JSON with object keys sorted. Array order is kept. An order
// given in object form hashes as an object, so its key order is ignored.
func QueryHash(q cube.Query) (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("QueryHash: %w", err)
	}
	v, err := decodeGeneric(raw)
	if err != nil {
		return "", fmt.Errorf("QueryHash: %w", err)
	}
	if fields, ok := v.(map[string]any); ok && q.Order.Keyed() {
		byMember := make(map[string]any, len(q.Order))
		for _, it := range q.Order {
			byMember[it.Member] = it.Direction
		}
		fields["order"] = byMember
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("QueryHash: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])[:16], nil
}

// decodeGeneric decodes raw into generic maps, which encoding/json writes
// back with sorted keys. Numbers are kept verbatim.
func decodeGeneric(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// BuildSchema lists annotated fields: measures, then dimensions, then time
// dimensions, each in the order the engine reported them.
func BuildSchema(a cube.Annotation) []SchemaField {
	out := make([]SchemaField, 0, len(a.Measures)+len(a.Dimensions)+len(a.TimeDimensions))
	for _, group := range []cube.Annotations{a.Measures, a.Dimensions, a.TimeDimensions} {
		for _, e := range group {
			out = append(out, SchemaField{
				Key:        e.Key,
				Type:       e.Type,
				Title:      e.Title,
				ShortTitle: e.ShortTitle,
				Meta:       e.Meta,
			})
		}
	}
	return out
}

// BuildLineage returns the sorted, deduplicated members and cubes a query
// touches.
func BuildLineage(q cube.Query) Lineage {
	members := policy.ReferencedMembers(q)
	sort.Strings(members)

	seen := make(map[string]bool, len(members))
	cubes := []string{}
	for _, m := range members {
		c, _, _ := strings.Cut(m, ".")
		if seen[c] {
			continue
		}
		seen[c] = true
		cubes = append(cubes, c)
	}
	sort.Strings(cubes)
	return Lineage{Cubes: cubes, Members: members}
}
