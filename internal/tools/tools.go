// Package tools implements the agent-facing tool contract over the
// per-database handlers: catalog_search, catalog_describe and
// query_semantic.
package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/catalog"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/handler"
	"github.com/triage-ai/semgate/internal/metrics"
	"github.com/triage-ai/semgate/internal/orchestrator"
	"go.uber.org/zap"
)

const (
	ToolCatalogSearch   = "catalog_search"
	ToolCatalogDescribe = "catalog_describe"
	ToolQuerySemantic   = "query_semantic"
)

// Definition describes one tool to the calling agent.
type Definition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

var definitions = []Definition{
	{
		Name:        ToolCatalogSearch,
		Description: "Fuzzy-search the semantic catalog for measures, dimensions and segments.",
		InputSchema: json.RawMessage(catalogSearchSchema),
	},
	{
		Name:        ToolCatalogDescribe,
		Description: "Describe one catalog member and list related members.",
		InputSchema: json.RawMessage(catalogDescribeSchema),
	},
	{
		Name:        ToolQuerySemantic,
		Description: "Run a governed semantic query. A limit is required.",
		InputSchema: json.RawMessage(querySemanticSchema),
	},
}

// Handlers resolves the handler for a database. *handler.Cache satisfies it.
type Handlers interface {
	Get(ctx context.Context, databaseID, tenantID string) (*handler.Handler, error)
}

type Service struct {
	handlers Handlers
	schemas  map[string]*jsonschema.Schema
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService compiles the tool schemas and returns the service.
func NewService(handlers Handlers, m *metrics.Metrics, logger *zap.Logger) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := jsonschema.NewCompiler()
	schemas := make(map[string]*jsonschema.Schema, len(definitions))
	for _, d := range definitions {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(d.InputSchema))
		if err != nil {
			return nil, fmt.Errorf("NewService: %s schema: %w", d.Name, err)
		}
		url := d.Name + ".json"
		if err := c.AddResource(url, doc); err != nil {
			return nil, fmt.Errorf("NewService: %s schema: %w", d.Name, err)
		}
		sch, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("NewService: %s schema: %w", d.Name, err)
		}
		schemas[d.Name] = sch
	}
	return &Service{handlers: handlers, schemas: schemas, metrics: m, logger: logger}, nil
}

// Definitions lists the available tools.
func (s *Service) Definitions() []Definition {
	out := make([]Definition, len(definitions))
	copy(out, definitions)
	return out
}

// Call validates args against the tool's schema and dispatches it.
func (s *Service) Call(ctx context.Context, id *auth.Identity, databaseID, tool string, args json.RawMessage) (any, error) {
	start := time.Now()
	out, err := s.call(ctx, id, databaseID, tool, args)

	status := "ok"
	if err != nil {
		status = string(apperror.KindOf(err))
	}
	s.metrics.ObserveTool(tool, status)
	s.logger.Debug("tool call",
		zap.String("tool", tool),
		zap.String("database_id", databaseID),
		zap.String("status", status),
		zap.Duration("duration", time.Since(start)),
	)
	return out, err
}

func (s *Service) call(ctx context.Context, id *auth.Identity, databaseID, tool string, args json.RawMessage) (any, error) {
	sch, ok := s.schemas[tool]
	if !ok {
		return nil, apperror.NotFound("UNKNOWN_TOOL", fmt.Sprintf("unknown tool %q", tool))
	}
	if len(bytes.TrimSpace(args)) == 0 {
		args = json.RawMessage(`{}`)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return nil, apperror.Validation("INVALID_ARGUMENTS", fmt.Sprintf("arguments are not valid JSON: %v", err))
	}
	if err := sch.Validate(inst); err != nil {
		return nil, apperror.Validation("INVALID_ARGUMENTS", fmt.Sprintf("%s arguments failed schema validation: %v", tool, err))
	}

	switch tool {
	case ToolCatalogSearch:
		var a SearchArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, apperror.Validation("INVALID_ARGUMENTS", err.Error())
		}
		return s.CatalogSearch(ctx, id, databaseID, a)
	case ToolCatalogDescribe:
		var a DescribeArgs
		if err := json.Unmarshal(args, &a); err != nil {
			return nil, apperror.Validation("INVALID_ARGUMENTS", err.Error())
		}
		return s.CatalogDescribe(ctx, id, databaseID, a)
	default:
		var q cube.Query
		if err := json.Unmarshal(args, &q); err != nil {
			return nil, apperror.Validation("INVALID_ARGUMENTS", err.Error())
		}
		return s.QuerySemantic(ctx, id, databaseID, q)
	}
}

func (s *Service) handler(ctx context.Context, id *auth.Identity, databaseID string) (*handler.Handler, error) {
	tenantID := ""
	if id != nil {
		tenantID = id.TenantID
	}
	return s.handlers.Get(ctx, databaseID, tenantID)
}

type SearchArgs struct {
	Query string   `json:"query"`
	Types []string `json:"types,omitempty"`
	Cubes []string `json:"cubes,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

type SearchItem struct {
	Name        string             `json:"name"`
	Type        catalog.MemberType `json:"type"`
	Title       string             `json:"title"`
	Description string             `json:"description"`
	Cube        string             `json:"cube"`
	Score       float64            `json:"score"`
}

type SearchResult struct {
	Results []SearchItem `json:"results"`
	Count   int          `json:"count"`
}

func (s *Service) CatalogSearch(ctx context.Context, id *auth.Identity, databaseID string, args SearchArgs) (*SearchResult, error) {
	h, err := s.handler(ctx, id, databaseID)
	if err != nil {
		return nil, err
	}
	types := make([]catalog.MemberType, 0, len(args.Types))
	for _, t := range args.Types {
		mt := catalog.MemberType(t)
		if !mt.Valid() {
			return nil, apperror.Validation("INVALID_ARGUMENTS", fmt.Sprintf("unknown member type %q", t))
		}
		types = append(types, mt)
	}

	hits, err := h.Catalog.Search(args.Query, catalog.SearchOptions{Types: types, Cubes: args.Cubes, Limit: args.Limit})
	if err != nil {
		return nil, err
	}
	res := &SearchResult{Results: make([]SearchItem, 0, len(hits)), Count: len(hits)}
	for _, hit := range hits {
		res.Results = append(res.Results, SearchItem{
			Name:        hit.Member.Name,
			Type:        hit.Member.Type,
			Title:       hit.Member.Title,
			Description: hit.Member.Description,
			Cube:        hit.Member.CubeName,
			Score:       hit.Score,
		})
	}
	return res, nil
}

type DescribeArgs struct {
	Member string `json:"member"`
}

func (s *Service) CatalogDescribe(ctx context.Context, id *auth.Identity, databaseID string, args DescribeArgs) (*catalog.Description, error) {
	h, err := s.handler(ctx, id, databaseID)
	if err != nil {
		return nil, err
	}
	return h.Catalog.Describe(args.Member)
}

// QuerySemantic runs q through the database's governed pipeline.
func (s *Service) QuerySemantic(ctx context.Context, id *auth.Identity, databaseID string, q cube.Query) (*orchestrator.Result, error) {
	h, err := s.handler(ctx, id, databaseID)
	if err != nil {
		return nil, err
	}
	opts := orchestrator.ExecOptions{RequestID: RequestID(ctx)}
	if id != nil {
		opts.UserID = id.UserID
	}
	return h.Orchestrator.Execute(ctx, q, opts)
}

type requestIDKey struct{}

// WithRequestID returns a copy of ctx carrying the request id used to
// correlate audit events.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, requestID)
}

func RequestID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey{}).(string)
	return v
}
