package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/cube"
	"github.com/triage-ai/semgate/internal/governance"
	"github.com/triage-ai/semgate/internal/policy"
	"github.com/triage-ai/semgate/internal/policy/rules"
	"github.com/triage-ai/semgate/internal/storage"
	"go.uber.org/zap"
)

type recorder struct {
	mu     sync.Mutex
	events []*storage.QueryEvent
}

func (r *recorder) Write(e *storage.QueryEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Close() {}

type stubEngine struct {
	resp    *cube.LoadResponse
	loadErr error
	sqlErr  error
	loads   int
	lastQ   cube.Query
}

func (s *stubEngine) Load(_ context.Context, q cube.Query) (*cube.LoadResponse, error) {
	s.loads++
	s.lastQ = q
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	return s.resp, nil
}

func (s *stubEngine) SQL(context.Context, cube.Query) (string, error) {
	if s.sqlErr != nil {
		return "", s.sqlErr
	}
	return `SELECT count(*) FROM orders`, nil
}

type source struct{ doc *governance.Document }

func (s source) Governance() *governance.Document { return s.doc }
func (source) DefaultSegments() []string { return []string{"Orders.completed"} }
func (source) DefaultFilters() []cube.Filter { return nil }

func loadResponse(t *testing.T) *cube.LoadResponse {
	t.Helper()
	var resp cube.LoadResponse
	raw := `{
		"data": [{"Orders.count": "42", "Orders.status": "shipped"}],
		"annotation": {
			"dimensions": {"Orders.status": {"title": "Orders Status", "shortTitle": "Status", "type": "string"}},
			"measures": {"Orders.count": {"title": "Orders Count", "shortTitle": "Count", "type": "number"}},
			"timeDimensions": {}
		}
	}`
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		t.Fatal(err)
	}
	return &resp
}

func newOrchestrator(engine Engine, doc *governance.Document, returnSQL bool, audit storage.EventWriter) *Orchestrator {
	enf := policy.NewEnforcer(rules.Default(), source{doc: doc}, policy.Settings{MaxLimit: 1000, ReturnSQL: returnSQL}, zap.NewNop())
	return New(Config{DatabaseID: "sales", Engine: engine, Policy: enf, Audit: audit, Logger: zap.NewNop()})
}

var hex16 = regexp.MustCompile(`^[0-9a-f]{16}$`)

func TestExecute_Success(t *testing.T) {
	engine := &stubEngine{resp: loadResponse(t)}
	audit := &recorder{}
	o := newOrchestrator(engine, governance.Default(), false, audit)

	res, err := o.Execute(context.Background(), cube.Query{
		Measures:   []string{"Orders.count"},
		Dimensions: []string{"Orders.status"},
		Filters:    []cube.Filter{{Member: "Orders.status", Operator: "equals", Values: []string{"shipped"}}},
		Limit:      cube.IntPtr(10),
	}, ExecOptions{RequestID: "req-1"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !hex16.MatchString(res.Debug.QueryHash) {
		t.Fatalf("expected 16 hex chars, got %q", res.Debug.QueryHash)
	}
	if len(res.Lineage.Cubes) != 1 || res.Lineage.Cubes[0] != "Orders" {
		t.Fatalf("unexpected cubes %v", res.Lineage.Cubes)
	}
	count := 0
	for _, m := range res.Lineage.Members {
		if m == "Orders.status" {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("Orders.status should appear once in lineage, got %v", res.Lineage.Members)
	}

	if len(res.Schema) != 2 || res.Schema[0].Key != "Orders.count" || res.Schema[1].Key != "Orders.status" {
		t.Fatalf("schema must list measures before dimensions, got %+v", res.Schema)
	}
	if res.Debug.SQL != nil {
		t.Fatal("sql must be null when disclosure is off")
	}
	if len(res.NormalizedQuery.Segments) != 1 || len(res.Notes) != 1 {
		t.Fatalf("expected default segment applied with a note, got %v / %v", res.NormalizedQuery.Segments, res.Notes)
	}
	if len(engine.lastQ.Segments) != 1 {
		t.Fatal("engine must receive the normalized query")
	}

	if len(audit.events) != 1 {
		t.Fatalf("expected one audit event, got %d", len(audit.events))
	}
	ev := audit.events[0]
	if ev.Result != storage.ResultSuccess || ev.RowCount != 1 || ev.QueryHash != res.Debug.QueryHash || ev.RequestID != "req-1" {
		t.Fatalf("unexpected audit event %+v", ev)
	}
}

func TestExecute_ValidationFailureSkipsEngine(t *testing.T) {
	engine := &stubEngine{resp: loadResponse(t)}
	audit := &recorder{}
	o := newOrchestrator(engine, governance.Default(), false, audit)

	_, err := o.Execute(context.Background(), cube.Query{
		Measures: []string{"Orders.count"},
		Limit:    cube.IntPtr(5000),
	}, ExecOptions{})
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("expected limit error, got %v", err)
	}
	if apperror.CodeOf(err) != "LIMIT_EXCEEDED" {
		t.Fatalf("expected LIMIT_EXCEEDED, got %s", apperror.CodeOf(err))
	}
	if engine.loads != 0 {
		t.Fatal("engine must not be called for an invalid query")
	}
	if len(audit.events) != 1 || audit.events[0].Result != storage.ResultError || audit.events[0].ErrorCode != "LIMIT_EXCEEDED" {
		t.Fatalf("expected error audit, got %+v", audit.events)
	}
}

func TestExecute_MissingLimitRejected(t *testing.T) {
	engine := &stubEngine{resp: loadResponse(t)}
	o := newOrchestrator(engine, governance.Default(), false, &recorder{})
	_, err := o.Execute(context.Background(), cube.Query{Measures: []string{"Orders.count"}}, ExecOptions{})
	if apperror.CodeOf(err) != "MISSING_LIMIT" || engine.loads != 0 {
		t.Fatalf("expected MISSING_LIMIT without execution, got %v", err)
	}
}

func TestExecute_GovernanceRejectsWholeQuery(t *testing.T) {
	doc := &governance.Document{Members: map[string]governance.Override{"Users.email": {PII: governance.Bool(true)}}}
	engine := &stubEngine{resp: loadResponse(t)}
	o := newOrchestrator(engine, doc, false, &recorder{})

	_, err := o.Execute(context.Background(), cube.Query{
		Measures:   []string{"Orders.count"},
		Dimensions: []string{"Users.email"},
		Limit:      cube.IntPtr(10),
	}, ExecOptions{})
	if apperror.KindOf(err) != apperror.KindGovernance || engine.loads != 0 {
		t.Fatalf("expected governance rejection, got %v", err)
	}
}

func TestExecute_UpstreamErrorPropagates(t *testing.T) {
	engine := &stubEngine{loadErr: apperror.Upstream(500, `{"error":"boom"}`, nil)}
	audit := &recorder{}
	o := newOrchestrator(engine, governance.Default(), false, audit)

	_, err := o.Execute(context.Background(), cube.Query{Measures: []string{"Orders.count"}, Limit: cube.IntPtr(10)}, ExecOptions{})
	e, ok := apperror.As(err)
	if !ok || e.Kind != apperror.KindUpstream {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if engine.loads != 1 {
		t.Fatalf("expected a single attempt, got %d", engine.loads)
	}
	if audit.events[0].ErrorCode != "UPSTREAM_ERROR" {
		t.Fatalf("expected upstream code audited, got %+v", audit.events[0])
	}
}

func TestExecute_SQLPreview(t *testing.T) {
	engine := &stubEngine{resp: loadResponse(t)}
	o := newOrchestrator(engine, governance.Default(), true, &recorder{})
	q := cube.Query{Measures: []string{"Orders.count"}, Limit: cube.IntPtr(10)}

	res, err := o.Execute(context.Background(), q, ExecOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Debug.SQL == nil || !strings.HasPrefix(*res.Debug.SQL, "SELECT") {
		t.Fatalf("expected sql preview, got %v", res.Debug.SQL)
	}

	engine.sqlErr = errors.New("sql endpoint down")
	res, err = o.Execute(context.Background(), q, ExecOptions{})
	if err != nil {
		t.Fatalf("sql preview failure must not fail execution: %v", err)
	}
	if res.Debug.SQL != nil {
		t.Fatal("expected null sql after preview failure")
	}

	raw, _ := json.Marshal(res.Debug)
	if !strings.Contains(string(raw), `"sql":null`) {
		t.Fatalf("expected sql:null in %s", raw)
	}
}

func TestQueryHash(t *testing.T) {
	var a, b cube.Query
	if err := json.Unmarshal([]byte(`{"measures":["Orders.count"],"limit":10,"order":{"Orders.count":"desc","Orders.status":"asc"}}`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"order":{"Orders.status":"asc","Orders.count":"desc"},"limit":10,"measures":["Orders.count"]}`), &b); err != nil {
		t.Fatal(err)
	}
	ha, _ := QueryHash(a)
	hb, _ := QueryHash(b)
	if ha != hb {
		t.Fatalf("structurally equal queries hashed differently: %s vs %s", ha, hb)
	}
	if len(b.Order) != 2 || b.Order[0].Member != "Orders.status" {
		t.Fatalf("order object must keep its given sequence for the engine, got %+v", b.Order)
	}

	var p1, p2 cube.Query
	if err := json.Unmarshal([]byte(`{"measures":["Orders.count"],"order":[["Orders.count","desc"],["Orders.status","asc"]]}`), &p1); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`{"measures":["Orders.count"],"order":[["Orders.status","asc"],["Orders.count","desc"]]}`), &p2); err != nil {
		t.Fatal(err)
	}
	h1, _ := QueryHash(p1)
	h2, _ := QueryHash(p2)
	if h1 == h2 {
		t.Fatal("pair-form order is an array and its sequence must be part of the hash")
	}
	again, _ := QueryHash(a)
	if again != ha {
		t.Fatal("hash is not deterministic")
	}

	a.Limit = cube.IntPtr(11)
	if hc, _ := QueryHash(a); hc == ha {
		t.Fatal("changing a value must change the hash")
	}

	c := b.Clone()
	c.Measures = []string{"Orders.total", "Orders.count"}
	d := b.Clone()
	d.Measures = []string{"Orders.count", "Orders.total"}
	hc, _ := QueryHash(c)
	hd, _ := QueryHash(d)
	if hc == hd {
		t.Fatal("array order must be part of the hash")
	}
}

func TestBuildLineage(t *testing.T) {
	l := BuildLineage(cube.Query{
		Measures:   []string{"Users.count", "Orders.count"},
		Dimensions: []string{"Orders.status"},
		Filters:    []cube.Filter{{Member: "Orders.status", Operator: "set"}},
	})
	if strings.Join(l.Cubes, ",") != "Orders,Users" {
		t.Fatalf("unexpected cubes %v", l.Cubes)
	}
	if len(l.Members) != 3 {
		t.Fatalf("expected 3 unique members, got %v", l.Members)
	}
}
