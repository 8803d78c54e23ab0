package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/triage-ai/semgate/internal/apperror"
	"github.com/triage-ai/semgate/internal/auth"
	"github.com/triage-ai/semgate/internal/config"
	"github.com/triage-ai/semgate/internal/governance"
	"github.com/triage-ai/semgate/internal/handler"
	"github.com/triage-ai/semgate/internal/metrics"
	"github.com/triage-ai/semgate/internal/registry"
	"go.uber.org/zap"
)

const metaBody = `{"cubes":[
 {"name":"Orders","title":"Orders",
  "measures":[
   {"name":"Orders.count","title":"Orders Count","shortTitle":"Count","type":"number","aggType":"count"},
   {"name":"Orders.totalRevenue","title":"Total Revenue","shortTitle":"Revenue","type":"number","aggType":"sum"}],
  "dimensions":[
   {"name":"Orders.status","title":"Orders Status","type":"string"},
   {"name":"Orders.createdAt","title":"Orders Created At","type":"time"}],
  "segments":[]},
 {"name":"Users","title":"Users",
  "measures":[],
  "dimensions":[{"name":"Users.email","title":"Users Email","type":"string"}],
  "segments":[]}]}`

const loadBody = `{"data":[{"Orders.count":"42"}],
 "annotation":{"measures":{"Orders.count":{"title":"Orders Count","shortTitle":"Count","type":"number"}},
  "dimensions":{},"segments":{},"timeDimensions":{}}}`

type stubRegistry struct{ db *registry.Database }

func (s stubRegistry) Get(_ context.Context, ref, tenantID string) (*registry.Database, error) {
	if ref != s.db.ID || tenantID != s.db.TenantID {
		return nil, nil
	}
	cp := *s.db
	return &cp, nil
}

type fixture struct {
	svc     *Service
	metrics *metrics.Metrics
	loads   *atomic.Int32
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	loads := &atomic.Int32{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/meta":
			_, _ = w.Write([]byte(metaBody))
		case "/load":
			loads.Add(1)
			_, _ = w.Write([]byte(loadBody))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)

	gov := governance.NewMemoryStore()
	pii := true
	if err := gov.Save(context.Background(), "t1", "sales", &governance.Document{
		Version: governance.DefaultVersion,
		Members: map[string]governance.Override{"Users.email": {PII: &pii}},
	}); err != nil {
		t.Fatal(err)
	}

	cache := handler.NewCache(handler.Config{
		Registry: stubRegistry{db: &registry.Database{
			ID: "sales", Slug: "sales", TenantID: "t1", Status: registry.StatusActive, UpdatedAt: time.Unix(1, 0),
		}},
		Settings: config.DatabaseSettings{
			CubeAPIURL:    srv.URL,
			CubeAPISecret: "secret",
			MaxLimit:      1000,
			MetaTimeout:   2 * time.Second,
			QueryTimeout:  2 * time.Second,
		},
		Governance: gov,
		Logger:     zap.NewNop(),
	})
	m := metrics.New(prometheus.NewRegistry())
	svc, err := NewService(cache, m, zap.NewNop())
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return &fixture{svc: svc, metrics: m, loads: loads}
}

var tenant = &auth.Identity{TenantID: "t1", UserID: "u1"}

func TestDefinitions(t *testing.T) {
	f := newFixture(t)
	defs := f.svc.Definitions()
	if len(defs) != 3 {
		t.Fatalf("expected 3 tools, got %d", len(defs))
	}
	for _, d := range defs {
		var schema map[string]any
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
			t.Fatalf("%s: schema is not JSON: %v", d.Name, err)
		}
		if schema["type"] != "object" {
			t.Fatalf("%s: expected object schema", d.Name)
		}
	}
}

func TestCall_CatalogSearchTypo(t *testing.T) {
	f := newFixture(t)
	out, err := f.svc.Call(context.Background(), tenant, "sales", ToolCatalogSearch, json.RawMessage(`{"query":"revenu","limit":5}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	res := out.(*SearchResult)
	if res.Count != len(res.Results) || res.Count == 0 {
		t.Fatalf("unexpected result %+v", res)
	}
	found := false
	for _, r := range res.Results {
		if r.Name == "Orders.totalRevenue" {
			found = true
			if r.Score <= 0 || r.Cube != "Orders" || r.Type != "measure" {
				t.Fatalf("unexpected hit %+v", r)
			}
		}
	}
	if !found {
		t.Fatalf("expected Orders.totalRevenue in %+v", res.Results)
	}
	if got := testutil.ToFloat64(f.metrics.ToolCalls.WithLabelValues(ToolCatalogSearch, "ok")); got != 1 {
		t.Fatalf("expected one ok tool call, got %v", got)
	}
}

func TestCall_SchemaRejectsBadArguments(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"missing query":    `{}`,
		"unknown type":     `{"query":"x","types":["table"]}`,
		"extra field":      `{"query":"x","bogus":1}`,
		"limit wrong type": `{"query":"x","limit":"ten"}`,
	}
	for name, args := range cases {
		_, err := f.svc.Call(context.Background(), tenant, "sales", ToolCatalogSearch, json.RawMessage(args))
		if apperror.CodeOf(err) != "INVALID_ARGUMENTS" {
			t.Errorf("%s: expected INVALID_ARGUMENTS, got %v", name, err)
		}
	}
	if _, err := f.svc.Call(context.Background(), tenant, "sales", ToolCatalogDescribe, json.RawMessage(`not json`)); apperror.CodeOf(err) != "INVALID_ARGUMENTS" {
		t.Fatalf("expected INVALID_ARGUMENTS for malformed JSON, got %v", err)
	}
}

func TestCall_UnknownTool(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Call(context.Background(), tenant, "sales", "drop_tables", nil)
	if apperror.CodeOf(err) != "UNKNOWN_TOOL" {
		t.Fatalf("expected UNKNOWN_TOOL, got %v", err)
	}
}

func TestCall_DescribeUnknownMemberSuggests(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Call(context.Background(), tenant, "sales", ToolCatalogDescribe, json.RawMessage(`{"member":"Orders.cont"}`))
	e, ok := apperror.As(err)
	if !ok || e.Code != "UNKNOWN_MEMBER" {
		t.Fatalf("expected UNKNOWN_MEMBER, got %v", err)
	}
	if len(e.Suggestions) == 0 {
		t.Fatal("expected suggestions")
	}
}

func TestCall_QuerySemantic(t *testing.T) {
	f := newFixture(t)
	ctx := WithRequestID(context.Background(), "req-9")
	out, err := f.svc.Call(ctx, tenant, "sales", ToolQuerySemantic, json.RawMessage(`{"measures":["Orders.count"],"limit":10}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	raw, _ := json.Marshal(out)
	var res struct {
		Data    []map[string]any `json:"data"`
		Lineage struct {
			Cubes []string `json:"cubes"`
		} `json:"lineage"`
		Debug struct {
			QueryHash string  `json:"query_hash"`
			SQL       *string `json:"sql"`
		} `json:"debug"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Data) != 1 || len(res.Debug.QueryHash) != 16 || res.Debug.SQL != nil {
		t.Fatalf("unexpected result %s", raw)
	}
	if strings.Join(res.Lineage.Cubes, ",") != "Orders" {
		t.Fatalf("expected lineage [Orders], got %v", res.Lineage.Cubes)
	}
}

func TestCall_QuerySemanticViolationsSkipEngine(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Call(context.Background(), tenant, "sales", ToolQuerySemantic, json.RawMessage(`{"measures":["Orders.count"]}`))
	if apperror.CodeOf(err) != "MISSING_LIMIT" {
		t.Fatalf("expected MISSING_LIMIT, got %v", err)
	}

	_, err = f.svc.Call(context.Background(), tenant, "sales", ToolQuerySemantic, json.RawMessage(`{"measures":["Orders.count"],"limit":5000}`))
	if err == nil || !strings.Contains(err.Error(), "limit") {
		t.Fatalf("expected limit error, got %v", err)
	}

	_, err = f.svc.Call(context.Background(), tenant, "sales", ToolQuerySemantic,
		json.RawMessage(`{"measures":["Orders.count"],"dimensions":["Users.email"],"limit":10}`))
	if apperror.KindOf(err) != apperror.KindGovernance {
		t.Fatalf("expected governance rejection, got %v", err)
	}

	if f.loads.Load() != 0 {
		t.Fatalf("engine must not run for rejected queries, got %d loads", f.loads.Load())
	}
}

func TestCall_OtherTenantCannotSeeDatabase(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Call(context.Background(), &auth.Identity{TenantID: "t2"}, "sales", ToolCatalogSearch, json.RawMessage(`{"query":"orders"}`))
	if apperror.KindOf(err) != apperror.KindNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}
