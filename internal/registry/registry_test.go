package registry

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/semgate/internal/apperror"
	"go.uber.org/zap"
)

func newTestRegistry() *Registry {
	return NewWithStore(NewMemoryStore(), time.Minute, zap.NewNop())
}

func TestScopeDatabaseID(t *testing.T) {
	a := ScopeDatabaseID("analytics", "tenant-a")
	b := ScopeDatabaseID("analytics", "tenant-b")

	if a == b {
		t.Fatalf("expected distinct ids across tenants, both %s", a)
	}
	if a == "analytics" || b == "analytics" {
		t.Fatal("scoped ids must differ from the unscoped slug")
	}
	if a != ScopeDatabaseID("analytics", "tenant-a") {
		t.Fatal("scoping must be deterministic")
	}
	if ScopeDatabaseID("analytics", "") != "analytics" {
		t.Fatal("expected unscoped slug without tenant")
	}
	if !regexp.MustCompile(`^analytics-[0-9a-f]{8}$`).MatchString(a) {
		t.Fatalf("unexpected scoped id format %s", a)
	}
}

func TestCreate_DefaultsSlugAndStatus(t *testing.T) {
	r := newTestRegistry()
	d, err := r.Create(context.Background(), CreateParams{ID: "db1", TenantID: "tenant-a"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if d.Slug != "db1" {
		t.Fatalf("expected slug db1, got %s", d.Slug)
	}
	if d.Status != StatusInactive {
		t.Fatalf("expected inactive, got %s", d.Status)
	}
	if d.ID != ScopeDatabaseID("db1", "tenant-a") {
		t.Fatalf("expected scoped id, got %s", d.ID)
	}
}

func TestCreate_SameSlugAcrossTenants(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	a, err := r.Create(ctx, CreateParams{ID: "analytics", TenantID: "tenant-a"})
	if err != nil {
		t.Fatal(err)
	}
	b, err := r.Create(ctx, CreateParams{ID: "analytics", TenantID: "tenant-b"})
	if err != nil {
		t.Fatalf("second tenant should be able to reuse the slug: %v", err)
	}
	if a.ID == b.ID {
		t.Fatal("expected distinct storage ids")
	}

	_, err = r.Create(ctx, CreateParams{ID: "analytics", TenantID: "tenant-a"})
	if apperror.KindOf(err) != apperror.KindConflict {
		t.Fatalf("expected conflict for duplicate slug within tenant, got %v", err)
	}
}

func TestCreate_RejectsBadSlug(t *testing.T) {
	r := newTestRegistry()
	_, err := r.Create(context.Background(), CreateParams{ID: "-bad slug"})
	if apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	created, err := r.Create(ctx, CreateParams{ID: "db1", TenantID: "tenant-a"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, CreateParams{ID: "db2", TenantID: "tenant-b"}); err != nil {
		t.Fatal(err)
	}

	// by slug and by storage id
	for _, ref := range []string{"db1", created.ID} {
		got, err := r.Get(ctx, ref, "tenant-b")
		if err != nil {
			t.Fatal(err)
		}
		if got != nil {
			t.Fatalf("tenant-b must not see %s", ref)
		}
	}

	got, err := r.Get(ctx, "db1", "tenant-a")
	if err != nil || got == nil {
		t.Fatalf("tenant-a should see its own db: %v", err)
	}

	list, err := r.List(ctx, "tenant-a")
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range list {
		if d.TenantID != "tenant-a" {
			t.Fatalf("list leaked row owned by %s", d.TenantID)
		}
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 row for tenant-a, got %d", len(list))
	}

	deleted, err := r.Delete(ctx, "db1", "tenant-b")
	if err != nil {
		t.Fatal(err)
	}
	if deleted {
		t.Fatal("cross-tenant delete must report failure")
	}
	if ok, _ := r.Exists(ctx, created.ID, "tenant-a"); !ok {
		t.Fatal("row must be untouched after cross-tenant delete")
	}

	name := "hijacked"
	upd, err := r.Update(ctx, created.ID, UpdateParams{Name: &name}, "tenant-b")
	if err != nil || upd != nil {
		t.Fatalf("cross-tenant update must be a no-op, got %v %v", upd, err)
	}
	changed, err := r.UpdateStatus(ctx, created.ID, StatusActive, "", "tenant-b")
	if err != nil || changed {
		t.Fatalf("cross-tenant status update must be a no-op, got %v %v", changed, err)
	}
}

func TestGet_WithoutTenantMatchesAnyRow(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	created, err := r.Create(ctx, CreateParams{ID: "db1", TenantID: "tenant-a"})
	if err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(ctx, created.ID, "")
	if err != nil || got == nil {
		t.Fatalf("expected row without tenant filter: %v", err)
	}
}

func TestDelete_RefusesActive(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.Create(ctx, CreateParams{ID: "db1", Status: StatusActive}); err != nil {
		t.Fatal(err)
	}

	_, err := r.Delete(ctx, "db1", "")
	e, ok := apperror.As(err)
	if !ok || e.Kind != apperror.KindPolicy || e.Code != "DATABASE_ACTIVE" {
		t.Fatalf("expected DATABASE_ACTIVE policy error, got %v", err)
	}
	if ok, _ := r.Exists(ctx, "db1", ""); !ok {
		t.Fatal("active database must survive a refused delete")
	}

	if _, err := r.UpdateStatus(ctx, "db1", StatusInactive, "", ""); err != nil {
		t.Fatal(err)
	}
	deleted, err := r.Delete(ctx, "db1", "")
	if err != nil || !deleted {
		t.Fatalf("expected delete after deactivation, got %v %v", deleted, err)
	}
	if ok, _ := r.Exists(ctx, "db1", ""); ok {
		t.Fatal("expected row to be gone")
	}
}

func TestUpdate_InvalidatesCache(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.Create(ctx, CreateParams{ID: "db1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "db1", ""); err != nil { // warm cache
		t.Fatal(err)
	}

	limit := 250
	if _, err := r.Update(ctx, "db1", UpdateParams{MaxLimit: &limit}, ""); err != nil {
		t.Fatal(err)
	}
	got, err := r.Get(ctx, "db1", "")
	if err != nil {
		t.Fatal(err)
	}
	if got.MaxLimit == nil || *got.MaxLimit != 250 {
		t.Fatalf("expected fresh row after update, got %+v", got.MaxLimit)
	}

	bad := 0
	if _, err := r.Update(ctx, "db1", UpdateParams{MaxLimit: &bad}, ""); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for max_limit 0, got %v", err)
	}
}

func TestUpdateStatus_RecordsError(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.Create(ctx, CreateParams{ID: "db1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.UpdateStatus(ctx, "db1", StatusError, "meta fetch failed", ""); err != nil {
		t.Fatal(err)
	}
	got, _ := r.Get(ctx, "db1", "")
	if got.Status != StatusError || got.LastError != "meta fetch failed" {
		t.Fatalf("unexpected row %+v", got)
	}
	if _, err := r.UpdateStatus(ctx, "db1", Status("paused"), "", ""); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for unknown status, got %v", err)
	}
}

func TestListActive(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	if _, err := r.Create(ctx, CreateParams{ID: "on", Status: StatusActive}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Create(ctx, CreateParams{ID: "off"}); err != nil {
		t.Fatal(err)
	}
	active, err := r.ListActive(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(active) != 1 || active[0].ID != "on" {
		t.Fatalf("expected only the active database, got %d rows", len(active))
	}
}

func TestEnsureTenant_DerivesAndDedupesSlug(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()

	first, err := r.EnsureTenant(ctx, "Acme Corp", "")
	if err != nil {
		t.Fatal(err)
	}
	if first.Slug != "acme-corp" {
		t.Fatalf("expected acme-corp, got %s", first.Slug)
	}

	again, err := r.EnsureTenant(ctx, "Acme Corp", "")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != first.ID {
		t.Fatal("EnsureTenant must be idempotent per external id")
	}

	second, err := r.EnsureTenant(ctx, "acme corp!", "")
	if err != nil {
		t.Fatal(err)
	}
	if second.Slug != "acme-corp-2" {
		t.Fatalf("expected acme-corp-2, got %s", second.Slug)
	}
}

func TestUpdateTenantSlug(t *testing.T) {
	r := newTestRegistry()
	ctx := context.Background()
	a, _ := r.EnsureTenant(ctx, "org_alpha", "Alpha")
	b, _ := r.EnsureTenant(ctx, "org_beta", "Beta")

	if _, err := r.UpdateTenantSlug(ctx, a.ID, "Bad_Slug"); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := r.UpdateTenantSlug(ctx, a.ID, "ab"); apperror.KindOf(err) != apperror.KindValidation {
		t.Fatalf("expected validation error for short slug, got %v", err)
	}
	if _, err := r.UpdateTenantSlug(ctx, a.ID, b.Slug); apperror.KindOf(err) != apperror.KindConflict {
		t.Fatalf("expected conflict, got %v", err)
	}

	same, err := r.UpdateTenantSlug(ctx, a.ID, a.Slug)
	if err != nil || same.Slug != a.Slug {
		t.Fatalf("setting the current slug must succeed, got %v", err)
	}

	renamed, err := r.UpdateTenantSlug(ctx, a.ID, "alpha-analytics")
	if err != nil {
		t.Fatal(err)
	}
	if renamed.Slug != "alpha-analytics" {
		t.Fatalf("expected rename, got %s", renamed.Slug)
	}
}

func TestDeriveTenantSlug(t *testing.T) {
	cases := map[string]string{
		"Acme Corp":          "acme-corp",
		"jane@example.com":   "jane",
		"42-widgets":         "widgets",
		"x":                  "tenant-x",
		"!!!":                "tenant",
		strings.Repeat("a", 80): strings.Repeat("a", 48),
	}
	for in, want := range cases {
		got := DeriveTenantSlug(in)
		if got != want {
			t.Errorf("DeriveTenantSlug(%q) = %q, want %q", in, got, want)
		}
		if err := ValidateTenantSlug(got); err != nil {
			t.Errorf("derived slug %q is invalid: %v", got, err)
		}
	}
	if s := suffixedSlug(strings.Repeat("a", 48), 12); len(s) > 48 || !strings.HasSuffix(s, "-12") {
		t.Fatalf("suffixed slug out of bounds: %s", s)
	}
}
