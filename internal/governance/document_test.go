package governance

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/triage-ai/semgate/internal/apperror"
)

func TestResolve_NoOverrideFallsBackToDefaults(t *testing.T) {
	doc := &Document{Defaults: Defaults{Exposed: Bool(false), PII: Bool(true)}}

	r := doc.Resolve("Orders.count", "")
	if r.Exposed != false || r.PII != true {
		t.Fatalf("expected defaults, got %+v", r)
	}
	if r.HasOverride {
		t.Fatal("expected no override")
	}
}

func TestResolve_PartialOverrideKeepsOtherDefaults(t *testing.T) {
	doc := &Document{
		Defaults: Defaults{Exposed: Bool(false)},
		Members:  map[string]Override{"Users.email": {PII: Bool(true)}},
	}

	r := doc.Resolve("Users.email", "")
	if !r.PII {
		t.Fatal("expected pii from override")
	}
	if r.Exposed {
		t.Fatal("exposed should fall back to defaults (false)")
	}
}

func TestResolve_BuiltinDefaults(t *testing.T) {
	r := Default().Resolve("Orders.count", "Count of orders")
	if !r.Exposed || r.PII || r.RequiresTimeDimension {
		t.Fatalf("unexpected builtin resolution %+v", r)
	}
	if r.Description != "Count of orders" {
		t.Fatalf("expected member description, got %q", r.Description)
	}

	var nilDoc *Document
	if !nilDoc.Resolve("Orders.count", "").Exposed {
		t.Fatal("nil document must resolve to builtin defaults")
	}
}

func TestResolve_DescriptionAndGroupByChain(t *testing.T) {
	doc := &Document{
		Defaults: Defaults{DeniedGroupBy: []string{"Users.email"}},
		Members: map[string]Override{
			"Orders.total": {Description: String("Gross revenue"), AllowedGroupBy: []string{"Orders.status"}},
		},
	}
	r := doc.Resolve("Orders.total", "Total")
	if r.Description != "Gross revenue" {
		t.Fatalf("expected override description, got %q", r.Description)
	}
	if len(r.AllowedGroupBy) != 1 || r.AllowedGroupBy[0] != "Orders.status" {
		t.Fatalf("unexpected allowed list %v", r.AllowedGroupBy)
	}
	if len(r.DeniedGroupBy) != 1 || r.DeniedGroupBy[0] != "Users.email" {
		t.Fatalf("expected denied list from defaults, got %v", r.DeniedGroupBy)
	}
}

func TestCleanup_RemovesEmptyOverrides(t *testing.T) {
	doc := &Document{Members: map[string]Override{
		"Orders.count":  {},
		"Orders.status": {Description: String("")},
		"Users.email":   {PII: Bool(true)},
	}}
	if n := doc.Cleanup(); n != 2 {
		t.Fatalf("expected 2 removed, got %d", n)
	}
	if _, ok := doc.Members["Users.email"]; !ok {
		t.Fatal("non-empty override must survive")
	}

	doc.SetOverride("Users.email", Override{})
	if doc.Members != nil {
		t.Fatalf("expected members to be empty after clearing, got %v", doc.Members)
	}
}

func TestParse_YAMLAndJSON(t *testing.T) {
	yamlDoc := []byte(`
version: "2.0"
defaults:
  exposed: true
members:
  Users.email:
    pii: true
  Orders.count: {}
defaultSegments:
  - Orders.completed
defaultFilters:
  - member: Orders.status
    operator: notEquals
    values: ["cancelled"]
`)
	doc, err := Parse(yamlDoc)
	if err != nil {
		t.Fatalf("Parse yaml: %v", err)
	}
	if doc.Version != "2.0" || len(doc.DefaultFilters) != 1 || doc.DefaultFilters[0].Values[0] != "cancelled" {
		t.Fatalf("unexpected doc %+v", doc)
	}
	if _, ok := doc.Members["Orders.count"]; ok {
		t.Fatal("empty override should be cleaned on load")
	}

	jsonDoc, err := Parse([]byte(`{"members":{"Users.ssn":{"exposed":false}}}`))
	if err != nil {
		t.Fatalf("Parse json: %v", err)
	}
	if jsonDoc.Version != DefaultVersion {
		t.Fatalf("expected default version, got %s", jsonDoc.Version)
	}
}

func TestParse_SchemaViolation(t *testing.T) {
	_, err := Parse([]byte(`{"members":{"Users.email":{"pii":"yes"}}}`))
	if apperror.KindOf(err) != apperror.KindConfiguration {
		t.Fatalf("expected configuration error, got %v", err)
	}
	_, err = Parse([]byte(`{"members":{"not a member":{"pii":true}}}`))
	if apperror.KindOf(err) != apperror.KindConfiguration {
		t.Fatalf("expected configuration error for bad member name, got %v", err)
	}
}

func TestParse_Empty(t *testing.T) {
	doc, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Version != DefaultVersion {
		t.Fatalf("expected default doc, got %+v", doc)
	}
}

func TestFileStore_RoundTripAndOverride(t *testing.T) {
	dir := t.TempDir()
	s := NewFileStore(dir)
	ctx := context.Background()

	doc, err := s.Load(ctx, "tenant-a", "sales")
	if err != nil || doc != nil {
		t.Fatalf("expected absent document, got %v %v", doc, err)
	}

	if _, err := s.ApplyOverride(ctx, "tenant-a", "sales", "Users.email", Override{PII: Bool(true)}); err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "tenant-a", "sales.yaml")); err != nil {
		t.Fatalf("expected yaml file: %v", err)
	}

	loaded, err := s.Load(ctx, "tenant-a", "sales")
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Resolve("Users.email", "").PII {
		t.Fatal("override not persisted")
	}

	if _, err := s.ApplyOverride(ctx, "tenant-a", "sales", "Users.email", Override{}); err != nil {
		t.Fatal(err)
	}
	loaded, _ = s.Load(ctx, "tenant-a", "sales")
	if _, ok := loaded.Override("Users.email"); ok {
		t.Fatal("cleared override must not persist")
	}
}

func TestFileStore_RevisionTracksWrites(t *testing.T) {
	s := NewFileStore(t.TempDir())
	ctx := context.Background()

	if rev, err := s.Revision(ctx, "", "sales"); err != nil || rev != "" {
		t.Fatalf("expected empty revision for a missing file, got %q %v", rev, err)
	}
	if _, err := s.ApplyOverride(ctx, "", "sales", "Users.email", Override{PII: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	first, err := s.Revision(ctx, "", "sales")
	if err != nil || first == "" {
		t.Fatalf("expected a revision after writing, got %q %v", first, err)
	}
	if _, err := s.ApplyOverride(ctx, "", "sales", "Users.email", Override{}); err != nil {
		t.Fatal(err)
	}
	if second, _ := s.Revision(ctx, "", "sales"); second == first {
		t.Fatal("rewriting the document must change its revision")
	}
}

func TestMemoryStore_RevisionTracksWrites(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if rev, _ := s.Revision(ctx, "tenant-a", "sales"); rev != "" {
		t.Fatalf("expected no revision, got %q", rev)
	}
	if err := s.Save(ctx, "tenant-a", "sales", Default()); err != nil {
		t.Fatal(err)
	}
	first, _ := s.Revision(ctx, "tenant-a", "sales")
	if _, err := s.ApplyOverride(ctx, "tenant-a", "sales", "Users.email", Override{PII: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	second, _ := s.Revision(ctx, "tenant-a", "sales")
	if first == "" || second == first {
		t.Fatalf("each write must produce a new revision, got %q then %q", first, second)
	}
	if rev, _ := s.Revision(ctx, "tenant-b", "sales"); rev != "" {
		t.Fatal("revisions are per tenant")
	}
}

func TestMemoryStore_TenantsAreSeparate(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	if _, err := s.ApplyOverride(ctx, "tenant-a", "sales", "Users.email", Override{PII: Bool(true)}); err != nil {
		t.Fatal(err)
	}
	doc, err := s.Load(ctx, "tenant-b", "sales")
	if err != nil || doc != nil {
		t.Fatalf("tenant-b must not see tenant-a's document, got %v", doc)
	}
}

func TestPostgresStore_Load(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT document FROM catalogs`).
		WithArgs("tenant-a", "sales").
		WillReturnRows(sqlmock.NewRows([]string{"document"}).AddRow(`{"version":"1.0","members":{"Users.email":{"pii":true}}}`))
	mock.ExpectQuery(`SELECT document FROM catalogs`).
		WithArgs("tenant-a", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))

	s := NewPostgresStore(db)
	doc, err := s.Load(context.Background(), "tenant-a", "sales")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !doc.Resolve("Users.email", "").PII {
		t.Fatal("expected pii override")
	}

	missing, err := s.Load(context.Background(), "tenant-a", "missing")
	if err != nil || missing != nil {
		t.Fatalf("expected (nil, nil) for missing doc, got %v %v", missing, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_ApplyOverride(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT document FROM catalogs\s+WHERE .*\s+FOR UPDATE`).
		WithArgs("", "sales").
		WillReturnRows(sqlmock.NewRows([]string{"document"}))
	mock.ExpectExec(`INSERT INTO catalogs`).
		WithArgs("", "sales", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	doc, err := NewPostgresStore(db).ApplyOverride(context.Background(), "", "sales", "Orders.total", Override{RequiresTimeDimension: Bool(true)})
	if err != nil {
		t.Fatalf("ApplyOverride: %v", err)
	}
	if !doc.Resolve("Orders.total", "").RequiresTimeDimension {
		t.Fatal("expected override applied")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestPostgresStore_Revision(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	updated := time.Date(2026, 3, 1, 12, 0, 0, 123000, time.UTC)
	mock.ExpectQuery(`SELECT updated_at FROM catalogs`).
		WithArgs("tenant-a", "sales").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(updated))
	mock.ExpectQuery(`SELECT updated_at FROM catalogs`).
		WithArgs("tenant-a", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}))

	s := NewPostgresStore(db)
	rev, err := s.Revision(context.Background(), "tenant-a", "sales")
	if err != nil {
		t.Fatalf("Revision: %v", err)
	}
	if rev != "2026-03-01T12:00:00.000123Z" {
		t.Fatalf("unexpected revision %q", rev)
	}
	if rev, err := s.Revision(context.Background(), "tenant-a", "missing"); err != nil || rev != "" {
		t.Fatalf("expected empty revision for a missing document, got %q %v", rev, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}
