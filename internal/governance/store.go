package governance

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store persists governance documents per (tenant, database). Load returns
// (nil, nil) when no document exists.
type Store interface {
	Load(ctx context.Context, tenantID, databaseID string) (*Document, error)
	Save(ctx context.Context, tenantID, databaseID string, doc *Document) error
	// ApplyOverride replaces one member's override atomically with respect
	// to other writers of the same document.
	ApplyOverride(ctx context.Context, tenantID, databaseID, member string, o Override) (*Document, error)
	// Revision returns a token that changes on every write of the
	// document, or "" when none is stored.
	Revision(ctx context.Context, tenantID, databaseID string) (string, error)
}

// --- Postgres ---

// PostgresStore keeps documents in the catalogs table.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Load(ctx context.Context, tenantID, databaseID string) (*Document, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT document FROM catalogs
		WHERE tenant_id = $1 AND database_id = $2`, tenantID, databaseID,
	).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return Parse(raw)
}

func (s *PostgresStore) Save(ctx context.Context, tenantID, databaseID string, doc *Document) error {
	doc.Cleanup()
	if err := Validate(doc); err != nil {
		return err
	}
	raw, err := Marshal(doc)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO catalogs (tenant_id, database_id, document)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (tenant_id, database_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		tenantID, databaseID, string(raw)); err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	return nil
}

func (s *PostgresStore) ApplyOverride(ctx context.Context, tenantID, databaseID, member string, o Override) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("ApplyOverride: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var raw []byte
	err = tx.QueryRowContext(ctx, `
		SELECT document FROM catalogs
		WHERE tenant_id = $1 AND database_id = $2
		FOR UPDATE`, tenantID, databaseID,
	).Scan(&raw)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("ApplyOverride: %w", err)
	}

	doc, err := Parse(raw)
	if err != nil {
		return nil, err
	}
	doc.SetOverride(member, o)
	if err := Validate(doc); err != nil {
		return nil, err
	}
	out, err := Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ApplyOverride: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO catalogs (tenant_id, database_id, document)
		VALUES ($1, $2, $3::jsonb)
		ON CONFLICT (tenant_id, database_id)
		DO UPDATE SET document = EXCLUDED.document, updated_at = now()`,
		tenantID, databaseID, string(out)); err != nil {
		return nil, fmt.Errorf("ApplyOverride: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("ApplyOverride: %w", err)
	}
	return doc, nil
}

func (s *PostgresStore) Revision(ctx context.Context, tenantID, databaseID string) (string, error) {
	var updated time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT updated_at FROM catalogs
		WHERE tenant_id = $1 AND database_id = $2`, tenantID, databaseID,
	).Scan(&updated)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("Revision: %w", err)
	}
	return updated.UTC().Format(time.RFC3339Nano), nil
}

// --- YAML files ---

// FileStore keeps one YAML document per database under
// <dir>/<tenant>/<database>.yaml. Single-tenant documents live directly in
// <dir>. Writes go through a temp file and rename.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

func (s *FileStore) path(tenantID, databaseID string) string {
	base := filepath.Base(databaseID) + ".yaml"
	if tenantID == "" {
		return filepath.Join(s.dir, base)
	}
	return filepath.Join(s.dir, filepath.Base(tenantID), base)
}

func (s *FileStore) Load(_ context.Context, tenantID, databaseID string) (*Document, error) {
	raw, err := os.ReadFile(s.path(tenantID, databaseID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	return Parse(raw)
}

func (s *FileStore) Save(_ context.Context, tenantID, databaseID string, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(tenantID, databaseID, doc)
}

func (s *FileStore) write(tenantID, databaseID string, doc *Document) error {
	doc.Cleanup()
	if err := Validate(doc); err != nil {
		return err
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	path := s.path(tenantID, databaseID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".governance-*.yaml")
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, err := tmp.Write(out); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Revision is derived from the file's modification time and size, so
// edits made outside this process are picked up too.
func (s *FileStore) Revision(_ context.Context, tenantID, databaseID string) (string, error) {
	info, err := os.Stat(s.path(tenantID, databaseID))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("Revision: %w", err)
	}
	return strconv.FormatInt(info.ModTime().UnixNano(), 10) + "-" + strconv.FormatInt(info.Size(), 10), nil
}

func (s *FileStore) ApplyOverride(ctx context.Context, tenantID, databaseID, member string, o Override) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.Load(ctx, tenantID, databaseID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		doc = Default()
	}
	doc.SetOverride(member, o)
	if err := s.write(tenantID, databaseID, doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// --- memory ---

// MemoryStore keeps documents in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string][]byte
	revs map[string]uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte), revs: make(map[string]uint64)}
}

func memKey(tenantID, databaseID string) string { return tenantID + "|" + databaseID }

func (s *MemoryStore) Load(_ context.Context, tenantID, databaseID string) (*Document, error) {
	s.mu.RLock()
	raw, ok := s.docs[memKey(tenantID, databaseID)]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return Parse(raw)
}

func (s *MemoryStore) Save(_ context.Context, tenantID, databaseID string, doc *Document) error {
	doc.Cleanup()
	if err := Validate(doc); err != nil {
		return err
	}
	raw, err := Marshal(doc)
	if err != nil {
		return fmt.Errorf("Save: %w", err)
	}
	key := memKey(tenantID, databaseID)
	s.mu.Lock()
	s.docs[key] = raw
	s.revs[key]++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ApplyOverride(_ context.Context, tenantID, databaseID, member string, o Override) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := Parse(s.docs[memKey(tenantID, databaseID)])
	if err != nil {
		return nil, err
	}
	doc.SetOverride(member, o)
	if err := Validate(doc); err != nil {
		return nil, err
	}
	raw, err := Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("ApplyOverride: %w", err)
	}
	key := memKey(tenantID, databaseID)
	s.docs[key] = raw
	s.revs[key]++
	return doc, nil
}

func (s *MemoryStore) Revision(_ context.Context, tenantID, databaseID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rev, ok := s.revs[memKey(tenantID, databaseID)]
	if !ok {
		return "", nil
	}
	return strconv.FormatUint(rev, 10), nil
}
