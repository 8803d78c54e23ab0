package registry

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. It backs self-hosted
// deployments without POSTGRES_DSN and the package tests.
type memoryStore struct {
	mu        sync.RWMutex
	databases map[string]*Database
	tenants   map[string]*Tenant
	now       func() time.Time
}

// NewMemoryStore returns an empty in-memory Store.
func NewMemoryStore() Store {
	return &memoryStore{
		databases: make(map[string]*Database),
		tenants:   make(map[string]*Tenant),
		now:       time.Now,
	}
}

func tenantMatches(d *Database, tenantID string) bool {
	return tenantID == "" || d.TenantID == tenantID
}

func (m *memoryStore) InsertDatabase(_ context.Context, d *Database) (*Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.databases[d.ID]; ok {
		return nil, ErrConflict
	}
	for _, existing := range m.databases {
		if existing.TenantID == d.TenantID && existing.Slug == d.Slug {
			return nil, ErrConflict
		}
	}
	row := d.clone()
	row.CreatedAt = m.now()
	row.UpdatedAt = row.CreatedAt
	m.databases[row.ID] = row
	return row.clone(), nil
}

func (m *memoryStore) GetDatabase(_ context.Context, id, tenantID string) (*Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.databases[id]
	if !ok || !tenantMatches(d, tenantID) {
		return nil, nil
	}
	return d.clone(), nil
}

func (m *memoryStore) GetDatabaseBySlug(_ context.Context, slug, tenantID string) (*Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.databases {
		if d.Slug == slug && d.TenantID == tenantID {
			return d.clone(), nil
		}
	}
	return nil, nil
}

func (m *memoryStore) ListDatabases(_ context.Context, tenantID string, activeOnly bool) ([]*Database, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Database
	for _, d := range m.databases {
		if !tenantMatches(d, tenantID) {
			continue
		}
		if activeOnly && d.Status != StatusActive {
			continue
		}
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *memoryStore) UpdateDatabase(_ context.Context, id, tenantID string, p UpdateParams) (*Database, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.databases[id]
	if !ok || !tenantMatches(cur, tenantID) {
		return nil, nil
	}
	// copy-on-write so readers holding the old pointer never see a partial update
	d := cur.clone()
	if p.Name != nil {
		d.Name = *p.Name
	}
	if p.Description != nil {
		d.Description = *p.Description
	}
	if len(p.Connection) > 0 {
		d.Connection = append(json.RawMessage(nil), p.Connection...)
	}
	if p.CubeAPIURL != nil {
		d.CubeAPIURL = *p.CubeAPIURL
	}
	if p.JWTSecret != nil {
		d.JWTSecret = *p.JWTSecret
	}
	if p.MaxLimit != nil {
		v := *p.MaxLimit
		d.MaxLimit = &v
	}
	if p.DenyMembers != nil {
		d.DenyMembers = append([]string(nil), (*p.DenyMembers)...)
	}
	if p.DefaultSegments != nil {
		d.DefaultSegments = append([]string(nil), (*p.DefaultSegments)...)
	}
	if p.ReturnSQL != nil {
		d.ReturnSQL = *p.ReturnSQL
	}
	d.UpdatedAt = m.now()
	m.databases[id] = d
	return d.clone(), nil
}

func (m *memoryStore) UpdateDatabaseStatus(_ context.Context, id, tenantID string, status Status, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.databases[id]
	if !ok || !tenantMatches(cur, tenantID) {
		return false, nil
	}
	d := cur.clone()
	d.Status = status
	d.LastError = lastError
	d.UpdatedAt = m.now()
	m.databases[id] = d
	return true, nil
}

func (m *memoryStore) DeleteDatabase(_ context.Context, id, tenantID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.databases[id]
	if !ok || !tenantMatches(d, tenantID) || d.Status == StatusActive {
		return false, nil
	}
	delete(m.databases, id)
	return true, nil
}

func (m *memoryStore) InsertTenant(_ context.Context, t *Tenant) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tenants {
		if existing.ID == t.ID || existing.Slug == t.Slug || existing.ExternalID == t.ExternalID {
			return nil, ErrConflict
		}
	}
	row := *t
	row.CreatedAt = m.now()
	row.UpdatedAt = row.CreatedAt
	m.tenants[row.ID] = &row
	out := row
	return &out, nil
}

func (m *memoryStore) findTenant(match func(*Tenant) bool) *Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.tenants {
		if match(t) {
			out := *t
			return &out
		}
	}
	return nil
}

func (m *memoryStore) GetTenant(_ context.Context, id string) (*Tenant, error) {
	return m.findTenant(func(t *Tenant) bool { return t.ID == id }), nil
}

func (m *memoryStore) GetTenantByExternalID(_ context.Context, externalID string) (*Tenant, error) {
	return m.findTenant(func(t *Tenant) bool { return t.ExternalID == externalID }), nil
}

func (m *memoryStore) GetTenantBySlug(_ context.Context, slug string) (*Tenant, error) {
	return m.findTenant(func(t *Tenant) bool { return t.Slug == slug }), nil
}

func (m *memoryStore) UpdateTenantSlug(_ context.Context, id, slug string) (*Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, nil
	}
	for _, other := range m.tenants {
		if other.ID != id && other.Slug == slug {
			return nil, ErrConflict
		}
	}
	row := *t
	row.Slug = slug
	row.UpdatedAt = m.now()
	m.tenants[id] = &row
	out := row
	return &out, nil
}
