package registry

import (
	"encoding/json"
	"time"
)

// Status is a database configuration's lifecycle state.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusActive       Status = "active"
	StatusInactive     Status = "inactive"
	StatusError        Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusInitializing, StatusActive, StatusInactive, StatusError:
		return true
	}
	return false
}

// Database is one tenant's configuration for a semantic-layer data source.
// Loaded from the databases table.
type Database struct {
	ID              string          `json:"id"`
	Slug            string          `json:"slug"`
	TenantID        string          `json:"tenant_id,omitempty"` // empty in single-tenant mode
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	Status          Status          `json:"status"`
	Connection      json.RawMessage `json:"connection,omitempty"` // opaque, passed through to the engine
	CubeAPIURL      string          `json:"cube_api_url,omitempty"`
	JWTSecret       string          `json:"-"`
	MaxLimit        *int            `json:"max_limit,omitempty"`
	DenyMembers     []string        `json:"deny_members,omitempty"`
	DefaultSegments []string        `json:"default_segments,omitempty"`
	ReturnSQL       bool            `json:"return_sql"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// IsActive reports whether queries may be served for d.
func (d *Database) IsActive() bool { return d != nil && d.Status == StatusActive }

// clone returns a copy safe to hand out from the cache.
func (d *Database) clone() *Database {
	if d == nil {
		return nil
	}
	out := *d
	if d.Connection != nil {
		out.Connection = append(json.RawMessage(nil), d.Connection...)
	}
	if d.MaxLimit != nil {
		v := *d.MaxLimit
		out.MaxLimit = &v
	}
	out.DenyMembers = append([]string(nil), d.DenyMembers...)
	out.DefaultSegments = append([]string(nil), d.DefaultSegments...)
	return &out
}

// CreateParams holds the fields accepted by Create.
type CreateParams struct {
	ID              string // user-facing identifier, scoped per tenant before storage
	Slug            string // defaults to ID
	TenantID        string
	Name            string
	Description     string
	Status          Status // defaults to inactive
	Connection      json.RawMessage
	CubeAPIURL      string
	JWTSecret       string
	MaxLimit        *int
	DenyMembers     []string
	DefaultSegments []string
	ReturnSQL       bool
}

// UpdateParams holds optional fields for partial updates. Only non-nil
// fields are changed.
type UpdateParams struct {
	Name            *string
	Description     *string
	Connection      json.RawMessage
	CubeAPIURL      *string
	JWTSecret       *string
	MaxLimit        *int
	DenyMembers     *[]string
	DefaultSegments *[]string
	ReturnSQL       *bool
}

// Tenant is an isolated owner of database configurations.
type Tenant struct {
	ID         string    `json:"id"`
	ExternalID string    `json:"external_id"`
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
