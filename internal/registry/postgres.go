package registry

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// Migrate creates the registry tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

const databaseColumns = `id, slug, tenant_id, name, description, status, connection,
		       cube_api_url, jwt_secret, max_limit, deny_members, default_segments,
		       return_sql, last_error, created_at, updated_at`

// sqlStore is the real implementation using *sql.DB.
type sqlStore struct {
	db *sql.DB
}

// NewPostgresStore returns a Store backed by the given connection pool.
func NewPostgresStore(db *sql.DB) Store {
	return &sqlStore{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDatabase(row rowScanner) (*Database, error) {
	var (
		d           Database
		tenantID    sql.NullString
		description sql.NullString
		status      string
		connection  []byte
		cubeAPIURL  sql.NullString
		jwtSecret   sql.NullString
		maxLimit    sql.NullInt64
		denyRaw     []byte
		segmentsRaw []byte
		lastError   sql.NullString
	)
	if err := row.Scan(&d.ID, &d.Slug, &tenantID, &d.Name, &description, &status, &connection,
		&cubeAPIURL, &jwtSecret, &maxLimit, &denyRaw, &segmentsRaw,
		&d.ReturnSQL, &lastError, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}

	d.TenantID = tenantID.String
	d.Description = description.String
	d.Status = Status(status)
	if len(connection) > 0 && string(connection) != "null" {
		d.Connection = json.RawMessage(connection)
	}
	d.CubeAPIURL = cubeAPIURL.String
	d.JWTSecret = jwtSecret.String
	if maxLimit.Valid {
		v := int(maxLimit.Int64)
		d.MaxLimit = &v
	}
	if err := unmarshalList(denyRaw, &d.DenyMembers); err != nil {
		return nil, fmt.Errorf("scanDatabase: deny_members: %w", err)
	}
	if err := unmarshalList(segmentsRaw, &d.DefaultSegments); err != nil {
		return nil, fmt.Errorf("scanDatabase: default_segments: %w", err)
	}
	d.LastError = lastError.String
	return &d, nil
}

func unmarshalList(raw []byte, dst *[]string) error {
	if len(raw) == 0 || string(raw) == "null" || string(raw) == "[]" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func marshalList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *sqlStore) InsertDatabase(ctx context.Context, d *Database) (*Database, error) {
	var connection any
	if len(d.Connection) > 0 {
		connection = string(d.Connection)
	}
	var maxLimit sql.NullInt64
	if d.MaxLimit != nil {
		maxLimit = sql.NullInt64{Int64: int64(*d.MaxLimit), Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO databases (id, slug, tenant_id, name, description, status, connection,
		                       cube_api_url, jwt_secret, max_limit, deny_members,
		                       default_segments, return_sql)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, $10, $11::jsonb, $12::jsonb, $13)
		RETURNING `+databaseColumns,
		d.ID, d.Slug, nullIfEmpty(d.TenantID), d.Name, nullIfEmpty(d.Description), string(d.Status), connection,
		nullIfEmpty(d.CubeAPIURL), nullIfEmpty(d.JWTSecret), maxLimit,
		marshalList(d.DenyMembers), marshalList(d.DefaultSegments), d.ReturnSQL,
	)
	out, err := scanDatabase(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("InsertDatabase: %w", err)
	}
	return out, nil
}

func (s *sqlStore) GetDatabase(ctx context.Context, id, tenantID string) (*Database, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+databaseColumns+`
		FROM databases
		WHERE id = $1 AND ($2::text = '' OR tenant_id = $2)`, id, tenantID)
	d, err := scanDatabase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetDatabase: %w", err)
	}
	return d, nil
}

func (s *sqlStore) GetDatabaseBySlug(ctx context.Context, slug, tenantID string) (*Database, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+databaseColumns+`
		FROM databases
		WHERE slug = $1 AND COALESCE(tenant_id, '') = $2`, slug, tenantID)
	d, err := scanDatabase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetDatabaseBySlug: %w", err)
	}
	return d, nil
}

func (s *sqlStore) ListDatabases(ctx context.Context, tenantID string, activeOnly bool) ([]*Database, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+databaseColumns+`
		FROM databases
		WHERE ($1::text = '' OR tenant_id = $1) AND (NOT $2 OR status = 'active')
		ORDER BY created_at DESC`, tenantID, activeOnly)
	if err != nil {
		return nil, fmt.Errorf("ListDatabases: %w", err)
	}
	defer rows.Close()

	var out []*Database
	for rows.Next() {
		d, err := scanDatabase(rows)
		if err != nil {
			return nil, fmt.Errorf("ListDatabases: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqlStore) UpdateDatabase(ctx context.Context, id, tenantID string, p UpdateParams) (*Database, error) {
	var connection, deny, segments any
	if len(p.Connection) > 0 {
		connection = string(p.Connection)
	}
	if p.DenyMembers != nil {
		deny = marshalList(*p.DenyMembers)
	}
	if p.DefaultSegments != nil {
		segments = marshalList(*p.DefaultSegments)
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE databases SET
			name             = COALESCE($3, name),
			description      = COALESCE($4, description),
			connection       = COALESCE($5::jsonb, connection),
			cube_api_url     = COALESCE($6, cube_api_url),
			jwt_secret       = COALESCE($7, jwt_secret),
			max_limit        = COALESCE($8, max_limit),
			deny_members     = COALESCE($9::jsonb, deny_members),
			default_segments = COALESCE($10::jsonb, default_segments),
			return_sql       = COALESCE($11, return_sql),
			updated_at       = now()
		WHERE id = $1 AND ($2::text = '' OR tenant_id = $2)
		RETURNING `+databaseColumns,
		id, tenantID, p.Name, p.Description, connection, p.CubeAPIURL, p.JWTSecret,
		p.MaxLimit, deny, segments, p.ReturnSQL,
	)
	d, err := scanDatabase(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("UpdateDatabase: %w", err)
	}
	return d, nil
}

func (s *sqlStore) UpdateDatabaseStatus(ctx context.Context, id, tenantID string, status Status, lastError string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE databases SET status = $3, last_error = $4, updated_at = now()
		WHERE id = $1 AND ($2::text = '' OR tenant_id = $2)`,
		id, tenantID, string(status), nullIfEmpty(lastError))
	if err != nil {
		return false, fmt.Errorf("UpdateDatabaseStatus: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *sqlStore) DeleteDatabase(ctx context.Context, id, tenantID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM databases
		WHERE id = $1 AND ($2::text = '' OR tenant_id = $2) AND status <> 'active'`,
		id, tenantID)
	if err != nil {
		return false, fmt.Errorf("DeleteDatabase: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

const tenantColumns = `id, external_id, slug, name, created_at, updated_at`

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	if err := row.Scan(&t.ID, &t.ExternalID, &t.Slug, &t.Name, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *sqlStore) InsertTenant(ctx context.Context, t *Tenant) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, external_id, slug, name)
		VALUES ($1, $2, $3, $4)
		RETURNING `+tenantColumns,
		t.ID, t.ExternalID, t.Slug, t.Name)
	out, err := scanTenant(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("InsertTenant: %w", err)
	}
	return out, nil
}

func (s *sqlStore) getTenantWhere(ctx context.Context, column, value string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE `+column+` = $1`, value)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getTenant(%s): %w", column, err)
	}
	return t, nil
}

func (s *sqlStore) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	return s.getTenantWhere(ctx, "id", id)
}

func (s *sqlStore) GetTenantByExternalID(ctx context.Context, externalID string) (*Tenant, error) {
	return s.getTenantWhere(ctx, "external_id", externalID)
}

func (s *sqlStore) GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error) {
	return s.getTenantWhere(ctx, "slug", slug)
}

func (s *sqlStore) UpdateTenantSlug(ctx context.Context, id, slug string) (*Tenant, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE tenants SET slug = $2, updated_at = now()
		WHERE id = $1
		RETURNING `+tenantColumns, id, slug)
	t, err := scanTenant(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("UpdateTenantSlug: %w", err)
	}
	return t, nil
}
