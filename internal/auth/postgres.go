package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// prefixLen is the indexed lookup prefix of a key: "sgk_" plus 8 hex chars.
const prefixLen = 12

// KeyStore abstracts the api_keys queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*KeyRow, error)
	InsertKey(ctx context.Context, row *KeyRow) error
}

type KeyRow struct {
	ID       string
	TenantID string
	UserID   string
	OrgRole  string
	Prefix   string
	Hash     string
}

type sqlKeyStore struct {
	db *sql.DB
}

// NewSQLKeyStore returns a KeyStore over the api_keys table.
func NewSQLKeyStore(db *sql.DB) KeyStore {
	return &sqlKeyStore{db: db}
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*KeyRow, error) {
	row := &KeyRow{Prefix: prefix}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, user_id, org_role, api_key_hash
		 FROM api_keys WHERE api_key_prefix = $1`,
		prefix,
	).Scan(&row.ID, &row.TenantID, &row.UserID, &row.OrgRole, &row.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, fmt.Errorf("sqlKeyStore.LookupByPrefix: %w", err)
	}
	return row, nil
}

func (s *sqlKeyStore) InsertKey(ctx context.Context, row *KeyRow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO api_keys (id, tenant_id, user_id, org_role, api_key_prefix, api_key_hash)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		row.ID, row.TenantID, row.UserID, row.OrgRole, row.Prefix, row.Hash,
	)
	if err != nil {
		return fmt.Errorf("sqlKeyStore.InsertKey: %w", err)
	}
	return nil
}

// GenerateKey returns a new raw key with its lookup prefix and bcrypt hash.
// The raw key is shown to the user once and never stored.
func GenerateKey(cost int) (raw, prefix, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("GenerateKey: %w", err)
	}
	raw = KeyPrefix + hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword([]byte(raw), cost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateKey: %w", err)
	}
	return raw, raw[:prefixLen], string(h), nil
}

// IssueKey creates and stores a key for a tenant member and returns the
// raw key.
func IssueKey(ctx context.Context, store KeyStore, tenantID, userID, orgRole string) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("IssueKey: tenant id is required")
	}
	if orgRole == "" {
		orgRole = "member"
	}
	raw, prefix, hash, err := GenerateKey(bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	if err := store.InsertKey(ctx, &KeyRow{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		OrgRole:  orgRole,
		Prefix:   prefix,
		Hash:     hash,
	}); err != nil {
		return "", fmt.Errorf("IssueKey: %w", err)
	}
	return raw, nil
}

// PostgresAuthenticator verifies sgk_ API keys against the api_keys table.
// Verified keys are cached; lookup failures never yield an identity.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *Cache
	logger *zap.Logger
}

type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration // default 30s
	Logger   *zap.Logger
}

func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(NewSQLKeyStore(cfg.DB), cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore builds an authenticator over store.
func NewPostgresAuthenticatorWithStore(store KeyStore, ttl time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresAuthenticator{store: store, cache: NewCache(ttl), logger: logger}
}

func (a *PostgresAuthenticator) Authenticate(r *http.Request) (*Identity, error) {
	key, ok := bearerToken(r)
	if !ok {
		return nil, ErrMissingAPIKey
	}
	if len(key) < prefixLen || !strings.HasPrefix(key, KeyPrefix) {
		return nil, ErrInvalidAPIKey
	}

	res := a.cache.Get(key)
	if res.Hit {
		if res.NeedsRefresh {
			go a.backgroundRefresh(key)
		}
		return res.Identity, nil
	}

	id, err := a.lookupAndVerify(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	a.cache.Set(key, id)
	return id, nil
}

// backgroundRefresh re-verifies a stale key. A failed refresh drops the
// entry so the next request verifies synchronously.
func (a *PostgresAuthenticator) backgroundRefresh(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id, err := a.lookupAndVerify(ctx, key)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		a.cache.Delete(key)
		return
	}
	a.cache.Set(key, id)
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, key string) (*Identity, error) {
	row, err := a.store.LookupByPrefix(ctx, key[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.Hash), []byte(key)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Identity{TenantID: row.TenantID, UserID: row.UserID, OrgRole: row.OrgRole}, nil
}
