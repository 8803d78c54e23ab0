package cube

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/triage-ai/semgate/internal/apperror"
	"go.uber.org/zap"
)

const (
	continueWait        = "Continue wait"
	defaultPollInterval = 500 * time.Millisecond
	tokenTTL            = time.Hour
	maxBodyBytes        = 64 << 20
)

// Client issues authenticated requests against one database's semantic
// layer. It is safe for concurrent use.
type Client struct {
	baseURL      string
	secret       string
	databaseID   string
	http         *http.Client
	metaCache    MetaCache // nil disables shared caching
	metaTimeout  time.Duration
	queryTimeout time.Duration
	pollInterval time.Duration
	logger       *zap.Logger
}

// ClientConfig configures a Client.
type ClientConfig struct {
	BaseURL      string // e.g. http://cube:4000/cubejs-api/v1
	Secret       string
	DatabaseID   string
	HTTPClient   *http.Client
	MetaCache    MetaCache
	MetaTimeout  time.Duration
	QueryTimeout time.Duration
	PollInterval time.Duration
	Logger       *zap.Logger
}

// NewClient creates a Client.
func NewClient(cfg ClientConfig) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	metaTimeout := cfg.MetaTimeout
	if metaTimeout == 0 {
		metaTimeout = 10 * time.Second
	}
	queryTimeout := cfg.QueryTimeout
	if queryTimeout == 0 {
		queryTimeout = 30 * time.Second
	}
	poll := cfg.PollInterval
	if poll == 0 {
		poll = defaultPollInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		secret:       cfg.Secret,
		databaseID:   cfg.DatabaseID,
		http:         hc,
		metaCache:    cfg.MetaCache,
		metaTimeout:  metaTimeout,
		queryTimeout: queryTimeout,
		pollInterval: poll,
		logger:       logger,
	}
}

// DatabaseID returns the routing identifier carried in issued tokens.
func (c *Client) DatabaseID() string { return c.databaseID }

// Meta returns the cube metadata, served from the shared cache when present.
func (c *Client) Meta(ctx context.Context) (*Meta, error) {
	key := c.metaCacheKey()
	if c.metaCache != nil {
		raw, ok, err := c.metaCache.Get(ctx, key)
		if err != nil {
			c.logger.Warn("meta cache read failed", zap.String("database_id", c.databaseID), zap.Error(err))
		} else if ok {
			var m Meta
			if err := json.Unmarshal(raw, &m); err == nil {
				return &m, nil
			}
			c.logger.Warn("meta cache entry corrupt, refetching", zap.String("database_id", c.databaseID))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, c.metaTimeout)
	defer cancel()

	body, err := c.get(ctx, "/meta", nil)
	if err != nil {
		return nil, err
	}
	var m Meta
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, apperror.Upstream(http.StatusOK, string(body), fmt.Errorf("Meta: %w", err))
	}

	if c.metaCache != nil {
		if err := c.metaCache.Set(ctx, key, body); err != nil {
			c.logger.Warn("meta cache write failed", zap.String("database_id", c.databaseID), zap.Error(err))
		}
	}
	return &m, nil
}

// InvalidateMeta drops the shared metadata cache entry for this database.
func (c *Client) InvalidateMeta(ctx context.Context) {
	if c.metaCache == nil {
		return
	}
	if err := c.metaCache.Delete(ctx, c.metaCacheKey()); err != nil {
		c.logger.Warn("meta cache invalidate failed", zap.String("database_id", c.databaseID), zap.Error(err))
	}
}

// Load executes q and returns rows plus annotations. While the engine
// answers "Continue wait" the request is re-issued until the query timeout.
func (c *Client) Load(ctx context.Context, q Query) (*LoadResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	encoded, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}
	params := url.Values{"query": {string(encoded)}}

	for {
		body, err := c.get(ctx, "/load", params)
		if err != nil {
			return nil, err
		}
		var resp LoadResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, apperror.Upstream(http.StatusOK, string(body), fmt.Errorf("Load: %w", err))
		}
		switch {
		case resp.Error == continueWait:
			c.logger.Debug("semantic layer asked to continue waiting", zap.String("database_id", c.databaseID))
			select {
			case <-ctx.Done():
				return nil, apperror.Timeout("query did not complete before the deadline", ctx.Err())
			case <-time.After(c.pollInterval):
			}
		case resp.Error != "":
			return nil, apperror.Upstream(http.StatusOK, string(body), nil)
		default:
			return &resp, nil
		}
	}
}

// SQL returns the SQL the engine would generate for q.
func (c *Client) SQL(ctx context.Context, q Query) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.metaTimeout)
	defer cancel()

	encoded, err := json.Marshal(q)
	if err != nil {
		return "", fmt.Errorf("SQL: %w", err)
	}
	body, err := c.get(ctx, "/sql", url.Values{"query": {string(encoded)}})
	if err != nil {
		return "", err
	}
	var resp SQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", apperror.Upstream(http.StatusOK, string(body), fmt.Errorf("SQL: %w", err))
	}
	stmt, _, err := resp.Statement()
	if err != nil {
		return "", apperror.Upstream(http.StatusOK, string(body), err)
	}
	return stmt, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	token, err := c.token()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperror.Timeout("semantic layer request timed out: "+path, err)
		}
		return nil, apperror.Upstream(0, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, apperror.Timeout("semantic layer response timed out: "+path, err)
		}
		return nil, apperror.Upstream(resp.StatusCode, "", err)
	}
	if resp.StatusCode >= 400 {
		return nil, apperror.Upstream(resp.StatusCode, string(body), nil)
	}
	return body, nil
}

// token signs a short-lived HS256 token. The databaseId claim routes the
// request to the right data source on the engine side.
func (c *Client) token() (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	if c.databaseID != "" {
		claims["databaseId"] = c.databaseID
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.secret))
	if err != nil {
		return "", fmt.Errorf("token: %w", err)
	}
	return signed, nil
}

func (c *Client) metaCacheKey() string {
	id := c.databaseID
	if id == "" {
		id = "default"
	}
	return "semgate:meta:" + id
}
