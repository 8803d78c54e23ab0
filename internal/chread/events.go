// Package chread reads audit events back out of ClickHouse.
package chread

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// Reader provides read access to the query_audit_events table. Every
// query is scoped to one tenant; the empty tenant is single-tenant mode.
type Reader struct {
	conn   driver.Conn
	logger *zap.Logger
}

func NewReader(conn driver.Conn, logger *zap.Logger) *Reader {
	return &Reader{conn: conn, logger: logger}
}

// Close closes the ClickHouse connection.
func (r *Reader) Close() error {
	return r.conn.Close()
}

// EventRow is a single audit event.
type EventRow struct {
	RequestID    string    `json:"request_id"`
	TenantID     string    `json:"tenant_id,omitempty"`
	DatabaseID   string    `json:"database_id"`
	UserID       string    `json:"user_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	Event        string    `json:"event"`
	Result       string    `json:"result"`
	QueryHash    string    `json:"query_hash"`
	Query        string    `json:"query"`
	Members      []string  `json:"members"`
	Cubes        []string  `json:"cubes"`
	RowCount     uint32    `json:"row_count"`
	DurationMs   float32   `json:"duration_ms"`
	ErrorCode    string    `json:"error_code,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Notes        []string  `json:"notes"`
}

const eventColumns = "request_id, tenant_id, database_id, user_id, timestamp, event, result, " +
	"query_hash, query, members, cubes, row_count, duration_ms, error_code, error_message, notes"

func scanDest(e *EventRow) []any {
	return []any{
		&e.RequestID, &e.TenantID, &e.DatabaseID, &e.UserID, &e.Timestamp, &e.Event, &e.Result,
		&e.QueryHash, &e.Query, &e.Members, &e.Cubes, &e.RowCount, &e.DurationMs,
		&e.ErrorCode, &e.ErrorMessage, &e.Notes,
	}
}

// ListEventsParams holds filters and pagination for event listing.
type ListEventsParams struct {
	TenantID   string
	DatabaseID *string
	Result     *string
	UserID     *string
	ErrorCode  *string
	QueryHash  *string
	Member     *string
	StartTime  *time.Time
	EndTime    *time.Time
	Page       int
	PageSize   int
}

// where builds the filter clause and its named arguments.
func (p ListEventsParams) where() (string, []any) {
	conditions := []string{"tenant_id = @tenant_id"}
	args := []any{clickhouse.Named("tenant_id", p.TenantID)}

	add := func(cond, name string, v any) {
		conditions = append(conditions, cond)
		args = append(args, clickhouse.Named(name, v))
	}
	if p.DatabaseID != nil {
		add("database_id = @database_id", "database_id", *p.DatabaseID)
	}
	if p.Result != nil {
		add("result = @result", "result", *p.Result)
	}
	if p.UserID != nil {
		add("user_id = @user_id", "user_id", *p.UserID)
	}
	if p.ErrorCode != nil {
		add("error_code = @error_code", "error_code", *p.ErrorCode)
	}
	if p.QueryHash != nil {
		add("query_hash = @query_hash", "query_hash", *p.QueryHash)
	}
	if p.Member != nil {
		add("has(members, @member)", "member", *p.Member)
	}
	if p.StartTime != nil {
		add("timestamp >= @start_time", "start_time", *p.StartTime)
	}
	if p.EndTime != nil {
		add("timestamp <= @end_time", "end_time", *p.EndTime)
	}
	return strings.Join(conditions, " AND "), args
}

// ListEvents returns paginated, filtered audit events and the total count.
func (r *Reader) ListEvents(ctx context.Context, params ListEventsParams) ([]EventRow, int, error) {
	if params.Page < 1 {
		params.Page = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 50
	}
	where, args := params.where()
	offset := (params.Page - 1) * params.PageSize

	var total uint64
	countQuery := fmt.Sprintf("SELECT count() FROM query_audit_events WHERE %s", where)
	if err := r.conn.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("ListEvents count: %w", err)
	}

	dataQuery := fmt.Sprintf(
		"SELECT %s FROM query_audit_events WHERE %s ORDER BY timestamp DESC LIMIT @limit OFFSET @offset",
		eventColumns, where,
	)
	args = append(args,
		clickhouse.Named("limit", uint32(params.PageSize)),
		clickhouse.Named("offset", uint32(offset)),
	)

	rows, err := r.conn.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("ListEvents query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := []EventRow{}
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(scanDest(&e)...); err != nil {
			return nil, 0, fmt.Errorf("ListEvents scan: %w", err)
		}
		events = append(events, e)
	}
	return events, int(total), rows.Err()
}

// GetEvent returns the events recorded for one request, newest first, or
// nil if there are none. A request that executed several queries has one
// event per query.
func (r *Reader) GetEvent(ctx context.Context, tenantID, requestID string) ([]EventRow, error) {
	rows, err := r.conn.Query(ctx,
		"SELECT "+eventColumns+" FROM query_audit_events "+
			"WHERE tenant_id = @tenant_id AND request_id = @request_id "+
			"ORDER BY timestamp DESC",
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("request_id", requestID),
	)
	if err != nil {
		return nil, fmt.Errorf("GetEvent: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(scanDest(&e)...); err != nil {
			return nil, fmt.Errorf("GetEvent scan: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

type SummaryStats struct {
	TotalQueries int `json:"total_queries"`
	Successes    int `json:"successes"`
	Errors       int `json:"errors"`
	RowsReturned int `json:"rows_returned"`
}

type TimeSeriesBucket struct {
	Hour   string `json:"hour"`
	Count  int    `json:"count"`
	Errors int    `json:"errors"`
}

type CodeCount struct {
	Code  string `json:"code"`
	Count int    `json:"count"`
}

type MemberCount struct {
	Member string `json:"member"`
	Count  int    `json:"count"`
}

type LatencyStats struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// AnalyticsResult holds all analytics aggregations.
type AnalyticsResult struct {
	Summary            SummaryStats       `json:"summary"`
	QueriesOverTime    []TimeSeriesBucket `json:"queries_over_time"`
	TopErrorCodes      []CodeCount        `json:"top_error_codes"`
	TopMembers         []MemberCount      `json:"top_members"`
	LatencyPercentiles LatencyStats       `json:"latency_percentiles"`
}

// GetAnalytics aggregates a tenant's audit events over the last days days,
// optionally narrowed to one database.
func (r *Reader) GetAnalytics(ctx context.Context, tenantID, databaseID string, days int) (*AnalyticsResult, error) {
	if days < 1 {
		days = 7
	}
	now := time.Now().UTC()
	rangeStart := now.Add(-time.Duration(days) * 24 * time.Hour)

	scope := "tenant_id = @tenant_id AND timestamp >= @range_start"
	args := []any{
		clickhouse.Named("tenant_id", tenantID),
		clickhouse.Named("range_start", rangeStart),
	}
	if databaseID != "" {
		scope += " AND database_id = @database_id"
		args = append(args, clickhouse.Named("database_id", databaseID))
	}

	result := &AnalyticsResult{}

	var total, successes, errs, rowsReturned uint64
	err := r.conn.QueryRow(ctx,
		"SELECT count(), countIf(result = 'success'), countIf(result = 'error'), sum(row_count) "+
			"FROM query_audit_events WHERE "+scope,
		args...,
	).Scan(&total, &successes, &errs, &rowsReturned)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics summary: %w", err)
	}
	result.Summary = SummaryStats{
		TotalQueries: int(total),
		Successes:    int(successes),
		Errors:       int(errs),
		RowsReturned: int(rowsReturned),
	}

	qotRows, err := r.conn.Query(ctx,
		"SELECT toStartOfHour(timestamp) AS hour, count() AS count, countIf(result = 'error') AS errors "+
			"FROM query_audit_events WHERE "+scope+" GROUP BY hour ORDER BY hour",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics queries_over_time: %w", err)
	}
	defer func() { _ = qotRows.Close() }()
	for qotRows.Next() {
		var hour time.Time
		var count, errCount uint64
		if err := qotRows.Scan(&hour, &count, &errCount); err != nil {
			return nil, fmt.Errorf("GetAnalytics queries_over_time scan: %w", err)
		}
		result.QueriesOverTime = append(result.QueriesOverTime, TimeSeriesBucket{
			Hour: hour.Format(time.RFC3339), Count: int(count), Errors: int(errCount),
		})
	}

	codeRows, err := r.conn.Query(ctx,
		"SELECT error_code, count() AS count FROM query_audit_events "+
			"WHERE "+scope+" AND result = 'error' AND error_code != '' "+
			"GROUP BY error_code ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_error_codes: %w", err)
	}
	defer func() { _ = codeRows.Close() }()
	for codeRows.Next() {
		var code string
		var count uint64
		if err := codeRows.Scan(&code, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_error_codes scan: %w", err)
		}
		result.TopErrorCodes = append(result.TopErrorCodes, CodeCount{Code: code, Count: int(count)})
	}

	memberRows, err := r.conn.Query(ctx,
		"SELECT arrayJoin(members) AS member, count() AS count FROM query_audit_events "+
			"WHERE "+scope+" AND result = 'success' "+
			"GROUP BY member ORDER BY count DESC LIMIT 10",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics top_members: %w", err)
	}
	defer func() { _ = memberRows.Close() }()
	for memberRows.Next() {
		var member string
		var count uint64
		if err := memberRows.Scan(&member, &count); err != nil {
			return nil, fmt.Errorf("GetAnalytics top_members scan: %w", err)
		}
		result.TopMembers = append(result.TopMembers, MemberCount{Member: member, Count: int(count)})
	}

	var p50, p95, p99 float64
	err = r.conn.QueryRow(ctx,
		"SELECT quantile(0.5)(duration_ms), quantile(0.95)(duration_ms), quantile(0.99)(duration_ms) "+
			"FROM query_audit_events WHERE "+scope+" AND result = 'success'",
		args...,
	).Scan(&p50, &p95, &p99)
	if err != nil {
		return nil, fmt.Errorf("GetAnalytics latency: %w", err)
	}
	result.LatencyPercentiles = LatencyStats{P50: safeFloat(p50), P95: safeFloat(p95), P99: safeFloat(p99)}

	if result.QueriesOverTime == nil {
		result.QueriesOverTime = []TimeSeriesBucket{}
	}
	if result.TopErrorCodes == nil {
		result.TopErrorCodes = []CodeCount{}
	}
	if result.TopMembers == nil {
		result.TopMembers = []MemberCount{}
	}
	return result, nil
}

// safeFloat replaces NaN/Inf with 0.0.
// ClickHouse returns NaN for quantile() on empty result sets.
func safeFloat(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0.0
	}
	return f
}
