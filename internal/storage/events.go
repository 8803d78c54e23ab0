package storage

import "time"

// EventWriter is the interface for writing audit events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *QueryEvent)
	Close()
}

const (
	EventQueryExecute = "query.execute"

	ResultSuccess = "success"
	ResultError   = "error"
)

// QueryEvent is one audited execution attempt, successful or not.
type QueryEvent struct {
	RequestID    string
	TenantID     string
	DatabaseID   string
	UserID       string
	Timestamp    time.Time
	Event        string
	Result       string
	QueryHash    string
	Query        string // normalized query JSON, first QueryPreviewLength chars
	Members      []string
	Cubes        []string
	RowCount     uint32
	DurationMs   float32
	ErrorCode    string
	ErrorMessage string
	Notes        []string
}

// QueryPreviewLength is the max chars stored in the query column.
const QueryPreviewLength = 2000

// Truncate returns the first maxLen runes of s. It never splits a
// multi-byte UTF-8 character.
func Truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}
