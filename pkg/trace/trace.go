// Package trace records the delivery timeline of every relayed message: one
// span per message, updated as it moves through the pipeline. Spans sharing
// a trace id form one conversation thread. Only metadata is stored;
// payloads never reach this database.
package trace

import (
	"database/sql"
	"strings"

	"github.com/relayio/relay/pkg/db"
)

// Span statuses.
const (
	StatusPending      = "pending"
	StatusSent         = "sent"
	StatusDelivered    = "delivered"
	StatusProcessing   = "processing"
	StatusProcessed    = "processed"
	StatusFailed       = "failed"
	StatusDeadLettered = "dead_lettered"
)

// Span is one step in a message's delivery timeline. Timestamps are epoch
// milliseconds.
type Span struct {
	MessageID            string  `json:"messageId"`
	TraceID              string  `json:"traceId"`
	SpanID               string  `json:"spanId"`
	ParentSpanID         *string `json:"parentSpanId,omitempty"`
	Subject              string  `json:"subject"`
	FromEndpoint         string  `json:"fromEndpoint"`
	ToEndpoint           string  `json:"toEndpoint"`
	Status               string  `json:"status"`
	BudgetHopsUsed       *int    `json:"budgetHopsUsed,omitempty"`
	BudgetTTLRemainingMs *int64  `json:"budgetTtlRemainingMs,omitempty"`
	SentAt               int64   `json:"sentAt"`
	DeliveredAt          *int64  `json:"deliveredAt,omitempty"`
	ProcessedAt          *int64  `json:"processedAt,omitempty"`
	Error                *string `json:"error,omitempty"`
}

// Update carries the partial column set for UpdateSpan. Nil fields are left
// untouched; the SET clause is built from the fields present.
type Update struct {
	Status               *string
	BudgetHopsUsed       *int
	BudgetTTLRemainingMs *int64
	DeliveredAt          *int64
	ProcessedAt          *int64
	Error                *string
}

// Metrics is the aggregate delivery view.
type Metrics struct {
	TotalMessages        int              `json:"totalMessages"`
	DeliveredCount       int              `json:"deliveredCount"`
	FailedCount          int              `json:"failedCount"`
	DeadLetteredCount    int              `json:"deadLetteredCount"`
	AvgDeliveryLatencyMs float64          `json:"avgDeliveryLatencyMs"`
	P95DeliveryLatencyMs int64            `json:"p95DeliveryLatencyMs"`
	ActiveEndpoints      int              `json:"activeEndpoints"`
	BudgetRejections     BudgetRejections `json:"budgetRejections"`
}

// BudgetRejections counts spans whose error embeds each canonical budget
// violation code.
type BudgetRejections struct {
	HopLimitExceeded int `json:"hopLimitExceeded"`
	TTLExpired       int `json:"ttlExpired"`
	CycleDetected    int `json:"cycleDetected"`
	BudgetExhausted  int `json:"budgetExhausted"`
}

var migrations = []db.Migration{
	{Version: 1, SQL: `
CREATE TABLE IF NOT EXISTS message_traces (
    message_id              TEXT PRIMARY KEY,
    trace_id                TEXT NOT NULL,
    span_id                 TEXT NOT NULL,
    parent_span_id          TEXT,
    subject                 TEXT NOT NULL,
    from_endpoint           TEXT NOT NULL,
    to_endpoint             TEXT NOT NULL,
    status                  TEXT NOT NULL DEFAULT 'pending',
    budget_hops_used        INTEGER,
    budget_ttl_remaining_ms INTEGER,
    sent_at                 INTEGER NOT NULL,
    delivered_at            INTEGER,
    processed_at            INTEGER,
    error                   TEXT
);
CREATE INDEX IF NOT EXISTS idx_traces_trace_id ON message_traces(trace_id);
CREATE INDEX IF NOT EXISTS idx_traces_subject ON message_traces(subject);
CREATE INDEX IF NOT EXISTS idx_traces_sent_at ON message_traces(sent_at DESC);
CREATE INDEX IF NOT EXISTS idx_traces_dead_lettered ON message_traces(status)
    WHERE status = 'dead_lettered';
`},
}

// Store is the trace span store.
type Store struct {
	sqlDB *sql.DB
}

// Open opens the trace database at path and migrates it forward.
func Open(path string) (*Store, error) {
	sqlDB, err := db.Open(db.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqlDB, migrations); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.sqlDB.Close() }

// InsertSpan records a new span (upsert by message id).
func (s *Store) InsertSpan(sp Span) error {
	_, err := s.sqlDB.Exec(`
INSERT OR REPLACE INTO message_traces
    (message_id, trace_id, span_id, parent_span_id, subject, from_endpoint,
     to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
     sent_at, delivered_at, processed_at, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sp.MessageID, sp.TraceID, sp.SpanID, sp.ParentSpanID, sp.Subject,
		sp.FromEndpoint, sp.ToEndpoint, sp.Status, sp.BudgetHopsUsed,
		sp.BudgetTTLRemainingMs, sp.SentAt, sp.DeliveredAt, sp.ProcessedAt, sp.Error)
	return err
}

// UpdateSpan applies the partial update to one span. Concurrent updates for
// the same message may race; last write wins, the store does not enforce
// monotone status transitions.
func (s *Store) UpdateSpan(messageID string, u Update) error {
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.Status != nil {
		add("status", *u.Status)
	}
	if u.BudgetHopsUsed != nil {
		add("budget_hops_used", *u.BudgetHopsUsed)
	}
	if u.BudgetTTLRemainingMs != nil {
		add("budget_ttl_remaining_ms", *u.BudgetTTLRemainingMs)
	}
	if u.DeliveredAt != nil {
		add("delivered_at", *u.DeliveredAt)
	}
	if u.ProcessedAt != nil {
		add("processed_at", *u.ProcessedAt)
	}
	if u.Error != nil {
		add("error", *u.Error)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, messageID)
	_, err := s.sqlDB.Exec(
		`UPDATE message_traces SET `+strings.Join(sets, ", ")+` WHERE message_id = ?`, args...)
	return err
}

// GetSpanByMessageID returns a span, or nil when unknown.
func (s *Store) GetSpanByMessageID(messageID string) (*Span, error) {
	rows, err := s.query(`WHERE message_id = ?`, messageID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// GetTrace returns every span of a trace ordered by sent_at.
func (s *Store) GetTrace(traceID string) ([]Span, error) {
	return s.query(`WHERE trace_id = ? ORDER BY sent_at`, traceID)
}

func (s *Store) query(where string, args ...any) ([]Span, error) {
	rows, err := s.sqlDB.Query(`
SELECT message_id, trace_id, span_id, parent_span_id, subject, from_endpoint,
       to_endpoint, status, budget_hops_used, budget_ttl_remaining_ms,
       sent_at, delivered_at, processed_at, error
FROM message_traces `+where, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Span
	for rows.Next() {
		var sp Span
		if err := rows.Scan(&sp.MessageID, &sp.TraceID, &sp.SpanID, &sp.ParentSpanID,
			&sp.Subject, &sp.FromEndpoint, &sp.ToEndpoint, &sp.Status,
			&sp.BudgetHopsUsed, &sp.BudgetTTLRemainingMs, &sp.SentAt,
			&sp.DeliveredAt, &sp.ProcessedAt, &sp.Error); err != nil {
			return nil, err
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// GetMetrics aggregates delivery counters, latency (avg and p95 via an
// offset query over the ordered latency set) and budget rejection counts.
func (s *Store) GetMetrics() (*Metrics, error) {
	m := &Metrics{}

	err := s.sqlDB.QueryRow(`
SELECT COUNT(*),
       COALESCE(SUM(CASE WHEN status IN ('delivered','processed') THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN status = 'dead_lettered' THEN 1 ELSE 0 END), 0)
FROM message_traces`).Scan(&m.TotalMessages, &m.DeliveredCount, &m.FailedCount, &m.DeadLetteredCount)
	if err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	if err := s.sqlDB.QueryRow(`
SELECT AVG(delivered_at - sent_at) FROM message_traces
WHERE delivered_at IS NOT NULL`).Scan(&avg); err != nil {
		return nil, err
	}
	if avg.Valid {
		m.AvgDeliveryLatencyMs = avg.Float64
	}

	var p95 sql.NullInt64
	if err := s.sqlDB.QueryRow(`
SELECT delivered_at - sent_at FROM message_traces
WHERE delivered_at IS NOT NULL
ORDER BY delivered_at - sent_at
LIMIT 1 OFFSET (
    SELECT CAST(COUNT(*) * 95 / 100 AS INTEGER) FROM message_traces
    WHERE delivered_at IS NOT NULL
)`).Scan(&p95); err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	if p95.Valid {
		m.P95DeliveryLatencyMs = p95.Int64
	}

	if err := s.sqlDB.QueryRow(`
SELECT COUNT(DISTINCT to_endpoint) FROM message_traces
WHERE status != 'dead_lettered'`).Scan(&m.ActiveEndpoints); err != nil {
		return nil, err
	}

	if err := s.sqlDB.QueryRow(`
SELECT COALESCE(SUM(CASE WHEN error LIKE '%hop_limit_exceeded%' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN error LIKE '%ttl_expired%' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN error LIKE '%cycle_detected%' THEN 1 ELSE 0 END), 0),
       COALESCE(SUM(CASE WHEN error LIKE '%budget_exhausted%' THEN 1 ELSE 0 END), 0)
FROM message_traces WHERE error IS NOT NULL`).Scan(
		&m.BudgetRejections.HopLimitExceeded,
		&m.BudgetRejections.TTLExpired,
		&m.BudgetRejections.CycleDetected,
		&m.BudgetRejections.BudgetExhausted); err != nil {
		return nil, err
	}
	return m, nil
}
