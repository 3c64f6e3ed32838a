// Package index maintains the secondary SQLite view of the maildir. It is
// authoritative for queries (rate windows, mailbox depth, metrics) but not
// for existence: Rebuild reconstructs it from the maildir at any time.
package index

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/relayio/relay/pkg/db"
	"github.com/relayio/relay/pkg/maildir"
)

// Message statuses mirror the maildir box the message resides in.
const (
	StatusNew    = "new"
	StatusCur    = "cur"
	StatusFailed = "failed"
)

// Message is one indexed row, keyed by the maildir filename id.
type Message struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	Sender       string `json:"sender"`
	EndpointHash string `json:"endpointHash"`
	Status       string `json:"status"`
	CreatedAt    string `json:"createdAt"`
	TTL          int64  `json:"ttl"`
}

// Metrics is the aggregate view served by GetMetrics.
type Metrics struct {
	TotalMessages int            `json:"totalMessages"`
	ByStatus      map[string]int `json:"byStatus"`
	BySubject     []SubjectCount `json:"bySubject"`
}

// SubjectCount pairs a subject with its message count.
type SubjectCount struct {
	Subject string `json:"subject"`
	Count   int    `json:"count"`
}

var migrations = []db.Migration{
	{Version: 1, SQL: `
CREATE TABLE IF NOT EXISTS messages (
    id            TEXT PRIMARY KEY,
    subject       TEXT NOT NULL,
    sender        TEXT NOT NULL,
    endpoint_hash TEXT NOT NULL,
    status        TEXT NOT NULL,
    created_at    TEXT NOT NULL,
    ttl           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_sender_created ON messages(sender, created_at);
CREATE INDEX IF NOT EXISTS idx_messages_endpoint_hash ON messages(endpoint_hash);
`},
}

// Index is the message index store.
type Index struct {
	sqlDB *sql.DB
}

// Open opens the index database at path and migrates it forward.
func Open(path string) (*Index, error) {
	sqlDB, err := db.Open(db.DefaultConfig(path))
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(sqlDB, migrations); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return &Index{sqlDB: sqlDB}, nil
}

// Close closes the underlying database.
func (ix *Index) Close() error { return ix.sqlDB.Close() }

// InsertMessage upserts a row; re-indexing the same id is idempotent.
func (ix *Index) InsertMessage(m Message) error {
	_, err := ix.sqlDB.Exec(`
INSERT OR REPLACE INTO messages (id, subject, sender, endpoint_hash, status, created_at, ttl)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Subject, m.Sender, m.EndpointHash, m.Status, m.CreatedAt, m.TTL)
	return err
}

// UpdateStatus moves a message between statuses.
func (ix *Index) UpdateStatus(id, status string) error {
	_, err := ix.sqlDB.Exec(`UPDATE messages SET status = ? WHERE id = ?`, status, id)
	return err
}

// DeleteMessage removes a row (delivery completed).
func (ix *Index) DeleteMessage(id string) error {
	_, err := ix.sqlDB.Exec(`DELETE FROM messages WHERE id = ?`, id)
	return err
}

// GetMessage returns a row by id, or nil when absent.
func (ix *Index) GetMessage(id string) (*Message, error) {
	row := ix.sqlDB.QueryRow(`
SELECT id, subject, sender, endpoint_hash, status, created_at, ttl
FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// GetBySubject returns rows for a subject, newest first.
func (ix *Index) GetBySubject(subj string) ([]Message, error) {
	return ix.query(`
SELECT id, subject, sender, endpoint_hash, status, created_at, ttl
FROM messages WHERE subject = ? ORDER BY created_at DESC`, subj)
}

// GetByEndpoint returns rows for an endpoint hash, newest first.
func (ix *Index) GetByEndpoint(hash string) ([]Message, error) {
	return ix.query(`
SELECT id, subject, sender, endpoint_hash, status, created_at, ttl
FROM messages WHERE endpoint_hash = ? ORDER BY created_at DESC`, hash)
}

// CountSenderInWindow counts messages from sender at or after the ISO-8601
// window start. created_at sorts lexicographically, so this is a range scan
// over idx_messages_sender_created.
func (ix *Index) CountSenderInWindow(sender, windowStartISO string) (int, error) {
	var n int
	err := ix.sqlDB.QueryRow(`
SELECT COUNT(*) FROM messages WHERE sender = ? AND created_at >= ?`,
		sender, windowStartISO).Scan(&n)
	return n, err
}

// CountNewByEndpoint counts undelivered (status new) messages for an
// endpoint, the mailbox depth the backpressure gate compares against.
func (ix *Index) CountNewByEndpoint(hash string) (int, error) {
	var n int
	err := ix.sqlDB.QueryRow(`
SELECT COUNT(*) FROM messages WHERE endpoint_hash = ? AND status = ?`,
		hash, StatusNew).Scan(&n)
	return n, err
}

// DeleteExpired removes rows whose ttl is in the past. nowMs defaults to the
// wall clock when zero. Returns the number of rows removed.
func (ix *Index) DeleteExpired(nowMs int64) (int, error) {
	if nowMs == 0 {
		nowMs = time.Now().UnixMilli()
	}
	res, err := ix.sqlDB.Exec(`DELETE FROM messages WHERE ttl < ?`, nowMs)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// GetMetrics aggregates totals, per-status counts and per-subject counts
// (descending).
func (ix *Index) GetMetrics() (*Metrics, error) {
	m := &Metrics{ByStatus: map[string]int{}}

	if err := ix.sqlDB.QueryRow(`SELECT COUNT(*) FROM messages`).Scan(&m.TotalMessages); err != nil {
		return nil, err
	}

	rows, err := ix.sqlDB.Query(`SELECT status, COUNT(*) FROM messages GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		m.ByStatus[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	subjRows, err := ix.sqlDB.Query(`
SELECT subject, COUNT(*) AS n FROM messages GROUP BY subject ORDER BY n DESC`)
	if err != nil {
		return nil, err
	}
	defer subjRows.Close()
	for subjRows.Next() {
		var sc SubjectCount
		if err := subjRows.Scan(&sc.Subject, &sc.Count); err != nil {
			return nil, err
		}
		m.BySubject = append(m.BySubject, sc)
	}
	return m, subjRows.Err()
}

// Rebuild truncates the table and repopulates it by scanning every known
// endpoint's new/, cur/ and failed/ boxes. The maildir filename id becomes
// messages.id, the same key RelayCore indexes under during normal
// operation, which is what makes rebuild idempotent. Returns the number of
// messages indexed.
func (ix *Index) Rebuild(store *maildir.Store, hashToSubject map[string]string) (int, error) {
	if _, err := ix.sqlDB.Exec(`DELETE FROM messages`); err != nil {
		return 0, err
	}

	indexed := 0
	for hash := range hashToSubject {
		for box, status := range map[string]string{
			maildir.BoxNew:    StatusNew,
			maildir.BoxCur:    StatusCur,
			maildir.BoxFailed: StatusFailed,
		} {
			ids, err := listBox(store, hash, box)
			if err != nil {
				return indexed, err
			}
			for _, id := range ids {
				env, err := store.ReadEnvelope(hash, box, id)
				if err != nil {
					return indexed, err
				}
				if env == nil {
					continue
				}
				if err := ix.InsertMessage(Message{
					ID:           id,
					Subject:      env.Subject,
					Sender:       env.From,
					EndpointHash: hash,
					Status:       status,
					CreatedAt:    env.CreatedAt,
					TTL:          env.Budget.TTL,
				}); err != nil {
					return indexed, err
				}
				indexed++
			}
		}
	}
	return indexed, nil
}

func listBox(store *maildir.Store, hash, box string) ([]string, error) {
	switch box {
	case maildir.BoxNew:
		return store.ListNew(hash)
	case maildir.BoxCur:
		return store.ListCurrent(hash)
	case maildir.BoxFailed:
		return store.ListFailed(hash)
	}
	return nil, fmt.Errorf("unknown box %q", box)
}

func (ix *Index) query(q string, args ...any) ([]Message, error) {
	rows, err := ix.sqlDB.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.Subject, &m.Sender, &m.EndpointHash, &m.Status, &m.CreatedAt, &m.TTL); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanMessage(row *sql.Row) (*Message, error) {
	var m Message
	err := row.Scan(&m.ID, &m.Subject, &m.Sender, &m.EndpointHash, &m.Status, &m.CreatedAt, &m.TTL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}
