// Package translog persistently records every cross-account transfer with
// status, progress, and error telemetry, backed by a sqlite database with
// three secondary indexes for the query surface the GUI log panel needs.
package translog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rescale-labs/accountbridge/internal/events"
	"github.com/rescale-labs/accountbridge/internal/transferrecord"
)

// ErrNotInitialized is returned by any method called on a closed store.
var ErrNotInitialized = errors.New("translog: store not initialized")

const schema = `
CREATE TABLE IF NOT EXISTS transfers (
	id TEXT PRIMARY KEY,
	timestamp INTEGER NOT NULL,
	source_account_id TEXT NOT NULL,
	source_paths TEXT NOT NULL,
	target_account_id TEXT NOT NULL,
	target_path TEXT NOT NULL,
	operation INTEGER NOT NULL,
	status INTEGER NOT NULL,
	bytes_transferred INTEGER NOT NULL DEFAULT 0,
	bytes_total INTEGER NOT NULL DEFAULT 0,
	files_transferred INTEGER NOT NULL DEFAULT 0,
	files_total INTEGER NOT NULL DEFAULT 0,
	start_time INTEGER NOT NULL DEFAULT 0,
	end_time INTEGER NOT NULL DEFAULT 0,
	error_message TEXT NOT NULL DEFAULT '',
	error_code TEXT NOT NULL DEFAULT '',
	retry_count INTEGER NOT NULL DEFAULT 0,
	can_retry INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_transfers_timestamp ON transfers (timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_transfers_status ON transfers (status);
CREATE INDEX IF NOT EXISTS idx_transfers_accounts ON transfers (source_account_id, target_account_id);
`

var operationCode = map[transferrecord.Operation]int{
	transferrecord.Copy: 0,
	transferrecord.Move: 1,
}
var operationFromCode = map[int]transferrecord.Operation{0: transferrecord.Copy, 1: transferrecord.Move}

var statusCode = map[transferrecord.Status]int{
	transferrecord.Pending:    0,
	transferrecord.InProgress: 1,
	transferrecord.Completed:  2,
	transferrecord.Failed:     3,
	transferrecord.Cancelled:  4,
}
var statusFromCode = map[int]transferrecord.Status{
	0: transferrecord.Pending,
	1: transferrecord.InProgress,
	2: transferrecord.Completed,
	3: transferrecord.Failed,
	4: transferrecord.Cancelled,
}

// Store is a sqlite-backed transfer log. Reads and writes are serialized
// behind one mutex, so a read waits for any write in progress and reads do
// not run concurrently with each other.
type Store struct {
	mu       sync.Mutex
	db       *sql.DB
	eventBus *events.EventBus
}

// Open creates or opens the sqlite database at path, creating the schema if
// it doesn't already exist.
func Open(path string, eventBus *events.EventBus) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("translog: opening database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("translog: creating schema: %w", err)
	}
	return &Store{db: db, eventBus: eventBus}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// DatabasePath is exposed for CLI diagnostics (`accountbridge log path`).
func (s *Store) DatabasePath() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrNotInitialized
	}
	row := s.db.QueryRow("PRAGMA database_list")
	var seq int
	var name, file string
	if err := row.Scan(&seq, &name, &file); err != nil {
		return "", fmt.Errorf("translog: querying database path: %w", err)
	}
	return file, nil
}

// Log inserts a new row for t.
func (s *Store) Log(t *transferrecord.CrossAccountTransfer) error {
	if err := s.upsert(t); err != nil {
		return err
	}
	s.publish(events.EventTransferLogged, t.ID)
	return nil
}

// Update overwrites the row for t.ID with t's current fields.
func (s *Store) Update(t *transferrecord.CrossAccountTransfer) error {
	if err := s.upsert(t); err != nil {
		return err
	}
	s.publish(events.EventTransferLogUpd, t.ID)
	return nil
}

func (s *Store) upsert(t *transferrecord.CrossAccountTransfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}

	canRetry := 0
	if t.CanRetry {
		canRetry = 1
	}

	_, err := s.db.Exec(`
		INSERT INTO transfers (
			id, timestamp, source_account_id, source_paths, target_account_id,
			target_path, operation, status, bytes_transferred, bytes_total,
			files_transferred, files_total, start_time, end_time,
			error_message, error_code, retry_count, can_retry
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			timestamp=excluded.timestamp,
			source_account_id=excluded.source_account_id,
			source_paths=excluded.source_paths,
			target_account_id=excluded.target_account_id,
			target_path=excluded.target_path,
			operation=excluded.operation,
			status=excluded.status,
			bytes_transferred=excluded.bytes_transferred,
			bytes_total=excluded.bytes_total,
			files_transferred=excluded.files_transferred,
			files_total=excluded.files_total,
			start_time=excluded.start_time,
			end_time=excluded.end_time,
			error_message=excluded.error_message,
			error_code=excluded.error_code,
			retry_count=excluded.retry_count,
			can_retry=excluded.can_retry
	`,
		t.ID, t.Timestamp.Unix(), t.SourceAccountID, strings.Join(t.SourcePaths, "\x1f"),
		t.TargetAccountID, t.TargetPath, operationCode[t.Operation], statusCode[t.Status],
		t.BytesTransferred, t.BytesTotal, t.FilesTransferred, t.FilesTotal,
		unixOrZero(t.StartTime), unixOrZero(t.EndTime), t.ErrorMessage, t.ErrorCode,
		t.RetryCount, canRetry,
	)
	if err != nil {
		return fmt.Errorf("translog: upserting %s: %w", t.ID, err)
	}
	return nil
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func (s *Store) publish(eventType events.EventType, id string) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(&events.TransferLogEvent{
		BaseEvent:  events.BaseEvent{EventType: eventType, Time: time.Now()},
		TransferID: id,
	})
}

const selectColumns = `id, timestamp, source_account_id, source_paths, target_account_id,
	target_path, operation, status, bytes_transferred, bytes_total,
	files_transferred, files_total, start_time, end_time,
	error_message, error_code, retry_count, can_retry`

func scanTransfer(row interface{ Scan(...any) error }) (*transferrecord.CrossAccountTransfer, error) {
	var (
		t                       transferrecord.CrossAccountTransfer
		ts, start, end          int64
		opCode, statusCodeVal   int
		paths                   string
		canRetry                int
	)
	if err := row.Scan(
		&t.ID, &ts, &t.SourceAccountID, &paths, &t.TargetAccountID, &t.TargetPath,
		&opCode, &statusCodeVal, &t.BytesTransferred, &t.BytesTotal,
		&t.FilesTransferred, &t.FilesTotal, &start, &end,
		&t.ErrorMessage, &t.ErrorCode, &t.RetryCount, &canRetry,
	); err != nil {
		return nil, err
	}
	t.Timestamp = time.Unix(ts, 0).UTC()
	if start > 0 {
		t.StartTime = time.Unix(start, 0).UTC()
	}
	if end > 0 {
		t.EndTime = time.Unix(end, 0).UTC()
	}
	if paths != "" {
		t.SourcePaths = strings.Split(paths, "\x1f")
	}
	t.Operation = operationFromCode[opCode]
	t.Status = statusFromCode[statusCodeVal]
	t.CanRetry = canRetry != 0
	return &t, nil
}

// Get returns the row for id, or nil if it doesn't exist.
func (s *Store) Get(id string) (*transferrecord.CrossAccountTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	row := s.db.QueryRow("SELECT "+selectColumns+" FROM transfers WHERE id = ?", id)
	t, err := scanTransfer(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("translog: get %s: %w", id, err)
	}
	return t, nil
}

func (s *Store) queryAll(query string, args ...any) ([]*transferrecord.CrossAccountTransfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("translog: query: %w", err)
	}
	defer rows.Close()

	var out []*transferrecord.CrossAccountTransfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("translog: scanning row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// GetAll returns up to limit rows ordered newest-first, skipping offset.
func (s *Store) GetAll(limit, offset int) ([]*transferrecord.CrossAccountTransfer, error) {
	return s.queryAll("SELECT "+selectColumns+" FROM transfers ORDER BY timestamp DESC LIMIT ? OFFSET ?", limit, offset)
}

// ByStatus returns up to limit rows with the given status, newest first.
func (s *Store) ByStatus(status transferrecord.Status, limit int) ([]*transferrecord.CrossAccountTransfer, error) {
	return s.queryAll("SELECT "+selectColumns+" FROM transfers WHERE status = ? ORDER BY timestamp DESC LIMIT ?", statusCode[status], limit)
}

// ByAccount returns up to limit rows where accountID is either endpoint.
func (s *Store) ByAccount(accountID string, limit int) ([]*transferrecord.CrossAccountTransfer, error) {
	return s.queryAll(
		"SELECT "+selectColumns+" FROM transfers WHERE source_account_id = ? OR target_account_id = ? ORDER BY timestamp DESC LIMIT ?",
		accountID, accountID, limit,
	)
}

// ByDateRange returns up to limit rows with timestamp in [from, to].
func (s *Store) ByDateRange(from, to time.Time, limit int) ([]*transferrecord.CrossAccountTransfer, error) {
	return s.queryAll(
		"SELECT "+selectColumns+" FROM transfers WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp DESC LIMIT ?",
		from.Unix(), to.Unix(), limit,
	)
}

// Search performs a substring match on source_paths or target_path.
func (s *Store) Search(query string, limit int) ([]*transferrecord.CrossAccountTransfer, error) {
	like := "%" + query + "%"
	return s.queryAll(
		"SELECT "+selectColumns+" FROM transfers WHERE source_paths LIKE ? OR target_path LIKE ? ORDER BY timestamp DESC LIMIT ?",
		like, like, limit,
	)
}

// StatusCounts returns the number of rows per status.
func (s *Store) StatusCounts() (map[transferrecord.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.db.Query("SELECT status, COUNT(*) FROM transfers GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("translog: status_counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[transferrecord.Status]int)
	for rows.Next() {
		var code, n int
		if err := rows.Scan(&code, &n); err != nil {
			return nil, err
		}
		counts[statusFromCode[code]] = n
	}
	return counts, rows.Err()
}

// Delete removes the row for id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if s.db == nil {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	_, err := s.db.Exec("DELETE FROM transfers WHERE id = ?", id)
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("translog: delete %s: %w", id, err)
	}
	s.publish(events.EventTransferLogDel, id)
	return nil
}

// ClearOlderThan deletes every row with timestamp before ts.
func (s *Store) ClearOlderThan(ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.Exec("DELETE FROM transfers WHERE timestamp < ?", ts.Unix())
	if err != nil {
		return fmt.Errorf("translog: clear_older_than: %w", err)
	}
	return nil
}

// ClearCompleted deletes every row in a terminal, successful state.
func (s *Store) ClearCompleted() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.Exec("DELETE FROM transfers WHERE status = ?", statusCode[transferrecord.Completed])
	if err != nil {
		return fmt.Errorf("translog: clear_completed: %w", err)
	}
	return nil
}

// ClearAll deletes every row.
func (s *Store) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.Exec("DELETE FROM transfers")
	if err != nil {
		return fmt.Errorf("translog: clear_all: %w", err)
	}
	return nil
}
