// Package transferrecord defines the CrossAccountTransfer record shared by
// the transfer log store and the cross-account transfer engine.
package transferrecord

import "time"

// Operation is the transfer's intent: copy the content, or copy-then-delete
// the source (move).
type Operation string

const (
	Copy Operation = "copy"
	Move Operation = "move"
)

// Status is a transfer's lifecycle state. Pending is initial; Completed,
// Failed, and Cancelled are terminal.
type Status string

const (
	Pending    Status = "pending"
	InProgress Status = "in_progress"
	Completed  Status = "completed"
	Failed     Status = "failed"
	Cancelled  Status = "cancelled"
)

// IsTerminal reports whether s is one of the terminal statuses.
func (s Status) IsTerminal() bool {
	return s == Completed || s == Failed || s == Cancelled
}

// CrossAccountTransfer is the persisted record of one cross-account
// copy/move operation, one-to-one with the `transfers` table schema.
type CrossAccountTransfer struct {
	ID        string
	Timestamp time.Time

	SourceAccountID string
	SourcePaths     []string
	TargetAccountID string
	TargetPath      string

	Operation Operation
	Status    Status

	BytesTransferred int64
	BytesTotal       int64
	FilesTransferred int
	FilesTotal       int
	StartTime        time.Time
	EndTime          time.Time

	ErrorMessage string
	ErrorCode    string
	RetryCount   int
	CanRetry     bool
}

// Percent returns the byte-weighted progress percentage, 0 if BytesTotal is
// unknown.
func (t *CrossAccountTransfer) Percent() int {
	if t.BytesTotal <= 0 {
		return 0
	}
	pct := float64(t.BytesTransferred) / float64(t.BytesTotal) * 100
	if pct > 100 {
		pct = 100
	}
	return int(pct)
}
