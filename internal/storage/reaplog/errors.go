package reaplog

// ============================================================================
// Reap Log Error Definitions
// Purpose: Define all reap-log related error types
// ============================================================================

import (
	"errors"
	"fmt"
)

// Predefined errors
var (
	// ErrEmptyPath indicates no log path was configured
	ErrEmptyPath = errors.New("reaplog: empty path")

	// ErrLogClosed indicates the log is closed, cannot perform operation
	ErrLogClosed = errors.New("reaplog: already closed")

	// ErrSyncFailed indicates fsync failed
	ErrSyncFailed = errors.New("reaplog: sync to disk failed")

	// ErrMalformedLine indicates a line does not match the reap record format
	ErrMalformedLine = errors.New("reaplog: malformed line")
)

// CorruptionError represents an unreadable line found during replay
type CorruptionError struct {
	Line  int   // 1-based line number
	Cause error // Underlying error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("reaplog: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}
