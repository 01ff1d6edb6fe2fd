package domain

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	StatusCreated      TaskStatus = "CREATED"
	StatusAssigned     TaskStatus = "ASSIGNED"
	StatusQueued       TaskStatus = "QUEUED"
	StatusTransferring TaskStatus = "TRANSFERRING"
	StatusPaused       TaskStatus = "PAUSED"
	StatusCompleted    TaskStatus = "COMPLETED"
	StatusFailed       TaskStatus = "FAILED"
	StatusCancelled    TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are permitted from s.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CancelledOrCompleted is the narrower terminal check used by the tree
// queries; FAILED is terminal but does not count as done.
func (s TaskStatus) CancelledOrCompleted() bool {
	return s == StatusCancelled || s == StatusCompleted
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	st := TaskStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch st {
	case StatusCreated, StatusAssigned, StatusQueued, StatusTransferring,
		StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("%w: unknown task status %q", ErrBusinessValidation, s)
}

// TransferTask is one source to destination copy unit. ParentTask and
// RootTask hold uuids of related tasks; an empty ParentTask marks a root.
type TransferTask struct {
	UUID     string `json:"uuid"`
	TenantID string `json:"tenant_id"`
	Owner    string `json:"owner"`
	Source   string `json:"source"`
	Dest     string `json:"dest"`

	TotalFiles        int64 `json:"totalFiles"`
	TotalSize         int64 `json:"totalSize"`
	TotalSkippedFiles int64 `json:"totalSkippedFiles"`
	BytesTransferred  int64 `json:"bytesTransferred"`
	Attempts          int   `json:"attempts"`

	Created     time.Time  `json:"created"`
	LastUpdated time.Time  `json:"lastUpdated"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`

	Status     TaskStatus `json:"status"`
	ParentTask string     `json:"parentTask,omitempty"`
	RootTask   string     `json:"rootTask,omitempty"`

	Version int64 `json:"version"`
}

func (t *TransferTask) IsRoot() bool { return t.ParentTask == "" }

// RootID returns the uuid of the tree this task belongs to.
func (t *TransferTask) RootID() string {
	if t.RootTask != "" {
		return t.RootTask
	}
	if t.IsRoot() {
		return t.UUID
	}
	return t.ParentTask
}

// Validate checks identity and tree-link invariants before a task is stored.
func (t *TransferTask) Validate() error {
	if t.UUID == "" {
		return fmt.Errorf("%w: transfer task uuid is required", ErrBusinessValidation)
	}
	if t.TenantID == "" {
		return fmt.Errorf("%w: transfer task %s has no tenant", ErrBusinessValidation, t.UUID)
	}
	if t.IsRoot() && t.RootTask != "" && t.RootTask != t.UUID {
		return fmt.Errorf("%w: root task %s references foreign root %s", ErrBusinessValidation, t.UUID, t.RootTask)
	}
	if t.ParentTask == t.UUID {
		return fmt.Errorf("%w: task %s is its own parent", ErrBusinessValidation, t.UUID)
	}
	return nil
}

// TransferRate is bytes per second over the active window. The window
// starts at StartTime (or Created) and ends at EndTime, at now while
// TRANSFERRING, and at LastUpdated otherwise.
func (t *TransferTask) TransferRate(now time.Time) float64 {
	if t.BytesTransferred <= 0 {
		return 0
	}
	start := t.Created
	if t.StartTime != nil {
		start = *t.StartTime
	}
	var end time.Time
	switch {
	case t.EndTime != nil:
		end = *t.EndTime
	case t.Status == StatusTransferring:
		end = now
	default:
		end = t.LastUpdated
	}
	elapsed := end.Sub(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(t.BytesTransferred) / elapsed
}
