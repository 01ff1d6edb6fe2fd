package taskstore

import (
	"fmt"
	"strconv"
	"time"
	"transferq/internal/domain"
)

const (
	fUUID              = "uuid"
	fTenant            = "tenant_id"
	fOwner             = "owner"
	fSource            = "source"
	fDest              = "dest"
	fTotalFiles        = "total_files"
	fTotalSize         = "total_size"
	fTotalSkippedFiles = "total_skipped_files"
	fBytesTransferred  = "bytes_transferred"
	fAttempts          = "attempts"
	fCreated           = "created"
	fLastUpdated       = "last_updated"
	fStartTime         = "start_time"
	fEndTime           = "end_time"
	fStatus            = "status"
	fParentTask        = "parent_task"
	fRootTask          = "root_task"
	fVersion           = "version"
)

func encode(t *domain.TransferTask) map[string]any {
	return map[string]any{
		fUUID:              t.UUID,
		fTenant:            t.TenantID,
		fOwner:             t.Owner,
		fSource:            t.Source,
		fDest:              t.Dest,
		fTotalFiles:        t.TotalFiles,
		fTotalSize:         t.TotalSize,
		fTotalSkippedFiles: t.TotalSkippedFiles,
		fBytesTransferred:  t.BytesTransferred,
		fAttempts:          t.Attempts,
		fCreated:           formatTime(&t.Created),
		fLastUpdated:       formatTime(&t.LastUpdated),
		fStartTime:         formatTime(t.StartTime),
		fEndTime:           formatTime(t.EndTime),
		fStatus:            string(t.Status),
		fParentTask:        t.ParentTask,
		fRootTask:          t.RootTask,
		fVersion:           t.Version,
	}
}

func decode(h map[string]string) (*domain.TransferTask, error) {
	t := &domain.TransferTask{
		UUID:       h[fUUID],
		TenantID:   h[fTenant],
		Owner:      h[fOwner],
		Source:     h[fSource],
		Dest:       h[fDest],
		Status:     domain.TaskStatus(h[fStatus]),
		ParentTask: h[fParentTask],
		RootTask:   h[fRootTask],
	}
	var err error
	ints := []struct {
		field string
		dst   *int64
	}{
		{fTotalFiles, &t.TotalFiles},
		{fTotalSize, &t.TotalSize},
		{fTotalSkippedFiles, &t.TotalSkippedFiles},
		{fBytesTransferred, &t.BytesTransferred},
		{fVersion, &t.Version},
	}
	for _, f := range ints {
		if *f.dst, err = parseInt(h[f.field]); err != nil {
			return nil, corrupt(t.UUID, f.field, err)
		}
	}
	attempts, err := parseInt(h[fAttempts])
	if err != nil {
		return nil, corrupt(t.UUID, fAttempts, err)
	}
	t.Attempts = int(attempts)

	if created, err := parseTime(h[fCreated]); err != nil {
		return nil, corrupt(t.UUID, fCreated, err)
	} else if created != nil {
		t.Created = *created
	}
	if updated, err := parseTime(h[fLastUpdated]); err != nil {
		return nil, corrupt(t.UUID, fLastUpdated, err)
	} else if updated != nil {
		t.LastUpdated = *updated
	}
	if t.StartTime, err = parseTime(h[fStartTime]); err != nil {
		return nil, corrupt(t.UUID, fStartTime, err)
	}
	if t.EndTime, err = parseTime(h[fEndTime]); err != nil {
		return nil, corrupt(t.UUID, fEndTime, err)
	}
	return t, nil
}

// corrupt reports a stored field that cannot be read back. Retrying will
// not help, so it is a protocol error rather than a transport one.
func corrupt(id, field string, err error) error {
	return fmt.Errorf("%w: task %s field %s: %w", domain.ErrProtocol, id, field, err)
}

func parseInt(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
