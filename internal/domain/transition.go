package domain

import "time"

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	if from == to || from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	switch from {
	case StatusCreated:
		return to == StatusAssigned || to == StatusQueued || to == StatusTransferring || to == StatusPaused
	case StatusAssigned:
		return to == StatusQueued || to == StatusTransferring || to == StatusPaused
	case StatusQueued:
		return to == StatusTransferring || to == StatusPaused
	case StatusTransferring:
		return to == StatusPaused || to == StatusQueued
	case StatusPaused:
		return to == StatusQueued || to == StatusTransferring
	}
	return false
}

// ApplyProgress folds the counters carried by ev into t. Counters never go
// backwards and nothing moves once t is terminal.
func (t *TransferTask) ApplyProgress(ev Event, now time.Time) bool {
	if t.Status.Terminal() {
		return false
	}
	changed := false
	if ev.Attempts > t.Attempts {
		t.Attempts = ev.Attempts
		changed = true
	}
	if ev.BytesTransferred > t.BytesTransferred {
		t.BytesTransferred = ev.BytesTransferred
		changed = true
	}
	if ev.TotalSize > 0 && ev.TotalSize != t.TotalSize {
		t.TotalSize = ev.TotalSize
		changed = true
	}
	if ev.TotalFiles > 0 && ev.TotalFiles != t.TotalFiles {
		t.TotalFiles = ev.TotalFiles
		changed = true
	}
	if ev.TotalSkippedFiles > t.TotalSkippedFiles {
		t.TotalSkippedFiles = ev.TotalSkippedFiles
		changed = true
	}
	if changed {
		t.LastUpdated = now
	}
	return changed
}

// SetStatus moves t to next, stamping the timing fields. It returns false
// when the transition is not allowed, which covers duplicate and
// out-of-order deliveries.
func (t *TransferTask) SetStatus(next TaskStatus, now time.Time) bool {
	if !CanTransition(t.Status, next) {
		return false
	}
	t.Status = next
	t.LastUpdated = now
	if next == StatusTransferring && t.StartTime == nil {
		start := now
		t.StartTime = &start
	}
	if next.Terminal() && t.EndTime == nil {
		end := now
		t.EndTime = &end
	}
	return true
}

// Apply folds progress and the status change named by ev into t.
func (t *TransferTask) Apply(ev Event, now time.Time) bool {
	changed := t.ApplyProgress(ev, now)
	if target, ok := ev.Type.TargetStatus(); ok {
		if t.SetStatus(target, now) {
			changed = true
		}
	}
	return changed
}
