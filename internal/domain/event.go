package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EventType names a lifecycle event. On the wire it travels in the
// "status" field of the message body.
type EventType string

const (
	EventCreated   EventType = "transfertask.created"
	EventAssigned  EventType = "transfertask.assigned"
	EventQueued    EventType = "transfertask.queued"
	EventStarted   EventType = "transfertask.started"
	EventUpdated   EventType = "transfertask.updated"
	EventPaused    EventType = "transfertask.paused"
	EventCompleted EventType = "transfertask.completed"
	EventFailed    EventType = "transfertask.failed"
	EventCancelled EventType = "transfertask.cancelled"

	eventCanceledSpelling = "transfertask.canceled"
)

var eventTargets = map[EventType]TaskStatus{
	EventCreated:   StatusCreated,
	EventAssigned:  StatusAssigned,
	EventQueued:    StatusQueued,
	EventStarted:   StatusTransferring,
	EventPaused:    StatusPaused,
	EventCompleted: StatusCompleted,
	EventFailed:    StatusFailed,
	EventCancelled: StatusCancelled,
}

func ParseEventType(s string) (EventType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == eventCanceledSpelling {
		return EventCancelled, nil
	}
	et := EventType(name)
	if et == EventUpdated {
		return et, nil
	}
	if _, ok := eventTargets[et]; ok {
		return et, nil
	}
	return "", fmt.Errorf("%w: unknown lifecycle event %q", ErrBusinessValidation, s)
}

// TargetStatus returns the status an event drives a task to. Progress-only
// events have none.
func (e EventType) TargetStatus() (TaskStatus, bool) {
	st, ok := eventTargets[e]
	return st, ok
}

// EventForStatus is the inverse of TargetStatus.
func EventForStatus(s TaskStatus) EventType {
	for et, st := range eventTargets {
		if st == s {
			return et
		}
	}
	return EventUpdated
}

// Event is the lifecycle event body exchanged with the notification
// collaborator and other listeners. Field names are part of that contract.
type Event struct {
	Type       EventType  `json:"status"`
	UUID       string     `json:"uuid"`
	TenantID   string     `json:"tenant_id"`
	Owner      string     `json:"owner"`
	Source     string     `json:"source"`
	Dest       string     `json:"dest"`
	Attempts   int        `json:"attempts"`
	Created    *time.Time `json:"created,omitempty"`
	LastUpdate *time.Time `json:"lastUpdated,omitempty"`
	StartTime  *time.Time `json:"startTime,omitempty"`
	EndTime    *time.Time `json:"endTime,omitempty"`
	ParentTask string     `json:"parentTask,omitempty"`
	RootTask   string     `json:"rootTask,omitempty"`

	BytesTransferred  int64 `json:"bytesTransferred,omitempty"`
	TotalSize         int64 `json:"totalSize,omitempty"`
	TotalFiles        int64 `json:"totalFiles,omitempty"`
	TotalSkippedFiles int64 `json:"totalSkippedFiles,omitempty"`
}

type wireEvent struct {
	Event
	Type string `json:"status"`
}

// DecodeEvent parses a message body. Malformed JSON and missing identity
// fields are protocol errors; an unrecognised event name is a business
// validation error.
func DecodeEvent(body []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(body, &w); err != nil {
		return Event{}, fmt.Errorf("%w: decode lifecycle event: %v", ErrProtocol, err)
	}
	if strings.TrimSpace(w.UUID) == "" {
		return Event{}, fmt.Errorf("%w: lifecycle event has no uuid", ErrProtocol)
	}
	if strings.TrimSpace(w.Type) == "" {
		return Event{}, fmt.Errorf("%w: lifecycle event %s has no status", ErrProtocol, w.UUID)
	}
	et, err := ParseEventType(w.Type)
	if err != nil {
		return Event{}, err
	}
	ev := w.Event
	ev.Type = et
	return ev, nil
}

func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// NewEvent snapshots t into an event of the given type.
func NewEvent(t TransferTask, et EventType) Event {
	ev := Event{
		Type:              et,
		UUID:              t.UUID,
		TenantID:          t.TenantID,
		Owner:             t.Owner,
		Source:            t.Source,
		Dest:              t.Dest,
		Attempts:          t.Attempts,
		StartTime:         t.StartTime,
		EndTime:           t.EndTime,
		ParentTask:        t.ParentTask,
		RootTask:          t.RootTask,
		BytesTransferred:  t.BytesTransferred,
		TotalSize:         t.TotalSize,
		TotalFiles:        t.TotalFiles,
		TotalSkippedFiles: t.TotalSkippedFiles,
	}
	if !t.Created.IsZero() {
		created := t.Created
		ev.Created = &created
	}
	if !t.LastUpdated.IsZero() {
		updated := t.LastUpdated
		ev.LastUpdate = &updated
	}
	return ev
}

// NewTask builds the CREATED task described by a created event.
func (e Event) NewTask(now time.Time) TransferTask {
	created := now
	if e.Created != nil && !e.Created.IsZero() {
		created = *e.Created
	}
	t := TransferTask{
		UUID:              e.UUID,
		TenantID:          e.TenantID,
		Owner:             e.Owner,
		Source:            e.Source,
		Dest:              e.Dest,
		Attempts:          e.Attempts,
		Created:           created,
		LastUpdated:       now,
		Status:            StatusCreated,
		ParentTask:        e.ParentTask,
		RootTask:          e.RootTask,
		BytesTransferred:  e.BytesTransferred,
		TotalSize:         e.TotalSize,
		TotalFiles:        e.TotalFiles,
		TotalSkippedFiles: e.TotalSkippedFiles,
	}
	if t.IsRoot() && t.RootTask == "" {
		t.RootTask = t.UUID
	}
	return t
}
