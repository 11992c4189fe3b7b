package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/stateflow/pkg/schema"
)

// EventLog provides event-sourcing operations on top of an EventStore.
type EventLog struct {
	store EventStore
}

// NewEventLog wraps an EventStore to provide event-sourcing operations.
func NewEventLog(s EventStore) *EventLog {
	return &EventLog{store: s}
}

// Record appends an event of the given type. A nil payload is stored as NULL;
// anything else is JSON-encoded.
func (el *EventLog) Record(ctx context.Context, executionID, state, eventType string, payload any) (*Event, error) {
	event := &Event{
		ExecutionID: executionID,
		State:       state,
		Type:        eventType,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		event.Payload = raw
	}
	if err := el.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// AppendEvent appends a pre-built event.
func (el *EventLog) AppendEvent(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// GetEvents returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// GetEventsByType returns events of a specific type matching the filter.
func (el *EventLog) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// StateReplay is the status of one state reconstructed from the event log.
type StateReplay struct {
	State       string             `json:"state"`
	Status      schema.StateStatus `json:"status"`
	Visits      int                `json:"visits"`
	RetryCount  int                `json:"retry_count"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
}

// ReplayEvents replays all events for an execution and returns the
// reconstructed per-state status, keyed by state name.
// Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StateReplay, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StateReplay)
	for _, e := range events {
		if e.State == "" {
			continue
		}

		sr, ok := states[e.State]
		if !ok {
			sr = &StateReplay{State: e.State, Status: schema.StatePending}
			states[e.State] = sr
		}

		switch e.Type {
		case schema.EventStateEntered:
			sr.Status = schema.StateRunning
			sr.Visits++
			ts := e.Timestamp
			sr.StartedAt = &ts
			sr.CompletedAt = nil
			sr.DurationMs = 0

		case schema.EventStateSucceeded:
			sr.Status = schema.StateSucceeded
			ts := e.Timestamp
			sr.CompletedAt = &ts
			sr.Output = e.Payload
			if sr.StartedAt != nil {
				sr.DurationMs = ts.Sub(*sr.StartedAt).Milliseconds()
			}

		case schema.EventStateFailed:
			sr.Status = schema.StateFailed
			ts := e.Timestamp
			sr.CompletedAt = &ts
			sr.Error = e.Payload

		case schema.EventStateSkipped:
			sr.Status = schema.StateSkipped

		case schema.EventStateRetrying:
			sr.Status = schema.StateRunning
			sr.RetryCount++
		}
	}

	return states, nil
}
