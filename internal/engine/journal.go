package engine

import (
	"context"
	"log/slog"

	"github.com/rendis/stateflow/internal/store"
	"github.com/rendis/stateflow/internal/streaming"
)

// journal appends events to the execution log and fans each stored event
// out to the streaming hub. Hub failures are logged, never returned: the
// log is the source of truth.
type journal struct {
	log    *store.EventLog
	hub    streaming.EventHub
	logger *slog.Logger
}

func newJournal(log *store.EventLog, hub streaming.EventHub, logger *slog.Logger) *journal {
	return &journal{log: log, hub: hub, logger: logger}
}

func (j *journal) Record(ctx context.Context, executionID, state, eventType string, payload any) (*store.Event, error) {
	ctx = context.WithoutCancel(ctx)
	ev, err := j.log.Record(ctx, executionID, state, eventType, payload)
	if err != nil {
		return nil, err
	}
	if j.hub != nil {
		if err := j.hub.Publish(ctx, toStreamEvent(ev)); err != nil {
			j.logger.WarnContext(ctx, "publish stream event", "event_type", eventType, "error", err)
		}
	}
	return ev, nil
}

func toStreamEvent(ev *store.Event) streaming.StreamEvent {
	return streaming.StreamEvent{
		ExecutionID: ev.ExecutionID,
		State:       ev.State,
		EventType:   ev.Type,
		Sequence:    ev.Sequence,
		Payload:     ev.Payload,
		Timestamp:   ev.Timestamp,
	}
}

var _ EventRecorder = (*journal)(nil)
