package plugin

import (
	"context"

	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/events"
	"github.com/mattjoyce/taproom/internal/protocol"
)

// reportingUpdater publishes an event for every terminal status update.
type reportingUpdater struct {
	next dispatch.Updater
	hub  *events.Hub
}

func (u *reportingUpdater) UpdateRequest(ctx context.Context, req *protocol.Request, headers protocol.Headers) (protocol.Outcome, error) {
	out, err := u.next.UpdateRequest(ctx, req, headers)
	if err == nil && req.Status().Terminal() {
		u.hub.Publish(events.TypeRequestCompleted, events.RequestCompleted{
			RequestID: req.ID,
			Command:   req.Command,
			Status:    string(req.Status()),
			Outcome:   out.String(),
		})
	}
	return out, err
}

// rejectReporter publishes an event when a delivery is refused before it
// reaches the pool.
type rejectReporter struct {
	next *dispatch.Processor
	hub  *events.Hub
}

func (r *rejectReporter) Codec() protocol.Codec { return r.next.Codec() }

func (r *rejectReporter) OnMessage(ctx context.Context, body []byte, headers protocol.Headers) (<-chan protocol.Result, error) {
	h, err := r.next.OnMessage(ctx, body, headers)
	if err != nil {
		r.hub.Publish(events.TypeRequestRejected, map[string]any{
			"request_id": headers.RequestID,
			"discarded":  protocol.IsDiscard(err),
			"error":      err.Error(),
		})
	}
	return h, err
}
