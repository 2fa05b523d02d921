package flow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"rampflow/internal/events"
	"rampflow/internal/ramp"
)

// LogSubscriber writes one line per applied event.
type LogSubscriber struct {
	Logger *zap.Logger
}

func (l LogSubscriber) OnTransition(from, to Step, e Event, snap Context, err error) {
	if l.Logger == nil {
		return
	}
	fields := []zap.Field{
		zap.String("flow_id", snap.ID),
		zap.String("event", e.Name()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}
	if snap.TransferReference != "" {
		fields = append(fields, zap.String("transfer_ref", snap.TransferReference))
	}
	if err != nil {
		l.Logger.Info("transition rejected", append(fields, zap.Error(err))...)
		return
	}
	l.Logger.Debug("transition", fields...)
}

// EventForwarder publishes order lifecycle events for accepted transitions.
type EventForwarder struct {
	Publisher events.Publisher
	Timeout   time.Duration
	Logger    *zap.Logger
}

func (f EventForwarder) OnTransition(from, to Step, e Event, snap Context, err error) {
	if err != nil || f.Publisher == nil {
		return
	}
	ev, ok := lifecycleEvent(from, to, e, snap)
	if !ok {
		return
	}
	timeout := f.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if pubErr := f.Publisher.Publish(ctx, ev); pubErr != nil && f.Logger != nil {
		f.Logger.Warn("event publish failed", zap.String("type", ev.Type), zap.String("flow_id", snap.ID), zap.Error(pubErr))
	}
}

func lifecycleEvent(from, to Step, e Event, snap Context) (events.Event, bool) {
	ev := events.Event{
		FlowID:            snap.ID,
		Direction:         snap.Direction,
		Provider:          snap.Provider,
		TransferReference: snap.TransferReference,
		At:                snap.UpdatedAt,
	}
	if snap.Order != nil {
		ev.OrderID = snap.Order.OrderID
		ev.Status = snap.Order.Status
	}
	if snap.Err != nil {
		ev.Kind = snap.Err.Kind
		ev.Message = snap.Err.Message
	}

	switch e.(type) {
	case Submitted:
		ev.Type = events.OrderSubmitted
	case StatusObserved:
		switch {
		case to == StepSuccess:
			ev.Type = events.OrderCompleted
		case to == StepAborted && from != StepAborted:
			ev.Type = events.OrderFailed
		default:
			return ev, false
		}
	case Failed:
		switch {
		case snap.Outcome == OutcomeProcessing:
			ev.Type = events.FlowStalled
		case snap.Broadcast() && to == StepAborted && from != StepAborted:
			// Funds moved but the payout did not start.
			ev.Type = events.OrderFailed
			if ev.Kind == "" {
				ev.Kind = ramp.KindDisbursementFailed
			}
		default:
			return ev, false
		}
	default:
		return ev, false
	}
	return ev, true
}
