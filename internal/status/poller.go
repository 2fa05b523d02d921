// Package status polls provider order status until a terminal state.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"rampflow/internal/metrics"
	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultCeiling  = 10 * time.Minute
)

// Update is one observation of an order.
type Update struct {
	OrderID    string           `json:"orderId"`
	Status     ramp.OrderStatus `json:"status"`
	Raw        string           `json:"raw"`
	Message    string           `json:"message,omitempty"`
	ObservedAt time.Time        `json:"observedAt"`
}

// Poller only reads; it never submits or resubmits anything.
type Poller struct {
	Interval time.Duration
	Ceiling  time.Duration
	Logger   *zap.Logger
	Metrics  *metrics.Registry
	Now      func() time.Time
}

func New(interval, ceiling time.Duration, logger *zap.Logger, m *metrics.Registry) *Poller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Poller{Interval: interval, Ceiling: ceiling, Logger: logger.Named("status"), Metrics: m, Now: time.Now}
}

func (p *Poller) Poll(ctx context.Context, prov provider.Provider, orderID string) (Update, error) {
	rep, err := prov.Status(ctx, orderID)
	if err != nil {
		p.Metrics.IncPoll(prov.Name(), "error")
		return Update{}, fmt.Errorf("poll %s order %s: %w", prov.Name(), orderID, err)
	}
	st := ramp.ParseStatus(rep.Raw)
	p.Metrics.IncPoll(prov.Name(), string(st))
	return Update{OrderID: orderID, Status: st, Raw: rep.Raw, Message: rep.Message, ObservedAt: p.Now()}, nil
}

// Watch polls immediately and then every Interval until the order is terminal.
// Past Ceiling it returns the last observation with a PollTimeout error; that
// means "still processing", not Expired. Failed reads are logged and skipped.
func (p *Poller) Watch(ctx context.Context, prov provider.Provider, orderID string, onUpdate func(Update)) (Update, error) {
	deadline := time.NewTimer(p.Ceiling)
	defer deadline.Stop()
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	last := Update{OrderID: orderID, Status: ramp.StatusPending}
	for {
		u, err := p.Poll(ctx, prov, orderID)
		switch {
		case err == nil:
			last = u
			if onUpdate != nil {
				onUpdate(u)
			}
			if u.Status.Terminal() {
				return u, nil
			}
		case ctx.Err() != nil:
			return last, ctx.Err()
		default:
			p.Logger.Warn("status poll failed", zap.String("order_id", orderID), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-deadline.C:
			p.Logger.Info("status polling ceiling reached", zap.String("order_id", orderID), zap.String("status", string(last.Status)))
			return last, ramp.E(ramp.KindPollTimeout, "poll", "order still processing", nil)
		case <-ticker.C:
		}
	}
}

// Task is a polling loop bound to a scope. Stop cancels it and waits, so no
// goroutine outlives the scope.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Update
	err    error
}

func (p *Poller) Start(ctx context.Context, prov provider.Provider, orderID string, onUpdate func(Update)) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		t.result, t.err = p.Watch(ctx, prov, orderID, onUpdate)
	}()
	return t
}

func (t *Task) Stop() {
	t.cancel()
	<-t.done
}

func (t *Task) Done() <-chan struct{} { return t.done }

// Result blocks until the task ends.
func (t *Task) Result() (Update, error) {
	<-t.done
	return t.result, t.err
}

// Stopped reports whether err came from Stop or parent cancellation.
func Stopped(err error) bool {
	return errors.Is(err, context.Canceled)
}
