package resume

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"rampflow/internal/disburse"
	"rampflow/internal/events"
	"rampflow/internal/provider"
	"rampflow/internal/ramp"
	"rampflow/internal/status"
)

const DefaultSchedule = "@every 1m"

// Result is what one resume attempt achieved.
type Result struct {
	TransferReference string           `json:"transferReference"`
	OrderID           string           `json:"orderId,omitempty"`
	Status            ramp.OrderStatus `json:"status,omitempty"`
	Kind              ramp.Kind        `json:"kind,omitempty"`
	Message           string           `json:"message,omitempty"`
	Done              bool             `json:"done"`
}

// Reconciler re-submits Transient disbursements with their original key and
// re-polls orders whose polling ran out. It never re-sends a transfer.
type Reconciler struct {
	Queue     *Queue
	Providers *provider.Registry
	Submitter *disburse.Submitter
	Poller    *status.Poller
	Policy    disburse.RetryPolicy
	Events    events.Publisher
	Logger    *zap.Logger
}

func (r *Reconciler) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Reconciler) publish(ctx context.Context, e events.Event) {
	if r.Events == nil {
		return
	}
	if err := r.Events.Publish(ctx, e); err != nil {
		r.logger().Warn("event publish failed", zap.String("type", e.Type), zap.Error(err))
	}
}

// Resume advances the entry for ref by one step.
func (r *Reconciler) Resume(ctx context.Context, ref string) (Result, error) {
	e, err := r.Queue.Get(ref)
	if err != nil {
		return Result{}, err
	}
	return r.advance(ctx, e)
}

func (r *Reconciler) advance(ctx context.Context, e Entry) (Result, error) {
	res := Result{TransferReference: e.TransferReference, OrderID: e.Order.OrderID}
	p, err := r.Providers.Get(e.Provider)
	if err != nil {
		return res, err
	}
	e.Attempts++

	if e.Order.OrderID == "" {
		id, err := r.Submitter.SubmitWithRetry(ctx, p, e.Order, r.Policy)
		if err != nil {
			e.Kind, e.Error = ramp.KindOf(err), err.Error()
			res.Kind, res.Message = e.Kind, err.Error()
			if qErr := r.Queue.Enqueue(e); qErr != nil {
				return res, qErr
			}
			return res, nil
		}
		e.Order.OrderID = id
		e.Order.Status = ramp.StatusPending
		e.Reason, e.Kind, e.Error = ReasonPolling, "", ""
		res.OrderID = id
		r.publish(ctx, events.Event{
			Type: events.OrderSubmitted, FlowID: e.FlowID, Provider: e.Provider,
			TransferReference: e.TransferReference, OrderID: id, Status: ramp.StatusPending,
		})
	}

	u, err := r.Poller.Poll(ctx, p, e.Order.OrderID)
	if err != nil {
		res.Message = err.Error()
		return res, r.Queue.Enqueue(e)
	}
	e.Order.Status = u.Status
	res.Status = u.Status
	res.Message = u.Message
	if !u.Status.Terminal() {
		return res, r.Queue.Enqueue(e)
	}

	typ := events.OrderFailed
	if u.Status == ramp.StatusComplete {
		typ = events.OrderCompleted
	}
	r.publish(ctx, events.Event{
		Type: typ, FlowID: e.FlowID, Provider: e.Provider, TransferReference: e.TransferReference,
		OrderID: e.Order.OrderID, Status: u.Status, Message: u.Message,
	})
	res.Done = true
	return res, r.Queue.Remove(e.TransferReference)
}

// RunOnce advances every queued entry. Non-transient disbursement failures
// stay queued for support and are skipped.
func (r *Reconciler) RunOnce(ctx context.Context) ([]Result, error) {
	entries, err := r.Queue.List()
	if err != nil {
		return nil, err
	}
	var results []Result
	var errs []error
	for _, e := range entries {
		if e.Order.OrderID == "" && e.Kind != "" && e.Kind != ramp.KindTransient {
			continue
		}
		res, err := r.advance(ctx, e)
		if err != nil {
			r.logger().Warn("resume failed", zap.String("transfer_ref", e.TransferReference), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Schedule runs RunOnce on spec until the returned cron is stopped.
func (r *Reconciler) Schedule(spec string, timeout time.Duration) (*cron.Cron, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger), cron.Recover(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		results, err := r.RunOnce(ctx)
		r.logger().Info("resume sweep finished", zap.Int("advanced", len(results)), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
