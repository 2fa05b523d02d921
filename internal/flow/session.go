package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rampflow/internal/chain"
	"rampflow/internal/disburse"
	"rampflow/internal/metrics"
	"rampflow/internal/provider"
	"rampflow/internal/quote"
	"rampflow/internal/ramp"
	"rampflow/internal/recipient"
	"rampflow/internal/resume"
	"rampflow/internal/status"
)

// ErrBusy rejects user actions while a confirmation is in flight.
var ErrBusy = errors.New("flow is already confirming")

// Deps are the collaborators shared by every session.
type Deps struct {
	Machine   *Machine
	Providers *provider.Registry
	Quotes    *quote.Service
	Executor  *chain.Executor
	Submitter *disburse.Submitter
	Retry     disburse.RetryPolicy
	Poller    *status.Poller
	Resume    *resume.Queue
	Metrics   *metrics.Registry
	Logger    *zap.Logger
	Now       func() time.Time
}

// Session owns one flow Context. Only the session writes it; polling runs
// in the background and feeds observations back through the machine.
type Session struct {
	deps Deps
	log  *zap.Logger

	mu          sync.Mutex
	state       Context
	subscribers []Subscriber
	confirming  bool

	ctx      context.Context
	cancel   context.CancelFunc
	task     *status.Task
	pollDone chan struct{}
}

func NewSession(deps Deps, initial Context, subs ...Subscriber) *Session {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Machine == nil {
		deps.Machine = &Machine{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	initial.UpdatedAt = deps.Now()
	return &Session{
		deps:        deps,
		log:         deps.Logger.Named("flow").With(zap.String("flow_id", initial.ID)),
		state:       initial,
		subscribers: subs,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (s *Session) Snapshot() Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Apply runs e through the machine and notifies subscribers.
func (s *Session) Apply(e Event) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applyLocked(e)
}

// applyIdle applies a user action. While Confirm runs only the pipeline
// itself may move the flow, so nothing can cancel or edit around a broadcast.
func (s *Session) applyIdle(e Event) (Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.confirming {
		return s.state, ErrBusy
	}
	return s.applyLocked(e)
}

func (s *Session) applyLocked(e Event) (Context, error) {
	from := s.state
	next, err := s.deps.Machine.Apply(from, e)
	if err == nil {
		next.UpdatedAt = s.deps.Now()
		s.state = next
		if next.Outcome != "" && next.Outcome != from.Outcome {
			s.deps.Metrics.IncFlow(string(next.Direction), next.Outcome)
		}
	}
	for _, sub := range s.subscribers {
		sub.OnTransition(from.Step, s.state.Step, e, s.state, err)
	}
	return s.state, err
}

func (s *Session) provider() (provider.Provider, error) {
	return s.deps.Providers.Get(s.Snapshot().Provider)
}

// EnterAmount checks amount against the live wallet balance for off-ramp.
func (s *Session) EnterAmount(ctx context.Context, amount decimal.Decimal) (Context, error) {
	snap := s.Snapshot()
	var balance decimal.Decimal
	if snap.Direction == ramp.OffRamp {
		units, err := s.deps.Executor.Wallet.Balance(ctx, snap.Token.ChainID, snap.WalletAddress, snap.Token.Contract)
		if err != nil {
			return snap, ramp.E(ramp.KindTransient, "balance", "could not read wallet balance", err)
		}
		balance = snap.Token.FromSmallestUnit(units)
	}
	return s.applyIdle(AmountEntered{Amount: amount, Balance: balance})
}

func (s *Session) SelectDestination(country ramp.Country, providerName string) (Context, error) {
	if _, err := s.deps.Providers.Get(providerName); err != nil {
		return s.Snapshot(), err
	}
	return s.applyIdle(DestinationSelected{Country: country, Provider: providerName})
}

// FetchQuote fetches a quote for the selected provider. A failure leaves the
// flow where it is so the user can pick another provider.
func (s *Session) FetchQuote(ctx context.Context) (Context, error) {
	p, err := s.provider()
	if err != nil {
		return s.Snapshot(), err
	}
	snap := s.Snapshot()
	src, dst := snap.Pair()
	q, err := s.deps.Quotes.Get(ctx, p, src, dst, snap.Amount)
	if err != nil {
		return snap, err
	}
	return s.applyIdle(QuoteFetched{Quote: q})
}

// ResolveRecipient validates the destination against the provider's
// institutions and moves to confirmation. A quote is fetched first if none
// is held yet.
func (s *Session) ResolveRecipient(ctx context.Context, raw recipient.RawInput, institutionCode string) (Context, error) {
	p, err := s.provider()
	if err != nil {
		return s.Snapshot(), err
	}
	snap := s.Snapshot()
	inst, err := findInstitution(ctx, p, snap.Country, institutionCode)
	if err != nil {
		return snap, err
	}
	r, err := recipient.Resolve(raw, inst, snap.Country)
	if err != nil {
		return snap, err
	}
	if snap.Quote == nil {
		if snap, err = s.FetchQuote(ctx); err != nil {
			return snap, err
		}
	}
	return s.applyIdle(RecipientResolved{Recipient: r, Institution: inst})
}

func findInstitution(ctx context.Context, p provider.Provider, country ramp.Country, code string) (ramp.Institution, error) {
	list, err := p.Institutions(ctx, country)
	if err != nil {
		return ramp.Institution{}, ramp.E(ramp.KindTransient, "institutions", "could not list institutions", err)
	}
	for _, inst := range list {
		if strings.EqualFold(inst.Code, code) {
			return inst, nil
		}
	}
	return ramp.Institution{}, ramp.E(ramp.KindRouteUnsupported, "institutions",
		fmt.Sprintf("institution code %q not offered by %s in %s", code, p.Name(), country.Code), nil)
}

func (s *Session) fail(err error) (Context, error) {
	snap, applyErr := s.Apply(Failed{Err: err})
	if applyErr != nil {
		s.log.Warn("could not record failure", zap.Error(applyErr))
	}
	return snap, err
}

// Confirm runs the pipeline in strict order: quote freshness, recipient
// re-validation, balance-checked transfer, disbursement, then background
// polling. It returns once the order is submitted. A flow whose transfer was
// already broadcast resumes at disbursement with the same transfer reference.
func (s *Session) Confirm(ctx context.Context) (Context, error) {
	s.mu.Lock()
	if s.confirming {
		s.mu.Unlock()
		return s.Snapshot(), ErrBusy
	}
	s.confirming = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.confirming = false
		s.mu.Unlock()
	}()

	snap := s.Snapshot()
	if snap.Step != StepConfirmation || snap.Order != nil {
		return snap, fmt.Errorf("%w: confirm in step %s", ErrInvalidTransition, snap.Step)
	}
	p, err := s.deps.Providers.Get(snap.Provider)
	if err != nil {
		return s.fail(err)
	}

	if !snap.Broadcast() {
		if snap, err = s.prepare(ctx, p, snap); err != nil {
			return s.fail(err)
		}
		if snap.Direction == ramp.OffRamp {
			if snap, err = s.transfer(ctx, p, snap); err != nil {
				return s.fail(err)
			}
		}
	}

	order, err := s.disburse(ctx, p, snap)
	if err != nil {
		if snap.Broadcast() {
			s.enqueue(snap, order, resume.ReasonDisbursement, err)
		}
		return s.fail(err)
	}
	if snap, err = s.Apply(Submitted{Order: order}); err != nil {
		return snap, err
	}
	if snap.Broadcast() {
		if err := s.deps.Resume.Remove(snap.TransferReference); err != nil {
			s.log.Warn("resume cleanup failed", zap.Error(err))
		}
	}

	s.startPolling(p, order.OrderID)
	return s.Snapshot(), nil
}

// prepare refreshes a stale quote and re-validates the recipient.
func (s *Session) prepare(ctx context.Context, p provider.Provider, snap Context) (Context, error) {
	src, dst := snap.Pair()
	q, err := s.deps.Quotes.Fresh(ctx, p, snap.Quote, src, dst, snap.Amount)
	if err != nil {
		return snap, err
	}
	if snap.Quote == nil || q.ID != snap.Quote.ID {
		if snap, err = s.Apply(QuoteFetched{Quote: q}); err != nil {
			return snap, err
		}
	}
	if snap.Recipient == nil || snap.Institution == nil {
		return snap, ramp.E(ramp.KindInvalidFormat, "recipient", "recipient not resolved", nil)
	}
	if _, err := recipient.Resolve(recipient.RawInput{
		AccountIdentifier: snap.Recipient.AccountIdentifier,
		DisplayName:       snap.Recipient.DisplayName,
	}, *snap.Institution, snap.Country); err != nil {
		return snap, err
	}
	return snap, nil
}

func (s *Session) transfer(ctx context.Context, p provider.Provider, snap Context) (Context, error) {
	vault, err := p.SettlementAddress(snap.Token.ChainID)
	if err != nil {
		return snap, err
	}
	units, err := snap.Token.ToSmallestUnit(snap.Amount)
	if err != nil {
		return snap, ramp.E(ramp.KindValidationFailed, "transfer", err.Error(), err)
	}
	ref, err := s.deps.Executor.Execute(ctx, ramp.TransferIntent{
		TokenContract:        snap.Token.Contract,
		ChainID:              snap.Token.ChainID,
		AmountInSmallestUnit: units,
		DestinationAddress:   vault,
		SenderAddress:        snap.WalletAddress,
	})
	if err != nil {
		return snap, err
	}
	s.log.Info("transfer broadcast", zap.String("transfer_ref", ref))
	next, err := s.Apply(Broadcasted{TransferReference: ref})
	if err != nil {
		// Funds left the wallet; the reference must survive even if the
		// flow cannot take it.
		s.log.Error("broadcast not recorded in flow", zap.String("transfer_ref", ref), zap.Error(err))
		snap.TransferReference = ref
		s.enqueue(snap, orderFor(p, snap), resume.ReasonDisbursement, err)
		return next, ramp.WithTransfer(err, ref)
	}
	return next, nil
}

func (s *Session) disburse(ctx context.Context, p provider.Provider, snap Context) (ramp.DisbursementOrder, error) {
	order := orderFor(p, snap)
	id, err := s.deps.Submitter.SubmitWithRetry(ctx, p, order, s.deps.Retry)
	if err != nil {
		return order, err
	}
	order.OrderID = id
	order.Status = ramp.StatusPending
	if order.IdempotencyKey == "" {
		order.IdempotencyKey = disburse.Key(p.Name(), order.TransferReference)
	}
	return order, nil
}

func orderFor(p provider.Provider, snap Context) ramp.DisbursementOrder {
	order := ramp.DisbursementOrder{
		Provider:          p.Name(),
		Direction:         snap.Direction,
		TransferReference: snap.TransferReference,
		Amount:            snap.Amount,
		TargetAmount:      targetAmount(snap),
		Currency:          snap.FiatCurrency(),
		Token:             snap.Token,
		WalletAddress:     snap.WalletAddress,
	}
	if snap.Recipient != nil {
		order.Recipient = *snap.Recipient
	}
	if snap.Quote != nil {
		order.QuoteID = snap.Quote.ID
	}
	if snap.Direction == ramp.OnRamp {
		order.IdempotencyKey = disburse.OnRampKey(p.Name(), snap.ID)
	}
	return order
}

// targetAmount rounds fiat to cents and stablecoin to the token's precision.
func targetAmount(c Context) decimal.Decimal {
	if c.Quote == nil {
		return decimal.Zero
	}
	v := c.Quote.Convert(c.Amount)
	if c.Direction == ramp.OnRamp {
		return v.RoundDown(c.Token.Decimals)
	}
	return v.Round(2)
}

func (s *Session) enqueue(snap Context, order ramp.DisbursementOrder, reason string, cause error) {
	err := s.deps.Resume.Enqueue(resume.Entry{
		TransferReference: snap.TransferReference,
		FlowID:            snap.ID,
		Provider:          snap.Provider,
		Order:             order,
		Reason:            reason,
		Kind:              ramp.KindOf(cause),
		Error:             cause.Error(),
	})
	if err != nil {
		s.log.Error("could not queue order for resume", zap.String("transfer_ref", snap.TransferReference), zap.Error(err))
	}
}

func (s *Session) startPolling(p provider.Provider, orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task := s.deps.Poller.Start(s.ctx, p, orderID, func(u status.Update) {
		if _, err := s.Apply(StatusObserved{Status: u.Status, Message: u.Message}); err != nil {
			s.log.Warn("status not applied", zap.String("status", string(u.Status)), zap.Error(err))
		}
	})
	done := make(chan struct{})
	s.task, s.pollDone = task, done
	go func() {
		defer close(done)
		_, err := task.Result()
		if err == nil || status.Stopped(err) {
			return
		}
		snap, _ := s.Apply(Failed{Err: err})
		if ramp.IsKind(err, ramp.KindPollTimeout) && snap.Order != nil {
			s.enqueue(snap, *snap.Order, resume.ReasonPolling, err)
		}
	}()
}

// Wait blocks until background polling ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Context, error) {
	s.mu.Lock()
	done := s.pollDone
	s.mu.Unlock()
	if done == nil {
		return s.Snapshot(), nil
	}
	select {
	case <-done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

func (s *Session) Retry() (Context, error) {
	return s.applyIdle(Retry{})
}

func (s *Session) Cancel() (Context, error) {
	return s.applyIdle(Cancel{})
}

func (s *Session) Edit(to Step) (Context, error) {
	return s.applyIdle(Edit{To: to})
}

// busy reports whether a confirmation or status poll is still running.
// Caller holds mu.
func (s *Session) busy() bool {
	if s.confirming {
		return true
	}
	if s.pollDone != nil {
		select {
		case <-s.pollDone:
		default:
			return true
		}
	}
	return false
}

// Finished reports whether the flow has nothing left to do: it succeeded, was
// cancelled, or aborted in a way no retry can reopen.
func (s *Session) Finished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy() {
		return false
	}
	switch s.state.Step {
	case StepSuccess:
		return true
	case StepAborted:
		if s.state.Outcome == OutcomeCancelled {
			return true
		}
		_, err := retry(s.state)
		return err != nil
	}
	return false
}

// Idle reports whether the flow has been untouched for ttl with nothing
// running in the background.
func (s *Session) Idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy() && now.Sub(s.state.UpdatedAt) >= ttl
}

// Close stops background polling and waits for it. A flow still processing
// stays recoverable through the resume queue.
func (s *Session) Close() {
	s.mu.Lock()
	task, done := s.task, s.pollDone
	s.mu.Unlock()
	s.cancel()
	if task != nil {
		task.Stop()
	}
	if done != nil {
		<-done
	}
}
