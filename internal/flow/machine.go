package flow

import (
	"errors"
	"fmt"
	"strings"

	"rampflow/internal/ramp"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotCancellable    = errors.New("transfer already broadcast; flow can no longer be edited or cancelled")
	ErrNotRetryable      = errors.New("flow cannot be retried")
	ErrTerminal          = errors.New("flow already finished")
)

// Routes is the destination table: country code to the providers serving it.
type Routes map[string][]string

func (r Routes) Supports(country, provider string) bool {
	for _, p := range r[strings.ToUpper(country)] {
		if p == provider {
			return true
		}
	}
	return false
}

func (r Routes) Providers(country string) []string {
	return append([]string(nil), r[strings.ToUpper(country)]...)
}

// Subscriber observes every applied event, including rejected ones (err != nil).
type Subscriber interface {
	OnTransition(from, to Step, e Event, snapshot Context, err error)
}

// Machine holds the static rules. Apply is pure: the same (Context, Event)
// always yields the same result and the input is left untouched.
type Machine struct {
	Routes Routes
}

func (m *Machine) Apply(c Context, e Event) (Context, error) {
	if _, ok := e.(Cancel); ok && c.Broadcast() {
		return c, ErrNotCancellable
	}
	if c.Step.Terminal() && !reopens(c, e) {
		return c, fmt.Errorf("%w: %s", ErrTerminal, e.Name())
	}

	switch ev := e.(type) {
	case AmountEntered:
		return m.amountEntered(c, ev)
	case DestinationSelected:
		return m.destinationSelected(c, ev)
	case QuoteFetched:
		return quoteFetched(c, ev)
	case RecipientResolved:
		return recipientResolved(c, ev)
	case Edit:
		return edit(c, ev)
	case Broadcasted:
		return broadcasted(c, ev)
	case Submitted:
		return submitted(c, ev)
	case StatusObserved:
		return statusObserved(c, ev)
	case Failed:
		return failed(c, ev)
	case Retry:
		return retry(c)
	case Cancel:
		return cancel(c)
	}
	return c, fmt.Errorf("%w: unknown event %T", ErrInvalidTransition, e)
}

// reopens reports whether e may leave a terminal step: only an aborted,
// uncancelled flow can be retried or edited.
func reopens(c Context, e Event) bool {
	if c.Step != StepAborted || c.Outcome == OutcomeCancelled {
		return false
	}
	switch e.(type) {
	case Retry, Edit:
		return true
	}
	return false
}

func invalid(c Context, e Event) error {
	return fmt.Errorf("%w: %s in step %s", ErrInvalidTransition, e.Name(), c.Step)
}

func (m *Machine) amountEntered(c Context, ev AmountEntered) (Context, error) {
	if c.Step != StepAmount {
		return c, invalid(c, ev)
	}
	if !ev.Amount.IsPositive() {
		return c, ramp.E(ramp.KindValidationFailed, "amount", "amount must be positive", nil)
	}
	if c.Direction == ramp.OffRamp {
		if ev.Amount.GreaterThan(ev.Balance) {
			return c, ramp.E(ramp.KindInsufficientFunds, "amount",
				fmt.Sprintf("amount %s exceeds balance %s", ev.Amount, ev.Balance), nil)
		}
		if _, err := c.Token.ToSmallestUnit(ev.Amount); err != nil {
			return c, ramp.E(ramp.KindValidationFailed, "amount", err.Error(), err)
		}
	}
	c.Amount = ev.Amount
	c.Balance = ev.Balance
	c.Step = StepDestination
	return c, nil
}

func (m *Machine) destinationSelected(c Context, ev DestinationSelected) (Context, error) {
	if c.Step != StepDestination {
		return c, invalid(c, ev)
	}
	if !m.Routes.Supports(ev.Country.Code, ev.Provider) {
		return c, ramp.E(ramp.KindRouteUnsupported, "destination",
			fmt.Sprintf("provider %q does not serve %s", ev.Provider, ev.Country.Code), nil)
	}
	c.Country = ev.Country
	c.Provider = ev.Provider
	c = dropCollected(c)
	c.Step = StepProvider
	return c, nil
}

// quoteFetched is accepted at the provider step and, until funds move, at
// confirmation so a stale quote can be replaced.
func quoteFetched(c Context, ev QuoteFetched) (Context, error) {
	if c.Step != StepProvider && (c.Step != StepConfirmation || c.Broadcast()) {
		return c, invalid(c, ev)
	}
	if ev.Quote.Provider != c.Provider {
		return c, ramp.E(ramp.KindValidationFailed, "quote", "quote issued by another provider", nil)
	}
	if !ev.Quote.Rate.IsPositive() {
		return c, ramp.E(ramp.KindRateUnavailable, "quote", "rate must be positive", nil)
	}
	q := ev.Quote
	c.Quote = &q
	return c, nil
}

func recipientResolved(c Context, ev RecipientResolved) (Context, error) {
	if c.Step != StepProvider {
		return c, invalid(c, ev)
	}
	if ev.Recipient.AccountIdentifier == "" || ev.Recipient.InstitutionCode == "" {
		return c, ramp.E(ramp.KindInvalidFormat, "recipient", "recipient is incomplete", nil)
	}
	r, inst := ev.Recipient, ev.Institution
	next := c
	next.Recipient = &r
	next.Institution = &inst
	if err := confirmationReady(next); err != nil {
		return c, err
	}
	next.Step = StepConfirmation
	return next, nil
}

// confirmationReady is the entry guard for StepConfirmation.
func confirmationReady(c Context) error {
	switch {
	case !c.Amount.IsPositive():
		return ramp.E(ramp.KindValidationFailed, "confirmation", "amount must be positive", nil)
	case c.Recipient == nil:
		return ramp.E(ramp.KindInvalidFormat, "confirmation", "recipient not resolved", nil)
	case c.Quote == nil:
		return ramp.E(ramp.KindRateUnavailable, "confirmation", "no quote for this provider", nil)
	}
	return nil
}

func edit(c Context, ev Edit) (Context, error) {
	if c.Broadcast() {
		return c, ErrNotCancellable
	}
	if ev.To != StepAmount && ev.To != StepDestination {
		return c, invalid(c, ev)
	}
	if rank(c.Step) <= rank(ev.To) && c.Step != StepAborted {
		return c, invalid(c, ev)
	}
	c = dropCollected(c)
	c.Step = ev.To
	c.Err, c.FailedAt, c.Outcome = nil, "", ""
	return c, nil
}

func rank(s Step) int {
	switch s {
	case StepAmount:
		return 0
	case StepDestination:
		return 1
	case StepProvider:
		return 2
	case StepConfirmation:
		return 3
	}
	return 4
}

// dropCollected discards everything computed from earlier choices.
func dropCollected(c Context) Context {
	c.Quote = nil
	c.Recipient = nil
	c.Institution = nil
	c.Order = nil
	return c
}

func broadcasted(c Context, ev Broadcasted) (Context, error) {
	if c.Step != StepConfirmation || c.Broadcast() || ev.TransferReference == "" {
		return c, invalid(c, ev)
	}
	c.TransferReference = ev.TransferReference
	return c, nil
}

func submitted(c Context, ev Submitted) (Context, error) {
	if c.Step != StepConfirmation || c.Order != nil || ev.Order.OrderID == "" {
		return c, invalid(c, ev)
	}
	if c.Direction == ramp.OffRamp && (!c.Broadcast() || ev.Order.TransferReference != c.TransferReference) {
		return c, fmt.Errorf("%w: disbursement must reference the broadcast transfer", ErrInvalidTransition)
	}
	o := ev.Order
	c.Order = &o
	return c, nil
}

func statusObserved(c Context, ev StatusObserved) (Context, error) {
	if c.Step != StepConfirmation || c.Order == nil {
		return c, invalid(c, ev)
	}
	o := *c.Order
	o.Status = ev.Status
	c.Order = &o
	switch ev.Status {
	case ramp.StatusComplete:
		c.Step = StepSuccess
		c.Outcome = OutcomeSuccess
		c.Err = nil
	case ramp.StatusFailed, ramp.StatusExpired, ramp.StatusCancelled:
		msg := ev.Message
		if msg == "" {
			msg = "provider reported order " + string(ev.Status)
		}
		c.Err = errorInfo(ramp.E(ramp.KindDisbursementFailed, "status", msg, nil), c.TransferReference)
		c.FailedAt = StepConfirmation
		c.Step = StepAborted
		c.Outcome = OutcomeFailed
	}
	return c, nil
}

// failed aborts the flow, except that a poll timeout leaves it in
// confirmation as still processing.
func failed(c Context, ev Failed) (Context, error) {
	if ev.Err == nil {
		return c, invalid(c, ev)
	}
	if ramp.IsKind(ev.Err, ramp.KindPollTimeout) && c.Step == StepConfirmation && c.Order != nil {
		c.Outcome = OutcomeProcessing
		c.Err = errorInfo(ev.Err, c.TransferReference)
		return c, nil
	}
	c.Err = errorInfo(ev.Err, c.TransferReference)
	c.FailedAt = c.Step
	c.Step = StepAborted
	c.Outcome = OutcomeFailed
	return c, nil
}

// retry returns to the failed step. Once funds moved, only a transient
// disbursement failure may be retried; everything else needs support.
func retry(c Context) (Context, error) {
	if c.Step != StepAborted || c.FailedAt == "" || c.Outcome == OutcomeCancelled {
		return c, ErrNotRetryable
	}
	if c.Broadcast() && (c.Order != nil || c.Err == nil || c.Err.Kind != ramp.KindTransient) {
		return c, ErrNotRetryable
	}
	c.Step = c.FailedAt
	c.FailedAt = ""
	c.Err = nil
	c.Outcome = ""
	return c, nil
}

func cancel(c Context) (Context, error) {
	if c.Broadcast() {
		return c, ErrNotCancellable
	}
	c = dropCollected(c)
	c.FailedAt = c.Step
	c.Step = StepAborted
	c.Outcome = OutcomeCancelled
	return c, nil
}
