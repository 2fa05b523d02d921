package flow

import (
	"github.com/shopspring/decimal"

	"rampflow/internal/ramp"
)

// Event drives a transition.
type Event interface {
	Name() string
}

type AmountEntered struct {
	Amount decimal.Decimal
	// Balance is the on-chain balance at the time of the check. Off-ramp only.
	Balance decimal.Decimal
}

type DestinationSelected struct {
	Country  ramp.Country
	Provider string
}

type QuoteFetched struct {
	Quote ramp.Quote
}

type RecipientResolved struct {
	Recipient   ramp.Recipient
	Institution ramp.Institution
}

// Edit jumps back to StepAmount or StepDestination.
type Edit struct {
	To Step
}

type Broadcasted struct {
	TransferReference string
}

type Submitted struct {
	Order ramp.DisbursementOrder
}

type StatusObserved struct {
	Status  ramp.OrderStatus
	Message string
}

type Failed struct {
	Err error
}

type Retry struct{}

type Cancel struct{}

func (AmountEntered) Name() string       { return "amount_entered" }
func (DestinationSelected) Name() string { return "destination_selected" }
func (QuoteFetched) Name() string        { return "quote_fetched" }
func (RecipientResolved) Name() string   { return "recipient_resolved" }
func (Edit) Name() string                { return "edit" }
func (Broadcasted) Name() string         { return "broadcasted" }
func (Submitted) Name() string           { return "submitted" }
func (StatusObserved) Name() string      { return "status_observed" }
func (Failed) Name() string              { return "failed" }
func (Retry) Name() string               { return "retry" }
func (Cancel) Name() string              { return "cancel" }
