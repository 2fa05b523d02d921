// Package flow sequences a ramp flow through its steps and runs the
// confirmation pipeline: quote, recipient, transfer, disbursement, polling.
package flow

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"rampflow/internal/ramp"
)

type Step string

const (
	StepAmount       Step = "amount"
	StepDestination  Step = "destination"
	StepProvider     Step = "provider"
	StepConfirmation Step = "confirmation"
	StepSuccess      Step = "success"
	StepAborted      Step = "aborted"
)

func (s Step) Terminal() bool { return s == StepSuccess || s == StepAborted }

// Outcomes reported once a flow stops moving.
const (
	OutcomeSuccess    = "success"
	OutcomeFailed     = "failed"
	OutcomeCancelled  = "cancelled"
	OutcomeProcessing = "processing"
)

// ErrorInfo is the display payload attached to a failed flow.
type ErrorInfo struct {
	Kind              ramp.Kind `json:"kind"`
	Message           string    `json:"message"`
	Title             string    `json:"title"`
	Suggestion        string    `json:"suggestion"`
	TransferReference string    `json:"transferReference,omitempty"`
}

func errorInfo(err error, transferRef string) *ErrorInfo {
	info := &ErrorInfo{Message: err.Error(), TransferReference: transferRef}
	var re *ramp.Error
	if errors.As(err, &re) {
		info.Kind = re.Kind
		if re.Message != "" {
			info.Message = re.Message
		}
		if re.TransferReference != "" {
			info.TransferReference = re.TransferReference
		}
	}
	msg := ramp.Describe(info.Kind)
	info.Title, info.Suggestion = msg.Title, msg.Suggestion
	return info
}

// Context is the whole state of one flow. It is a value: transitions return
// a new Context and never mutate what the caller holds.
type Context struct {
	ID            string          `json:"id"`
	Direction     ramp.Direction  `json:"direction"`
	Step          Step            `json:"step"`
	Amount        decimal.Decimal `json:"amount"`
	Balance       decimal.Decimal `json:"balance"`
	Token         ramp.Token      `json:"token"`
	WalletAddress string          `json:"walletAddress"`
	Country       ramp.Country    `json:"country"`
	Provider      string          `json:"provider,omitempty"`

	Quote       *ramp.Quote             `json:"quote,omitempty"`
	Institution *ramp.Institution       `json:"institution,omitempty"`
	Recipient   *ramp.Recipient         `json:"recipient,omitempty"`
	Order       *ramp.DisbursementOrder `json:"order,omitempty"`

	TransferReference string     `json:"transferReference,omitempty"`
	FailedAt          Step       `json:"failedAt,omitempty"`
	Err               *ErrorInfo `json:"error,omitempty"`
	Outcome           string     `json:"outcome,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// New starts a flow at the amount step.
func New(id string, dir ramp.Direction, token ramp.Token, wallet string) Context {
	return Context{ID: id, Direction: dir, Step: StepAmount, Token: token, WalletAddress: wallet}
}

// Broadcast reports whether funds have left the wallet. From then on the
// flow can neither be edited nor cancelled.
func (c Context) Broadcast() bool { return c.TransferReference != "" }

// FiatCurrency is the local currency of the selected country.
func (c Context) FiatCurrency() string { return c.Country.Currency }

// Pair returns the quote currency pair in conversion order.
func (c Context) Pair() (source, target string) {
	if c.Direction == ramp.OnRamp {
		return c.Country.Currency, c.Token.Symbol
	}
	return c.Token.Symbol, c.Country.Currency
}
