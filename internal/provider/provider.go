// Package provider defines the capability surface every settlement provider
// adapter implements, so the quote/transfer/disburse/poll pipeline is written
// once and selected by the user's provider choice.
package provider

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"rampflow/internal/ramp"
)

// RateSheet carries a provider's directional rates in fiat per stablecoin.
// A zero value means the provider did not quote that direction.
type RateSheet struct {
	Currency string
	Buy      decimal.Decimal // user buys stablecoin with fiat (on-ramp)
	Sell     decimal.Decimal // user sells stablecoin for fiat (off-ramp)
}

// DisbursementRequest is what a provider needs to pay out (off-ramp) or to
// collect fiat and release stablecoin (on-ramp).
type DisbursementRequest struct {
	IdempotencyKey    string
	Direction         ramp.Direction
	TransferReference string
	Amount            decimal.Decimal
	TargetAmount      decimal.Decimal
	Rate              decimal.Decimal
	Currency          string
	Token             ramp.Token
	Recipient         ramp.Recipient
	WalletAddress     string
	QuoteID           string
}

// StatusReport is a provider's raw answer about an order.
type StatusReport struct {
	OrderID string
	Raw     string
	Message string
}

// Provider is the capability interface implemented once per settlement provider.
type Provider interface {
	Name() string
	Rates(ctx context.Context, currency string, amount decimal.Decimal) (RateSheet, error)
	Institutions(ctx context.Context, country ramp.Country) ([]ramp.Institution, error)
	SettlementAddress(chainID uint64) (string, error)
	Submit(ctx context.Context, req DisbursementRequest) (string, error)
	Status(ctx context.Context, orderID string) (StatusReport, error)
}

// Registry resolves providers by name.
type Registry struct {
	providers map[string]Provider
}

func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ramp.E(ramp.KindRouteUnsupported, "provider", fmt.Sprintf("unknown provider %q", name), nil)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ChainSlug names a chain the way provider APIs expect it.
func ChainSlug(chainID uint64) (string, bool) {
	slug, ok := chainSlugs[chainID]
	return slug, ok
}

var chainSlugs = map[uint64]string{
	1:     "ethereum",
	10:    "optimism",
	137:   "polygon",
	8453:  "base",
	42161: "arbitrum",
	42220: "celo",
	56:    "bnb",
}
