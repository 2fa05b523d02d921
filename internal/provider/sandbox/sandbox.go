// Package sandbox is an in-memory provider for local runs and tests. Rates,
// institutions, submit failures and status progressions are scripted.
package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

type Provider struct {
	name       string
	settlement string

	mu           sync.Mutex
	rates        map[string]provider.RateSheet
	institutions map[string][]ramp.Institution
	submitErrs   []error
	statusErrs   []error
	progression  []string
	orders       map[string]string   // idempotency key -> order id
	statuses     map[string][]string // order id -> remaining raw statuses
	requests     []provider.DisbursementRequest
	submitCalls  int
	statusCalls  int
}

func New(name, settlementAddress string) *Provider {
	if name == "" {
		name = "sandbox"
	}
	return &Provider{
		name:         name,
		settlement:   settlementAddress,
		rates:        make(map[string]provider.RateSheet),
		institutions: make(map[string][]ramp.Institution),
		orders:       make(map[string]string),
		statuses:     make(map[string][]string),
		progression:  []string{"pending", "processing", "completed"},
	}
}

// SetRates scripts the rate sheet returned for currency.
func (p *Provider) SetRates(currency string, buy, sell decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(currency)
	p.rates[key] = provider.RateSheet{Currency: key, Buy: buy, Sell: sell}
}

func (p *Provider) SetInstitutions(countryCode string, list ...ramp.Institution) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.institutions[strings.ToUpper(countryCode)] = list
}

// FailSubmits queues errors returned by the next Submit calls, in order.
func (p *Provider) FailSubmits(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErrs = append(p.submitErrs, errs...)
}

func (p *Provider) FailStatus(errs ...error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusErrs = append(p.statusErrs, errs...)
}

// SetProgression sets the raw statuses every new order walks through. The
// last one repeats once reached.
func (p *Provider) SetProgression(raw ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progression = raw
}

func (p *Provider) SubmitCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submitCalls
}

func (p *Provider) StatusCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusCalls
}

// Orders returns the number of distinct orders created.
func (p *Provider) Orders() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.orders)
}

func (p *Provider) Requests() []provider.DisbursementRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.DisbursementRequest(nil), p.requests...)
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) SettlementAddress(chainID uint64) (string, error) {
	if p.settlement == "" {
		return "", ramp.E(ramp.KindRouteUnsupported, "settlement_address", fmt.Sprintf("chain %d not supported", chainID), nil)
	}
	return p.settlement, nil
}

func (p *Provider) Rates(ctx context.Context, currency string, _ decimal.Decimal) (provider.RateSheet, error) {
	if err := ctx.Err(); err != nil {
		return provider.RateSheet{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	sheet, ok := p.rates[strings.ToUpper(currency)]
	if !ok {
		return provider.RateSheet{Currency: strings.ToUpper(currency)}, nil
	}
	return sheet, nil
}

func (p *Provider) Institutions(_ context.Context, country ramp.Country) ([]ramp.Institution, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ramp.Institution(nil), p.institutions[strings.ToUpper(country.Code)]...), nil
}

// Submit dedups on the idempotency key the way real providers do.
func (p *Provider) Submit(ctx context.Context, req provider.DisbursementRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitCalls++
	p.requests = append(p.requests, req)
	if len(p.submitErrs) > 0 {
		err := p.submitErrs[0]
		p.submitErrs = p.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	if id, ok := p.orders[req.IdempotencyKey]; ok {
		return id, nil
	}
	id := "sbx-" + uuid.NewString()
	p.orders[req.IdempotencyKey] = id
	p.statuses[id] = append([]string(nil), p.progression...)
	return id, nil
}

func (p *Provider) Status(ctx context.Context, orderID string) (provider.StatusReport, error) {
	if err := ctx.Err(); err != nil {
		return provider.StatusReport{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusCalls++
	if len(p.statusErrs) > 0 {
		err := p.statusErrs[0]
		p.statusErrs = p.statusErrs[1:]
		if err != nil {
			return provider.StatusReport{}, err
		}
	}
	seq, ok := p.statuses[orderID]
	if !ok {
		return provider.StatusReport{}, &provider.APIError{Provider: p.name, Op: "status", StatusCode: 404, Message: "order not found"}
	}
	if len(seq) == 0 {
		return provider.StatusReport{OrderID: orderID, Raw: "processing"}, nil
	}
	raw := seq[0]
	if len(seq) > 1 {
		p.statuses[orderID] = seq[1:]
	}
	return provider.StatusReport{OrderID: orderID, Raw: raw}, nil
}
