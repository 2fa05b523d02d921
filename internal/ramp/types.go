package ramp

import (
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Direction says which way value moves across the rails.
type Direction string

const (
	OffRamp Direction = "offramp" // stablecoin -> fiat payout
	OnRamp  Direction = "onramp"  // fiat collection -> stablecoin
)

func (d Direction) Valid() bool {
	return d == OffRamp || d == OnRamp
}

// InstitutionKind distinguishes mobile-money wallets from bank accounts.
type InstitutionKind string

const (
	MobileMoney InstitutionKind = "mobile_money"
	Bank        InstitutionKind = "bank"
)

// Country is the subset of country metadata the pipeline needs.
type Country struct {
	Code        string `json:"code"`
	Currency    string `json:"currency"`
	CallingCode string `json:"callingCode"`
}

// Institution is a payout/collection endpoint offered by a provider.
type Institution struct {
	Code string          `json:"code"`
	Name string          `json:"name"`
	Kind InstitutionKind `json:"kind"`
}

// Token identifies a stablecoin on its canonical chain.
type Token struct {
	Symbol   string `json:"symbol"`
	Contract string `json:"contract"`
	ChainID  uint64 `json:"chainId"`
	Decimals int32  `json:"decimals"`
}

// ToSmallestUnit scales a human amount to integer token units. Amounts with
// more precision than the token supports are rejected rather than truncated.
func (t Token) ToSmallestUnit(amount decimal.Decimal) (*big.Int, error) {
	scaled := amount.Shift(t.Decimals)
	if !scaled.Equal(scaled.Truncate(0)) {
		return nil, fmt.Errorf("amount %s exceeds %d decimals of %s", amount, t.Decimals, t.Symbol)
	}
	return scaled.BigInt(), nil
}

// FromSmallestUnit is the inverse of ToSmallestUnit.
func (t Token) FromSmallestUnit(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -t.Decimals)
}

// Quote is a normalized exchange rate. Rate converts one unit of
// SourceCurrency into TargetCurrency.
type Quote struct {
	ID             string          `json:"id"`
	Provider       string          `json:"provider"`
	SourceCurrency string          `json:"sourceCurrency"`
	TargetCurrency string          `json:"targetCurrency"`
	Rate           decimal.Decimal `json:"rate"`
	QuotedAt       time.Time       `json:"quotedAt"`
	TTL            time.Duration   `json:"ttl"`
}

// Stale reports whether the quote can no longer price a final amount.
func (q Quote) Stale(now time.Time) bool {
	return !now.Before(q.QuotedAt.Add(q.TTL))
}

// Convert returns amount*rate without rounding.
func (q Quote) Convert(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(q.Rate)
}

// DisplayAmount renders the converted amount with two decimals.
func (q Quote) DisplayAmount(amount decimal.Decimal) string {
	return q.Convert(amount).StringFixed(2)
}

// Recipient is a normalized payout destination.
type Recipient struct {
	InstitutionCode    string          `json:"institutionCode"`
	AccountIdentifier  string          `json:"accountIdentifier"`
	DisplayName        string          `json:"displayName"`
	Kind               InstitutionKind `json:"kind"`
	CountryCallingCode string          `json:"countryCallingCode"`
}

// TransferIntent describes one on-chain transfer attempt to a settlement vault.
type TransferIntent struct {
	TokenContract        string
	ChainID              uint64
	AmountInSmallestUnit *big.Int
	DestinationAddress   string
	SenderAddress        string
}

// DisbursementOrder ties an off-chain payout request to the transfer that funds it.
type DisbursementOrder struct {
	OrderID           string          `json:"orderId,omitempty"`
	IdempotencyKey    string          `json:"idempotencyKey,omitempty"`
	Provider          string          `json:"provider"`
	Direction         Direction       `json:"direction"`
	TransferReference string          `json:"transferReference,omitempty"`
	Recipient         Recipient       `json:"recipient"`
	Amount            decimal.Decimal `json:"amount"`
	TargetAmount      decimal.Decimal `json:"targetAmount"`
	Currency          string          `json:"currency"`
	Token             Token           `json:"token"`
	WalletAddress     string          `json:"walletAddress,omitempty"`
	QuoteID           string          `json:"quoteId"`
	Status            OrderStatus     `json:"status"`
}
