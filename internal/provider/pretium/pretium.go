// Package pretium adapts a mobile-money/bank settlement API exposing
// exchange-rate, networks, pay/onramp and status endpoints.
package pretium

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"rampflow/internal/hmacauth"
	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

type Config struct {
	Name              string
	BaseURL           string
	APIKey            string
	Secret            string
	SettlementAddress string
	Timeout           time.Duration
}

// Client implements provider.Provider.
type Client struct {
	name       string
	http       *provider.HTTPClient
	settlement string
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("pretium: base url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "pretium"
	}
	hc := provider.NewHTTPClient(name, cfg.BaseURL, map[string]string{"x-api-key": cfg.APIKey}, cfg.Timeout, logger)
	if cfg.Secret != "" {
		hc.Signer = &hmacauth.Signer{Secret: cfg.Secret, Headers: hmacauth.Headers{Signature: "X-Signature", Timestamp: "X-Timestamp"}}
	}
	return &Client{name: name, http: hc, settlement: cfg.SettlementAddress}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) SettlementAddress(chainID uint64) (string, error) {
	if c.settlement == "" {
		return "", ramp.E(ramp.KindRouteUnsupported, "settlement_address", "no settlement vault configured", nil)
	}
	if _, ok := provider.ChainSlug(chainID); !ok {
		return "", ramp.E(ramp.KindRouteUnsupported, "settlement_address", fmt.Sprintf("chain %d not supported", chainID), nil)
	}
	return c.settlement, nil
}

func (c *Client) Rates(ctx context.Context, currency string, _ decimal.Decimal) (provider.RateSheet, error) {
	body, err := c.http.Do(ctx, "exchange_rate", http.MethodPost, "/v1/exchange-rate",
		map[string]string{"currency_code": strings.ToUpper(currency)}, nil)
	if err != nil {
		return provider.RateSheet{}, err
	}
	sheet := provider.RateSheet{Currency: strings.ToUpper(currency)}
	sheet.Buy, _ = provider.FirstDecimal(body, "data.buying_rate", "data.buy_rate", "data.buy")
	sheet.Sell, _ = provider.FirstDecimal(body, "data.selling_rate", "data.sell_rate", "data.sell")
	return sheet, nil
}

func (c *Client) Institutions(ctx context.Context, country ramp.Country) ([]ramp.Institution, error) {
	q := url.Values{"country": []string{strings.ToUpper(country.Code)}}
	body, err := c.http.Do(ctx, "networks", http.MethodGet, "/v1/networks?"+q.Encode(), nil, nil)
	if err != nil {
		return nil, err
	}
	var out []ramp.Institution
	gjson.GetBytes(body, "data").ForEach(func(_, item gjson.Result) bool {
		code := item.Get("code").String()
		if code == "" {
			code = item.Get("name").String()
		}
		out = append(out, ramp.Institution{
			Code: code,
			Name: item.Get("name").String(),
			Kind: kindOf(item.Get("type").String()),
		})
		return true
	})
	return out, nil
}

func kindOf(raw string) ramp.InstitutionKind {
	if strings.Contains(strings.ToLower(raw), "bank") {
		return ramp.Bank
	}
	return ramp.MobileMoney
}

type payRequest struct {
	Type            string `json:"type"`
	Shortcode       string `json:"shortcode,omitempty"`
	AccountNumber   string `json:"account_number,omitempty"`
	AccountName     string `json:"account_name,omitempty"`
	MobileNetwork   string `json:"mobile_network,omitempty"`
	BankCode        string `json:"bank_code,omitempty"`
	Amount          string `json:"amount"`
	Chain           string `json:"chain"`
	Asset           string `json:"asset"`
	TransactionHash string `json:"transaction_hash,omitempty"`
	Address         string `json:"address,omitempty"`
	Reference       string `json:"reference"`
}

func (c *Client) Submit(ctx context.Context, req provider.DisbursementRequest) (string, error) {
	chain, ok := provider.ChainSlug(req.Token.ChainID)
	if !ok {
		return "", ramp.E(ramp.KindRouteUnsupported, "disburse", fmt.Sprintf("route not found for chain %d", req.Token.ChainID), nil)
	}
	payload := payRequest{
		Amount:    req.TargetAmount.StringFixed(2),
		Chain:     strings.ToUpper(chain),
		Asset:     req.Token.Symbol,
		Reference: req.IdempotencyKey,
	}
	switch req.Recipient.Kind {
	case ramp.Bank:
		payload.Type = "BANK_TRANSFER"
		payload.AccountNumber = req.Recipient.AccountIdentifier
		payload.BankCode = req.Recipient.InstitutionCode
		payload.AccountName = req.Recipient.DisplayName
	default:
		payload.Type = "MOBILE"
		payload.Shortcode = req.Recipient.AccountIdentifier
		payload.MobileNetwork = req.Recipient.InstitutionCode
	}

	op, path := "disburse", "/v1/pay/"+strings.ToUpper(req.Currency)
	if req.Direction == ramp.OnRamp {
		op, path = "onramp", "/v1/onramp/"+strings.ToUpper(req.Currency)
		payload.Amount = req.Amount.StringFixed(2)
		payload.Address = req.WalletAddress
	} else {
		payload.TransactionHash = req.TransferReference
	}

	body, err := c.http.Do(ctx, op, http.MethodPost, path, payload, map[string]string{"Idempotency-Key": req.IdempotencyKey})
	if err != nil {
		return "", err
	}
	id := provider.FirstString(body, "data.transaction_code", "data.id", "transaction_code")
	if id == "" {
		return "", &provider.APIError{Provider: c.name, Op: op, StatusCode: http.StatusBadGateway, Message: "missing transaction_code in response"}
	}
	return id, nil
}

func (c *Client) Status(ctx context.Context, orderID string) (provider.StatusReport, error) {
	body, err := c.http.Do(ctx, "status", http.MethodPost, "/v1/status",
		map[string]string{"transaction_code": orderID}, nil)
	if err != nil {
		return provider.StatusReport{}, err
	}
	return provider.StatusReport{
		OrderID: orderID,
		Raw:     provider.FirstString(body, "data.status", "status"),
		Message: provider.FirstString(body, "data.message", "data.reason"),
	}, nil
}
