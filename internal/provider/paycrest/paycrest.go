// Package paycrest adapts an order-based off-ramp API: the sender creates an
// order, transfers stablecoin to the returned receive address, and the
// aggregator settles fiat to the recipient.
package paycrest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

const defaultToken = "USDC"

type Config struct {
	Name              string
	BaseURL           string
	APIKey            string
	SettlementAddress string
	Timeout           time.Duration
}

type Client struct {
	name       string
	http       *provider.HTTPClient
	settlement string
}

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("paycrest: base url is required")
	}
	name := cfg.Name
	if name == "" {
		name = "paycrest"
	}
	hc := provider.NewHTTPClient(name, cfg.BaseURL, map[string]string{"API-Key": cfg.APIKey}, cfg.Timeout, logger)
	return &Client{name: name, http: hc, settlement: cfg.SettlementAddress}, nil
}

func (c *Client) Name() string { return c.name }

func (c *Client) SettlementAddress(chainID uint64) (string, error) {
	if _, ok := provider.ChainSlug(chainID); !ok || c.settlement == "" {
		return "", ramp.E(ramp.KindRouteUnsupported, "settlement_address", fmt.Sprintf("chain %d not supported", chainID), nil)
	}
	return c.settlement, nil
}

// Rates only quotes the sell side; the aggregator has no on-ramp.
func (c *Client) Rates(ctx context.Context, currency string, amount decimal.Decimal) (provider.RateSheet, error) {
	if !amount.IsPositive() {
		amount = decimal.NewFromInt(1)
	}
	path := fmt.Sprintf("/rates/%s/%s/%s", defaultToken, url.PathEscape(amount.String()), url.PathEscape(strings.ToUpper(currency)))
	body, err := c.http.Do(ctx, "rates", http.MethodGet, path, nil, nil)
	if err != nil {
		return provider.RateSheet{}, err
	}
	sheet := provider.RateSheet{Currency: strings.ToUpper(currency)}
	sheet.Sell, _ = provider.FirstDecimal(body, "data", "data.rate")
	return sheet, nil
}

func (c *Client) Institutions(ctx context.Context, country ramp.Country) ([]ramp.Institution, error) {
	body, err := c.http.Do(ctx, "institutions", http.MethodGet, "/institutions/"+url.PathEscape(strings.ToUpper(country.Currency)), nil, nil)
	if err != nil {
		return nil, err
	}
	var out []ramp.Institution
	gjson.GetBytes(body, "data").ForEach(func(_, item gjson.Result) bool {
		kind := ramp.Bank
		if strings.Contains(strings.ToLower(item.Get("type").String()), "mobile") {
			kind = ramp.MobileMoney
		}
		out = append(out, ramp.Institution{Code: item.Get("code").String(), Name: item.Get("name").String(), Kind: kind})
		return true
	})
	return out, nil
}

type orderRequest struct {
	Amount    string         `json:"amount"`
	Token     string         `json:"token"`
	Rate      string         `json:"rate"`
	Network   string         `json:"network"`
	Recipient orderRecipient `json:"recipient"`
	Reference string         `json:"reference"`
	ReturnTo  string         `json:"returnAddress,omitempty"`
	TxHash    string         `json:"txHash,omitempty"`
}

type orderRecipient struct {
	Institution       string `json:"institution"`
	AccountIdentifier string `json:"accountIdentifier"`
	AccountName       string `json:"accountName"`
	Currency          string `json:"currency"`
	Memo              string `json:"memo"`
}

func (c *Client) Submit(ctx context.Context, req provider.DisbursementRequest) (string, error) {
	if req.Direction == ramp.OnRamp {
		return "", ramp.E(ramp.KindRouteUnsupported, "disburse", "on-ramp not offered by "+c.name, nil)
	}
	network, ok := provider.ChainSlug(req.Token.ChainID)
	if !ok {
		return "", ramp.E(ramp.KindRouteUnsupported, "disburse", fmt.Sprintf("route not found for chain %d", req.Token.ChainID), nil)
	}
	payload := orderRequest{
		Amount:  req.Amount.String(),
		Token:   req.Token.Symbol,
		Rate:    req.Rate.String(),
		Network: network,
		Recipient: orderRecipient{
			Institution:       req.Recipient.InstitutionCode,
			AccountIdentifier: req.Recipient.AccountIdentifier,
			AccountName:       req.Recipient.DisplayName,
			Currency:          strings.ToUpper(req.Currency),
			Memo:              "Payout " + req.QuoteID,
		},
		Reference: req.IdempotencyKey,
		ReturnTo:  req.WalletAddress,
		TxHash:    req.TransferReference,
	}

	body, err := c.http.Do(ctx, "disburse", http.MethodPost, "/sender/orders", payload, nil)
	if err != nil {
		var apiErr *provider.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
			return c.orderByReference(ctx, req.IdempotencyKey)
		}
		return "", err
	}
	id := provider.FirstString(body, "data.id", "data.orderId")
	if id == "" {
		return "", &provider.APIError{Provider: c.name, Op: "disburse", StatusCode: http.StatusBadGateway, Message: "missing order id in response"}
	}
	return id, nil
}

// orderByReference recovers the order created by an earlier attempt with the same key.
func (c *Client) orderByReference(ctx context.Context, reference string) (string, error) {
	q := url.Values{"reference": []string{reference}}
	body, err := c.http.Do(ctx, "order_lookup", http.MethodGet, "/sender/orders?"+q.Encode(), nil, nil)
	if err != nil {
		return "", err
	}
	id := provider.FirstString(body, "data.orders.0.id", "data.0.id", "data.id")
	if id == "" {
		return "", &provider.APIError{Provider: c.name, Op: "order_lookup", StatusCode: http.StatusConflict, Message: "duplicate reference without order"}
	}
	return id, nil
}

func (c *Client) Status(ctx context.Context, orderID string) (provider.StatusReport, error) {
	body, err := c.http.Do(ctx, "status", http.MethodGet, "/sender/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		return provider.StatusReport{}, err
	}
	return provider.StatusReport{
		OrderID: orderID,
		Raw:     provider.FirstString(body, "data.status"),
		Message: provider.FirstString(body, "message"),
	}, nil
}
