package pretium

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, APIKey: "key", SettlementAddress: "0x00000000000000000000000000000000000000aa"}, nil)
	require.NoError(t, err)
	return c
}

func TestRatesReadsBothDirections(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/exchange-rate", r.URL.Path)
		require.Equal(t, "key", r.Header.Get("x-api-key"))
		_, _ = w.Write([]byte(`{"code":200,"data":{"buying_rate":131.2,"selling_rate":"129.35"}}`))
	})

	sheet, err := c.Rates(context.Background(), "kes", decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, "KES", sheet.Currency)
	require.True(t, sheet.Buy.Equal(decimal.RequireFromString("131.2")))
	require.True(t, sheet.Sell.Equal(decimal.RequireFromString("129.35")))
}

func TestInstitutionsClassifiesBanks(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "KE", r.URL.Query().Get("country"))
		_, _ = w.Write([]byte(`{"data":[{"code":"SAFARICOM","name":"Safaricom","type":"mobile"},{"code":"EQUITY","name":"Equity","type":"Bank"}]}`))
	})

	got, err := c.Institutions(context.Background(), ramp.Country{Code: "ke"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, ramp.MobileMoney, got[0].Kind)
	require.Equal(t, ramp.Bank, got[1].Kind)
}

func TestSubmitOffRampSendsHashAndIdempotencyKey(t *testing.T) {
	var body map[string]any
	var idem string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/pay/KES", r.URL.Path)
		idem = r.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"data":{"transaction_code":"TX-1"}}`))
	})

	id, err := c.Submit(context.Background(), provider.DisbursementRequest{
		IdempotencyKey:    "0xkey",
		Direction:         ramp.OffRamp,
		TransferReference: "0xhash",
		Amount:            decimal.NewFromInt(100),
		TargetAmount:      decimal.RequireFromString("13000"),
		Currency:          "KES",
		Token:             ramp.Token{Symbol: "USDC", ChainID: 42220, Decimals: 6},
		Recipient:         ramp.Recipient{InstitutionCode: "SAFARICOM", AccountIdentifier: "254712345678", Kind: ramp.MobileMoney},
	})
	require.NoError(t, err)
	require.Equal(t, "TX-1", id)
	require.Equal(t, "0xkey", idem)
	require.Equal(t, "0xhash", body["transaction_hash"])
	require.Equal(t, "13000.00", body["amount"])
	require.Equal(t, "CELO", body["chain"])
	require.Equal(t, "254712345678", body["shortcode"])
}

func TestSubmitRejectsUnknownChain(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.Submit(context.Background(), provider.DisbursementRequest{Token: ramp.Token{ChainID: 999}})
	require.True(t, ramp.IsKind(err, ramp.KindRouteUnsupported))
}

func TestStatusReturnsRawStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"status":"COMPLETE","message":"paid"}}`))
	})
	rep, err := c.Status(context.Background(), "TX-1")
	require.NoError(t, err)
	require.Equal(t, "COMPLETE", rep.Raw)
	require.Equal(t, ramp.StatusComplete, ramp.ParseStatus(rep.Raw))
}
