package ramp

import (
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestParseStatusSynonyms(t *testing.T) {
	cases := map[string]OrderStatus{
		"completed":   StatusComplete,
		"COMPLETE":    StatusComplete,
		"success":     StatusComplete,
		"Successful":  StatusComplete,
		"failed":      StatusFailed,
		"FAIL":        StatusFailed,
		"expired":     StatusExpired,
		"cancelled":   StatusCancelled,
		"CANCELED":    StatusCancelled,
		"PENDING":     StatusPending,
		"in-progress": StatusProcessing,
		"":            StatusProcessing,
		"AWAITING_KE": StatusProcessing,
	}
	for raw, want := range cases {
		require.Equal(t, want, ParseStatus(raw), "raw=%q", raw)
	}
}

func TestUnknownStatusIsNeverTerminal(t *testing.T) {
	for _, raw := range []string{"queued", "weird", "123", "COMPLETEISH"} {
		require.False(t, ParseStatus(raw).Terminal(), raw)
	}
}

func TestQuoteConvertScenario(t *testing.T) {
	q := Quote{Rate: decimal.NewFromInt(1300), QuotedAt: time.Now(), TTL: time.Minute}
	require.Equal(t, "13000.00", q.DisplayAmount(decimal.RequireFromString("10")))

	// Same quote, same result, whether or not it has gone stale.
	stale := q
	stale.QuotedAt = time.Now().Add(-time.Hour)
	require.True(t, stale.Stale(time.Now()))
	require.Equal(t, q.Convert(decimal.RequireFromString("10.5")), stale.Convert(decimal.RequireFromString("10.5")))
}

func TestQuoteStaleBoundary(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	q := Quote{QuotedAt: at, TTL: 30 * time.Second}
	require.False(t, q.Stale(at.Add(29*time.Second)))
	require.True(t, q.Stale(at.Add(30*time.Second)))
}

func TestTokenSmallestUnit(t *testing.T) {
	usdc := Token{Symbol: "USDC", Decimals: 6}
	units, err := usdc.ToSmallestUnit(decimal.RequireFromString("10.25"))
	require.NoError(t, err)
	require.Zero(t, units.Cmp(big.NewInt(10_250_000)))
	require.True(t, usdc.FromSmallestUnit(units).Equal(decimal.RequireFromString("10.25")))

	_, err = usdc.ToSmallestUnit(decimal.RequireFromString("0.0000001"))
	require.Error(t, err)
}

func TestErrorKindSurvivesWrapping(t *testing.T) {
	base := E(KindTransient, "disburse", "upstream 502", nil)
	wrapped := fmt.Errorf("submit: %w", base)
	require.True(t, IsKind(wrapped, KindTransient))

	var re *Error
	require.True(t, errors.As(wrapped, &re))
	require.True(t, re.Retryable())

	tagged := WithTransfer(wrapped, "0xabc")
	require.True(t, errors.As(tagged, &re))
	require.Equal(t, "0xabc", re.TransferReference)
	require.Equal(t, "", base.TransferReference, "original must not be mutated")
}

func TestWithTransferDoesNotMakeUnclassifiedErrorsRetryable(t *testing.T) {
	cause := errors.New("flow already finished")
	tagged := WithTransfer(cause, "0xabc")

	var re *Error
	require.True(t, errors.As(tagged, &re))
	require.Equal(t, KindTransferFailed, re.Kind)
	require.False(t, re.Retryable())
	require.Equal(t, "0xabc", re.TransferReference)
	require.ErrorIs(t, tagged, cause)
}

func TestEveryKindHasMessage(t *testing.T) {
	for _, k := range Kinds {
		m, ok := messages[k]
		require.True(t, ok, "missing message for %s", k)
		require.NotEmpty(t, m.Title)
		require.NotEmpty(t, m.Suggestion)
	}
	require.Equal(t, unknownMessage, Describe("NOPE"))
}
