package quote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rampflow/internal/provider/sandbox"
	"rampflow/internal/ramp"
)

func newService(now *time.Time) *Service {
	s := New(time.Minute, []string{"USDC", "USDT"}, nil)
	s.Now = func() time.Time { return *now }
	return s
}

func TestOffRampUsesSellRate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := sandbox.New("", "0xvault")
	p.SetRates("KES", decimal.NewFromInt(1320), decimal.NewFromInt(1300))

	q, err := newService(&now).Get(context.Background(), p, "USDC", "KES", decimal.NewFromInt(10))
	require.NoError(t, err)
	require.Equal(t, "13000.00", q.DisplayAmount(decimal.NewFromInt(10)))
	require.Equal(t, "sandbox", q.Provider)
	require.NotEmpty(t, q.ID)
}

func TestOnRampInvertsBuyRate(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := sandbox.New("", "0xvault")
	p.SetRates("KES", decimal.NewFromInt(125), decimal.Zero)

	q, err := newService(&now).Get(context.Background(), p, "KES", "USDC", decimal.NewFromInt(1250))
	require.NoError(t, err)
	require.Equal(t, "10.00", q.DisplayAmount(decimal.NewFromInt(1250)))
}

func TestMissingDirectionalRateIsUnavailable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := sandbox.New("", "0xvault")
	// Buy rate present, sell absent: off-ramp must not borrow the buy side.
	p.SetRates("UGX", decimal.NewFromInt(3700), decimal.Zero)

	_, err := newService(&now).Get(context.Background(), p, "USDC", "UGX", decimal.NewFromInt(5))
	require.True(t, ramp.IsKind(err, ramp.KindRateUnavailable))
}

func TestProviderFailureIsUnavailable(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := sandbox.New("", "0xvault")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newService(&now).Get(ctx, p, "USDC", "KES", decimal.NewFromInt(5))
	require.True(t, ramp.IsKind(err, ramp.KindRateUnavailable))
	require.True(t, errors.Is(err, context.Canceled))
}

func TestFreshRefetchesStaleAndForeignQuotes(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	p := sandbox.New("", "0xvault")
	p.SetRates("KES", decimal.Zero, decimal.NewFromInt(1300))
	s := newService(&now)
	ctx := context.Background()

	q, err := s.Get(ctx, p, "USDC", "KES", decimal.NewFromInt(1))
	require.NoError(t, err)

	same, err := s.Fresh(ctx, p, &q, "USDC", "KES", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, q.ID, same.ID)

	now = now.Add(time.Minute)
	p.SetRates("KES", decimal.Zero, decimal.NewFromInt(1310))
	renewed, err := s.Fresh(ctx, p, &q, "USDC", "KES", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.NotEqual(t, q.ID, renewed.ID)
	require.True(t, renewed.Rate.Equal(decimal.NewFromInt(1310)))

	other := sandbox.New("other", "0xvault")
	other.SetRates("KES", decimal.Zero, decimal.NewFromInt(1290))
	switched, err := s.Fresh(ctx, other, &renewed, "USDC", "KES", decimal.NewFromInt(1))
	require.NoError(t, err)
	require.Equal(t, "other", switched.Provider)
}

func TestNonRampPairRejected(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	_, err := newService(&now).Get(context.Background(), sandbox.New("", ""), "KES", "UGX", decimal.NewFromInt(1))
	require.True(t, ramp.IsKind(err, ramp.KindRouteUnsupported))
}
