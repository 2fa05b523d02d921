package sandbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"rampflow/internal/provider"
)

func TestSubmitDedupsOnKey(t *testing.T) {
	p := New("", "0xvault")
	ctx := context.Background()

	a, err := p.Submit(ctx, provider.DisbursementRequest{IdempotencyKey: "k1"})
	require.NoError(t, err)
	b, err := p.Submit(ctx, provider.DisbursementRequest{IdempotencyKey: "k1"})
	require.NoError(t, err)

	require.Equal(t, a, b)
	require.Equal(t, 1, p.Orders())
	require.Equal(t, 2, p.SubmitCalls())
}

func TestScriptedSubmitErrorThenSuccess(t *testing.T) {
	p := New("", "0xvault")
	p.FailSubmits(errors.New("boom"))

	_, err := p.Submit(context.Background(), provider.DisbursementRequest{IdempotencyKey: "k"})
	require.Error(t, err)
	_, err = p.Submit(context.Background(), provider.DisbursementRequest{IdempotencyKey: "k"})
	require.NoError(t, err)
}

func TestStatusWalksProgressionAndHolds(t *testing.T) {
	p := New("", "0xvault")
	p.SetProgression("pending", "success")
	id, err := p.Submit(context.Background(), provider.DisbursementRequest{IdempotencyKey: "k"})
	require.NoError(t, err)

	var seen []string
	for i := 0; i < 3; i++ {
		rep, err := p.Status(context.Background(), id)
		require.NoError(t, err)
		seen = append(seen, rep.Raw)
	}
	require.Equal(t, []string{"pending", "success", "success"}, seen)
}
