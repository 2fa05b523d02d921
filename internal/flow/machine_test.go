package flow

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"rampflow/internal/ramp"
)

var (
	usdc   = ramp.Token{Symbol: "USDC", Contract: "0x00000000000000000000000000000000000000c0", ChainID: 42220, Decimals: 6}
	kenya  = ramp.Country{Code: "KE", Currency: "KES", CallingCode: "254"}
	safcom = ramp.Institution{Code: "SAFARICOM", Name: "M-Pesa", Kind: ramp.MobileMoney}
)

func testMachine() *Machine {
	return &Machine{Routes: Routes{"KE": {"sandbox"}}}
}

func testQuote() ramp.Quote {
	return ramp.Quote{
		ID: "q1", Provider: "sandbox", SourceCurrency: "USDC", TargetCurrency: "KES",
		Rate: decimal.NewFromInt(1300), QuotedAt: time.Now(), TTL: time.Minute,
	}
}

func testRecipient() ramp.Recipient {
	return ramp.Recipient{
		InstitutionCode: "SAFARICOM", AccountIdentifier: "254712345678",
		DisplayName: "Beneficiary", Kind: ramp.MobileMoney, CountryCallingCode: "254",
	}
}

func mustApply(t *testing.T, m *Machine, c Context, events ...Event) Context {
	t.Helper()
	for _, e := range events {
		var err error
		c, err = m.Apply(c, e)
		require.NoError(t, err, e.Name())
	}
	return c
}

func atConfirmation(t *testing.T) Context {
	t.Helper()
	return mustApply(t, testMachine(), New("f1", ramp.OffRamp, usdc, "0xwallet"),
		AmountEntered{Amount: decimal.NewFromInt(10), Balance: decimal.NewFromInt(50)},
		DestinationSelected{Country: kenya, Provider: "sandbox"},
		QuoteFetched{Quote: testQuote()},
		RecipientResolved{Recipient: testRecipient(), Institution: safcom},
	)
}

func TestHappyPathReachesSuccessOnlyOnComplete(t *testing.T) {
	m := testMachine()
	c := atConfirmation(t)
	require.Equal(t, StepConfirmation, c.Step)

	c = mustApply(t, m, c,
		Broadcasted{TransferReference: "0xabc"},
		Submitted{Order: ramp.DisbursementOrder{OrderID: "o1", TransferReference: "0xabc"}},
		StatusObserved{Status: ramp.StatusPending},
		StatusObserved{Status: ramp.StatusProcessing},
	)
	require.Equal(t, StepConfirmation, c.Step)
	require.Empty(t, c.Outcome)

	c = mustApply(t, m, c, StatusObserved{Status: ramp.StatusComplete})
	require.Equal(t, StepSuccess, c.Step)
	require.Equal(t, OutcomeSuccess, c.Outcome)

	_, err := m.Apply(c, StatusObserved{Status: ramp.StatusFailed})
	require.ErrorIs(t, err, ErrTerminal)
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	c := atConfirmation(t)
	before := *c.Quote
	next, err := testMachine().Apply(c, Edit{To: StepAmount})
	require.NoError(t, err)
	require.Nil(t, next.Quote)
	require.NotNil(t, c.Quote)
	require.Equal(t, before, *c.Quote)
}

func TestAmountGuards(t *testing.T) {
	m := testMachine()
	start := New("f1", ramp.OffRamp, usdc, "0xwallet")

	_, err := m.Apply(start, AmountEntered{Amount: decimal.Zero, Balance: decimal.NewFromInt(5)})
	require.Equal(t, ramp.KindValidationFailed, ramp.KindOf(err))

	_, err = m.Apply(start, AmountEntered{Amount: decimal.NewFromInt(6), Balance: decimal.NewFromInt(5)})
	require.Equal(t, ramp.KindInsufficientFunds, ramp.KindOf(err))

	_, err = m.Apply(start, AmountEntered{Amount: decimal.RequireFromString("1.0000001"), Balance: decimal.NewFromInt(5)})
	require.Equal(t, ramp.KindValidationFailed, ramp.KindOf(err))

	onramp := New("f2", ramp.OnRamp, usdc, "0xwallet")
	c, err := m.Apply(onramp, AmountEntered{Amount: decimal.NewFromInt(1000)})
	require.NoError(t, err)
	require.Equal(t, StepDestination, c.Step)
}

func TestDestinationMustBeRouted(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, New("f1", ramp.OffRamp, usdc, "0xwallet"),
		AmountEntered{Amount: decimal.NewFromInt(1), Balance: decimal.NewFromInt(1)})

	_, err := m.Apply(c, DestinationSelected{Country: ramp.Country{Code: "NG", Currency: "NGN"}, Provider: "sandbox"})
	require.Equal(t, ramp.KindRouteUnsupported, ramp.KindOf(err))
}

func TestConfirmationNeedsQuote(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, New("f1", ramp.OffRamp, usdc, "0xwallet"),
		AmountEntered{Amount: decimal.NewFromInt(10), Balance: decimal.NewFromInt(50)},
		DestinationSelected{Country: kenya, Provider: "sandbox"},
	)
	_, err := m.Apply(c, RecipientResolved{Recipient: testRecipient(), Institution: safcom})
	require.Equal(t, ramp.KindRateUnavailable, ramp.KindOf(err))

	_, err = m.Apply(c, RecipientResolved{Institution: safcom})
	require.Equal(t, ramp.KindInvalidFormat, ramp.KindOf(err))
}

func TestQuoteFromOtherProviderRejected(t *testing.T) {
	c := atConfirmation(t)
	q := testQuote()
	q.Provider = "paycrest"
	_, err := testMachine().Apply(c, QuoteFetched{Quote: q})
	require.Error(t, err)
}

func TestEditGoesBackwardAndDropsCollectedData(t *testing.T) {
	m := testMachine()
	c := atConfirmation(t)

	back := mustApply(t, m, c, Edit{To: StepDestination})
	require.Equal(t, StepDestination, back.Step)
	require.Nil(t, back.Quote)
	require.Nil(t, back.Recipient)
	require.True(t, back.Amount.Equal(decimal.NewFromInt(10)))

	_, err := m.Apply(back, Edit{To: StepDestination})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestNoEditOrCancelAfterBroadcast(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, atConfirmation(t), Broadcasted{TransferReference: "0xabc"})

	_, err := m.Apply(c, Cancel{})
	require.ErrorIs(t, err, ErrNotCancellable)
	_, err = m.Apply(c, Edit{To: StepAmount})
	require.ErrorIs(t, err, ErrNotCancellable)
	_, err = m.Apply(c, QuoteFetched{Quote: testQuote()})
	require.ErrorIs(t, err, ErrInvalidTransition)
	_, err = m.Apply(c, Broadcasted{TransferReference: "0xdef"})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSubmittedMustReferenceBroadcast(t *testing.T) {
	m := testMachine()
	c := atConfirmation(t)

	_, err := m.Apply(c, Submitted{Order: ramp.DisbursementOrder{OrderID: "o1"}})
	require.ErrorIs(t, err, ErrInvalidTransition)

	c = mustApply(t, m, c, Broadcasted{TransferReference: "0xabc"})
	_, err = m.Apply(c, Submitted{Order: ramp.DisbursementOrder{OrderID: "o1", TransferReference: "0xother"}})
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelBeforeBroadcastIsFinal(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, atConfirmation(t), Cancel{})
	require.Equal(t, StepAborted, c.Step)
	require.Equal(t, OutcomeCancelled, c.Outcome)

	_, err := m.Apply(c, Retry{})
	require.ErrorIs(t, err, ErrTerminal)
}

func TestRetryReturnsToFailedStep(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, atConfirmation(t),
		Failed{Err: ramp.E(ramp.KindChainSwitchFailed, "switch_chain", "stuck", nil)})
	require.Equal(t, StepAborted, c.Step)
	require.Equal(t, StepConfirmation, c.FailedAt)
	require.Equal(t, ramp.KindChainSwitchFailed, c.Err.Kind)
	require.NotEmpty(t, c.Err.Title)

	c = mustApply(t, m, c, Retry{})
	require.Equal(t, StepConfirmation, c.Step)
	require.Nil(t, c.Err)
}

func TestRetryAfterBroadcastOnlyForTransientDisbursement(t *testing.T) {
	m := testMachine()
	sent := mustApply(t, m, atConfirmation(t), Broadcasted{TransferReference: "0xabc"})

	permanent := mustApply(t, m, sent, Failed{Err: ramp.E(ramp.KindValidationFailed, "disburse", "bad account", nil)})
	_, err := m.Apply(permanent, Retry{})
	require.ErrorIs(t, err, ErrNotRetryable)

	transient := mustApply(t, m, sent, Failed{Err: ramp.E(ramp.KindTransient, "disburse", "503", nil)})
	require.Equal(t, "0xabc", transient.Err.TransferReference)
	back := mustApply(t, m, transient, Retry{})
	require.Equal(t, StepConfirmation, back.Step)
	require.Equal(t, "0xabc", back.TransferReference)
}

func TestProviderFailureAbortsWithDisbursementFailed(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, atConfirmation(t),
		Broadcasted{TransferReference: "0xabc"},
		Submitted{Order: ramp.DisbursementOrder{OrderID: "o1", TransferReference: "0xabc"}},
		StatusObserved{Status: ramp.StatusExpired, Message: "order expired"},
	)
	require.Equal(t, StepAborted, c.Step)
	require.Equal(t, ramp.KindDisbursementFailed, c.Err.Kind)
	require.Equal(t, "0xabc", c.Err.TransferReference)

	_, err := m.Apply(c, Retry{})
	require.ErrorIs(t, err, ErrNotRetryable)
}

func TestPollTimeoutStaysProcessing(t *testing.T) {
	m := testMachine()
	c := mustApply(t, m, atConfirmation(t),
		Broadcasted{TransferReference: "0xabc"},
		Submitted{Order: ramp.DisbursementOrder{OrderID: "o1", TransferReference: "0xabc"}},
		Failed{Err: ramp.E(ramp.KindPollTimeout, "poll", "still processing", nil)},
	)
	require.Equal(t, StepConfirmation, c.Step)
	require.Equal(t, OutcomeProcessing, c.Outcome)

	c = mustApply(t, m, c, StatusObserved{Status: ramp.StatusComplete})
	require.Equal(t, StepSuccess, c.Step)
}

func TestUnknownEventRejected(t *testing.T) {
	_, err := testMachine().Apply(atConfirmation(t), unknownEvent{})
	require.True(t, errors.Is(err, ErrInvalidTransition))
}

type unknownEvent struct{}

func (unknownEvent) Name() string { return "unknown" }
