package recipient

import (
	"testing"

	"github.com/stretchr/testify/require"

	"rampflow/internal/ramp"
)

var (
	kenya    = ramp.Country{Code: "KE", Currency: "KES", CallingCode: "+254"}
	mpesa    = ramp.Institution{Code: "SAFARICOM", Name: "M-Pesa", Kind: ramp.MobileMoney}
	equity   = ramp.Institution{Code: "EQUITY", Name: "Equity Bank", Kind: ramp.Bank}
	unknownK = ramp.Institution{Code: "X", Kind: "carrier_pigeon"}
)

func TestMobileMoneyPrefixedOnce(t *testing.T) {
	r, err := Resolve(RawInput{AccountIdentifier: "0712 345-678"}, mpesa, kenya)
	require.NoError(t, err)
	require.Equal(t, "254712345678", r.AccountIdentifier)
	require.Equal(t, DefaultDisplayName, r.DisplayName)
	require.Equal(t, "254", r.CountryCallingCode)

	again, err := Resolve(RawInput{AccountIdentifier: r.AccountIdentifier, DisplayName: r.DisplayName}, mpesa, kenya)
	require.NoError(t, err)
	require.Equal(t, r, again)
}

func TestMobileMoneyAlreadyInternational(t *testing.T) {
	r, err := Resolve(RawInput{AccountIdentifier: "+254 712 345 678", DisplayName: " Jane "}, mpesa, kenya)
	require.NoError(t, err)
	require.Equal(t, "254712345678", r.AccountIdentifier)
	require.Equal(t, "Jane", r.DisplayName)
}

func TestBankDigitsPassThrough(t *testing.T) {
	r, err := Resolve(RawInput{AccountIdentifier: "0123-4567-89"}, equity, kenya)
	require.NoError(t, err)
	require.Equal(t, "0123456789", r.AccountIdentifier)
	require.Equal(t, ramp.Bank, r.Kind)
}

func TestInvalidInputs(t *testing.T) {
	cases := []struct {
		name string
		raw  RawInput
		inst ramp.Institution
	}{
		{"no digits", RawInput{AccountIdentifier: "abc"}, mpesa},
		{"too short", RawInput{AccountIdentifier: "12"}, mpesa},
		{"too long", RawInput{AccountIdentifier: "07123456789012345"}, mpesa},
		{"no institution", RawInput{AccountIdentifier: "0712345678"}, ramp.Institution{Kind: ramp.MobileMoney}},
		{"unknown kind", RawInput{AccountIdentifier: "0712345678"}, unknownK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Resolve(tc.raw, tc.inst, kenya)
			require.True(t, ramp.IsKind(err, ramp.KindInvalidFormat), "got %v", err)
		})
	}
}
