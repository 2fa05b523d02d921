// Package recipient normalizes raw payout destinations.
package recipient

import (
	"strings"

	"rampflow/internal/ramp"
)

const DefaultDisplayName = "Beneficiary"

// E.164 bounds on the subscriber number including the country code.
const (
	minDigits = 7
	maxDigits = 15
)

type RawInput struct {
	AccountIdentifier string `json:"accountIdentifier"`
	DisplayName       string `json:"displayName"`
}

// Resolve validates and normalizes raw into a Recipient. It is idempotent:
// feeding a resolved identifier back in returns the same identifier.
func Resolve(raw RawInput, inst ramp.Institution, country ramp.Country) (ramp.Recipient, error) {
	if strings.TrimSpace(inst.Code) == "" {
		return ramp.Recipient{}, ramp.E(ramp.KindInvalidFormat, "resolve", "institution is required", nil)
	}
	digits := digitsOnly(raw.AccountIdentifier)
	if digits == "" {
		return ramp.Recipient{}, ramp.E(ramp.KindInvalidFormat, "resolve", "account identifier has no digits", nil)
	}

	calling := digitsOnly(country.CallingCode)
	switch inst.Kind {
	case ramp.Bank:
	case ramp.MobileMoney:
		if calling == "" {
			return ramp.Recipient{}, ramp.E(ramp.KindInvalidFormat, "resolve", "country calling code is required for mobile money", nil)
		}
		digits = prefixOnce(digits, calling)
		if len(digits) < minDigits || len(digits) > maxDigits {
			return ramp.Recipient{}, ramp.E(ramp.KindInvalidFormat, "resolve", "phone number length is invalid", nil)
		}
	default:
		return ramp.Recipient{}, ramp.E(ramp.KindInvalidFormat, "resolve", "unknown institution kind "+string(inst.Kind), nil)
	}

	name := strings.TrimSpace(raw.DisplayName)
	if name == "" {
		name = DefaultDisplayName
	}
	return ramp.Recipient{
		InstitutionCode:    inst.Code,
		AccountIdentifier:  digits,
		DisplayName:        name,
		Kind:               inst.Kind,
		CountryCallingCode: calling,
	}, nil
}

// prefixOnce drops a single national trunk 0 and adds the calling code unless
// it is already there.
func prefixOnce(digits, calling string) string {
	if strings.HasPrefix(digits, calling) {
		return digits
	}
	return calling + strings.TrimPrefix(digits, "0")
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
