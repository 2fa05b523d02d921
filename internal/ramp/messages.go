package ramp

// Message is the user-facing rendering of an error Kind.
type Message struct {
	Title      string `json:"title"`
	Suggestion string `json:"suggestion"`
}

var messages = map[Kind]Message{
	KindRateUnavailable: {
		Title:      "Exchange rate unavailable",
		Suggestion: "The provider has no rate for this currency right now. Try again shortly or pick another provider.",
	},
	KindInvalidFormat: {
		Title:      "Check the account details",
		Suggestion: "The phone or account number is not in a valid format for this institution.",
	},
	KindChainSwitchFailed: {
		Title:      "Wrong network",
		Suggestion: "Your wallet could not switch to the token's network. Switch manually and try again.",
	},
	KindInsufficientFunds: {
		Title:      "Insufficient balance",
		Suggestion: "Check your balance and gas funds, then lower the amount or top up.",
	},
	KindUserRejected: {
		Title:      "Transfer cancelled in wallet",
		Suggestion: "You declined the transaction. Try again when ready.",
	},
	KindTransferReverted: {
		Title:      "Transfer reverted",
		Suggestion: "The network rejected the transfer. Check your balance and try again.",
	},
	KindTransferFailed: {
		Title:      "Transfer failed",
		Suggestion: "The wallet could not send the transfer. Try again.",
	},
	KindRouteUnsupported: {
		Title:      "Destination not supported",
		Suggestion: "This provider doesn't support this destination; pick another provider or token.",
	},
	KindValidationFailed: {
		Title:      "Details rejected by provider",
		Suggestion: "Review the recipient and amount, then try again.",
	},
	KindAmountOutOfRange: {
		Title:      "Amount out of range",
		Suggestion: "The provider's limits do not allow this amount. Adjust it and try again.",
	},
	KindTransient: {
		Title:      "Provider temporarily unavailable",
		Suggestion: "We could not reach the provider. Retry; your request will not be duplicated.",
	},
	KindPollTimeout: {
		Title:      "Still processing",
		Suggestion: "The payout is taking longer than usual. Check back later using your transaction reference.",
	},
	KindDisbursementFailed: {
		Title:      "Payout failed",
		Suggestion: "Your transfer was received but the payout did not complete. Contact support with your transaction reference.",
	},
}

var unknownMessage = Message{
	Title:      "Something went wrong",
	Suggestion: "Try again or contact support with your transaction reference.",
}

// Describe returns the user-facing message for kind.
func Describe(kind Kind) Message {
	if m, ok := messages[kind]; ok {
		return m
	}
	return unknownMessage
}
