package ramp

import "strings"

// OrderStatus is the provider-agnostic lifecycle of a disbursement order.
type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusProcessing OrderStatus = "processing"
	StatusComplete   OrderStatus = "complete"
	StatusFailed     OrderStatus = "failed"
	StatusExpired    OrderStatus = "expired"
	StatusCancelled  OrderStatus = "cancelled"
)

// Terminal reports whether no further transition is expected.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

var statusSynonyms = map[string]OrderStatus{
	"complete":    StatusComplete,
	"completed":   StatusComplete,
	"success":     StatusComplete,
	"successful":  StatusComplete,
	"settled":     StatusComplete,
	"fail":        StatusFailed,
	"failed":      StatusFailed,
	"failure":     StatusFailed,
	"error":       StatusFailed,
	"rejected":    StatusFailed,
	"reversed":    StatusFailed,
	"refunded":    StatusFailed,
	"expired":     StatusExpired,
	"cancelled":   StatusCancelled,
	"canceled":    StatusCancelled,
	"pending":     StatusPending,
	"initiated":   StatusPending,
	"created":     StatusPending,
	"processing":  StatusProcessing,
	"in_progress": StatusProcessing,
	"validated":   StatusProcessing,
}

// ParseStatus maps a provider status string onto OrderStatus. Unknown values
// are treated as still processing, never as terminal.
func ParseStatus(raw string) OrderStatus {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	if st, ok := statusSynonyms[key]; ok {
		return st
	}
	return StatusProcessing
}
