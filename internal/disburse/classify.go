package disburse

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

type pattern struct {
	kind ramp.Kind
	all  []string // every fragment must appear
	any  []string // at least one must appear (when set)
}

// Checked in order; the first match wins.
var patterns = []pattern{
	{kind: ramp.KindRouteUnsupported, any: []string{"route not found", "institution code", "unsupported", "not supported", "no route"}},
	{kind: ramp.KindAmountOutOfRange, all: []string{"amount"}, any: []string{"minimum", "maximum", "limit", "range", "too low", "too high"}},
	{kind: ramp.KindValidationFailed, any: []string{"missing required field", "required", "invalid"}},
}

// Classify maps a provider failure onto the disbursement error kinds. Server
// errors, throttling and transport failures are Transient; any other client
// error the table does not recognize is ValidationFailed.
func Classify(err error) *ramp.Error {
	var re *ramp.Error
	if errors.As(err, &re) {
		return re
	}

	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 0,
			apiErr.StatusCode >= 500,
			apiErr.StatusCode == http.StatusTooManyRequests,
			apiErr.StatusCode == http.StatusRequestTimeout:
			return ramp.E(ramp.KindTransient, "disburse", apiErr.Message, err)
		}
		if kind, ok := match(apiErr.Message); ok {
			return ramp.E(kind, "disburse", apiErr.Message, err)
		}
		return ramp.E(ramp.KindValidationFailed, "disburse", apiErr.Message, err)
	}

	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &netErr) {
		return ramp.E(ramp.KindTransient, "disburse", "provider unreachable", err)
	}
	if kind, ok := match(err.Error()); ok {
		return ramp.E(kind, "disburse", err.Error(), err)
	}
	return ramp.E(ramp.KindTransient, "disburse", err.Error(), err)
}

func match(msg string) (ramp.Kind, bool) {
	msg = strings.ToLower(msg)
	for _, p := range patterns {
		if matches(msg, p) {
			return p.kind, true
		}
	}
	return "", false
}

func matches(msg string, p pattern) bool {
	for _, frag := range p.all {
		if !strings.Contains(msg, frag) {
			return false
		}
	}
	if len(p.any) == 0 {
		return true
	}
	for _, frag := range p.any {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
