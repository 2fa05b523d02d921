package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"rampflow/internal/flow"
	"rampflow/internal/ramp"
	"rampflow/internal/resume"
)

// flowView is a flow snapshot plus the amount the recipient will get.
type flowView struct {
	flow.Context
	TargetDisplay string `json:"targetDisplay,omitempty"`
}

func view(c flow.Context) flowView {
	v := flowView{Context: c}
	if c.Quote != nil && c.Amount.IsPositive() {
		v.TargetDisplay = c.Quote.DisplayAmount(c.Amount)
	}
	return v
}

type errorBody struct {
	Kind              ramp.Kind `json:"kind,omitempty"`
	Message           string    `json:"message"`
	Title             string    `json:"title,omitempty"`
	Suggestion        string    `json:"suggestion,omitempty"`
	TransferReference string    `json:"transferReference,omitempty"`
}

var kindStatus = map[ramp.Kind]int{
	ramp.KindValidationFailed:   http.StatusBadRequest,
	ramp.KindInvalidFormat:      http.StatusBadRequest,
	ramp.KindAmountOutOfRange:   http.StatusUnprocessableEntity,
	ramp.KindInsufficientFunds:  http.StatusUnprocessableEntity,
	ramp.KindRouteUnsupported:   http.StatusUnprocessableEntity,
	ramp.KindUserRejected:       http.StatusConflict,
	ramp.KindRateUnavailable:    http.StatusBadGateway,
	ramp.KindChainSwitchFailed:  http.StatusBadGateway,
	ramp.KindTransferReverted:   http.StatusBadGateway,
	ramp.KindTransferFailed:     http.StatusBadGateway,
	ramp.KindDisbursementFailed: http.StatusBadGateway,
	ramp.KindTransient:          http.StatusServiceUnavailable,
	ramp.KindPollTimeout:        http.StatusAccepted,
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errFlowNotFound), errors.Is(err, resume.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, flow.ErrInvalidTransition),
		errors.Is(err, flow.ErrNotCancellable),
		errors.Is(err, flow.ErrNotRetryable),
		errors.Is(err, flow.ErrTerminal),
		errors.Is(err, flow.ErrBusy):
		return http.StatusConflict
	}
	var re *ramp.Error
	if errors.As(err, &re) {
		if code, ok := kindStatus[re.Kind]; ok {
			return code
		}
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Message: err.Error()}
	var re *ramp.Error
	if errors.As(err, &re) {
		body.Kind = re.Kind
		if re.Message != "" {
			body.Message = re.Message
		}
		body.TransferReference = re.TransferReference
		msg := ramp.Describe(re.Kind)
		body.Title, body.Suggestion = msg.Title, msg.Suggestion
	}
	writeJSON(w, statusFor(err), map[string]errorBody{"error": body})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into v. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	http.Error(w, "invalid json payload", http.StatusBadRequest)
	return false
}
