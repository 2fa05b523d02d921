package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the service's collectors. A nil *Registry is valid and
// records nothing, which keeps components usable in tests without wiring.
type Registry struct {
	registry           *prometheus.Registry
	flowsTotal         *prometheus.CounterVec
	chainSwitchesTotal *prometheus.CounterVec
	transfersTotal     *prometheus.CounterVec
	disbursementsTotal *prometheus.CounterVec
	retryAttemptsTotal *prometheus.CounterVec
	pollTicksTotal     *prometheus.CounterVec
	resumeDepth        prometheus.Gauge
}

func New() *Registry {
	flows := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampflow_flows_total",
		Help: "Flows reaching an outcome, by direction and outcome",
	}, []string{"direction", "outcome"})

	switches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampflow_chain_switches_total",
		Help: "Chain switch attempts before transfer submission",
	}, []string{"result"})

	transfers := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampflow_transfers_total",
		Help: "On-chain transfer submissions",
	}, []string{"result"})

	disbursements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampflow_disbursements_total",
		Help: "Disbursement submissions by provider and status",
	}, []string{"provider", "status"})

	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampflow_retry_attempts_total",
		Help: "Retry attempts for transient disbursement failures",
	}, []string{"result"})

	polls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rampflow_poll_ticks_total",
		Help: "Order status polls by provider and observed status",
	}, []string{"provider", "status"})

	resume := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rampflow_resume_queue_depth",
		Help: "Number of post-broadcast orders awaiting resume",
	})

	r := prometheus.NewRegistry()
	r.MustRegister(flows, switches, transfers, disbursements, retries, polls, resume)

	return &Registry{
		registry:           r,
		flowsTotal:         flows,
		chainSwitchesTotal: switches,
		transfersTotal:     transfers,
		disbursementsTotal: disbursements,
		retryAttemptsTotal: retries,
		pollTicksTotal:     polls,
		resumeDepth:        resume,
	}
}

func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Registry) IncFlow(direction, outcome string) {
	if m == nil {
		return
	}
	m.flowsTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *Registry) IncChainSwitch(result string) {
	if m == nil {
		return
	}
	m.chainSwitchesTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncTransfer(result string) {
	if m == nil {
		return
	}
	m.transfersTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncDisbursement(provider, status string) {
	if m == nil {
		return
	}
	m.disbursementsTotal.WithLabelValues(provider, status).Inc()
}

func (m *Registry) IncRetry(result string) {
	if m == nil {
		return
	}
	m.retryAttemptsTotal.WithLabelValues(result).Inc()
}

func (m *Registry) IncPoll(provider, status string) {
	if m == nil {
		return
	}
	m.pollTicksTotal.WithLabelValues(provider, status).Inc()
}

func (m *Registry) SetResumeDepth(depth int) {
	if m == nil {
		return
	}
	m.resumeDepth.Set(float64(depth))
}
