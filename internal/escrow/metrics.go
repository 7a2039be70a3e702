package escrow

import "github.com/prometheus/client_golang/prometheus"

var (
	transitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Total transaction state transitions by from/to status.",
	}, []string{"from", "to"})

	reaperActionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "bazaar",
		Subsystem: "escrow",
		Name:      "reaper_actions_total",
		Help:      "Total reaper-driven transitions by action and result.",
	}, []string{"action", "result"})
)

func init() {
	prometheus.MustRegister(transitionsTotal, reaperActionsTotal)
}

func observeTransition(from, to Status) {
	transitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func observeReaperAction(action string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	reaperActionsTotal.WithLabelValues(action, result).Inc()
}
