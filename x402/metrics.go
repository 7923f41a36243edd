package x402

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var admitOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "x402_admit_outcomes_total",
		Help: "Verifier decisions by outcome and internal reason.",
	},
	[]string{
		"outcome",
		"reason",
	},
)

var settlements = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "x402_settlements_total",
		Help: "Settlement attempts by mode and result.",
	},
	[]string{
		"mode",
		"result",
	},
)
