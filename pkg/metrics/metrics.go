package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_runs_total",
		Help: "Pipeline runs by trigger kind and final status",
	}, []string{"trigger", "status"})

	stagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_stages_total",
		Help: "Verification stage executions by stage name and outcome",
	}, []string{"stage", "outcome"})

	promotionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "conveyor_promotions_total",
		Help: "Promotion attempts by outcome",
	}, []string{"outcome"})
)

func RunFinished(trigger, status string) {
	runsTotal.WithLabelValues(trigger, status).Inc()
}

func StageFinished(stage string, ok bool) {
	stagesTotal.WithLabelValues(stage, outcome(ok)).Inc()
}

func PromotionFinished(ok bool) {
	promotionsTotal.WithLabelValues(outcome(ok)).Inc()
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
