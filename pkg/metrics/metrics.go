// Package metrics exposes the WAF's Prometheus collectors. Registration is
// best-effort in init so multiple importers never panic on duplicates.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "gate", Name: "requests_total",
			Help: "Requests evaluated by the decision gate, by verdict."},
		[]string{"tenant", "verdict"},
	)

	AnomalyScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: "waf", Subsystem: "gate", Name: "anomaly_score",
			Help:    "Distribution of anomaly scores for scored requests.",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.95, 1}},
		[]string{"tenant"},
	)

	RuleMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "gate", Name: "rule_matches_total",
			Help: "Deterministic rule matches, by attack category."},
		[]string{"tenant", "category"},
	)

	TrainingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "ml", Name: "trainings_total",
			Help: "Model training runs, by outcome."},
		[]string{"tenant", "result"},
	)

	ActiveModelVersion = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{Namespace: "waf", Subsystem: "ml", Name: "active_model_version",
			Help: "Currently active model version per tenant."},
		[]string{"tenant"},
	)

	RulesSuggested = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "rules", Name: "suggested_total",
			Help: "Adaptive rules proposed by the suggestion engine, by category."},
		[]string{"tenant", "category"},
	)

	RuleTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "rules", Name: "transitions_total",
			Help: "Adaptive rule lifecycle transitions."},
		[]string{"from", "to"},
	)

	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Namespace: "waf", Subsystem: "feedback", Name: "received_total",
			Help: "False-positive feedback records, by state."},
		[]string{"tenant", "state"},
	)
)

func init() {
	for _, c := range []prometheus.Collector{
		RequestsTotal, AnomalyScore, RuleMatches, TrainingsTotal,
		ActiveModelVersion, RulesSuggested, RuleTransitions, FeedbackTotal,
	} {
		_ = prometheus.Register(c)
	}
}
