package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Rule evaluation metrics.
//
// Labels:
//   - rule_id: the evaluated rule
//   - result: "passed", "failed", "skipped" or "error"

var (
	RuleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hostaudit",
			Subsystem: "rules",
			Name:      "evaluations_total",
			Help:      "Total number of rule evaluations by result",
		},
		[]string{"rule_id", "result"},
	)

	ExpressionCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostaudit",
			Subsystem: "rules",
			Name:      "expression_cache_size",
			Help:      "Number of compiled expressions held in the cache",
		},
	)

	ActiveRules = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hostaudit",
			Subsystem: "rules",
			Name:      "active",
			Help:      "Number of rules in the last loaded rule file",
		},
	)

	RuleLoadErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hostaudit",
			Subsystem: "rules",
			Name:      "load_errors_total",
			Help:      "Total number of rule file load failures",
		},
	)
)

// RecordRuleEvaluation records one rule outcome.
func RecordRuleEvaluation(ruleID, result string) {
	RuleEvaluationsTotal.WithLabelValues(ruleID, result).Inc()
}

// UpdateActiveRules updates the count of loaded rules.
func UpdateActiveRules(count int) {
	ActiveRules.Set(float64(count))
}

// UpdateExpressionCacheSize updates the cache size gauge.
func UpdateExpressionCacheSize(size int) {
	ExpressionCacheSize.Set(float64(size))
}
