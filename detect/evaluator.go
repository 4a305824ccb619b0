package detect

import (
	"fmt"
	"regexp"
	"strconv"
	"time"

	"hostaudit/core"
	"hostaudit/metrics"

	"go.uber.org/zap"
)

var templatePattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// RuleResult is the verdict for one rule against one fact map.
type RuleResult struct {
	// Skipped is set when the expression names a fact the document lacks
	Skipped bool
	Missing []string
	Passed  bool
	// Err holds the parse or evaluation error that forced a false verdict
	Err error
}

// FactEvaluator turns facts documents into audit outcomes.
type FactEvaluator struct {
	cache  *ExpressionCache
	logger *zap.SugaredLogger
	now    func() time.Time
}

// NewFactEvaluator creates an evaluator. A nil cache gets a default-sized one.
func NewFactEvaluator(cache *ExpressionCache, logger *zap.SugaredLogger) *FactEvaluator {
	if cache == nil {
		// size is positive, lru.New cannot fail
		cache, _ = NewExpressionCache(DefaultExpressionCacheSize)
	}
	return &FactEvaluator{
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// EvaluateRule evaluates a rule's expression against facts.
func (e *FactEvaluator) EvaluateRule(rule core.Rule, facts map[string]interface{}) RuleResult {
	expr, err := e.cache.Compile(rule.Expression)
	if err != nil {
		// Identifiers are still recoverable from tokens when only parsing failed
		if tokens, tokErr := Tokenize(rule.Expression); tokErr == nil {
			if missing := missingFrom(ReferencedIdentifiers(tokens), facts); len(missing) > 0 {
				return RuleResult{Skipped: true, Missing: missing}
			}
		}
		return RuleResult{Passed: false, Err: err}
	}

	if missing := expr.MissingFacts(facts); len(missing) > 0 {
		return RuleResult{Skipped: true, Missing: missing}
	}

	passed, err := expr.Eval(facts)
	if err != nil {
		return RuleResult{Passed: false, Err: err}
	}
	return RuleResult{Passed: passed}
}

// EvaluateDocument produces one outcome per applicable rule, stamped with the
// document's collection time and host. skipped counts not-applicable rules.
func (e *FactEvaluator) EvaluateDocument(doc *core.FactsDocument, rules []core.Rule, source string) (outcomes []core.AuditOutcome, skipped int) {
	facts := doc.FactMap()
	host := doc.HostName()
	account := host
	if account == "" {
		account = core.LocalPolicyAccount
	}
	when := doc.CollectedTime(e.now())

	for _, rule := range rules {
		res := e.EvaluateRule(rule, facts)
		if res.Skipped {
			skipped++
			metrics.RecordRuleEvaluation(rule.ID, "skipped")
			e.logger.Debugw("Rule not applicable", "rule", rule.ID, "missing", res.Missing)
			continue
		}
		if res.Err != nil {
			metrics.RecordRuleEvaluation(rule.ID, "error")
			e.logger.Warnw("Rule evaluation failed, reporting Failed", "rule", rule.ID, "error", res.Err)
		}

		outcome := core.OutcomeFailed
		text := rule.FailText
		if res.Passed {
			outcome = core.OutcomePassed
			text = rule.PassText
		}
		if res.Err == nil {
			metrics.RecordRuleEvaluation(rule.ID, string(outcome))
		}

		outcomes = append(outcomes, core.AuditOutcome{
			Time:        when,
			Category:    rule.Category,
			Control:     rule.Title,
			Outcome:     outcome,
			Account:     account,
			Description: RenderTemplate(text, facts),
			Host:        host,
			Severity:    rule.Severity,
			RuleID:      rule.ID,
			Remediation: rule.Remediation,
			Source:      source,
		})
	}

	metrics.UpdateExpressionCacheSize(e.cache.Len())
	return outcomes, skipped
}

// RenderTemplate replaces {{fact.id}} placeholders with the fact's string
// value, or "" when the fact is absent.
func RenderTemplate(text string, facts map[string]interface{}) string {
	return templatePattern.ReplaceAllStringFunc(text, func(match string) string {
		sub := templatePattern.FindStringSubmatch(match)
		v, ok := facts[sub[1]]
		if !ok {
			return ""
		}
		return FormatValue(v)
	})
}

// FormatValue renders a fact value for display. Whole numbers print without a
// fractional part.
func FormatValue(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}
