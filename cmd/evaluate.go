package cmd

import (
	"fmt"

	"hostaudit/config"
	"hostaudit/core"
	"hostaudit/detect"
	"hostaudit/ingest"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ruleFlags selects the rule file for offline commands
type ruleFlags struct {
	rulesPath  string
	schemaPath string
}

func (f *ruleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.rulesPath, "rules", "", "Rule file (default: rules.files from config)")
	cmd.Flags().StringVar(&f.schemaPath, "rules-schema", "", "JSON schema for JSON rule files")
}

// loader returns a rule loader over --rules, or over the configured candidates.
func (f *ruleFlags) loader(logger *zap.SugaredLogger) (*detect.RuleLoader, *config.Config, error) {
	if f.rulesPath != "" {
		return detect.NewRuleLoader([]string{f.rulesPath}, f.schemaPath, logger), nil, nil
	}
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	schema := f.schemaPath
	if schema == "" {
		schema = cfg.Rules.SchemaPath
	}
	return detect.NewRuleLoader(cfg.Rules.Files, schema, logger), cfg, nil
}

// evaluationReport is the --json shape of evaluate
type evaluationReport struct {
	Host     string              `json:"host"`
	Outcomes []core.AuditOutcome `json:"outcomes"`
	Skipped  int                 `json:"skipped"`
	Passed   int                 `json:"passed"`
	Failed   int                 `json:"failed"`
}

func newEvaluateCmd() *cobra.Command {
	var (
		rules       ruleFlags
		factsSchema string
		failOnFail  bool
	)

	cmd := &cobra.Command{
		Use:   "evaluate <facts.json>",
		Short: "Evaluate a facts document against the rule file without storing anything",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := cliLogger()

			loader, cfg, err := rules.loader(logger)
			if err != nil {
				return err
			}
			if factsSchema == "" && cfg != nil {
				factsSchema = cfg.Rules.FactsSchema
			}

			data, err := readInputFile(args[0])
			if err != nil {
				return err
			}
			report, err := evaluateFacts(data, loader, factsSchema, logger)
			if err != nil {
				return err
			}

			if outputJSON {
				if err := outputAsJSON(report); err != nil {
					return err
				}
			} else {
				renderOutcomesTable(report)
			}

			if failOnFail && report.Failed > 0 {
				return fmt.Errorf("%d control(s) failed", report.Failed)
			}
			return nil
		},
	}

	rules.register(cmd)
	cmd.Flags().StringVar(&factsSchema, "facts-schema", "", "JSON schema for facts documents (default: built-in)")
	cmd.Flags().BoolVar(&failOnFail, "fail-on-failed", false, "Exit non-zero when any control fails")
	return cmd
}

// evaluateFacts validates and decodes data, then evaluates it against the loaded rules.
func evaluateFacts(data []byte, loader *detect.RuleLoader, factsSchema string, logger *zap.SugaredLogger) (*evaluationReport, error) {
	validator, err := ingest.NewFactsValidator(factsSchema)
	if err != nil {
		return nil, err
	}
	cache, err := detect.NewExpressionCache(256)
	if err != nil {
		return nil, err
	}
	evaluator := detect.NewFactEvaluator(cache, logger)

	// Decode only; nothing is stored so no audit store is wired.
	decoder := ingest.NewFactsIngestor(loader, evaluator, nil, validator, logger)
	doc, err := decoder.Decode(data)
	if err != nil {
		return nil, err
	}

	ruleSet, err := loader.Load()
	if err != nil {
		return nil, err
	}

	outcomes, skipped := evaluator.EvaluateDocument(doc, ruleSet, core.SourceLive)
	report := &evaluationReport{
		Host:     doc.HostName(),
		Outcomes: outcomes,
		Skipped:  skipped,
	}
	if report.Outcomes == nil {
		report.Outcomes = []core.AuditOutcome{}
	}
	for _, o := range outcomes {
		if o.Outcome == core.OutcomePassed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	return report, nil
}
