package cmd

import (
	"hostaudit/core"

	"github.com/spf13/cobra"
)

func newRulesCmd() *cobra.Command {
	var rules ruleFlags

	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the compliance rules in the active rule file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loader, _, err := rules.loader(cliLogger())
			if err != nil {
				return err
			}
			ruleSet, err := loader.Load()
			if err != nil {
				return err
			}

			summaries := make([]core.RuleSummary, 0, len(ruleSet))
			for _, r := range ruleSet {
				summaries = append(summaries, r.Summary())
			}
			if outputJSON {
				return outputAsJSON(summaries)
			}
			if !quiet {
				infoColor.Printf("Rule file: %s\n\n", loader.Path())
			}
			renderRulesTable(summaries)
			return nil
		},
	}

	rules.register(cmd)
	return cmd
}
