package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/rules"
	"github.com/liamcoop/decisions/workflow"
)

type evaluateReport struct {
	Triggered   []rules.TriggeredRule `json:"triggered"`
	Failed      []string              `json:"failed,omitempty"`
	FinalAction *rules.FinalAction    `json:"final_action,omitempty"`
	Decision    workflow.Decision     `json:"decision"`
	Reason      string                `json:"reason"`
}

func newEvaluateCmd(root *rootOptions) *cobra.Command {
	var recordPath, enrichmentPath string

	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the rule set against a record",
		Long: `Evaluate runs every enabled rule against the record, resolves the
triggered actions into one final action and prints the resulting decision.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			defs, err := loadDefinitions(root.definitions)
			if err != nil {
				return err
			}
			record, err := readRecord(cmd, recordPath)
			if err != nil {
				return err
			}
			var enrichment rules.Record
			if enrichmentPath != "" {
				if enrichment, err = readRecord(cmd, enrichmentPath); err != nil {
					return err
				}
			}

			engine, err := rules.NewEngine(rules.NewInMemoryRuleStore())
			if err != nil {
				return err
			}
			for _, r := range defs.Rules {
				if err := engine.AddRule(r); err != nil {
					return fmt.Errorf("rule %s: %w", r.ID, err)
				}
			}

			eval, err := engine.EvaluateAll(cmd.Context(), record, enrichment)
			if err != nil {
				return err
			}
			report := evaluateReport{Triggered: eval.Triggered, FinalAction: rules.Resolve(eval.Actions)}
			for _, res := range eval.Results {
				if res.Error != nil {
					report.Failed = append(report.Failed, fmt.Sprintf("%s: %v", res.RuleID, res.Error))
				}
			}
			report.Decision, report.Reason = decision.DecisionForAction(report.FinalAction, eval)

			out := cmd.OutOrStdout()
			if root.output == "json" {
				return writeJSON(out, report)
			}
			for _, t := range report.Triggered {
				fmt.Fprintf(out, "triggered %s (priority %d): %s\n", t.RuleID, t.Priority, t.Action.Type)
			}
			for _, f := range report.Failed {
				fmt.Fprintf(out, "failed %s\n", f)
			}
			fmt.Fprintf(out, "decision: %s (%s)\n", report.Decision, report.Reason)
			return nil
		},
	}

	cmd.Flags().StringVarP(&recordPath, "record", "r", "", "record file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVar(&enrichmentPath, "enrichment", "", "enrichment file (YAML or JSON)")
	return cmd
}
