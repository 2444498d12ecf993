package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/decisions/decision"
	"github.com/liamcoop/decisions/workflow"
)

func newRunCmd(root *rootOptions) *cobra.Command {
	var (
		recordPath  string
		policyID    string
		variant     string
		dataSources []string
		maxSteps    int
		stepTimeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute one policy against a record",
		Long: `Run executes a policy graph and prints the decision with the trace of
visited nodes. Data source nodes call the URLs given with --data-source;
sources without a URL record an error result.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if policyID == "" {
				return fmt.Errorf("--policy is required")
			}
			defs, err := loadDefinitions(root.definitions)
			if err != nil {
				return err
			}
			record, err := readRecord(cmd, recordPath)
			if err != nil {
				return err
			}

			var policy *decision.Policy
			for _, p := range defs.Policies {
				if p.ID == policyID {
					policy = p
					break
				}
			}
			if policy == nil {
				return fmt.Errorf("policy %s: %w", policyID, decision.ErrPolicyNotFound)
			}

			endpoints := make(map[string]string, len(dataSources))
			for _, ds := range dataSources {
				name, url, ok := strings.Cut(ds, "=")
				if !ok || name == "" || url == "" {
					return fmt.Errorf("invalid --data-source %q, want name=url", ds)
				}
				endpoints[name] = url
			}

			var invoker workflow.Invoker
			if len(endpoints) > 0 {
				invoker = workflow.NewHTTPInvoker(endpoints, nil)
			}
			interp := workflow.NewInterpreter(invoker,
				workflow.WithMaxSteps(maxSteps),
				workflow.WithStepTimeout(stepTimeout),
			)

			var opts []decision.OrchestratorOption
			switch strings.ToUpper(variant) {
			case "":
			case "A":
				opts = append(opts, decision.WithRandom(func() float64 { return 0 }))
			case "B":
				if policy.VariantB == nil {
					return fmt.Errorf("policy %s has no variant B", policy.ID)
				}
				// Any draw above the A share selects B, even at 100%.
				policy.VariantAPercentage = 0
				opts = append(opts, decision.WithRandom(func() float64 { return 0.5 }))
			default:
				return fmt.Errorf("unknown variant %q (use A or B)", variant)
			}

			outcome := decision.NewOrchestrator(interp, opts...).Execute(cmd.Context(), policy, record)

			out := cmd.OutOrStdout()
			if root.output == "json" {
				return writeJSON(out, outcome)
			}
			for i, step := range outcome.Trace {
				fmt.Fprintf(out, "%2d. %s (%s)", i+1, step.NodeID, step.NodeType)
				if step.Result != nil {
					fmt.Fprintf(out, " -> %v", step.Result)
				}
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "variant %s: %s", outcome.Variant, outcome.Decision)
			if outcome.Reason != "" {
				fmt.Fprintf(out, " (%s)", outcome.Reason)
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&recordPath, "record", "r", "", "record file (YAML or JSON, - for stdin)")
	cmd.Flags().StringVarP(&policyID, "policy", "p", "", "policy ID")
	cmd.Flags().StringVar(&variant, "variant", "", "force variant A or B")
	cmd.Flags().StringArrayVar(&dataSources, "data-source", nil, "data source endpoint as name=url (repeatable)")
	cmd.Flags().IntVar(&maxSteps, "max-steps", workflow.DefaultMaxSteps, "step bound of a run")
	cmd.Flags().DurationVar(&stepTimeout, "step-timeout", workflow.DefaultStepTimeout, "timeout of each data source call")
	return cmd
}
