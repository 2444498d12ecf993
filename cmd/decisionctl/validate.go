package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/decisions/workflow"
)

type validateReport struct {
	Path     string   `json:"path"`
	Rules    int      `json:"rules"`
	Policies int      `json:"policies"`
	Warnings []string `json:"warnings,omitempty"`
}

func newValidateCmd(root *rootOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:   "validate [path...]",
		Short: "Validate definition files",
		Long: `Validate parses rule and policy definitions and checks them the way the
service does before accepting them. Graph shapes that run but are probably
unintended are reported as warnings; --strict turns them into failures.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				args = []string{root.definitions}
			}

			var reports []validateReport
			warned := false
			for _, path := range args {
				defs, err := loadDefinitions(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}
				r := validateReport{Path: path, Rules: len(defs.Rules), Policies: len(defs.Policies)}
				for _, p := range defs.Policies {
					for _, w := range workflow.Warnings(&p.Graph) {
						r.Warnings = append(r.Warnings, fmt.Sprintf("policy %s: %s", p.ID, w))
					}
					for _, w := range workflow.Warnings(p.VariantB) {
						r.Warnings = append(r.Warnings, fmt.Sprintf("policy %s variant_b: %s", p.ID, w))
					}
				}
				warned = warned || len(r.Warnings) > 0
				reports = append(reports, r)
			}

			out := cmd.OutOrStdout()
			if root.output == "json" {
				if err := writeJSON(out, reports); err != nil {
					return err
				}
			} else {
				for _, r := range reports {
					fmt.Fprintf(out, "%s: %d rules, %d policies\n", r.Path, r.Rules, r.Policies)
					for _, w := range r.Warnings {
						fmt.Fprintf(out, "  warning: %s\n", w)
					}
				}
			}

			if strict && warned {
				return fmt.Errorf("validation produced warnings")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&strict, "strict", false, "treat warnings as errors")
	return cmd
}
