package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/decisions/catalog"
	"github.com/liamcoop/decisions/internal/logger"
	"github.com/liamcoop/decisions/rules"
)

type rootOptions struct {
	definitions string
	output      string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "decisionctl",
		Short: "Validate and run decision rules and policies locally",
		Long: `decisionctl loads rule and policy definitions from YAML or JSON files
and runs them in process, the same way the decision service does.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logger.ParseLevel(opts.logLevel)
			if err != nil {
				return err
			}
			logger.SetOutput(cmd.ErrOrStderr())
			logger.SetLevel(level)
			if opts.output != "text" && opts.output != "json" {
				return fmt.Errorf("unsupported output %q (use text or json)", opts.output)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.definitions, "definitions", "d", "definitions", "definition file or directory")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "output format: text, json")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "WARN", "log level")

	cmd.AddCommand(
		newValidateCmd(opts),
		newEvaluateCmd(opts),
		newRunCmd(opts),
	)
	return cmd
}

// loadDefinitions reads a single file or every definition file of a directory
func loadDefinitions(path string) (*catalog.Definitions, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return catalog.LoadDir(path)
	}
	return catalog.LoadFile(path)
}

// readRecord parses a YAML or JSON record from path, or stdin for "-"
func readRecord(cmd *cobra.Command, path string) (rules.Record, error) {
	if path == "" {
		return nil, fmt.Errorf("--record is required")
	}

	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read record: %w", err)
	}

	var record rules.Record
	if err := yaml.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse record: %w", err)
	}
	if record == nil {
		record = rules.Record{}
	}
	return record, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
