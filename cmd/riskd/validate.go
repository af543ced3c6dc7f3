package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/procoderhappy/ai-risk-management/internal/normalize"
	"github.com/procoderhappy/ai-risk-management/internal/rules"
	"github.com/procoderhappy/ai-risk-management/internal/scoring"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with compliance rule files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a rule file against the feature schema without activating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			defs, err := rules.LoadFile(args[0])
			if err != nil {
				return err
			}
			reg, err := rules.NewRegistry(normalize.DefaultSchema().Kinds())
			if err != nil {
				return err
			}
			if err := reg.Validate(defs); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d rules OK\n", args[0], len(defs))
			return nil
		},
	})
	return cmd
}

func newTablesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tables",
		Short: "Work with scoring weight tables",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Compile a weight table file without activating it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			specs, err := scoring.LoadTables(args[0])
			if err != nil {
				return err
			}
			s, err := scoring.NewScorer(specs)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d tables OK %v\n", args[0], len(specs), s.Tables().RiskTypes())
			return nil
		},
	})
	return cmd
}
