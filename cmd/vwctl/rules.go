package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/vitalwatch/internal/rules"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Work with rule seed files",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a rule seed file",
		Long: `Parse and validate every rule in a YAML seed file without loading it
into a daemon.

Examples:
  vwctl rules validate /etc/vitalwatch/rules.yaml`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := rules.LoadFile(args[0])
			if err != nil {
				fmt.Fprintln(cmd.ErrOrStderr(), errStyle.Render("invalid: ")+err.Error())
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %d rule(s) in %s\n", okStyle.Render("valid:"), len(list), args[0])
			for _, r := range list {
				line := fmt.Sprintf("  %-20s %-10s %-22s %s", r.ID, r.UserID, r.Metric, r.Condition)
				if r.Threshold != nil {
					line += fmt.Sprintf(" %g", *r.Threshold)
				}
				if r.HasDuration() {
					line += fmt.Sprintf(" for %s", r.Duration.Duration())
				}
				if !r.Active {
					line = dimStyle.Render(line + " (paused)")
				}
				fmt.Fprintln(out, line)
			}
			return nil
		},
	})
	return cmd
}
