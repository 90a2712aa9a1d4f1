package commands

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newValidateCommand(a *app) *cobra.Command {
	var (
		opts     documentOptions
		printDoc bool
	)

	cmd := &cobra.Command{
		Use:   "validate <policyFile>",
		Short: "Validate a policy document without touching any host",
		Long: `Validate a policy document.

This command checks:
  - Syntax and schema of the YAML, JSON or CUE document
  - Loop and variable expansion
  - Parameters and desired state of every resource kind
  - Handler references
  - Guard rules (built-in and --guard)`,
		Example: `  # Validate a document
  harden validate cis.yaml

  # Show the expanded document with an override applied
  harden validate cis.yaml --var ssh_port=2222 --print`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, result, err := a.prepare(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}

			if printDoc {
				out, err := json.MarshalIndent(doc, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to render document: %w", err)
				}
				fmt.Fprintln(a.stdout, string(out))
				return nil
			}

			fmt.Fprintf(a.stdout, "%s: ok (%d resources, %d handlers, %d guard rules)\n",
				doc.Source, len(doc.Resources), len(doc.Handlers), len(result.EvaluatedPolicies))
			for _, v := range result.Advisory() {
				fmt.Fprintf(a.stdout, "  %s\n", v)
			}
			return nil
		},
	}

	opts.addFlags(cmd)
	cmd.Flags().BoolVar(&printDoc, "print", false, "print the expanded document as JSON")
	return cmd
}
