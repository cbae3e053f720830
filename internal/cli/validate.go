package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/engine"
)

func newValidateCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a provisioning document",
		Long: `Loads the document, checks every node's properties and the scaling policy
bounds, and verifies that the dependency graph has no cycles.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprint(out, "Validating document... ")
			doc, _, err := o.loadDocument(cmd.Context(), args, nil)
			if err != nil {
				fmt.Fprintln(out, "FAILED")
				return fmt.Errorf("validation failed: %w", err)
			}
			if _, err := engine.BuildDAG(doc.Resources); err != nil {
				fmt.Fprintln(out, "FAILED")
				return fmt.Errorf("validation failed: %w", err)
			}
			fmt.Fprintln(out, "OK")
			fmt.Fprintf(out, "\nUnit %s is valid: %d resource(s).\n", unitOf(doc), len(doc.Resources))
			return nil
		},
	}
}
