package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newPlanCmd(o *options) *cobra.Command {
	var (
		outFile string
		props   map[string]string
	)
	cmd := &cobra.Command{
		Use:   "plan [path]",
		Short: "Generate an execution plan",
		Long: `Compares the document with the unit's state and shows which nodes would be
created, updated or deleted. Counts owned by the controllers are never
diffed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			fmt.Fprint(out, "Loading document... ")
			doc, dir, err := o.loadDocument(ctx, args, props)
			if err != nil {
				fmt.Fprintln(out, "FAILED")
				return err
			}
			fmt.Fprintln(out, "OK")

			unit, err := o.openUnit(dir, unitOf(doc))
			if err != nil {
				return err
			}
			st, err := unit.Backend.Read(ctx)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}

			fmt.Fprint(out, "Calculating plan... ")
			plan, err := o.newEngine(nil).CreatePlan(ctx, doc, st)
			if err != nil {
				fmt.Fprintln(out, "FAILED")
				return fmt.Errorf("plan generation failed: %w", err)
			}
			fmt.Fprintln(out, "OK")

			if !plan.Summary.HasChanges() {
				fmt.Fprintln(out, "\nNo changes. Unit is up-to-date.")
			} else {
				fmt.Fprintln(out, "\ninferstack will perform the following actions:")
				o.renderPlanChanges(out, plan)
			}
			renderPlanSummary(out, plan)

			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to encode plan: %w", err)
				}
				if err := os.WriteFile(outFile, append(data, '\n'), 0644); err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
				fmt.Fprintf(out, "\nPlan written to %s\n", outFile)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "Write plan to file")
	cmd.Flags().StringToStringVarP(&props, "prop", "D", nil, "Set external properties (format: key=value)")
	return cmd
}
