package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/ir"
)

func newDestroyCmd(o *options) *cobra.Command {
	var autoApprove bool
	cmd := &cobra.Command{
		Use:   "destroy [path]",
		Short: "Tear down every node of a unit",
		Long: `Cancels any in-flight apply of the unit and deletes its nodes in reverse
dependency order. A node that cannot be deleted keeps the nodes it depends
on in place.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			name, dir, err := o.unitName(ctx, args)
			if err != nil {
				return err
			}
			unit, err := o.openUnit(dir, name)
			if err != nil {
				return err
			}
			st, err := unit.Backend.Read(ctx)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}
			if len(st.Resources) == 0 {
				fmt.Fprintf(out, "Unit %s has nothing to destroy.\n", name)
				return nil
			}

			fmt.Fprintf(out, "inferstack will destroy %d resource(s) of unit %s:\n", len(st.Resources), name)
			for _, rs := range st.Resources {
				fmt.Fprintf(out, "%s  - %s %q%s\n", o.colorize(colorRed), rs.Kind, rs.Name, o.colorize(colorReset))
			}
			if !autoApprove && !confirm(cmd.InOrStdin(), out, "\nDo you really want to destroy all resources? (y/n): ") {
				fmt.Fprintln(out, "Destroy cancelled.")
				return nil
			}

			result, err := o.newEngine(out).Destroy(ctx, unit)
			if err != nil {
				var teardown *ir.TeardownError
				if errors.As(err, &teardown) {
					return fmt.Errorf("destroy left %d resource(s) in place: %w", len(teardown.Surviving), err)
				}
				return fmt.Errorf("destroy failed: %w", err)
			}
			fmt.Fprintf(out, "\nDestroy complete! %d resource(s) destroyed.\n", len(result.Destroyed))
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip interactive approval before destroying")
	return cmd
}
