package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/state"
)

func newUnitCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unit",
		Short: "Inspect provisioning units",
		Long: `Every provisioning unit keeps its own state. The unit of a command is
the one named by --unit, or else the unit of the document.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List units with local state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			wd, err := os.Getwd()
			if err != nil {
				return fmt.Errorf("failed to get working directory: %w", err)
			}
			units, err := state.ListUnits(o.stateDir(wd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(units) == 0 {
				fmt.Fprintln(out, "No units.")
				return nil
			}

			current := o.unit
			if current == "" {
				if name, _, err := o.unitName(cmd.Context(), nil); err == nil {
					current = name
				}
			}
			for _, u := range units {
				if u == current {
					fmt.Fprintf(out, "* %s\n", u)
				} else {
					fmt.Fprintf(out, "  %s\n", u)
				}
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Summarize the current unit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := o.readState(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			converged := 0
			for _, rs := range st.Resources {
				if rs.Converged() {
					converged++
				}
			}
			fmt.Fprintf(out, "Unit:      %s\n", st.Unit)
			fmt.Fprintf(out, "Serial:    %d\n", st.Serial)
			fmt.Fprintf(out, "Resources: %d (%d converged)\n", len(st.Resources), converged)
			if ep := st.Endpoint(); ep != nil {
				fmt.Fprintf(out, "Endpoint:  %s (%s)\n", ep.DNSName, ep.ReadyState)
			}
			return nil
		},
	})
	return cmd
}
