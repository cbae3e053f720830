package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/engine"
	"github.com/picklr-io/inferstack/internal/ir"
)

func newStateCmd(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Manage unit state",
		Long:  `Commands for inspecting and modifying the state of a provisioning unit.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List resources in state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := o.readState(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(st.Resources) == 0 {
				fmt.Fprintln(out, "No resources in state.")
				return nil
			}

			fmt.Fprintf(out, "Unit: %s, version: %d, serial: %d, lineage: %s\n\n", st.Unit, st.Version, st.Serial, st.Lineage)
			for _, rs := range st.Resources {
				status := "converged"
				if !rs.Converged() {
					status = "not converged"
				}
				fmt.Fprintf(out, "  %s %s (provider: %s, %s)\n", rs.Kind, rs.Name, rs.Provider, status)
			}
			fmt.Fprintf(out, "\nTotal: %d resource(s)\n", len(st.Resources))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show <name>",
		Short: "Show attributes of a single resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := o.readState(cmd)
			if err != nil {
				return err
			}
			rs := st.Lookup(args[0])
			if rs == nil {
				return fmt.Errorf("resource %q not found in state", args[0])
			}
			renderResourceState(cmd, rs)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a resource from state (does not destroy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			unit, _, err := o.readState(cmd)
			if err != nil {
				return err
			}
			if err := unit.Backend.Lock(); err != nil {
				return fmt.Errorf("failed to lock state: %w", err)
			}
			defer unit.Backend.Unlock()

			st, err := unit.Backend.Read(ctx)
			if err != nil {
				return fmt.Errorf("failed to read state: %w", err)
			}

			if !st.Remove(args[0]) {
				return fmt.Errorf("resource %q not found in state", args[0])
			}
			st.Serial++
			if err := unit.Backend.Write(ctx, st); err != nil {
				return fmt.Errorf("failed to write state: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s from state.\n", args[0])
			return nil
		},
	})
	return cmd
}

func (o *options) readState(cmd *cobra.Command) (*engine.Unit, *ir.State, error) {
	name, dir, err := o.unitName(cmd.Context(), nil)
	if err != nil {
		return nil, nil, err
	}
	unit, err := o.openUnit(dir, name)
	if err != nil {
		return nil, nil, err
	}
	st, err := unit.Backend.Read(cmd.Context())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read state: %w", err)
	}
	return unit, st, nil
}

func renderResourceState(cmd *cobra.Command, rs *ir.ResourceState) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "# %s\n", rs.Name)
	fmt.Fprintf(out, "  kind       = %s\n", rs.Kind)
	fmt.Fprintf(out, "  provider   = %s\n", rs.Provider)
	fmt.Fprintf(out, "  inputsHash = %s\n", rs.InputsHash)
	if len(rs.Dependencies) > 0 {
		fmt.Fprintf(out, "  dependsOn  = %v\n", rs.Dependencies)
	}

	if len(rs.Inputs) > 0 {
		fmt.Fprintln(out, "\n  Inputs:")
		for _, k := range sortedKeys(rs.Inputs) {
			fmt.Fprintf(out, "    %s = %s\n", k, formatValue(rs.Inputs[k]))
		}
	}
	if len(rs.Outputs) > 0 {
		fmt.Fprintln(out, "\n  Outputs:")
		for _, k := range sortedKeys(rs.Outputs) {
			fmt.Fprintf(out, "    %s = %s\n", k, formatValue(rs.Outputs[k]))
		}
	}
}
