package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

func newOutputCmd(o *options) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "output [name]",
		Short: "Show output values from state",
		Long: `Reads output values from the unit's state.

If no name is given, all outputs are displayed. If a name is given,
only that output's value is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			name, dir, err := o.unitName(ctx, nil)
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

			if len(args) > 0 {
				val, ok := st.Outputs[args[0]]
				if !ok {
					return fmt.Errorf("output %q not found", args[0])
				}
				if asJSON {
					data, err := json.Marshal(val)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
				} else {
					fmt.Fprintln(out, val)
				}
				return nil
			}

			if len(st.Outputs) == 0 {
				fmt.Fprintln(out, "No outputs defined.")
				return nil
			}
			if asJSON {
				data, err := json.MarshalIndent(st.Outputs, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
				return nil
			}
			for _, k := range sortedKeys(st.Outputs) {
				fmt.Fprintf(out, "%s = %v\n", k, st.Outputs[k])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output in JSON format")
	return cmd
}
