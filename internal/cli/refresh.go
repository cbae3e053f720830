package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/engine"
)

func newRefreshCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [path]",
		Short: "Update state from the providers",
		Long: `Reads every resource of the unit back from its provider. Drifted
attributes are stored; resources that no longer exist are dropped from
state so the next apply recreates them.`,
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

			fmt.Fprintf(out, "Refreshing unit %s...\n", name)
			entries, err := o.newEngine(nil).Refresh(ctx, unit)
			if err != nil {
				return fmt.Errorf("refresh failed: %w", err)
			}

			var drifted, missing, failed int
			for _, e := range entries {
				switch e.Status {
				case engine.RefreshOK:
					fmt.Fprintf(out, "  %s: in sync\n", e.Address)
				case engine.RefreshDrifted:
					drifted++
					fmt.Fprintf(out, "%s  %s: drifted, state updated%s\n", o.colorize(colorYellow), e.Address, o.colorize(colorReset))
				case engine.RefreshMissing:
					missing++
					fmt.Fprintf(out, "%s  %s: no longer exists, removed from state%s\n", o.colorize(colorRed), e.Address, o.colorize(colorReset))
				case engine.RefreshError:
					failed++
					fmt.Fprintf(out, "%s  %s: %v%s\n", o.colorize(colorRed), e.Address, e.Err, o.colorize(colorReset))
				}
			}
			fmt.Fprintf(out, "\nRefresh complete: %d resource(s), %d drifted, %d missing, %d failed.\n", len(entries), drifted, missing, failed)
			if failed > 0 {
				return fmt.Errorf("%d resource(s) could not be read", failed)
			}
			return nil
		},
	}
}
