package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/app"
)

func newRunCmd(o *options) *cobra.Command {
	var props map[string]string
	cmd := &cobra.Command{
		Use:   "run [path]",
		Short: "Provision a unit and keep it scaled",
		Long: `Applies the document, then runs the capacity controller, the service
autoscaler and the endpoint publisher until interrupted. Health, readiness,
status and Prometheus metrics are served on --http-port.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			doc, dir, err := o.loadDocument(ctx, args, props)
			if err != nil {
				return err
			}
			unit, err := o.openUnit(dir, unitOf(doc))
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Running unit %s (status on :%d)\n", unit.Name, o.cfg.HTTPPort)
			return app.New(o.cfg, o.newEngine(cmd.OutOrStdout()), unit, o.logger).Run(ctx, doc)
		},
	}
	cmd.Flags().StringToStringVarP(&props, "prop", "D", nil, "Set external properties (format: key=value)")
	return cmd
}
