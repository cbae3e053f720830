package cli

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/picklr-io/inferstack/internal/config"
	"github.com/picklr-io/inferstack/internal/logging"
)

// options carries what every command shares after flag parsing.
type options struct {
	v       *viper.Viper
	cfg     *config.Config
	logger  *slog.Logger
	unit    string
	noColor bool
}

// NewRootCommand builds the inferstack command tree.
func NewRootCommand() (*cobra.Command, error) {
	o := &options{v: config.New()}

	root := &cobra.Command{
		Use:   "inferstack",
		Short: "Provision and autoscale inference services",
		Long: `inferstack provisions the infrastructure of an inference service from a
declarative document and keeps it scaled.

A document lists the network, cluster, capacity pool, container image,
service deployment, scaling policies and the published endpoint of one
provisioning unit. 'inferstack apply' converges it; 'inferstack run' also
keeps the capacity controller and service autoscaler running.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(o.v)
			if err != nil {
				return err
			}
			o.cfg = cfg
			logging.InitWithFormat(cfg.LogLevel, cfg.LogFormat)
			o.logger = logging.Logger()
			return nil
		},
	}

	if err := config.AddFlags(root, o.v); err != nil {
		return nil, err
	}
	root.PersistentFlags().StringVar(&o.unit, "unit", "", "Provisioning unit (defaults to the document's unit)")
	root.PersistentFlags().BoolVar(&o.noColor, "no-color", false, "Disable colored output")

	root.AddCommand(
		newInitCmd(o),
		newValidateCmd(o),
		newPlanCmd(o),
		newApplyCmd(o),
		newDestroyCmd(o),
		newRunCmd(o),
		newOutputCmd(o),
		newGraphCmd(o),
		newStateCmd(o),
		newRefreshCmd(o),
		newUnitCmd(o),
		newProbeCmd(o),
		newVersionCmd(),
	)
	return root, nil
}

// Execute runs the root command
func Execute(ctx context.Context) error {
	root, err := NewRootCommand()
	if err != nil {
		return err
	}
	return root.ExecuteContext(ctx)
}
