package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/inference"
)

func newProbeCmd(o *options) *cobra.Command {
	var (
		address  string
		text     string
		version  string
		versions bool
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send a prediction to the published endpoint",
		Long: `Calls the inference service behind the unit's published endpoint. Without
--address the endpoint is read from the unit's state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if address == "" {
				_, st, err := o.readState(cmd)
				if err != nil {
					return err
				}
				ep := st.Endpoint()
				if ep == nil || ep.DNSName == "" {
					return fmt.Errorf("unit %s has no published endpoint", st.Unit)
				}
				address = ep.DNSName
			}

			ctx := cmd.Context()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			client := inference.NewClient(address)

			if versions {
				v, err := client.ModelVersions(ctx)
				if err != nil {
					return fmt.Errorf("failed to list model versions: %w", err)
				}
				fmt.Fprintf(out, "current:   %s\navailable: %v\n", v.Current, v.Available)
				return nil
			}

			p, err := client.Predict(ctx, inference.PredictRequest{Text: text, ModelVersion: version})
			if err != nil {
				return fmt.Errorf("prediction against %s failed: %w", client.BaseURL(), err)
			}
			fmt.Fprintf(out, "prediction:     %.4f\n", p.Prediction)
			fmt.Fprintf(out, "confidence:     %.4f\n", p.Confidence)
			fmt.Fprintf(out, "interpretation: %s\n", p.Interpretation)
			fmt.Fprintf(out, "model version:  %s\n", p.ModelVersion)
			return nil
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Endpoint address (defaults to the unit's published endpoint)")
	cmd.Flags().StringVar(&text, "text", "This product is great", "Text to classify")
	cmd.Flags().StringVar(&version, "model-version", "", "Model version to use")
	cmd.Flags().BoolVar(&versions, "versions", false, "List model versions instead of predicting")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")
	return cmd
}
