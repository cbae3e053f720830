package cli

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/engine"
)

func newApplyCmd(o *options) *cobra.Command {
	var (
		autoApprove bool
		props       map[string]string
	)
	cmd := &cobra.Command{
		Use:   "apply [path]",
		Short: "Converge a unit to its document",
		Long: `Plans the document against the unit's state and applies each changed node
in dependency order, waiting for it to converge before starting the next.
A failed apply keeps what converged; running apply again resumes from the
first node that did not.`,
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

			eng := o.newEngine(out)
			plan, err := eng.CreatePlan(ctx, doc, st)
			if err != nil {
				return fmt.Errorf("plan generation failed: %w", err)
			}
			if !plan.Summary.HasChanges() {
				fmt.Fprintln(out, "No changes. Unit is up-to-date.")
				return nil
			}

			fmt.Fprintln(out, "\ninferstack will perform the following actions:")
			o.renderPlanChanges(out, plan)
			renderPlanSummary(out, plan)

			if !autoApprove && !confirm(cmd.InOrStdin(), out, "\nDo you want to perform these actions? (y/n): ") {
				fmt.Fprintln(out, "Apply cancelled.")
				return nil
			}

			fmt.Fprintf(out, "\nApplying unit %s...\n", unit.Name)
			result, err := eng.Apply(ctx, unit, doc)
			if err != nil {
				return applyError(result, err)
			}

			fmt.Fprintf(out, "\nApply complete! %d node(s) converged.\n", len(result.Converged))
			if result.Endpoint != nil {
				fmt.Fprintf(out, "\nEndpoint: %s (%s)\n", result.Endpoint.DNSName, result.Endpoint.ReadyState)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&autoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	cmd.Flags().StringToStringVarP(&props, "prop", "D", nil, "Set external properties (format: key=value)")
	return cmd
}

func applyError(result *engine.Result, err error) error {
	if result == nil || result.ResumeFrom == "" {
		return fmt.Errorf("apply failed: %w", err)
	}
	hint := ""
	if result.Retryable {
		hint = "; the error is transient, run apply again to resume"
	}
	return fmt.Errorf("apply %s at %s after %d converged node(s)%s: %w",
		result.Status, result.ResumeFrom, len(result.Converged), hint, err)
}

func confirm(in io.Reader, out io.Writer, prompt string) bool {
	fmt.Fprint(out, prompt)
	scanner := bufio.NewScanner(in)
	if !scanner.Scan() {
		return false
	}
	response := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return response == "y" || response == "yes"
}
