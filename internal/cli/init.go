package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/eval"
)

func newInitCmd(o *options) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Initialize a new inferstack project",
		Long: `Writes a starter document describing a complete inference service: network,
cluster, capacity pool, image, service deployment, both scaling policies and
the published endpoint.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) > 0 {
				dir = args[0]
			}
			return runInit(cmd, o, dir, format)
		},
	}
	cmd.Flags().StringVar(&format, "format", "pkl", "Document format (pkl, yaml)")
	return cmd
}

func runInit(cmd *cobra.Command, o *options, dir, format string) error {
	out := cmd.OutOrStdout()
	name, content, err := eval.DefaultDocument(format)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(o.stateDir(dir), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(out, "%s already exists, leaving it untouched\n", path)
	} else if os.IsNotExist(err) {
		if err := os.WriteFile(path, content, 0644); err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		fmt.Fprintf(out, "Created %s\n", path)
	} else {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	fmt.Fprintln(out, "\ninferstack initialized successfully!")
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintf(out, "  1. Edit %s to size the pool and the service\n", name)
	fmt.Fprintln(out, "  2. Run 'inferstack plan' to see what will be created")
	fmt.Fprintln(out, "  3. Run 'inferstack run' to provision and keep it scaled")
	return nil
}
