package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/picklr-io/inferstack/internal/engine"
	"github.com/picklr-io/inferstack/internal/ir"
)

func newGraphCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "graph [path]",
		Short: "Output the dependency graph in DOT format",
		Long: `Generates a visual representation of the resource dependency graph
in Graphviz DOT format. Pipe the output to 'dot' to generate an image:

  inferstack graph | dot -Tpng > graph.png`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, _, err := o.loadDocument(cmd.Context(), args, nil)
			if err != nil {
				return err
			}
			return writeDOT(cmd.OutOrStdout(), doc)
		},
	}
}

// writeDOT prints the graph of doc with one edge from each node to every
// node it depends on, explicit or through a reference.
func writeDOT(out io.Writer, doc *ir.Config) error {
	dag, err := engine.BuildDAG(doc.Resources)
	if err != nil {
		return fmt.Errorf("failed to build graph: %w", err)
	}

	fmt.Fprintf(out, "digraph %q {\n", unitOf(doc))
	fmt.Fprintln(out, "  rankdir = \"BT\";")
	fmt.Fprintln(out, "  node [shape = rect];")
	fmt.Fprintln(out)

	order := dag.CreationOrder()
	for _, addr := range order {
		fmt.Fprintf(out, "  %q [label = %q];\n", addr, fmt.Sprintf("%s (%s)", addr, doc.Lookup(addr).Kind))
	}
	fmt.Fprintln(out)

	for _, addr := range order {
		for _, dep := range dag.Dependencies(addr) {
			fmt.Fprintf(out, "  %q -> %q;\n", addr, dep)
		}
	}
	fmt.Fprintln(out, "}")
	return nil
}
