package cmd

import (
	"log"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var dotCmd = &cobra.Command{
	Use:   "dot",
	Short: "Print a model's dependency graph in graphviz format",
	RunE: func(cmd *cobra.Command, args []string) error {
		return DotOutput(sp)
	},
}

// DotOutput reads a given model and outputs a graphviz description
func DotOutput(sp *startupParams) error {
	mod, err := sp.readModel(0)
	if err != nil {
		return err
	}

	target := sp.out
	if len(sp.traceFile) > 0 {
		sp.out.Printf("Writing graph to trace file %v\n", sp.traceFile)
		f, err := os.Create(sp.traceFile)
		if err != nil {
			return errors.Wrapf(err, "Could not create %s", sp.traceFile)
		}
		defer f.Close()
		target = log.New(f, "", 0)
	}

	// Start graph
	target.Printf("digraph %q {\n", mod.Name)

	// Parameters in evaluation order, then the observed data
	params := make(map[string]bool)
	for _, name := range mod.Order() {
		params[name] = true
		target.Printf("    %q;\n", name)
	}
	observed := make(map[string]bool)
	for _, e := range mod.Edges() {
		if !params[e[1]] && !observed[e[1]] {
			observed[e[1]] = true
			target.Printf("    %q [shape=box];\n", e[1])
		}
		target.Printf("    %q -> %q;\n", e[0], e[1])
	}

	// Finish graph
	target.Printf("}\n")
	return nil
}
