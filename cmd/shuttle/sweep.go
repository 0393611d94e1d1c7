package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/framewright/shuttle/internal/engine"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep <dir>",
	Short: "Remove leftover staging files",
	Long: `Remove staging files left behind by interrupted transfers.

Transfers stage content in hidden temporary files next to their targets and
publish with an atomic rename. A crash or kill can strand those files; sweep
walks the directory tree and deletes any it finds. Live staging files only
exist while a shuttle process is running against the tree, so run sweep when
none is.`,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runSweep,
}

func runSweep(_ *cobra.Command, args []string) error {
	root := args[0]

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("sweep root %q: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("sweep root %q is not a directory", root)
	}

	n, err := engine.Sweep(root)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "removed %d staging files\n", n)
	return nil
}
