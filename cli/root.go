package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Execute runs the storystudio command line
func Execute() {
	root := &cobra.Command{
		Use:          "storystudio",
		Short:        "Render storyboard scenes into a narrated video",
		SilenceUsage: true,
	}

	root.SetOut(os.Stdout)
	root.SetErr(os.Stderr)
	root.SilenceErrors = true

	root.AddCommand(newServeCommand(), newExportCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
