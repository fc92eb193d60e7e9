// Package cli wires the agent into its command-line entrypoints.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Populated by the release pipeline via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
)

// NewRootCommand builds the ecowatt command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "ecowatt",
		Short:         "EcoWatt solar-inverter telemetry agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCommand())
	root.AddCommand(newDecodeCommand())
	root.AddCommand(newVersionCommand())
	return root
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ecowatt %s (%s)\n", Version, Commit)
		},
	}
}
