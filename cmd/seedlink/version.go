package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/seedlink/internal/protocol"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "seedlink %s (%s)\n", version, commit)
			fmt.Fprintf(out, "  protocol:   %d\n", protocol.Version)
			fmt.Fprintf(out, "  go version: %s\n", runtime.Version())
		},
	}
}
