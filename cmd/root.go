// Package cmd implements the tiflis-hub command line interface.
package cmd

import "github.com/spf13/cobra"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "tiflis-hub",
		Short:        "Session hub bridging coding agents and terminals to your devices",
		Long:         "tiflis-hub runs on a workstation and exposes coding agents, terminal sessions, and a shared supervisor over a single WebSocket endpoint, so phones, tablets, and desktops can drive the same sessions and stay in sync.",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
