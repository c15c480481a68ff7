package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/syncmaven/syncmaven-sub000/pkg/connector/registry"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Syncmaven v%s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConnectorsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "connectors",
		Short: "List builtin connectors",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Builtin connectors (package builtin:<name>):")
			for _, name := range registry.ListBuiltins() {
				fmt.Fprintf(out, "  - %s\n", name)
			}
		},
	}
}
