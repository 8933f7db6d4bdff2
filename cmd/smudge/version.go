package main

import (
	"fmt"
	"runtime"

	"github.com/smudge-daq/smudge"
	"github.com/spf13/cobra"
)

var (
	cmdVersion = &cobra.Command{
		Use:   "version",
		Short: "Print version information and quit",
		RunE:  runVersion,
	}
)

func init() {
	rootCmd.AddCommand(cmdVersion)
}

func runVersion(ccmd *cobra.Command, args []string) error {
	fmt.Printf("This is smudge version %s\n", smudge.Build.Version)
	fmt.Printf("Git commit hash: %s\n", smudge.Build.Githash)
	fmt.Printf("Build time: %s\n", smudge.Build.Date)
	fmt.Printf("Built on go version %s\n", runtime.Version())
	fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
	return nil
}
