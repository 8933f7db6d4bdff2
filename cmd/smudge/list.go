package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	cmdList = &cobra.Command{
		Use:   "list",
		Short: "List attached devices",
		RunE:  runList,
	}
)

func init() {
	rootCmd.AddCommand(cmdList)
}

func runList(ccmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	devs := s.Devices()
	if len(devs) == 0 {
		fmt.Println("No devices found.")
		return nil
	}
	for _, d := range devs {
		fmt.Printf("%s: firmware %s, hardware %s, %.0f samples/s\n",
			d.Serial(), d.FirmwareVersion(), d.HardwareVersion(), d.SampleRate())
	}
	return nil
}
