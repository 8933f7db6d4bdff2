package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/smudge-daq/smudge"
	"github.com/spf13/cobra"
)

var (
	cmdHotplug = &cobra.Command{
		Use:   "hotplug",
		Short: "Report device attach and detach events until interrupted",
		RunE:  runHotplug,
	}
)

func init() {
	rootCmd.AddCommand(cmdHotplug)
}

func runHotplug(ccmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	s.OnAttach(func(d *smudge.Device) {
		fmt.Printf("attached: %s (firmware %s, hardware %s)\n",
			d.Serial(), d.FirmwareVersion(), d.HardwareVersion())
	})
	s.OnDetach(func(serial string) {
		fmt.Printf("detached: %s\n", serial)
	})

	for _, d := range s.Devices() {
		fmt.Printf("present: %s (firmware %s, hardware %s)\n",
			d.Serial(), d.FirmwareVersion(), d.HardwareVersion())
	}
	fmt.Println("Watching for hotplug events; interrupt to quit.")

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	<-interrupt
	return nil
}
