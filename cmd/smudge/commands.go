package main

import (
	"fmt"

	"github.com/smudge-daq/smudge"
	"github.com/smudge-daq/smudge/usb"
	"github.com/spf13/cobra"
)

var (
	rootCmd = &cobra.Command{
		Use:           "smudge",
		Short:         "smudge source-measure-unit engine.",
		Long:          ``,
		SilenceErrors: true,
		SilenceUsage:  true,
	}
)

var use_sim bool
var sim_devices int

func init() {
	rootCmd.PersistentFlags().BoolVar(&use_sim, "sim", false, "Use simulated devices instead of real hardware")
	rootCmd.PersistentFlags().IntVar(&sim_devices, "sim-devices", 1, "Number of simulated devices with --sim")
	rootCmd.PersistentPreRunE = func(ccmd *cobra.Command, args []string) error {
		if ccmd.Name() == "version" {
			return nil
		}
		if err := setupLogging(); err != nil {
			return err
		}
		return setupViper()
	}
}

func Execute() error {
	return rootCmd.Execute()
}

// openSession builds a Session from the configuration file and command-line flags.
func openSession() (*smudge.Session, error) {
	cfg, err := smudge.LoadSessionConfig()
	if err != nil {
		return nil, err
	}
	var bus usb.Bus
	if use_sim {
		sim := usb.NewSimBus()
		for i := 0; i < sim_devices; i++ {
			sim.AddDevice(fmt.Sprintf("sim-%04d", i+1))
		}
		bus = sim
	}
	return smudge.NewSession(cfg, bus)
}

// pickDevice returns the device with the given serial, or the first device when
// serial is empty.
func pickDevice(s *smudge.Session, serial string) (*smudge.Device, error) {
	if serial == "" {
		devs := s.Devices()
		if len(devs) == 0 {
			return nil, fmt.Errorf("no devices found")
		}
		return devs[0], nil
	}
	d, ok := s.Device(serial)
	if !ok {
		return nil, fmt.Errorf("device %s is not attached", serial)
	}
	return d, nil
}
