package main

import (
	"fmt"

	"github.com/smudge-daq/smudge"
	"github.com/spf13/cobra"
)

var (
	cmdCal = &cobra.Command{
		Use:   "cal",
		Short: "Display, check, write, or reset a device calibration table",
		RunE:  runCal,
	}
)

var cal_serial string
var cal_write string
var cal_check string
var cal_reset bool

func init() {
	rootCmd.AddCommand(cmdCal)
	cmdCal.Flags().StringVarP(&cal_serial, "serial", "s", "", "Device serial number (default: first device)")
	cmdCal.Flags().StringVarP(&cal_write, "write", "w", "", "Fit a calibration from this file and program it")
	cmdCal.Flags().StringVarP(&cal_check, "check", "c", "", "Parse and validate a calibration file without touching hardware")
	cmdCal.Flags().BoolVarP(&cal_reset, "reset", "r", false, "Program the factory default calibration")
}

func runCal(ccmd *cobra.Command, args []string) error {
	if cal_check != "" {
		cal, err := smudge.LoadCalibrationFile(cal_check)
		if err != nil {
			return err
		}
		if err := cal.Validate(); err != nil {
			return err
		}
		fmt.Printf("%s: calibration file is usable\n", cal_check)
		return nil
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()
	d, err := pickDevice(s, cal_serial)
	if err != nil {
		return err
	}

	switch {
	case cal_reset:
		if err := d.WriteCalibration(""); err != nil {
			return err
		}
		fmt.Printf("%s: calibration reset to factory defaults\n", d.Serial())
	case cal_write != "":
		if err := d.WriteCalibration(cal_write); err != nil {
			return err
		}
		fmt.Printf("%s: calibration written from %s\n", d.Serial(), cal_write)
	default:
		printCalibration(d)
	}
	return nil
}

func printCalibration(d *smudge.Device) {
	fmt.Printf("%s calibration:\n", d.Serial())
	cal := d.Calibration()
	for i, e := range cal.Entries {
		fmt.Printf("  %-20s offset %+10.6f   gain+ %9.6f   gain- %9.6f\n",
			smudge.CalIndex(i), e.Offset, e.GainPos, e.GainNeg)
	}
}
