package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sbinet/npyio"
	"github.com/spf13/cobra"

	"github.com/smudge-daq/smudge"
	"github.com/smudge-daq/smudge/asyncbufio"
)

var (
	cmdStream = &cobra.Command{
		Use:   "stream",
		Short: "Stream measured samples from the first device to standard output",
		Long: `Stream prints one CSV line per sample: time, A voltage, A current, B voltage,
B current. Channel modes and sources are set before streaming begins; a source
only drives the output in SVMI or SIMV mode.`,
		RunE: runStream,
	}
)

var stream_samples int
var stream_amode, stream_bmode string
var stream_aconst, stream_bconst float64
var stream_asine, stream_bsine string
var stream_anpy, stream_bnpy string

func init() {
	rootCmd.AddCommand(cmdStream)
	cmdStream.Flags().IntVarP(&stream_samples, "samples", "n", 0, "Stop after this many samples (0 streams until interrupted)")
	cmdStream.Flags().StringVar(&stream_amode, "a-mode", "HI_Z", "Channel A mode (HI_Z, SVMI, SIMV, ...)")
	cmdStream.Flags().StringVar(&stream_bmode, "b-mode", "HI_Z", "Channel B mode (HI_Z, SVMI, SIMV, ...)")
	cmdStream.Flags().Float64Var(&stream_aconst, "a-constant", 0, "Channel A constant source value")
	cmdStream.Flags().Float64Var(&stream_bconst, "b-constant", 0, "Channel B constant source value")
	cmdStream.Flags().StringVar(&stream_asine, "a-sine", "", "Channel A sine source as mid,amp,period[,phase] (period in samples)")
	cmdStream.Flags().StringVar(&stream_bsine, "b-sine", "", "Channel B sine source as mid,amp,period[,phase] (period in samples)")
	cmdStream.Flags().StringVar(&stream_anpy, "a-npy", "", "Channel A source waveform from a .npy file, repeating")
	cmdStream.Flags().StringVar(&stream_bnpy, "b-npy", "", "Channel B source waveform from a .npy file, repeating")
}

func runStream(ccmd *cobra.Command, args []string) error {
	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	d, err := pickDevice(s, "")
	if err != nil {
		return err
	}
	aconst := ccmd.Flags().Changed("a-constant")
	bconst := ccmd.Flags().Changed("b-constant")
	if err := configureChannel(d.ChannelA(), stream_amode, stream_aconst, aconst, stream_asine, stream_anpy); err != nil {
		return err
	}
	if err := configureChannel(d.ChannelB(), stream_bmode, stream_bconst, bconst, stream_bsine, stream_bnpy); err != nil {
		return err
	}

	w := asyncbufio.NewWriter(os.Stdout, 4096, 250*time.Millisecond)
	defer w.Close()

	if err := s.Start(stream_samples); err != nil {
		return err
	}
	defer s.End()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	rate := d.SampleRate()
	total := 0
	for {
		select {
		case <-interrupt:
			return nil
		default:
		}
		chunk, err := d.Read(1000, 250*time.Millisecond)
		for i, smp := range chunk {
			t := float64(total+i) / rate
			line := fmt.Sprintf("%.6f,%.6f,%.6f,%.6f,%.6f\n",
				t, smp.AVoltage, smp.ACurrent, smp.BVoltage, smp.BCurrent)
			w.WriteString(line)
		}
		total += len(chunk)
		if err != nil {
			var flowErr *smudge.DataflowError
			if errors.As(err, &flowErr) {
				fmt.Fprintf(os.Stderr, "warning: %v\n", flowErr)
				continue
			}
			return err
		}
		if stream_samples > 0 && total >= stream_samples {
			return nil
		}
		if len(chunk) == 0 && !d.Streaming() {
			return nil
		}
	}
}

func configureChannel(ch *smudge.Channel, mode string, constant float64, constSet bool, sine, npyPath string) error {
	m, err := smudge.ParseMode(mode)
	if err != nil {
		return err
	}
	if err := ch.SetMode(m); err != nil {
		return err
	}
	switch {
	case npyPath != "":
		buf, err := readNpyWaveform(npyPath)
		if err != nil {
			return err
		}
		ch.Arbitrary(buf, true)
	case sine != "":
		mid, amp, period, phase, err := parseSineSpec(sine)
		if err != nil {
			return fmt.Errorf("channel %s: %v", ch.Name(), err)
		}
		ch.Sine(mid, amp, period, phase)
	case constSet:
		ch.Constant(float32(constant))
	}
	return nil
}

func parseSineSpec(spec string) (mid, amp float32, period, phase float64, err error) {
	parts := strings.Split(spec, ",")
	if len(parts) != 3 && len(parts) != 4 {
		return 0, 0, 0, 0, fmt.Errorf("sine spec %q should be mid,amp,period[,phase]", spec)
	}
	vals := make([]float64, len(parts))
	for i, p := range parts {
		v, perr := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if perr != nil {
			return 0, 0, 0, 0, fmt.Errorf("sine spec %q: %v", spec, perr)
		}
		vals[i] = v
	}
	mid, amp, period = float32(vals[0]), float32(vals[1]), vals[2]
	if len(vals) == 4 {
		phase = vals[3]
	}
	if period <= 0 {
		return 0, 0, 0, 0, fmt.Errorf("sine spec %q: period must be positive", spec)
	}
	return mid, amp, period, phase, nil
}

// readNpyWaveform loads a 1-D numpy array of float32 or float64 values.
func readNpyWaveform(path string) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var v32 []float32
	if err := npyio.Read(f, &v32); err == nil {
		return v32, nil
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	var v64 []float64
	if err := npyio.Read(f, &v64); err != nil {
		return nil, fmt.Errorf("cannot read %s as a float array: %v", path, err)
	}
	out := make([]float32, len(v64))
	for i, v := range v64 {
		out[i] = float32(v)
	}
	return out, nil
}
