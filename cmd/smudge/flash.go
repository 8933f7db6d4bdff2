package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	cmdFlash = &cobra.Command{
		Use:   "flash <image>",
		Short: "Write a firmware image (local file or URL) to devices",
		Args:  cobra.ExactArgs(1),
		RunE:  runFlash,
	}
)

var flash_serials []string

func init() {
	rootCmd.AddCommand(cmdFlash)
	cmdFlash.Flags().StringSliceVarP(&flash_serials, "serial", "s", nil, "Flash only these serial numbers (default: all devices)")
}

func runFlash(ccmd *cobra.Command, args []string) error {
	image, err := fetchImage(args[0])
	if err != nil {
		return err
	}

	s, err := openSession()
	if err != nil {
		return err
	}
	defer s.Close()

	if err := s.FlashFirmware(image, flash_serials...); err != nil {
		return err
	}
	fmt.Printf("wrote %d firmware bytes; devices will re-enumerate shortly\n", len(image))
	return nil
}

func fetchImage(source string) ([]byte, error) {
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		resp, err := http.Get(source)
		if err != nil {
			return nil, fmt.Errorf("cannot fetch firmware image: %v", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("cannot fetch firmware image: %s returned %s", source, resp.Status)
		}
		return io.ReadAll(resp.Body)
	}
	return os.ReadFile(source)
}
