package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/logging"
	"github.com/abdelfatah-ashour/capacitor-audio-engine-sub001/internal/recorder"
)

// NewDevicesCmd builds the devices subcommand listing capture devices.
func NewDevicesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List available capture devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			logger := logging.New(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
			mr, err := recorder.NewMalgoRecorder("", logger)
			if err != nil {
				return fmt.Errorf("failed to initialize capture backend: %w", err)
			}
			defer mr.Close()

			devices, err := mr.ListDevices()
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("no capture devices found")
				return nil
			}

			for _, d := range devices {
				marker := " "
				if d.IsDefault {
					marker = "*"
				}
				fmt.Printf("%s %s  %s\n", marker, d.ID, d.Name)
			}
			return nil
		},
	}
}
