package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hubblenetwork/hubbledemo/pkg/db"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/flasher"
	appfsm "github.com/hubblenetwork/hubbledemo/pkg/fsm"
	"github.com/hubblenetwork/hubbledemo/pkg/serial"
)

var (
	provisionPort       string
	provisionDeviceType string
	provisionName       string
	provisionKey        string
	provisionBase64     bool
)

var provisionCmd = &cobra.Command{
	Use:   "provision <board>",
	Short: "Send a device key and the current time to a board over serial",
	Long: `Resets the board through the debug probe, then writes the key and the
current UTC time to its serial port.

Without --key a new device is registered and its key is sent. With --key the
given key is sent as-is and nothing is registered or recorded.`,
	Args: cobra.ExactArgs(1),
	RunE: runProvision,
}

func init() {
	rootCmd.AddCommand(provisionCmd)
	provisionCmd.Flags().StringVarP(&provisionPort, "port", "p", "", "Serial port connected to the device")
	provisionCmd.Flags().StringVarP(&provisionDeviceType, "device-type", "d", "", "J-Link device type (default: from board)")
	provisionCmd.Flags().StringVarP(&provisionName, "name", "n", "", "Device name to register (default: board name)")
	provisionCmd.Flags().StringVarP(&provisionKey, "key", "k", "", "Send this key instead of registering a device")
	provisionCmd.Flags().BoolVarP(&provisionBase64, "base64", "b", false, "The --key value is base64 encoded")
	provisionCmd.MarkFlagRequired("port")
}

func runProvision(cmd *cobra.Command, args []string) error {
	board := args[0]

	if provisionKey == "" {
		name := provisionName
		if name == "" {
			name = board
		}
		return runPipeline(cmd.Context(), &appfsm.ProvisionRequest{
			Name:       name,
			Board:      board,
			Method:     db.MethodSerial,
			Port:       provisionPort,
			DeviceType: provisionDeviceType,
		})
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	key, err := serial.DecodeKey(provisionKey, provisionBase64)
	if err != nil {
		return err
	}

	deviceType := provisionDeviceType
	if deviceType == "" {
		if deviceType, err = flasher.DeviceFor(board); err != nil {
			return err
		}
	}

	if err := newProvisioner(cfg).Provision(cmd.Context(), key, provisionPort, deviceType); err != nil {
		return fmt.Errorf("%s: %w", errors.Kind(err), err)
	}

	fmt.Printf("Key provisioned to %s on %s\n", board, provisionPort)
	return nil
}
