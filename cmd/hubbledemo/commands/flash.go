package commands

import (
	"github.com/spf13/cobra"

	"github.com/hubblenetwork/hubbledemo/pkg/db"
	appfsm "github.com/hubblenetwork/hubbledemo/pkg/fsm"
)

var flashName string

var flashCmd = &cobra.Command{
	Use:   "flash <board>",
	Short: "Register a device, patch its key into the board image, and flash it",
	Args:  cobra.ExactArgs(1),
	RunE:  runFlash,
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&flashName, "name", "n", "", "Device name to register (default: board name)")
}

func runFlash(cmd *cobra.Command, args []string) error {
	board := args[0]
	name := flashName
	if name == "" {
		name = board
	}

	return runPipeline(cmd.Context(), &appfsm.ProvisionRequest{
		Name:   name,
		Board:  board,
		Method: db.MethodFlash,
	})
}
