package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hubblenetwork/hubbledemo/pkg/flasher"
)

var boardsCmd = &cobra.Command{
	Use:   "boards",
	Short: "List supported boards and their J-Link device types",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("%-20s %-24s\n", "BOARD", "DEVICE")
		for _, b := range flasher.Boards() {
			fmt.Printf("%-20s %-24s\n", b.Name, b.Device)
		}
	},
}

func init() {
	rootCmd.AddCommand(boardsCmd)
}
