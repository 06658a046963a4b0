package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Report whether a J-Link debug probe is attached",
	RunE:  runProbe,
}

func init() {
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !newFlasher(cfg).ProbeAvailable(cmd.Context()) {
		return fmt.Errorf("no debug probe attached (using %s)", cfg.JLinkPath)
	}

	fmt.Println("Debug probe attached")
	return nil
}
