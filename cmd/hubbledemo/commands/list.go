package commands

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hubblenetwork/hubbledemo/internal/config"
	"github.com/hubblenetwork/hubbledemo/pkg/db"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List provisioned devices and their status",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	// Ensure database directory exists
	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	devices, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(devices) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("%-38s %-16s %-14s %-7s %-12s %-18s %s\n", "DEVICE ID", "NAME", "BOARD", "METHOD", "STATUS", "ERROR", "UPDATED")
	fmt.Println("------------------------------------------------------------------------------------------------------------------------")

	for _, dev := range devices {
		errKind := dev.ErrorKind
		if errKind == "" {
			errKind = "-"
		}

		fmt.Printf("%-38s %-16s %-14s %-7s %-12s %-18s %s\n",
			dev.DeviceID, dev.Name, dev.Board, dev.Method, dev.Status, errKind, updatedAgo(dev.UpdatedAt))
	}

	return nil
}

// updatedAgo renders a stored timestamp relative to now, or as stored when it
// cannot be parsed.
func updatedAgo(ts string) string {
	for _, layout := range []string{time.RFC3339Nano, time.DateTime} {
		if t, err := time.Parse(layout, ts); err == nil {
			return humanize.Time(t)
		}
	}
	if ts == "" {
		return "-"
	}
	return ts
}
