package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hubblenetwork/hubbledemo/internal/config"
	"github.com/hubblenetwork/hubbledemo/pkg/db"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

var (
	cleanupAll      bool
	cleanupDevice   string
	cleanupOrphaned bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Clean up work files left by provisioning runs",
	Long: `Clean up images left in the work directory:
  --all              Clean work files for all devices
  --device <id>      Clean work files for a specific device
  --orphaned         Remove work files not tracked in the database`,
	RunE: runCleanup,
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
	cleanupCmd.Flags().BoolVar(&cleanupAll, "all", false, "Clean all devices")
	cleanupCmd.Flags().StringVar(&cleanupDevice, "device", "", "Clean a specific device by ID")
	cleanupCmd.Flags().BoolVar(&cleanupOrphaned, "orphaned", false, "Clean orphaned work files")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}

	if err := ensureDirectories(cfg.SQLitePath, "", ""); err != nil {
		return err
	}

	repo, err := db.NewRepository(cfg.SQLitePath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer repo.Close()

	switch {
	case cleanupAll:
		return cleanupAllDevices(repo, cfg)
	case cleanupDevice != "":
		return cleanupSpecificDevice(repo, cfg, cleanupDevice)
	case cleanupOrphaned:
		return cleanupOrphanedFiles(repo, cfg)
	default:
		return fmt.Errorf("must specify --all, --device, or --orphaned")
	}
}

func cleanupAllDevices(repo *db.Repository, cfg *config.Config) error {
	devices, err := repo.List()
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	fmt.Printf("Cleaning up %d devices...\n", len(devices))

	for _, dev := range devices {
		if err := cleanupDeviceFiles(repo, cfg, dev); err != nil {
			fmt.Printf("Failed to clean %s: %v\n", dev.DeviceID, err)
		} else {
			fmt.Printf("Cleaned: %s\n", dev.DeviceID)
		}
	}

	return nil
}

func cleanupSpecificDevice(repo *db.Repository, cfg *config.Config, deviceID string) error {
	dev, err := repo.GetByDeviceID(deviceID)
	if err != nil {
		return errors.Wrap(err, "device lookup failed")
	}
	if dev == nil {
		return fmt.Errorf("%w: device %s", errors.ErrNotFound, deviceID)
	}

	if err := cleanupDeviceFiles(repo, cfg, dev); err != nil {
		return errors.Wrap(err, "cleanup failed")
	}

	fmt.Printf("Cleaned: %s\n", deviceID)
	return nil
}

// cleanupDeviceFiles removes the fetched and patched images of one device.
// Provisioned records keep their status.
func cleanupDeviceFiles(repo *db.Repository, cfg *config.Config, dev *db.Device) error {
	paths, err := filepath.Glob(filepath.Join(cfg.WorkDir, "images", dev.DeviceID+"*.elf"))
	if err != nil {
		return errors.Wrap(err, "bad work file pattern")
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return errors.Wrap(err, "failed to remove work file")
		}
	}

	if dev.Status == db.StatusProvisioned || dev.Status == db.StatusCleaned {
		return nil
	}

	dev.Status = db.StatusCleaned
	if err := repo.Update(dev); err != nil {
		return errors.Wrap(err, "failed to update database")
	}
	return nil
}

func cleanupOrphanedFiles(repo *db.Repository, cfg *config.Config) error {
	fmt.Println("Scanning for orphaned work files...")

	orphanCount := 0

	imageDir := filepath.Join(cfg.WorkDir, "images")
	entries, err := os.ReadDir(imageDir)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "failed to read work directory")
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		deviceID := strings.TrimSuffix(strings.TrimSuffix(entry.Name(), ".elf"), ".patched")
		dev, err := repo.GetByDeviceID(deviceID)
		if err != nil {
			return errors.Wrap(err, "device lookup failed")
		}
		if dev != nil {
			continue
		}

		if err := os.Remove(filepath.Join(imageDir, entry.Name())); err != nil {
			fmt.Printf("Failed to remove orphaned file %s: %v\n", entry.Name(), err)
		} else {
			fmt.Printf("Removed orphaned file: %s\n", entry.Name())
			orphanCount++
		}
	}

	fmt.Printf("Removed %d orphaned work files\n", orphanCount)
	return nil
}
