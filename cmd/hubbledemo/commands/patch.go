package commands

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/hubblenetwork/hubbledemo/pkg/elfpatch"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
	"github.com/hubblenetwork/hubbledemo/pkg/serial"
)

var (
	patchKeyFile   string
	patchTimestamp bool
)

var patchCmd = &cobra.Command{
	Use:   "patch <elf-file>",
	Short: "Patch a base64 key (and optionally the current time) into an ELF file in place",
	Args:  cobra.ExactArgs(1),
	RunE:  runPatch,
}

func init() {
	rootCmd.AddCommand(patchCmd)
	patchCmd.Flags().StringVarP(&patchKeyFile, "key", "k", "", "File containing the base64 encoded key")
	patchCmd.Flags().BoolVar(&patchTimestamp, "timestamp", false, "Also patch utc_time with the current time")
	patchCmd.MarkFlagRequired("key")
}

func runPatch(cmd *cobra.Command, args []string) error {
	path := args[0]

	encoded, err := os.ReadFile(patchKeyFile)
	if err != nil {
		return errors.Wrap(err, "failed to read key file")
	}
	key, err := serial.DecodeKey(strings.TrimSpace(string(encoded)), true)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		return errors.Wrap(err, "failed to stat image")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read image")
	}

	img := elfpatch.NewImage(data)
	if err := img.PatchSymbol(elfpatch.MasterKeySymbol, key); err != nil {
		return fmt.Errorf("%s: %w", errors.Kind(err), err)
	}
	fmt.Printf("Patched %s with %d bytes\n", elfpatch.MasterKeySymbol, len(key))

	if patchTimestamp {
		ms := uint64(time.Now().UnixMilli())
		if err := img.PatchTimestamp(elfpatch.UTCTimeSymbol, ms); err != nil {
			return fmt.Errorf("%s: %w", errors.Kind(err), err)
		}
		fmt.Printf("Patched %s with %d\n", elfpatch.UTCTimeSymbol, ms)
	}

	if err := os.WriteFile(path, img.Bytes(), info.Mode().Perm()); err != nil {
		return errors.Wrap(err, "failed to write image")
	}

	fmt.Println("Done.")
	return nil
}
