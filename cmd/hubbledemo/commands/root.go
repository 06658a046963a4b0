package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hubbledemo",
	Short: "Hubble demo - device key provisioning",
	Long: `Registers devices, patches their master key and time into board firmware,
and delivers it by debug probe or serial line.`,
	SilenceUsage: true,
}

func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/devices.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().String("work-dir", ".artifacts/work", "Directory for transient images")
	rootCmd.PersistentFlags().String("elf-file", "", "Use this local ELF instead of downloading one")
	rootCmd.PersistentFlags().String("elf-url-override", "", "Base URL (https:// or s3://bucket/prefix) for board images")
	rootCmd.PersistentFlags().String("registry-url", "", "Device registration service URL (empty: register locally)")
	rootCmd.PersistentFlags().String("jlink-path", "JLinkExe", "J-Link Commander binary")
	rootCmd.PersistentFlags().Bool("accept-unsecure", false, "Mass-erase protected targets before flashing")
	rootCmd.PersistentFlags().Int64("max-image-size", 16*1024*1024, "Max firmware image size in bytes")

	viper.BindPFlag("sqlite-path", rootCmd.PersistentFlags().Lookup("sqlite-path"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("elf-file", rootCmd.PersistentFlags().Lookup("elf-file"))
	viper.BindPFlag("elf-url-override", rootCmd.PersistentFlags().Lookup("elf-url-override"))
	viper.BindPFlag("registry-url", rootCmd.PersistentFlags().Lookup("registry-url"))
	viper.BindPFlag("jlink-path", rootCmd.PersistentFlags().Lookup("jlink-path"))
	viper.BindPFlag("accept-unsecure", rootCmd.PersistentFlags().Lookup("accept-unsecure"))
	viper.BindPFlag("max-image-size", rootCmd.PersistentFlags().Lookup("max-image-size"))
}
