// Package cmd implements the minefleetd command tree.
package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/bokiko/bloxos-sub000/pkg/config"
)

var (
	cfgFile string
	envFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "minefleetd",
	Short: "Mining fleet control and telemetry daemon",
	Long: `minefleetd manages a fleet of remote mining rigs: it polls hardware
telemetry over SSH, serves the push-mode agent protocol over WebSocket,
and issues control commands (start/stop miner, overclock, reboot).`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cfgFile == "" {
			cfgFile = config.FindConfigFile()
		}
		var err error
		cfg, err = config.Load(cfgFile, envFile)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		// Flags bound through viper win over file and environment.
		if level := viper.GetString("log.level"); level != "" {
			cfg.Log.Level = level
		}

		if cfg.Log.Format == "console" {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
		}
		cfg.Log.ConfigureZerolog()
		return nil
	},
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches minefleet.yaml locations)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file loaded before the environment")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace..panic)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
}
