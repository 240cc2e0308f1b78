/**
 * SPDX-License-Identifier: Apache-2.0
 * Copyright 2020 vorteil.io Pty Ltd
 */
package main

import (
	"fmt"
	"path/filepath"

	"github.com/mitchellh/go-homedir"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vorteil/gridutil/pkg/elog"
)

var log elog.View

var (
	flagJSON     bool
	flagVerbose  bool
	flagDebug    bool
	flagTestMode bool
	flagMode     string
	flagTimeout  float32
	flagVerify   bool
)

func commandInit() {

	// setup logging across all commands
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVarP(&flagDebug, "debug", "d", false, "enable debug output")
	rootCmd.PersistentFlags().BoolVarP(&flagJSON, "json", "j", false, "enable json output")
	rootCmd.PersistentFlags().BoolVar(&flagTestMode, "test-mode", false, "use the test semaphore and shared memory keys")
	rootCmd.PersistentFlags().StringVar(&flagMode, "mode", "localhost", "topology mode: localhost, ag, tin, or cobalt")
	rootCmd.PersistentFlags().Float32VarP(&flagTimeout, "timeout", "t", 10.0, "gate lock timeout in seconds")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {

		logger := &elog.CLI{}

		if flagJSON {
			logger.DisableTTY = true
			logrus.SetFormatter(&logrus.JSONFormatter{})
		} else {
			logrus.SetFormatter(logger)
		}

		logrus.SetLevel(logrus.TraceLevel)

		if flagDebug {
			logger.IsDebug = true
			logger.IsVerbose = true
		} else if flagVerbose {
			logger.IsVerbose = true
		}

		log = logger
		return loadConfig(cmd)
	}

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(topologyCmd)
	rootCmd.AddCommand(acquireCmd)
	rootCmd.AddCommand(releaseCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(codecCmd)

	acquireCmd.Flags().BoolVar(&flagVerify, "verify", false, "cross-check every allocated core against all candidates")

	codecCmd.AddCommand(codecVerifyCmd)
	codecCmd.AddCommand(codecBenchCmd)

	addFrameFlags(codecVerifyCmd.Flags())
	addFrameFlags(codecBenchCmd.Flags())
	codecBenchCmd.Flags().StringVar(&flagPrecision, "precision", "h16", "pixel precision: uc8, h16, or f32")
}

// loadConfig reads ~/.gridutil/config.toml when present. Flags the
// user typed win over config values.
func loadConfig(cmd *cobra.Command) error {

	home, err := homedir.Dir()
	if err != nil {
		return nil // no home dir, no config
	}

	viper.SetConfigName("config")
	viper.SetConfigType("toml")
	viper.AddConfigPath(filepath.Join(home, ".gridutil"))
	viper.SetEnvPrefix("gridutil")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("could not read config: %v", err)
	}

	if viper.IsSet("timeout") && !cmd.Flags().Changed("timeout") {
		flagTimeout = float32(viper.GetFloat64("timeout"))
	}
	if viper.IsSet("test-mode") && !cmd.Flags().Changed("test-mode") {
		flagTestMode = viper.GetBool("test-mode")
	}
	if viper.IsSet("mode") && !cmd.Flags().Changed("mode") {
		flagMode = viper.GetString("mode")
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "gridutil",
	Short: "Distributed-rendering support tools",
	Long: `The gridutil command-line interface operates the shared CPU-affinity
ledger used by render and merge nodes and exercises the packed-tile
framebuffer codec.`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "View CLI version information",
	Long:  "View CLI version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		log.Printf("version: %s", release)
		log.Printf("commit: %s", commit)
		log.Printf("released: %s", date)
	},
}
