// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"
	"strings"

	"github.com/LeeDigitalWorks/zapingest/pkg/env"
	"github.com/LeeDigitalWorks/zapingest/pkg/logger"
	"github.com/LeeDigitalWorks/zapingest/pkg/utils"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "zapingest",
	Short: "ZapIngest - chunked video upload assembler",
	Long: `ZapIngest consumes chunk jobs from the upload queue, uploads each chunk as
a part of a remote multipart upload and completes the object once the last
chunk arrived. Finished uploads are recorded in the catalog and announced to
downstream consumers.`,
	PersistentPreRun: initializeLogging,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("log_level", "info", "Log level (debug, info, warn, error, fatal)")
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log_level"))
}

// initializeLogging applies the log level and switches to console output
// outside production.
func initializeLogging(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration("zapingest", false)

	level, err := zerolog.ParseLevel(strings.ToLower(viper.GetString("log_level")))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	logger.SetLevel(level)
	if env.IsLocal() {
		logger.UseConsole()
	}
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
