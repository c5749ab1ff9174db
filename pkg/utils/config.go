// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package utils

import (
	"errors"
	"os"
	"os/user"
	"path/filepath"
	"strings"

	"github.com/LeeDigitalWorks/zapingest/pkg/logger"

	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory string
)

// LoadConfiguration merges <name>.{toml,yaml,json} from the standard search
// paths into viper and enables environment overrides (s3.region -> S3_REGION).
func LoadConfiguration(configFileName string, required bool) bool {
	viper.SetConfigName(configFileName)
	viper.AddConfigPath(ResolvePath(ConfigurationFileDirectory))
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.zapingest")
	viper.AddConfigPath("/etc/zapingest/")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if required {
				logger.Fatal().Str("name", configFileName).Msg("config file not found")
			}
			logger.Info().Str("name", configFileName).Msg("config file not found, using flags and environment")
			return false
		}

		if required {
			logger.Fatal().Err(err).Str("name", configFileName).Msg("failed to load required config file")
		}
		logger.Warn().Err(err).Str("name", configFileName).Msg("failed to load config file")
		return false
	}
	logger.Info().Str("file", viper.ConfigFileUsed()).Msg("loaded config file")

	return true
}

// ResolvePath expands ~ and environment variables and makes path absolute.
func ResolvePath(path string) string {
	if path == "" {
		return "."
	}
	if path == "~" || strings.HasPrefix(path, "~/") {
		if usr, err := user.Current(); err == nil {
			path = filepath.Join(usr.HomeDir, strings.TrimPrefix(path, "~"))
		}
	}

	path = os.ExpandEnv(path)
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}
