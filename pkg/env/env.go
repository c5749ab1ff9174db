// Copyright 2025 ZapFS Authors
// SPDX-License-Identifier: Apache-2.0

package env

import (
	"strings"

	"github.com/spf13/viper"
)

const (
	Local      = "local"
	Production = "production"
	Testing    = "testing"
)

// Current returns the deployment environment named by ENV, defaulting to local.
func Current() string {
	switch e := strings.ToLower(viper.GetString("ENV")); e {
	case Production, Testing:
		return e
	default:
		return Local
	}
}

func IsLocal() bool {
	return Current() == Local
}
