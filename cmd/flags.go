// Package cmd provides the zapingest CLI.
package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// FlagLoader reads a setting from the command line when the flag was set
// explicitly and from viper (env, config file, flag default) otherwise.
type FlagLoader struct {
	cmd *cobra.Command
}

func NewFlagLoader(cmd *cobra.Command) *FlagLoader {
	return &FlagLoader{cmd: cmd}
}

func load[T any](f *FlagLoader, name string, fromFlag func(string) (T, error), fromViper func(string) T) T {
	if f.cmd.Flags().Changed(name) {
		if v, err := fromFlag(name); err == nil {
			return v
		}
	}
	return fromViper(name)
}

func (f *FlagLoader) String(name string) string {
	return load(f, name, f.cmd.Flags().GetString, viper.GetString)
}

func (f *FlagLoader) Int(name string) int {
	return load(f, name, f.cmd.Flags().GetInt, viper.GetInt)
}

func (f *FlagLoader) Int64(name string) int64 {
	return load(f, name, f.cmd.Flags().GetInt64, viper.GetInt64)
}

func (f *FlagLoader) Float64(name string) float64 {
	return load(f, name, f.cmd.Flags().GetFloat64, viper.GetFloat64)
}

func (f *FlagLoader) Bool(name string) bool {
	return load(f, name, f.cmd.Flags().GetBool, viper.GetBool)
}

func (f *FlagLoader) Duration(name string) time.Duration {
	return load(f, name, f.cmd.Flags().GetDuration, viper.GetDuration)
}

func (f *FlagLoader) StringSlice(name string) []string {
	return load(f, name, f.cmd.Flags().GetStringSlice, viper.GetStringSlice)
}
