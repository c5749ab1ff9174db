package cmd

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagLoader_Precedence(t *testing.T) {
	c := &cobra.Command{Use: "test"}
	c.Flags().String("flagtest.region", "us-east-1", "")
	c.Flags().Duration("flagtest.timeout", time.Minute, "")
	c.Flags().StringSlice("flagtest.brokers", nil, "")
	c.Flags().Float64("flagtest.rate", 0, "")

	viper.Set("flagtest.region", "eu-west-1")
	viper.Set("flagtest.timeout", "30s")
	viper.Set("flagtest.brokers", []string{"k1:9092"})
	viper.Set("flagtest.rate", 2.5)

	f := NewFlagLoader(c)

	// Unset flags fall back to viper.
	assert.Equal(t, "eu-west-1", f.String("flagtest.region"))
	assert.Equal(t, 30*time.Second, f.Duration("flagtest.timeout"))
	assert.Equal(t, []string{"k1:9092"}, f.StringSlice("flagtest.brokers"))
	assert.InDelta(t, 2.5, f.Float64("flagtest.rate"), 0.001)

	require.NoError(t, c.Flags().Set("flagtest.region", "ap-south-1"))
	require.NoError(t, c.Flags().Set("flagtest.timeout", "5s"))
	assert.Equal(t, "ap-south-1", f.String("flagtest.region"))
	assert.Equal(t, 5*time.Second, f.Duration("flagtest.timeout"))
}
