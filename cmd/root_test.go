package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["validate-config"])
}

func TestRootCommandDefaultsFlags(t *testing.T) {
	require.Equal(t, defaultConfigFile, configFile)
	require.Equal(t, "0.0.0.0", host)
	require.Equal(t, 8080, port)
}
