package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestServeCommandFlags(t *testing.T) {
	t.Setenv("RELAY_ENV_FILE", "/etc/relay.env")
	root := newRootCmd()

	cmd, _, err := root.Find([]string{"serve"})
	require.NoError(t, err)
	require.Equal(t, "serve", cmd.Name())

	envFile, err := cmd.Flags().GetString("env-file")
	require.NoError(t, err)
	require.Equal(t, "/etc/relay.env", envFile)

	port, err := cmd.Flags().GetInt("port")
	require.NoError(t, err)
	require.Zero(t, port)

	alias, _, err := root.Find([]string{"start"})
	require.NoError(t, err)
	require.Equal(t, cmd, alias)
}
