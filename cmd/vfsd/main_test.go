package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootRegistersExpectedFlags(t *testing.T) {
	flags := Root.PersistentFlags()
	for _, name := range []string{"config", "listen-addr", "helper-addr", "read-only", "debug-fuse", "json-logs", "log-level"} {
		require.NotNil(t, flags.Lookup(name), "expected --%s to be registered", name)
	}
}

func TestRunFailsOnMissingConfig(t *testing.T) {
	Root.SetArgs([]string{"--config", "/nonexistent/vfsd-config.yaml"})
	err := Root.Execute()
	require.Error(t, err)
}
