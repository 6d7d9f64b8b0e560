package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
}

func TestNewApp_RejectsBadConfig(t *testing.T) {
	t.Setenv("PATTERND_SERVER_PORT", "99999")
	_, err := newApp("")
	assert.Error(t, err)
}
