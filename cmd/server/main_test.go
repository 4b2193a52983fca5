package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_MigrateTree(t *testing.T) {
	root := rootCommand()

	cmd, args, err := root.Find([]string{"migrate", "down", "--steps", "3"})
	require.NoError(t, err)
	assert.Equal(t, "down", cmd.Name())
	require.NoError(t, cmd.ParseFlags(args))
	steps, err := cmd.Flags().GetInt("steps")
	require.NoError(t, err)
	assert.Equal(t, 3, steps)

	cmd, _, err = root.Find([]string{"migrate", "version"})
	require.NoError(t, err)
	assert.Equal(t, "status", cmd.Name())

	cmd, _, err = root.Find([]string{"migrate", "up"})
	require.NoError(t, err)
	assert.Equal(t, "up", cmd.Name())
}

func TestMigrateDown_DefaultsToOneStep(t *testing.T) {
	cmd, _, err := rootCommand().Find([]string{"migrate", "down"})
	require.NoError(t, err)
	steps, err := cmd.Flags().GetInt("steps")
	require.NoError(t, err)
	assert.Equal(t, 1, steps)
}
