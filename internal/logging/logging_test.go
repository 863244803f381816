package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// These tests mutate the global logger and must not run in parallel.

func TestSetupLevels(t *testing.T) {
	var buf bytes.Buffer

	closer, err := Setup(Options{Console: &buf})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, zerolog.InfoLevel, zerolog.GlobalLevel())

	log.Debug().Msg("hidden")
	log.Info().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")

	closer, err = Setup(Options{Console: &buf, Debug: true})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestSetupFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "kmnet.log")

	closer, err := Setup(Options{Console: &buf, File: path})
	require.NoError(t, err)
	log.Info().Str("host", "192.168.2.188").Msg("session connected")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"host":"192.168.2.188"`)
	assert.Contains(t, string(data), `"message":"session connected"`)
}
