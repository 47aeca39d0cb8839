package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	json "github.com/goccy/go-json"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("chatty"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("server", Options{Level: "debug", Format: FormatJSON, Out: &buf})
	log.Debug().Str("channel", "lobby").Msg("joined")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "server", entry["component"])
	assert.Equal(t, "lobby", entry["channel"])
	assert.Equal(t, "joined", entry["message"])
}

func TestLevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := New("client", Options{Level: "warn", Format: FormatJSON, Out: &buf})
	log.Info().Msg("hidden")
	assert.Empty(t, buf.String())
}

func TestFromEnv(t *testing.T) {
	t.Setenv(EnvLevel, "error")
	t.Setenv(EnvFormat, "json")
	t.Setenv(EnvNoColor, "true")

	opts := FromEnv(Options{Level: "info", Format: FormatConsole})
	assert.Equal(t, "error", opts.Level)
	assert.Equal(t, "json", opts.Format)
	assert.True(t, opts.NoColor)
}
