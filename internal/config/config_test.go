package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupInstance(t *testing.T, name string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, name), 0o755))
	t.Setenv("EAST_INSTANCES_DIR", dir)
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GEMINI_API_KEY_1", "")
	t.Setenv("GEMINI_API_KEY_2", "")
	t.Setenv("GEMINI_API_KEY_3", "")
	return dir
}

func TestLoadDefaults(t *testing.T) {
	dir := setupInstance(t, "mio")
	t.Setenv("GEMINI_API_KEY_2", "key-two")
	t.Setenv("GEMINI_API_KEY", "key-zero")

	cfg, err := Load("mio")
	require.NoError(t, err)

	assert.Equal(t, []string{"key-zero", "key-two"}, cfg.APIKeys())
	assert.Equal(t, []string{"gemini-2.5-pro", "gemini-2.5-flash", "gemini-2.5-flash-lite"}, cfg.PrimaryModels)
	assert.Equal(t, "gemini-2.0-flash", cfg.AnalysisModel)
	assert.Equal(t, 120*time.Second, cfg.APITimeout)
	assert.Equal(t, 50, cfg.MaxHistory)
	assert.Equal(t, "!", cfg.CommandPrefix)
	assert.Equal(t, map[string]int{"normal": 47, "fun": 48, "fear": 49, "wisper": 50}, cfg.VoicevoxStyles)
	assert.Equal(t, 50, cfg.VoicevoxDefaultStyle)
	assert.InDelta(t, 1.0, cfg.VoicevoxSpeed, 1e-9)
	assert.Equal(t, 500*time.Millisecond, cfg.ChunkPause)
	assert.Equal(t, "Asia/Tokyo", cfg.Location().String())

	assert.Equal(t, filepath.Join(dir, "mio", "persona.txt"), cfg.Paths.Persona)
	assert.Equal(t, filepath.Join(dir, "mio", "data", "unread_messages.json"), cfg.Paths.Unread)

	info, err := os.Stat(cfg.Paths.DataDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestLoadOverrides(t *testing.T) {
	setupInstance(t, "mio")
	t.Setenv("GEMINI_API_KEY_1", "k1")
	t.Setenv("EAST_PRIMARY_MODELS", "m1,m2")
	t.Setenv("EAST_API_TIMEOUT", "5s")
	t.Setenv("VOICEVOX_STYLES", "normal:1")

	cfg, err := Load("mio")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, cfg.PrimaryModels)
	assert.Equal(t, 5*time.Second, cfg.APITimeout)
	assert.Equal(t, map[string]int{"normal": 1}, cfg.VoicevoxStyles)
}

func TestLoadErrors(t *testing.T) {
	setupInstance(t, "mio")

	_, err := Load("mio")
	assert.ErrorIs(t, err, ErrNoAPIKey)

	t.Setenv("GEMINI_API_KEY", "k")
	_, err = Load("ghost")
	assert.ErrorIs(t, err, ErrMissingInstance)

	t.Setenv("EAST_TIMEZONE", "Mars/Olympus")
	_, err = Load("mio")
	assert.Error(t, err)
}

func TestToken(t *testing.T) {
	assert.Equal(t, "DISCORD_TOKEN_MIO", TokenEnvVar("Mio"))

	t.Setenv("DISCORD_TOKEN_MIO", "")
	_, err := Token("mio")
	assert.ErrorIs(t, err, ErrMissingToken)

	t.Setenv("DISCORD_TOKEN_MIO", "secret")
	tok, err := Token("mio")
	require.NoError(t, err)
	assert.Equal(t, "secret", tok)
}

func TestLoadDotenvMissingFileIsFine(t *testing.T) {
	assert.NoError(t, LoadDotenv(filepath.Join(t.TempDir(), ".env")))
}
