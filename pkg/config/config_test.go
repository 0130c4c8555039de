package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsEmptyConfig(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.env"))
	require.NoError(t, err)
	require.Equal(t, &Config{}, cfg)
}

func TestLoadParsesKnownKeysAndSkipsCommentsAndBlankLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	contents := "# comment\n\nDISCORD_BOT_TOKEN=abc123\nDISCORD_DEFAULT_GUILD=111\nDISCORD_DEFAULT_CHANNEL=222\nUNKNOWN_KEY=ignored\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "abc123", cfg.DiscordBotToken)
	require.Equal(t, "111", cfg.DefaultGuildID)
	require.Equal(t, "222", cfg.DefaultChannel)
}

func TestLoadURLDecodesValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("DISCORD_BOT_TOKEN=a%20b\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "a b", cfg.DiscordBotToken)
}
