package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BAKEPLAN_CONFIG", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, time.Second, cfg.AutosaveDelay)
	assert.Equal(t, 12*time.Hour, cfg.AccessTTL)
	assert.Equal(t, "bakeplan-uploads", cfg.MinioBucket)
	assert.Equal(t, int64(1024), cfg.AIMaxTokens)
	assert.Equal(t, "./data/history", cfg.HistoryDir)
	assert.Equal(t, "587", cfg.SMTPPort)
	assert.Empty(t, cfg.SMTPHost)
	assert.Equal(t, "http://localhost:5173", cfg.PublicURL)
}

func TestLoadEmptyEnvDisablesHistory(t *testing.T) {
	t.Setenv("BAKEPLAN_CONFIG", "")
	t.Setenv("BAKEPLAN_HISTORY_DIR", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Empty(t, cfg.HistoryDir)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bakeplan.yaml")
	require.NoError(t, os.WriteFile(path, []byte("API_ADDR: \":9000\"\nMINIO_BUCKET: from-file\nBAKEPLAN_AUTOSAVE_DELAY_MS: 250\n"), 0o600))
	t.Setenv("BAKEPLAN_CONFIG", path)
	t.Setenv("MINIO_BUCKET", "from-env")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, "from-env", cfg.MinioBucket)
	assert.Equal(t, 250*time.Millisecond, cfg.AutosaveDelay)
}

func TestLoadRejectsNonPositiveDelay(t *testing.T) {
	t.Setenv("BAKEPLAN_CONFIG", "")
	t.Setenv("BAKEPLAN_AUTOSAVE_DELAY_MS", "0")

	_, err := Load()
	assert.Error(t, err)
}
