package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pronto.json")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 8765, cfg.Gateway.Port)
	assert.Equal(t, "ollama", cfg.Model.Provider)
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pronto.json")

	content := `{
		"data_dir": "` + tmpDir + `",
		"gateway": {"port": 9000},
		"turn": {"tool_budget": 3},
		"model": {"provider": "ollama", "model": "mistral"}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Gateway.Port)
	assert.Equal(t, 3, cfg.Turn.ToolBudget)
	assert.Equal(t, "mistral", cfg.Model.Model)
	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Session.IdleTTLMinutes)
}

func TestLoadDerivesPathsFromDataDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pronto.json")

	content := `{"data_dir": "` + tmpDir + `"}`
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(tmpDir, "pronto.log"), cfg.Logging.File)
	assert.Equal(t, filepath.Join(tmpDir, "docs"), cfg.Retrieval.CorpusDir)
	assert.Equal(t, filepath.Join(tmpDir, "orders.jsonl"), cfg.Orders.FilePath)
}

func TestLoadInvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "pronto.json")

	require.NoError(t, os.WriteFile(configPath, []byte(`{not json`), 0644))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestSaveAndReload(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "pronto.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Gateway.Port = 9100
	cfg.Model.Model = "llama3.1"

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	reloaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, 9100, reloaded.Gateway.Port)
	assert.Equal(t, "llama3.1", reloaded.Model.Model)
}

func TestGetConfigPath(t *testing.T) {
	loader := NewLoader("/tmp/custom.json")
	assert.Equal(t, "/tmp/custom.json", loader.GetConfigPath())

	loader = NewLoader("")
	assert.Contains(t, loader.GetConfigPath(), ".pronto")
}
