package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigDir(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for name, contents := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(contents), 0644))
	}
	return dir
}

func TestNewConfig(t *testing.T) {
	t.Run("merges listed files in order", func(t *testing.T) {
		dir := writeConfigDir(t, map[string]string{
			"meta.yaml": "files:\n  - base.yaml\n  - local.yaml\n",
			"base.yaml": "logging:\n  level: info\nlspmux:\n  clientQueueSize: 64\n",
			"local.yaml": "logging:\n  level: debug\n",
		})
		t.Setenv("LSPMUX_CONFIG_DIR", dir)

		provider, err := NewConfig()
		require.NoError(t, err)

		// Later files override earlier ones; untouched keys survive.
		assert.Equal(t, "debug", provider.Get("logging.level").String())
		var queueSize int
		require.NoError(t, provider.Get("lspmux.clientQueueSize").Populate(&queueSize))
		assert.Equal(t, 64, queueSize)
	})

	t.Run("listed files are optional", func(t *testing.T) {
		dir := writeConfigDir(t, map[string]string{
			"meta.yaml": "files:\n  - base.yaml\n  - local.yaml\n",
			"base.yaml": "logging:\n  level: info\n",
		})
		t.Setenv("LSPMUX_CONFIG_DIR", dir)

		provider, err := NewConfig()
		require.NoError(t, err)
		assert.Equal(t, "info", provider.Get("logging.level").String())
	})

	t.Run("expands environment variables", func(t *testing.T) {
		dir := writeConfigDir(t, map[string]string{
			"meta.yaml": "files:\n  - base.yaml\n",
			"base.yaml": "serverInfoFilePath: ${LSPMUX_TEST_HOME}/info.json\n",
		})
		t.Setenv("LSPMUX_CONFIG_DIR", dir)
		t.Setenv("LSPMUX_TEST_HOME", "/home/tester")

		provider, err := NewConfig()
		require.NoError(t, err)
		assert.Equal(t, "/home/tester/info.json", provider.Get("serverInfoFilePath").String())
	})

	t.Run("fails when no listed file exists", func(t *testing.T) {
		dir := writeConfigDir(t, map[string]string{
			"meta.yaml": "files:\n  - base.yaml\n",
		})
		t.Setenv("LSPMUX_CONFIG_DIR", dir)

		_, err := NewConfig()
		assert.Error(t, err)
	})

	t.Run("fails when config directory doesn't exist", func(t *testing.T) {
		t.Setenv("LSPMUX_CONFIG_DIR", "/nonexistent/path")

		_, err := NewConfig()
		assert.Error(t, err)
	})
}
