package serverinfofile

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/config"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     map[string]interface{}
		wantErr bool
	}{
		{
			name: "all required params are present",
			cfg:  map[string]interface{}{_configKeyInfoFile: "/tmp/lspmux-info.json"},
		},
		{
			name:    "missing path",
			cfg:     map[string]interface{}{_configKeyInfoFile: ""},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := config.NewStaticProvider(tt.cfg)
			require.NoError(t, err)

			_, err = New(Params{
				Lifecycle: fxtest.NewLifecycle(t),
				Config:    provider,
				Logger:    zap.NewNop().Sugar(),
			})
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestUpdateField(t *testing.T) {
	path := filepath.Join(t.TempDir(), "info.json")
	m := module{
		logger:       zap.NewNop().Sugar(),
		infofile:     path,
		fileContents: make(map[string]string),
	}

	require.NoError(t, m.UpdateField("lsp-address", "127.0.0.1:27631"))
	require.NoError(t, m.UpdateField("version", "0.2.5"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var contents map[string]string
	require.NoError(t, json.Unmarshal(data, &contents))
	assert.Equal(t, map[string]string{
		"lsp-address": "127.0.0.1:27631",
		"version":     "0.2.5",
	}, contents)
}

func TestOnStop(t *testing.T) {
	t.Run("file removed", func(t *testing.T) {
		tempFile, err := os.CreateTemp("", "test")
		require.NoError(t, err)
		defer os.Remove(tempFile.Name())

		m := module{
			logger:   zap.NewNop().Sugar(),
			infofile: tempFile.Name(),
		}

		require.NoError(t, m.OnStop(context.Background()))
		_, err = os.Stat(tempFile.Name())
		assert.True(t, os.IsNotExist(err))
	})
}
