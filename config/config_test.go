package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "jsonix.toml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0o600))
	return file
}

func TestLoadOverridesDefaults(t *testing.T) {
	file := writeConfig(t, `
[Registry]
Listen = "127.0.0.1:9000"
EtcdEndpoints = ["127.0.0.1:2379", "127.0.0.1:22379"]
MirrorTimeout = "500ms"

[Topic]
MaxBuffer = 1024
`)
	cfg, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Registry.Listen)
	require.Equal(t, []string{"127.0.0.1:2379", "127.0.0.1:22379"}, cfg.Registry.EtcdEndpoints)
	require.Equal(t, "/rpcjsonix/", cfg.Registry.EtcdPrefix)
	require.Equal(t, 500*time.Millisecond, cfg.Registry.MirrorTimeout.Duration)
	require.EqualValues(t, 10, cfg.Registry.EtcdTTL)
	require.Equal(t, ":7070", cfg.Topic.Listen)
	require.Equal(t, 1024, cfg.Topic.MaxBuffer)
	require.Equal(t, "info", cfg.Log.Level)
}

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Defaults, cfg)
}

func TestLoadUnknownField(t *testing.T) {
	file := writeConfig(t, "[Registry]\nPort = 1\n")
	_, err := Load(file)
	require.Error(t, err)
	require.Contains(t, err.Error(), file)
}
