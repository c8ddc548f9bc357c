package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"laughingfox/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupRestoreRoundTrip(t *testing.T) {
	src := t.TempDir()
	cfg := config.Defaults()
	cfg.General.DataDir = src
	cfg.ResolvePaths()
	cfgPath := filepath.Join(src, "config.json")
	require.NoError(t, config.Save(cfgPath, cfg))

	require.NoError(t, os.MkdirAll(filepath.Dir(cfg.Credentials.Path), 0o700))
	require.NoError(t, os.WriteFile(cfg.Credentials.Path, []byte(`{"me":{"id":"1@s.whatsapp.net"}}`), 0o600))
	require.NoError(t, os.WriteFile(cfg.Storage.DBPath, []byte("db"), 0o600))

	var present []backupEntry
	for _, e := range backupSet(cfgPath, cfg) {
		if _, err := os.Stat(e.path); err == nil {
			present = append(present, e)
		}
	}
	require.Len(t, present, 3)

	archive := filepath.Join(t.TempDir(), "b.tar.gz")
	require.NoError(t, createTarGz(archive, present))

	dst := t.TempDir()
	cfg2 := config.Defaults()
	cfg2.General.DataDir = dst
	cfg2.ResolvePaths()
	restored, err := extractTarGz(archive, backupSet(filepath.Join(dst, "config.json"), cfg2))
	require.NoError(t, err)
	assert.Len(t, restored, 3)

	data, err := os.ReadFile(cfg2.Credentials.Path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"me":{"id":"1@s.whatsapp.net"}}`, string(data))
	data, err = os.ReadFile(cfg2.Storage.DBPath)
	require.NoError(t, err)
	assert.Equal(t, "db", string(data))
}

func TestBackupSetSkipsDatabaseForDynamo(t *testing.T) {
	cfg := config.Defaults()
	cfg.Storage.Driver = "dynamodb"
	cfg.ResolvePaths()
	for _, e := range backupSet("config.json", cfg) {
		assert.NotContains(t, e.name, "records.db")
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warn"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestNewLoggerWritesRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "gateway.log")
	log, closer, err := newLogger(config.GeneralConfig{LogLevel: "info", LogFile: path, LogMaxSizeMB: 1})
	require.NoError(t, err)
	log.Info("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "msg=hello")
}
