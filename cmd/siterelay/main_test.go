package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "db_path: " + filepath.Join(dir, "sites.db") + "\nlog: {level: error}\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestSitesAddThenList(t *testing.T) {
	cfg := writeTestConfig(t)

	out, err := execute(t, "--config", cfg, "sites", "add", "--id", "alpha", "--name", "Alpha", "--url", "https://alpha.example", "--type", "ddf")
	require.NoError(t, err)
	assert.Contains(t, out, "site alpha registered (DDF)")

	out, err = execute(t, "--config", cfg, "sites", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alpha")
	assert.Contains(t, out, "https://alpha.example")

	_, err = execute(t, "--config", cfg, "sites", "rm", "alpha")
	require.NoError(t, err)
	out, err = execute(t, "--config", cfg, "sites", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no sites registered")
}

func TestSitesAdd_RejectsUnknownType(t *testing.T) {
	_, err := execute(t, "--config", writeTestConfig(t), "sites", "add", "--url", "https://x", "--type", "ftp")
	assert.ErrorContains(t, err, "unknown site type")
}

func TestSync_UnknownSite(t *testing.T) {
	_, err := execute(t, "--config", writeTestConfig(t), "sync", "--source", "a", "--destination", "b")
	assert.ErrorContains(t, err, "site not found")
}

func TestSync_UnknownConfigID(t *testing.T) {
	_, err := execute(t, "--config", writeTestConfig(t), "sync", "--config-id", "nope")
	assert.ErrorContains(t, err, `no replication "nope"`)
}

func TestLoadConfig_ExplicitMissingFileFails(t *testing.T) {
	_, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "siterelay dev")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}
