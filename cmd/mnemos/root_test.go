package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/mnemos/internal/config"
)

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "init", "status", "bench", "version"})
	assert.True(t, cmd.SilenceUsage)
}

func TestRootCommand_InvalidLogFormat(t *testing.T) {
	_, err := execute(t, "--log-format", "xml", "version")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --log-format")
}

func TestVersionCommand(t *testing.T) {
	out := mustExecute(t, "version")
	assert.True(t, strings.HasPrefix(out, "mnemos "+version+" ("), out)
}

func TestRootOptions_ConfigPath(t *testing.T) {
	dir := t.TempDir()

	explicit := &rootOptions{ConfigPath: "/etc/mnemos.yaml", DataDir: dir}
	assert.Equal(t, "/etc/mnemos.yaml", explicit.configPath())

	opts := &rootOptions{DataDir: dir}
	assert.Equal(t, filepath.Join(dir, "config.json"), opts.configPath(), "json when nothing exists")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("log_level: debug\n"), 0o600))
	assert.Equal(t, filepath.Join(dir, "config.yaml"), opts.configPath())
}

func TestRootOptions_FlagsOverrideConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"log_level": "warn", "log_format": "json", "store_backend": "libsql"}`), 0o600))

	opts := &rootOptions{DataDir: dir, LogLevel: "debug"}
	loaded, effective, path := opts.load(config.NewLoaderWithEnv(func(string) string { return "" }, discardLogger()))

	assert.Equal(t, filepath.Join(dir, "config.json"), path)
	assert.Equal(t, "warn", loaded.LogLevel)
	assert.Equal(t, "debug", effective.LogLevel)
	assert.Equal(t, "json", effective.LogFormat, "unset flags keep file values")
	assert.Equal(t, "libsql", effective.StoreBackend)
	assert.Equal(t, dir, effective.DataDir)
}
