package config

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rendis/mnemos/internal/pro"
	"github.com/rendis/mnemos/pkg/schema"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func newLoader(env map[string]string) *Loader {
	return NewLoaderWithEnv(envMap(env), discardLogger())
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestLoad_MissingFileGivesDefaults(t *testing.T) {
	cfg := newLoader(nil).Load(filepath.Join(t.TempDir(), "config.json"))

	want := Default()
	assert.Equal(t, want, cfg)
	assert.Equal(t, "json", cfg.StoreBackend)
	assert.Equal(t, "@every 1m", cfg.CheckpointSchedule)
	assert.Equal(t, 2*time.Second, cfg.PulseIntervalDuration())
	assert.Equal(t, time.Minute, cfg.PulseTTLDuration())
	assert.Equal(t, time.Minute, cfg.HandleIdleAfterDuration())
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
		"log_level": "debug",
		"store_backend": "libsql",
		"pulse_interval": "500ms",
		"pulse_ttl": 1.5,
		"handle_idle_after": "5m",
		"flush_on_boot": true,
		"cpu_cores": [0, 2],
		"priority": "high",
		"model": "llama3",
		"profiles": [{"name": "pinned", "cpus": [1], "priority": -5, "flush": "soft"}]
	}`)

	cfg := newLoader(nil).Load(path)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "libsql", cfg.StoreBackend)
	assert.Equal(t, 500*time.Millisecond, cfg.PulseIntervalDuration())
	assert.Equal(t, 1500*time.Millisecond, cfg.PulseTTLDuration())
	assert.Equal(t, 5*time.Minute, cfg.HandleIdleAfterDuration())
	assert.True(t, cfg.FlushOnBoot)
	assert.Equal(t, []int{0, 2}, cfg.CPUCores)
	require.NotNil(t, cfg.Priority)
	assert.Equal(t, schema.ClassPriority(schema.PriorityHigh), *cfg.Priority)
	assert.Equal(t, "llama3", cfg.Model)

	require.Len(t, cfg.Profiles, 1)
	p := cfg.Profiles[0]
	assert.Equal(t, "pinned", p.Name)
	assert.Equal(t, []int{1}, p.CPUs)
	require.NotNil(t, p.Priority)
	assert.Equal(t, schema.NicePriority(-5), *p.Priority)
	assert.Equal(t, pro.FlushSoft, p.Flush)

	// Unset keys keep their defaults.
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, pro.DefaultAutoFlushMemPercent, cfg.AutoFlushMemPercent)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
log_format: json
pulse_autorun: true
priority: 5
runtime_keywords: [ollama, vllm]
profiles:
  - name: big
    when: system.cpu_count > 8
    lang: expr
    boost_runtimes: true
`)

	cfg := newLoader(nil).Load(path)

	assert.Equal(t, "json", cfg.LogFormat)
	assert.True(t, cfg.PulseAutorun)
	require.NotNil(t, cfg.Priority)
	assert.Equal(t, schema.NicePriority(5), *cfg.Priority)
	assert.Equal(t, []string{"ollama", "vllm"}, cfg.RuntimeKeywords)
	require.Len(t, cfg.Profiles, 1)
	assert.Equal(t, "system.cpu_count > 8", cfg.Profiles[0].When)
	assert.True(t, cfg.Profiles[0].BoostRuntimes)
}

func TestLoad_InvalidFileFallsBackToDefaults(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "config.json", `{"log_level": `},
		{"malformed yaml", "config.yaml", "log_level: [unclosed"},
		{"bad enum", "config.json", `{"log_level": "loud"}`},
		{"bad interval pattern", "config.json", `{"pulse_interval": "soon"}`},
		{"non-positive ttl", "config.json", `{"pulse_ttl": 0}`},
		{"bad idle pattern", "config.json", `{"handle_idle_after": "later"}`},
		{"negative core", "config.json", `{"cpu_cores": [-1]}`},
		{"profile without name", "config.json", `{"profiles": [{"flush": "soft"}]}`},
		{"profile unknown field", "config.json", `{"profiles": [{"name": "x", "nice": 3}]}`},
		{"unknown priority class", "config.json", `{"priority": "turbo"}`},
		{"top level array", "config.json", `[1, 2]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			writeFile(t, path, tt.content)

			cfg := newLoader(nil).Load(path)
			assert.Equal(t, Default(), cfg)
		})
	}
}

func TestParse_ValidationErrorCode(t *testing.T) {
	_, err := newLoader(nil).Parse([]byte(`{"store_backend": "postgres"}`), "json")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))

	_, err = newLoader(nil).Parse([]byte(`{}`), "toml")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}

func TestParse_EmptyDocument(t *testing.T) {
	cfg, err := newLoader(nil).Parse([]byte(""), "yaml")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_UnknownKeysKeptInExtra(t *testing.T) {
	cfg, err := newLoader(nil).Parse([]byte(`{"log_level": "warn", "theme": "dark", "limits": {"max": 3}}`), "json")
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, map[string]any{
		"theme":  "dark",
		"limits": map[string]any{"max": float64(3)},
	}, cfg.Extra)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"data_dir": "/from/file", "log_level": "debug", "license_key": "file-key", "flush_on_boot": true}`)

	cfg := newLoader(map[string]string{
		"MNEMOS_DATA_DIR":      "/from/env",
		"MNEMOS_LOG_FORMAT":    "json",
		"MNEMOS_STORE_BACKEND": "libsql",
		"MNEMOS_PULSE_AUTORUN": "true",
		"MNEMOS_FLUSH_ON_BOOT": "0",
		"MNEMOS_LICENSE_KEY":   "  env-key  ",
	}).Load(path)

	assert.Equal(t, "/from/env", cfg.DataDir)
	assert.Equal(t, "debug", cfg.LogLevel, "file value survives when env is unset")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "libsql", cfg.StoreBackend)
	assert.True(t, cfg.PulseAutorun)
	assert.False(t, cfg.FlushOnBoot)
	assert.Equal(t, "env-key", cfg.LicenseKey)
}

func TestLoad_InvalidEnvBoolIgnored(t *testing.T) {
	cfg := newLoader(map[string]string{"MNEMOS_PULSE_AUTORUN": "sometimes"}).
		Load(filepath.Join(t.TempDir(), "config.json"))
	assert.False(t, cfg.PulseAutorun)
}

func TestLoad_LegacyLicenseEnv(t *testing.T) {
	cfg := newLoader(map[string]string{"THRUST_LICENSE_KEY": "legacy"}).
		Load(filepath.Join(t.TempDir(), "config.json"))
	assert.Equal(t, "legacy", cfg.LicenseKey)
}

func TestFindPath(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, filepath.Join(dir, "config.json"), FindPath(dir))

	writeFile(t, filepath.Join(dir, "config.yml"), "log_level: info\n")
	assert.Equal(t, filepath.Join(dir, "config.yml"), FindPath(dir))

	writeFile(t, filepath.Join(dir, "config.json"), "{}")
	assert.Equal(t, filepath.Join(dir, "config.json"), FindPath(dir))
}

func TestFormatOf(t *testing.T) {
	assert.Equal(t, "yaml", FormatOf("a/config.YAML"))
	assert.Equal(t, "yaml", FormatOf("config.yml"))
	assert.Equal(t, "json", FormatOf("config.json"))
	assert.Equal(t, "json", FormatOf("config"))
}

func TestSave_RoundTrip(t *testing.T) {
	prio := schema.ClassPriority(schema.PriorityAboveNormal)
	nice := schema.NicePriority(-3)
	cfg := Default()
	cfg.DataDir = "/var/lib/mnemos"
	cfg.CPUCores = []int{1, 3}
	cfg.Priority = &prio
	cfg.Profiles = []pro.Profile{{Name: "p", Priority: &nice, Flush: pro.FlushAggressive}}

	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			require.NoError(t, Save(path, cfg))

			got := newLoader(nil).Load(path)
			assert.True(t, Compare(cfg, got).Empty(), "diff: %+v", Compare(cfg, got))
		})
	}
}

func TestCompare(t *testing.T) {
	base := Default()

	assert.True(t, Compare(base, Default()).Empty())

	next := Default()
	next.LogLevel = "debug"
	d := Compare(base, next)
	assert.Equal(t, []string{"log_level"}, d.Changed)
	assert.Empty(t, d.RestartNeeded)
	assert.True(t, d.LogLevelChanged())
	assert.False(t, d.ProfilesChanged())

	prio := schema.ClassPriority(schema.PriorityHigh)
	next = Default()
	next.StoreBackend = "libsql"
	next.Priority = &prio
	next.Profiles = pro.BuiltinProfiles()
	next.Extra = map[string]any{"x": 1}
	d = Compare(base, next)
	assert.Equal(t, []string{"store_backend", "priority", "profiles", "extra"}, d.Changed)
	assert.Equal(t, []string{"store_backend", "profiles"}, d.RestartNeeded)
	assert.True(t, d.ProfilesChanged())
}

func TestCompare_PointerValuesNotIdentity(t *testing.T) {
	a := schema.NicePriority(4)
	b := schema.NicePriority(4)
	old, next := Default(), Default()
	old.Priority, next.Priority = &a, &b
	assert.True(t, Compare(old, next).Empty())
}

type changeRecorder struct {
	mu      sync.Mutex
	configs []Config
	diffs   []Diff
}

func (r *changeRecorder) record(c Config, d Diff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, c)
	r.diffs = append(r.diffs, d)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

func (r *changeRecorder) last() (Config, Diff) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configs[len(r.configs)-1], r.diffs[len(r.diffs)-1]
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"log_level": "info"}`)

	l := newLoader(map[string]string{"MNEMOS_LICENSE_KEY": "env-key"})
	current := l.Load(path)

	rec := &changeRecorder{}
	w, err := l.Watch(context.Background(), path, current, rec.record)
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, `{"log_level": "debug"}`)

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 5*time.Second, 20*time.Millisecond)
	cfg, diff := rec.last()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "env-key", cfg.LicenseKey, "env overrides apply on reload")
	assert.True(t, diff.LogLevelChanged())
	assert.Equal(t, "debug", w.Current().LogLevel)
}

func TestWatch_InvalidEditKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"log_level": "warn"}`)

	l := newLoader(nil)
	rec := &changeRecorder{}
	w, err := l.Watch(context.Background(), path, l.Load(path), rec.record)
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, `{"log_level": `)
	time.Sleep(4 * DefaultDebounce)
	assert.Equal(t, 0, rec.count())
	assert.Equal(t, "warn", w.Current().LogLevel)

	writeFile(t, path, `{"log_level": "error"}`)
	require.Eventually(t, func() bool { return rec.count() == 1 }, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "error", w.Current().LogLevel)
}

func TestWatch_IgnoresOtherFilesAndNoopWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeFile(t, path, `{"model": "a"}`)

	l := newLoader(nil)
	rec := &changeRecorder{}
	w, err := l.Watch(context.Background(), path, l.Load(path), rec.record)
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, filepath.Join(dir, "other.json"), `{"model": "b"}`)
	writeFile(t, path, `{"model": "a"}`)
	time.Sleep(4 * DefaultDebounce)
	assert.Equal(t, 0, rec.count())
}

func TestWatch_StopIsIdempotentAndHonorsContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx, cancel := context.WithCancel(context.Background())

	w, err := newLoader(nil).Watch(ctx, path, Default(), nil)
	require.NoError(t, err)

	cancel()
	w.Stop()
	w.Stop()
}
