package config

import (
	"github.com/google/go-cmp/cmp"
)

// Diff describes what changed between two configurations.
type Diff struct {
	Changed       []string // every changed field, by config key
	RestartNeeded []string // changed fields that only take effect after a restart
}

// Empty reports whether nothing changed.
func (d Diff) Empty() bool { return len(d.Changed) == 0 }

// LogLevelChanged reports whether log_level changed. The host applies it live.
func (d Diff) LogLevelChanged() bool { return d.has("log_level") }

// ProfilesChanged reports whether the profile set changed.
func (d Diff) ProfilesChanged() bool { return d.has("profiles") }

func (d Diff) has(key string) bool {
	for _, k := range d.Changed {
		if k == key {
			return true
		}
	}
	return false
}

// restartKeys are wired into long-lived components at startup.
var restartKeys = map[string]bool{
	"data_dir":               true,
	"log_format":             true,
	"store_backend":          true,
	"checkpoint_schedule":    true,
	"pulse_interval":         true,
	"pulse_ttl":              true,
	"handle_idle_after":      true,
	"license_key":            true,
	"profiles":               true,
	"runtime_keywords":       true,
	"auto_flush_mem_percent": true,
}

// Compare diffs two configurations field by field.
func Compare(old, new Config) Diff {
	var d Diff
	field := func(key string, changed bool) {
		if !changed {
			return
		}
		d.Changed = append(d.Changed, key)
		if restartKeys[key] {
			d.RestartNeeded = append(d.RestartNeeded, key)
		}
	}

	field("data_dir", old.DataDir != new.DataDir)
	field("log_level", old.LogLevel != new.LogLevel)
	field("log_format", old.LogFormat != new.LogFormat)
	field("store_backend", old.StoreBackend != new.StoreBackend)
	field("checkpoint_schedule", old.CheckpointSchedule != new.CheckpointSchedule)
	field("pulse_interval", old.PulseInterval != new.PulseInterval)
	field("pulse_ttl", old.PulseTTL != new.PulseTTL)
	field("handle_idle_after", old.HandleIdleAfter != new.HandleIdleAfter)
	field("flush_on_boot", old.FlushOnBoot != new.FlushOnBoot)
	field("ignite_autorun", old.IgniteAutorun != new.IgniteAutorun)
	field("pulse_autorun", old.PulseAutorun != new.PulseAutorun)
	field("cpu_cores", !cmp.Equal(old.CPUCores, new.CPUCores))
	field("priority", !cmp.Equal(old.Priority, new.Priority))
	field("model", old.Model != new.Model)
	field("license_key", old.LicenseKey != new.LicenseKey)
	field("profiles", !cmp.Equal(old.Profiles, new.Profiles))
	field("runtime_keywords", !cmp.Equal(old.RuntimeKeywords, new.RuntimeKeywords))
	field("auto_flush_mem_percent", old.AutoFlushMemPercent != new.AutoFlushMemPercent)
	field("extra", !cmp.Equal(old.Extra, new.Extra))
	return d
}
