package config

// knownKeys are the top-level keys decoded into Config fields. Anything
// else lands in Config.Extra.
var knownKeys = []string{
	"data_dir", "log_level", "log_format", "store_backend", "checkpoint_schedule",
	"pulse_interval", "pulse_ttl", "handle_idle_after", "flush_on_boot", "ignite_autorun", "pulse_autorun",
	"cpu_cores", "priority", "model", "license_key", "profiles", "runtime_keywords",
	"auto_flush_mem_percent",
}

// configSchemaJSON validates the decoded file before it is accepted.
// Unknown keys are allowed and preserved.
const configSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "data_dir": {"type": "string", "minLength": 1},
    "log_level": {"type": "string", "enum": ["debug", "info", "warn", "warning", "error"]},
    "log_format": {"type": "string", "enum": ["text", "json"]},
    "store_backend": {"type": "string", "enum": ["json", "libsql"]},
    "checkpoint_schedule": {"type": "string", "minLength": 1},
    "pulse_interval": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)$"},
    "pulse_ttl": {"type": "number", "exclusiveMinimum": 0},
    "handle_idle_after": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h)$"},
    "flush_on_boot": {"type": "boolean"},
    "ignite_autorun": {"type": "boolean"},
    "pulse_autorun": {"type": "boolean"},
    "cpu_cores": {"type": "array", "items": {"type": "integer", "minimum": 0}},
    "priority": {"type": ["integer", "string", "null"]},
    "model": {"type": "string"},
    "license_key": {"type": "string"},
    "runtime_keywords": {"type": "array", "items": {"type": "string", "minLength": 1}},
    "auto_flush_mem_percent": {"type": "number", "minimum": 0, "maximum": 100},
    "profiles": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "description": {"type": "string"},
          "when": {"type": "string"},
          "lang": {"type": "string", "enum": ["expr", "cel"]},
          "cpus": {"type": "array", "items": {"type": "integer", "minimum": 0}},
          "priority": {"type": ["integer", "string", "null"]},
          "flush": {"type": "string", "enum": ["", "soft", "aggressive"]},
          "boost_runtimes": {"type": "boolean"}
        },
        "additionalProperties": false
      }
    }
  }
}`
