package config

// ///////////////////////////////////////////////
// Documentation Types
// ///////////////////////////////////////////////

// FieldDoc holds documentation and alternative examples for a single config field.
// The genconfig tool uses [FieldDoc] values to annotate the generated config.default.toml.
type FieldDoc struct {
	// Comment is shown as a header comment above the field in the example config.
	Comment string

	// Alternatives are shown as commented-out lines below the active value.
	Alternatives []string
}

// ///////////////////////////////////////////////
// Field Documentation Map
// ///////////////////////////////////////////////

// ConfigDocs maps TOML field paths (dot-separated, e.g. "store.nats.url") to
// their [FieldDoc] entries.
var ConfigDocs = map[string]FieldDoc{
	"version": {
		Comment: "Config schema version. Do not edit.",
	},

	"subject.id": {
		Comment:      "Subject id published to the shared store.\nEmpty uses the OS user name. PRESENCED_SUBJECT overrides this value.",
		Alternatives: []string{`id = "alice"`, `id = "team.alice"`},
	},

	"presence.idle_timeout_ms": {
		Comment: "Inactivity before the status turns idle automatically.\nValues below 100 are raised to 100.",
	},
	"presence.stale_threshold_ms": {
		Comment: "Records older than this read as offline.\nMust exceed the slowest heartbeat interval; smaller values are raised\nto that interval plus 60000.",
	},
	"presence.minimized_idle_delay_ms": {
		Comment: "Grace period after the window is minimized before going idle.",
	},
	"presence.batch_delay_ms": {
		Comment: "Status changes within this window collapse into one store write.",
	},

	"heartbeat.high_frequency_interval_ms": {
		Comment: "Heartbeat period while a live session (call, stream) is active.",
	},
	"heartbeat.low_frequency_interval_ms": {
		Comment: "Heartbeat period otherwise.",
	},
	"heartbeat.write_timeout_ms": {
		Comment: "Upper bound on a single background store write.",
	},

	"shutdown.timeout_ms": {
		Comment: "How long cleanup may run before the host is released anyway.",
	},

	"store.backend": {
		Comment:      "Where presence records live.",
		Alternatives: []string{`backend = "nats"`, `backend = "sqlite"`, `backend = "memory"`},
	},
	"store.nats": {
		Comment: "NATS JetStream key-value bucket shared by every client.",
	},
	"store.nats.url":      {},
	"store.nats.user":     {Comment: "Optional user name.", Alternatives: []string{`user = "presenced"`}},
	"store.nats.password": {Comment: "Optional password for user.", Alternatives: []string{`password = "secret"`}},
	"store.nats.bucket":   {},
	"store.file": {
		Comment: "One JSON file per subject. Point several machines at a synced\ndirectory to share presence.",
	},
	"store.file.dir": {},
	"store.sqlite": {
		Comment: "Local SQLite database.",
	},
	"store.sqlite.path": {},

	"ipc.socket": {
		Comment:      "Host channel address. Defaults to presenced.sock in the data\ndirectory, or a per-user named pipe on Windows.",
		Alternatives: []string{`socket = "/run/user/1000/presenced.sock"`},
	},

	"roster.sweep_ms": {
		Comment: "How often presencectl watch re-checks staleness between writes.",
	},

	"log.level": {
		Comment:      "Minimum log level.",
		Alternatives: []string{`level = "debug"`, `level = "trace"`},
	},
	"log.max_size_mb": {
		Comment: "Log file size before rotation.",
	},
}
