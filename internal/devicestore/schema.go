package devicestore

// schema mirrors the teacher's internal/dashboard/database.go table-per-
// concern layout and the v1 internal/store/store.go's command/event_log
// shapes, retargeted to devices/policies/tasks/task_results.
const schema = `
CREATE TABLE IF NOT EXISTS policies (
	id                     TEXT PRIMARY KEY,
	name                   TEXT NOT NULL,
	plugged_seconds        INTEGER NOT NULL,
	battery_100_80_seconds INTEGER NOT NULL,
	battery_79_50_seconds  INTEGER NOT NULL,
	battery_49_20_seconds  INTEGER NOT NULL,
	battery_19_10_seconds  INTEGER NOT NULL,
	battery_9_0_seconds    INTEGER NOT NULL,
	low_battery_alert_pct  INTEGER NOT NULL,
	disk_scan_seconds      INTEGER NOT NULL,
	hardware_scan_seconds  INTEGER NOT NULL,
	is_default             INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS devices (
	id               TEXT PRIMARY KEY,
	hostname         TEXT NOT NULL,
	platform         TEXT NOT NULL,
	mac              TEXT NOT NULL DEFAULT '',
	policy_id        TEXT REFERENCES policies(id),
	locked           INTEGER NOT NULL DEFAULT 0,
	status           TEXT NOT NULL DEFAULT 'offline',
	last_seen        TIMESTAMP,
	battery_level    INTEGER,
	battery_charging INTEGER NOT NULL DEFAULT 0,
	cpu_percent      REAL,
	ram_percent      REAL,
	disk_percent     REAL,
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	script_type      TEXT NOT NULL,
	script_body      TEXT NOT NULL,
	target           TEXT NOT NULL,
	platform         TEXT,
	trigger_type     TEXT NOT NULL,
	scheduled_at     TIMESTAMP,
	interval_seconds INTEGER,
	cron_expression  TEXT,
	event_kind       TEXT,
	status           TEXT NOT NULL DEFAULT 'pending',
	created_at       TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS task_results (
	id          TEXT PRIMARY KEY,
	task_id     TEXT NOT NULL REFERENCES tasks(id),
	device_id   TEXT NOT NULL REFERENCES devices(id),
	status      TEXT NOT NULL DEFAULT 'running',
	exit_code   INTEGER,
	stdout      TEXT NOT NULL DEFAULT '',
	stderr      TEXT NOT NULL DEFAULT '',
	progress    INTEGER NOT NULL DEFAULT 0,
	started_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id);
CREATE INDEX IF NOT EXISTS idx_task_results_device ON task_results(device_id);

CREATE TABLE IF NOT EXISTS event_log (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	device_id TEXT NOT NULL,
	level     TEXT NOT NULL,
	message   TEXT NOT NULL,
	timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_event_log_device ON event_log(device_id, timestamp);
`
