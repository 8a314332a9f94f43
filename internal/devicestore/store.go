package devicestore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database holding devices, policies, tasks, and task
// results. It is the only external collaborator the rest of the
// control-plane is supposed to know about for persisted state (spec §9).
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and runs
// the schema migration. Mirrors the teacher's internal/store/store.go Open,
// using the WAL journal mode for concurrent readers during writes.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("devicestore: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: one writer at a time

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return nil, fmt.Errorf("devicestore: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		return nil, fmt.Errorf("devicestore: enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("devicestore: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- Devices -----------------------------------------------------------

const deviceSelect = `
	SELECT id, hostname, platform, mac, policy_id, locked, status, last_seen,
	       battery_level, battery_charging, cpu_percent, ram_percent, disk_percent, created_at
	FROM devices`

// UpsertDevice inserts a device or updates its hostname/platform/mac on
// conflict, mirroring the teacher's updateHost ON CONFLICT upsert. Status is
// only ever set on insert (to offline, unless d.Status says otherwise) and
// is deliberately left untouched on conflict: the Connection Registry is
// the sole writer of Device.status once a device exists (spec §4.1,
// invariant 2), and a checkin upsert must not clobber a concurrently live
// session's online status.
func (s *Store) UpsertDevice(ctx context.Context, d *Device) error {
	status := d.Status
	if status == "" {
		status = StatusOffline
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO devices (id, hostname, platform, mac, policy_id, locked, status, last_seen, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			hostname = excluded.hostname,
			platform = excluded.platform,
			mac = excluded.mac
	`, d.ID, d.Hostname, d.Platform, d.MAC, nullString(d.PolicyID), boolToInt(d.Locked), status, time.Now(), time.Now())
	if err != nil {
		return fmt.Errorf("devicestore: upsert device %s: %w", d.ID, err)
	}
	return nil
}

// SetOnline marks a device online — called by the Connection Registry's
// Register, and only there (spec §4.1).
func (s *Store) SetOnline(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET status = ? WHERE id = ?`, StatusOnline, deviceID)
	if err != nil {
		return fmt.Errorf("devicestore: set device %s online: %w", deviceID, err)
	}
	return nil
}

// SetOffline marks a device offline — called by the Connection Registry's
// Unregister, and only there (spec §4.1).
func (s *Store) SetOffline(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET status = ? WHERE id = ?`, StatusOffline, deviceID)
	if err != nil {
		return fmt.Errorf("devicestore: set device %s offline: %w", deviceID, err)
	}
	return nil
}

// UpdateTelemetry records a heartbeat's telemetry snapshot and bumps
// last_seen (spec §4.11).
func (s *Store) UpdateTelemetry(ctx context.Context, deviceID string, batteryLevel *int, batteryCharging bool, cpuPct, ramPct, diskPct *float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE devices SET
			last_seen = ?,
			battery_level = ?,
			battery_charging = ?,
			cpu_percent = ?,
			ram_percent = ?,
			disk_percent = ?
		WHERE id = ?
	`, time.Now(), nullInt(batteryLevel), boolToInt(batteryCharging), nullFloat(cpuPct), nullFloat(ramPct), nullFloat(diskPct), deviceID)
	if err != nil {
		return fmt.Errorf("devicestore: update telemetry for %s: %w", deviceID, err)
	}
	return nil
}

// GetDevice fetches a single device by id.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	row := s.db.QueryRowContext(ctx, deviceSelect+` WHERE id = ?`, id)
	return scanDevice(row)
}

// ListOnline lists every device the Connection Registry currently has a
// live session for, optionally filtered to a platform (spec §9's
// ListOnline(platform?), spec §4.4 step 1: "all ⇒ all devices with
// status=online"). Status is Registry-driven (spec §4.1), not a function of
// last_seen recency, so a device's online-ness here always matches
// Registry.IsOnline for it.
func (s *Store) ListOnline(ctx context.Context, platform *string) ([]*Device, error) {
	var rows *sql.Rows
	var err error
	if platform != nil {
		rows, err = s.db.QueryContext(ctx, deviceSelect+` WHERE status = ? AND platform = ?`, StatusOnline, *platform)
	} else {
		rows, err = s.db.QueryContext(ctx, deviceSelect+` WHERE status = ?`, StatusOnline)
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: list online: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListStale lists devices whose last_seen is older than the given absolute
// deadline — used by the Staleness Detector sweep (original_source: alerts.py).
func (s *Store) ListStale(ctx context.Context, deadline time.Time) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx, deviceSelect+` WHERE last_seen IS NOT NULL AND last_seen < ?`, deadline)
	if err != nil {
		return nil, fmt.Errorf("devicestore: list stale: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// SetLocked sets or clears a device's lockdown flag (original_source:
// lockdown.py).
func (s *Store) SetLocked(ctx context.Context, deviceID string, locked bool) error {
	_, err := s.db.ExecContext(ctx, `UPDATE devices SET locked = ? WHERE id = ?`, boolToInt(locked), deviceID)
	if err != nil {
		return fmt.Errorf("devicestore: set locked for %s: %w", deviceID, err)
	}
	return nil
}

// --- Policies ------------------------------------------------------------

// EnsureDefaultPolicy inserts seed as the default policy if no default
// policy exists yet, so a freshly created database always has one for
// checkin to fall back to (spec §3: "at most one default exists" — this
// is what installs the first one).
func (s *Store) EnsureDefaultPolicy(ctx context.Context, seed *Policy) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM policies WHERE is_default = 1`).Scan(&count); err != nil {
		return fmt.Errorf("devicestore: check default policy: %w", err)
	}
	if count > 0 {
		return nil
	}
	seed.IsDefault = true
	if seed.ID == "" {
		seed.ID = "default"
	}
	if seed.Name == "" {
		seed.Name = "default"
	}
	return s.CreatePolicy(ctx, seed)
}

// CreatePolicy inserts a new policy.
func (s *Store) CreatePolicy(ctx context.Context, p *Policy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO policies (id, name, plugged_seconds, battery_100_80_seconds,
			battery_79_50_seconds, battery_49_20_seconds, battery_19_10_seconds,
			battery_9_0_seconds, low_battery_alert_pct, disk_scan_seconds,
			hardware_scan_seconds, is_default)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Name, p.PluggedSeconds, p.Battery10080Seconds, p.Battery7950Seconds,
		p.Battery4920Seconds, p.Battery1910Seconds, p.Battery90Seconds,
		p.LowBatteryAlertPct, p.DiskScanSeconds, p.HardwareScanSeconds, boolToInt(p.IsDefault))
	if err != nil {
		return fmt.Errorf("devicestore: create policy %s: %w", p.ID, err)
	}
	return nil
}

// GetPolicyForDevice returns the device's bound policy, falling back to the
// default policy (original_source: policies.py).
func (s *Store) GetPolicyForDevice(ctx context.Context, deviceID string) (*Policy, error) {
	var policyID sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT policy_id FROM devices WHERE id = ?`, deviceID).Scan(&policyID)
	if err != nil {
		return nil, fmt.Errorf("devicestore: lookup policy for device %s: %w", deviceID, err)
	}
	if policyID.Valid {
		return s.getPolicy(ctx, policyID.String)
	}
	return s.getDefaultPolicy(ctx)
}

func (s *Store) getPolicy(ctx context.Context, id string) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, policySelect+` WHERE id = ?`, id)
	return scanPolicy(row)
}

func (s *Store) getDefaultPolicy(ctx context.Context) (*Policy, error) {
	row := s.db.QueryRowContext(ctx, policySelect+` WHERE is_default = 1 LIMIT 1`)
	return scanPolicy(row)
}

const policySelect = `
	SELECT id, name, plugged_seconds, battery_100_80_seconds, battery_79_50_seconds,
	       battery_49_20_seconds, battery_19_10_seconds, battery_9_0_seconds,
	       low_battery_alert_pct, disk_scan_seconds, hardware_scan_seconds, is_default
	FROM policies`

// --- Tasks -----------------------------------------------------------------

// CreateTask inserts a new task row (dashboard-initiated, spec §4.4).
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, name, script_type, script_body, target, platform,
			trigger_type, scheduled_at, interval_seconds, cron_expression, event_kind,
			status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.ScriptType, t.ScriptBody, t.Target, nullString(t.Platform),
		t.TriggerType, nullTime(t.ScheduledAt), nullInt(t.IntervalSeconds),
		nullString(t.CronExpression), nullString(t.EventKind), t.Status, time.Now())
	if err != nil {
		return fmt.Errorf("devicestore: create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	return scanTask(row)
}

// UpdateTaskStatus transitions a task's status (pending -> dispatched ->
// cancelled), mirroring the teacher's UpdateCommandStatus.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("devicestore: update task %s status: %w", id, err)
	}
	return nil
}

// GetTaskCancelled reports whether a task has been cancelled — used by the
// Pre-run Confirmer (C11, spec §9's GetTaskCancelled).
func (s *Store) GetTaskCancelled(ctx context.Context, id string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("devicestore: get task status %s: %w", id, err)
	}
	return status == "cancelled", nil
}

const taskSelect = `
	SELECT id, name, script_type, script_body, target, platform, trigger_type,
	       scheduled_at, interval_seconds, cron_expression, event_kind, status, created_at
	FROM tasks`

// --- Task results ------------------------------------------------------

// stdoutCap and stderrCap bound TaskResult.Stdout/Stderr on ingest
// (invariant 4), mirroring internal/agent/executor.go's own caps so the
// agent's and server's notions of "too much output" agree.
const (
	stdoutCap = 64 * 1024
	stderrCap = 16 * 1024
)

// InsertTaskResult creates the stub row for one device's execution of a
// task (spec §9's InsertTaskResult), mirroring the teacher's CreateCommand.
// Progress starts at 0, per spec §3/§4.10.
func (s *Store) InsertTaskResult(ctx context.Context, r *TaskResult) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_results (id, task_id, device_id, status, progress, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.TaskID, r.DeviceID, r.Status, r.Progress, r.StartedAt)
	if err != nil {
		return fmt.Errorf("devicestore: insert task result %s: %w", r.ID, err)
	}
	return nil
}

// AppendTaskOutput appends one streamed task_output line to the running
// TaskResult's stdout, capping at stdoutCap, and records its progress (spec
// §4.3's task_output handling: "appends to the running TaskResult's stdout
// ... updates progress").
func (s *Store) AppendTaskOutput(ctx context.Context, taskID, deviceID, line string, progress int) error {
	var id, stdout string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, stdout FROM task_results
		WHERE task_id = ? AND device_id = ? AND status = 'running'
		ORDER BY started_at DESC LIMIT 1
	`, taskID, deviceID).Scan(&id, &stdout)
	if err != nil {
		return fmt.Errorf("devicestore: find running task result for %s/%s: %w", taskID, deviceID, err)
	}

	stdout = appendCappedText(stdout, line+"\n", stdoutCap)
	_, err = s.db.ExecContext(ctx, `UPDATE task_results SET stdout = ?, progress = ? WHERE id = ?`, stdout, progress, id)
	if err != nil {
		return fmt.Errorf("devicestore: append task output for %s/%s: %w", taskID, deviceID, err)
	}
	return nil
}

// CompleteTaskResult records a terminal outcome, mirroring the teacher's
// UpdateCommandStatus with exit code/output attached. stdout/stderr are
// capped on ingest rather than trusted from the agent (invariant 4), and
// progress is set to 100 since "running" is over regardless of outcome.
func (s *Store) CompleteTaskResult(ctx context.Context, id, status string, exitCode *int, stdout, stderr string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_results SET status = ?, exit_code = ?, stdout = ?, stderr = ?, progress = 100, finished_at = ?
		WHERE id = ?
	`, status, nullInt(exitCode), capText(stdout, stdoutCap), capText(stderr, stderrCap), now, id)
	if err != nil {
		return fmt.Errorf("devicestore: complete task result %s: %w", id, err)
	}
	return nil
}

// CompleteTaskResultByTaskDevice completes the most recent running result
// row for a (task, device) pair — used when an inbound task_result message
// only carries the task id, not the result row's own id.
func (s *Store) CompleteTaskResultByTaskDevice(ctx context.Context, taskID, deviceID, status string, exitCode *int, stdout, stderr string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_results SET status = ?, exit_code = ?, stdout = ?, stderr = ?, progress = 100, finished_at = ?
		WHERE id = (
			SELECT id FROM task_results
			WHERE task_id = ? AND device_id = ? AND status = 'running'
			ORDER BY started_at DESC LIMIT 1
		)
	`, status, nullInt(exitCode), capText(stdout, stdoutCap), capText(stderr, stderrCap), now, taskID, deviceID)
	if err != nil {
		return fmt.Errorf("devicestore: complete task result for %s/%s: %w", taskID, deviceID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("devicestore: no running task result found for %s/%s", taskID, deviceID)
	}
	return nil
}

// GetTaskResult fetches a single result row.
func (s *Store) GetTaskResult(ctx context.Context, id string) (*TaskResult, error) {
	row := s.db.QueryRowContext(ctx, taskResultSelect+` WHERE id = ?`, id)
	return scanTaskResult(row)
}

// ListResultsForTask lists every device's result for a task.
func (s *Store) ListResultsForTask(ctx context.Context, taskID string) ([]*TaskResult, error) {
	rows, err := s.db.QueryContext(ctx, taskResultSelect+` WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, fmt.Errorf("devicestore: list results for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var results []*TaskResult
	for rows.Next() {
		r, err := scanTaskResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

const taskResultSelect = `
	SELECT id, task_id, device_id, status, exit_code, stdout, stderr, progress, started_at, finished_at
	FROM task_results`

// --- Event log ---------------------------------------------------------

// AppendLog persists one agent log line (spec §4.3, §9's AppendLog),
// replacing the teacher's per-host log file with a queryable table.
func (s *Store) AppendLog(ctx context.Context, deviceID, level, message string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO event_log (device_id, level, message, timestamp) VALUES (?, ?, ?, ?)
	`, deviceID, level, message, time.Now())
	if err != nil {
		return fmt.Errorf("devicestore: append log for %s: %w", deviceID, err)
	}
	return nil
}

// RecentLogs returns the most recent log entries for a device.
func (s *Store) RecentLogs(ctx context.Context, deviceID string, limit int) ([]*LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, level, message, timestamp FROM event_log
		WHERE device_id = ? ORDER BY timestamp DESC LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("devicestore: recent logs for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var entries []*LogEntry
	for rows.Next() {
		var e LogEntry
		if err := rows.Scan(&e.ID, &e.DeviceID, &e.Level, &e.Message, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("devicestore: scan log entry: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}
