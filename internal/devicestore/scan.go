package devicestore

import (
	"database/sql"
	"fmt"
	"time"
	"unicode/utf8"
)

// rowScanner abstracts over *sql.Row and *sql.Rows, mirroring the teacher's
// internal/store/store.go helpers that scan both shapes the same way.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var d Device
	var policyID sql.NullString
	var lastSeen sql.NullTime
	var batteryLevel sql.NullInt64
	var batteryCharging int
	var cpuPct, ramPct, diskPct sql.NullFloat64

	err := row.Scan(&d.ID, &d.Hostname, &d.Platform, &d.MAC, &policyID, &d.Locked, &d.Status,
		&lastSeen, &batteryLevel, &batteryCharging, &cpuPct, &ramPct, &diskPct, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: scan device: %w", err)
	}

	if policyID.Valid {
		d.PolicyID = &policyID.String
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	if batteryLevel.Valid {
		v := int(batteryLevel.Int64)
		d.BatteryLevel = &v
	}
	d.BatteryCharging = batteryCharging != 0
	if cpuPct.Valid {
		d.CPUPercent = &cpuPct.Float64
	}
	if ramPct.Valid {
		d.RAMPercent = &ramPct.Float64
	}
	if diskPct.Valid {
		d.DiskPercent = &diskPct.Float64
	}
	return &d, nil
}

func scanPolicy(row rowScanner) (*Policy, error) {
	var p Policy
	var isDefault int
	err := row.Scan(&p.ID, &p.Name, &p.PluggedSeconds, &p.Battery10080Seconds,
		&p.Battery7950Seconds, &p.Battery4920Seconds, &p.Battery1910Seconds,
		&p.Battery90Seconds, &p.LowBatteryAlertPct, &p.DiskScanSeconds,
		&p.HardwareScanSeconds, &isDefault)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: scan policy: %w", err)
	}
	p.IsDefault = isDefault != 0
	return &p, nil
}

func scanTask(row rowScanner) (*Task, error) {
	var t Task
	var platform, cronExpr, eventKind sql.NullString
	var scheduledAt sql.NullTime
	var intervalSeconds sql.NullInt64

	err := row.Scan(&t.ID, &t.Name, &t.ScriptType, &t.ScriptBody, &t.Target, &platform,
		&t.TriggerType, &scheduledAt, &intervalSeconds, &cronExpr, &eventKind, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: scan task: %w", err)
	}

	if platform.Valid {
		t.Platform = &platform.String
	}
	if scheduledAt.Valid {
		t.ScheduledAt = &scheduledAt.Time
	}
	if intervalSeconds.Valid {
		v := int(intervalSeconds.Int64)
		t.IntervalSeconds = &v
	}
	if cronExpr.Valid {
		t.CronExpression = &cronExpr.String
	}
	if eventKind.Valid {
		t.EventKind = &eventKind.String
	}
	return &t, nil
}

func scanTaskResult(row rowScanner) (*TaskResult, error) {
	var r TaskResult
	var exitCode sql.NullInt64
	var finishedAt sql.NullTime

	err := row.Scan(&r.ID, &r.TaskID, &r.DeviceID, &r.Status, &exitCode, &r.Stdout, &r.Stderr, &r.Progress, &r.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: scan task result: %w", err)
	}

	if exitCode.Valid {
		v := int(exitCode.Int64)
		r.ExitCode = &v
	}
	if finishedAt.Valid {
		r.FinishedAt = &finishedAt.Time
	}
	return &r, nil
}

func nullString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// capText truncates s to at most capBytes bytes, trimming back to the last
// complete UTF-8 rune so the cap never splits a multi-byte sequence
// (invariant 4: stdout <= 64 KiB, stderr <= 16 KiB, enforced here on ingest
// rather than trusted from the agent, mirroring internal/agent/executor.go's
// own safeUTF8).
func capText(s string, capBytes int) string {
	if len(s) <= capBytes {
		return s
	}
	b := []byte(s[:capBytes])
	for !utf8.Valid(b) && len(b) > 0 {
		b = b[:len(b)-1]
	}
	return string(b)
}

// appendCappedText appends src to dst, truncating at capBytes total bytes —
// the string equivalent of internal/agent/executor.go's appendCapped, used
// to grow a TaskResult's stdout as task_output lines stream in without
// exceeding the cap.
func appendCappedText(dst, src string, capBytes int) string {
	if len(dst) >= capBytes {
		return dst
	}
	room := capBytes - len(dst)
	if len(src) > room {
		src = src[:room]
	}
	return capText(dst+src, capBytes)
}
