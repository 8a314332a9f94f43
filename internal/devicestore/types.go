// Package devicestore is the Device Store (C1): the durable record of
// devices, policies, tasks, and task results, and the one place the rest of
// the control-plane reaches for persisted state.
package devicestore

import "time"

// Device status values (spec §3, §4.1). Status is set only by the
// Connection Registry's Register/Unregister calls, never by checkin or
// telemetry handling (invariant 2: Device.status=online iff a SessionHandle
// is registered for that device).
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Device is a single enrolled endpoint (spec §3).
type Device struct {
	ID       string
	Hostname string
	Platform string // windows, linux, android
	MAC      string

	PolicyID *string // nil => bound to the default policy

	Locked bool // original_source: lockdown.py

	Status   string // online, offline — see StatusOnline/StatusOffline
	LastSeen time.Time

	BatteryLevel    *int
	BatteryCharging bool
	CPUPercent      *float64
	RAMPercent      *float64
	DiskPercent     *float64

	CreatedAt time.Time
}

// Policy is the six-battery-band heartbeat cadence plus scan intervals
// (spec §3). Exactly one policy may have IsDefault set.
type Policy struct {
	ID   string
	Name string

	PluggedSeconds      int
	Battery10080Seconds int
	Battery7950Seconds  int
	Battery4920Seconds  int
	Battery1910Seconds  int
	Battery90Seconds    int

	LowBatteryAlertPct  int
	DiskScanSeconds     int
	HardwareScanSeconds int

	IsDefault bool
}

// Task is a unit of work the dashboard created, independent of which
// device(s) it targets (spec §3, §4.4).
type Task struct {
	ID         string
	Name       string
	ScriptType string
	ScriptBody string

	Target   string  // device id or "all"
	Platform *string // optional platform filter (original_source: backend/routes/tasks.py)

	TriggerType     string // now, once, interval, cron, event
	ScheduledAt     *time.Time
	IntervalSeconds *int
	CronExpression  *string
	EventKind       *string

	Status    string // pending, dispatched, cancelled
	CreatedAt time.Time
}

// TaskResult is one device's outcome for one Task (spec §3, §4.9).
type TaskResult struct {
	ID       string
	TaskID   string
	DeviceID string

	Status   string // running, completed, failed, timeout
	ExitCode *int
	Stdout   string
	Stderr   string
	Progress int // 0-100; 0 at stub creation, 50 while streaming, 100 on completion

	StartedAt  time.Time
	FinishedAt *time.Time
}

// LogEntry is one agent-reported log line (spec §4.3), persisted instead of
// tailed from a file the way the teacher's per-host log files worked.
type LogEntry struct {
	ID        int64
	DeviceID  string
	Level     string
	Message   string
	Timestamp time.Time
}
