// Package protocol defines the WebSocket message envelope and payload types
// shared between the agent and the control-plane server.
package protocol

import "encoding/json"

// Message is the envelope for every WebSocket frame. Every frame is a
// single JSON text frame; binary frames are never used.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"data,omitempty"`
}

// NewMessage builds a Message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload decodes the message payload into target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types, agent -> server.
const (
	TypeHeartbeat      = "heartbeat"
	TypeTaskResult     = "task_result"
	TypeTaskOutput     = "task_output"
	TypeLog            = "log"
	TypeDiskScan       = "disk_scan"
	TypeHardwareReport = "hardware_report"
)

// Message types, server -> agent.
const (
	TypeRunTask          = "run_task"
	TypeScheduleTask     = "schedule_task"
	TypeCancelTask       = "cancel_task"
	TypeUpdatePolicy     = "update_policy"
	TypeDiskScanRequest  = "disk_scan_request"
	TypeCommandRejected  = "command_rejected"
)

// Platform tags (spec §3).
const (
	PlatformWindows = "windows"
	PlatformLinux   = "linux"
	PlatformAndroid = "android"
)

// Script types a Task may carry (spec §3).
const (
	ScriptPowerShell = "powershell"
	ScriptCmd        = "cmd"
	ScriptPython     = "python"
	ScriptBash       = "bash"
	ScriptShell      = "shell"
	ScriptADB        = "adb"
)

// Trigger kinds (spec §3, §4.8).
const (
	TriggerNow      = "now"
	TriggerOnce     = "once"
	TriggerInterval = "interval"
	TriggerCron     = "cron"
	TriggerEvent    = "event"
)

// Task/TaskResult status values (spec §3).
const (
	TaskStatusPending    = "pending"
	TaskStatusDispatched = "dispatched"
	TaskStatusCancelled  = "cancelled"

	ResultStatusRunning   = "running"
	ResultStatusCompleted = "completed"
	ResultStatusFailed    = "failed"
	ResultStatusTimeout   = "timeout"
)

// Telemetry is the per-device snapshot carried by heartbeats and stored on
// the Device record (spec §3).
type Telemetry struct {
	BatteryLevel    *int    `json:"battery_level"`
	BatteryCharging bool    `json:"battery_charging"`
	CPUPercent      *float64 `json:"cpu_percent"`
	RAMPercent      *float64 `json:"ram_percent"`
	DiskPercent     *float64 `json:"disk_percent"`
}

// HeartbeatPayload is sent periodically by the agent (spec §4.11).
type HeartbeatPayload struct {
	Telemetry
}

// TaskResultPayload reports the terminal outcome of a task run (spec §6).
type TaskResultPayload struct {
	TaskID    string `json:"task_id"`
	ExitCode  int    `json:"exit_code"`
	Stdout    string `json:"stdout"`
	Stderr    string `json:"stderr"`
	StartedAt string `json:"started_at"` // RFC3339
}

// TaskOutputPayload streams partial output while a task runs (spec §6).
type TaskOutputPayload struct {
	TaskID   string `json:"task_id"`
	Output   string `json:"output"`
	Progress int    `json:"progress"`
}

// LogPayload appends a single log line (spec §4.3).
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// DiskScanPayload carries disk inventory details (spec §4.3).
type DiskScanPayload struct {
	Details []map[string]any `json:"details"`
}

// HardwareReportPayload carries a hardware scan snapshot (spec §4.3).
type HardwareReportPayload struct {
	Details map[string]any `json:"details"`
}

// RunTaskPayload requests immediate execution (spec §6).
type RunTaskPayload struct {
	TaskID     string `json:"task_id"`
	Name       string `json:"name"`
	ScriptType string `json:"script_type"`
	ScriptBody string `json:"script_body"`
}

// CachedTaskPayload is the wire form of the agent's cached task
// (internal/agent.CachedTask embeds it); it is both
// the `schedule_task` payload and the shape seeded into the agent's local
// cache on check-in (spec §4.7).
type CachedTaskPayload struct {
	TaskID          string `json:"task_id"`
	Name            string `json:"name"`
	ScriptType      string `json:"script_type"`
	ScriptBody      string `json:"script_body"`
	TriggerType     string `json:"trigger_type"`
	ScheduledAt     string `json:"scheduled_at,omitempty"`
	IntervalSeconds int    `json:"interval_seconds,omitempty"`
	CronExpression  string `json:"cron_expression,omitempty"`
	EventKind       string `json:"event_kind,omitempty"`
	Cancelled       bool   `json:"cancelled"`
}

// CancelTaskPayload tells the agent (or the Dispatcher) a task is cancelled.
type CancelTaskPayload struct {
	TaskID string `json:"task_id"`
}

// PolicyPayload is the six-band heartbeat policy (spec §3).
type PolicyPayload struct {
	PluggedSeconds      int `json:"plugged_seconds"`
	Battery10080Seconds int `json:"battery_100_80_seconds"`
	Battery7950Seconds  int `json:"battery_79_50_seconds"`
	Battery4920Seconds  int `json:"battery_49_20_seconds"`
	Battery1910Seconds  int `json:"battery_19_10_seconds"`
	Battery90Seconds    int `json:"battery_9_0_seconds"`
	LowBatteryAlertPct  int `json:"low_battery_alert_threshold"`
	DiskScanSeconds     int `json:"disk_scan_interval_seconds"`
	HardwareScanSeconds int `json:"hardware_scan_interval_seconds"`
}

// CommandRejectedPayload mirrors the teacher's busy-state rejection, reused
// here for the agent's "device locked" (original_source: lockdown.py)
// rejections and for the server's lock notices (Reason "lockdown" or
// "unlock").
type CommandRejectedPayload struct {
	Reason string `json:"reason"`
	TaskID string `json:"task_id,omitempty"`
}

// DiskScanRequestPayload carries no fields; disk_scan_request is a bare
// trigger telling the agent to run its disk inventory and report back with
// a disk_scan message.
type DiskScanRequestPayload struct{}
