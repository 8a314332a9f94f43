package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/protocol"
)

// messageHandler implements internal/session.Handler, translating decoded
// inbound frames into devicestore writes. Kept as its own small type rather
// than a method directly on Server so internal/session only needs to know
// about the narrow Handler interface.
type messageHandler struct {
	store *devicestore.Store
	log   zerolog.Logger
}

func newMessageHandler(store *devicestore.Store, log zerolog.Logger) *messageHandler {
	return &messageHandler{store: store, log: log.With().Str("component", "message_handler").Logger()}
}

func (h *messageHandler) HandleMessage(ctx context.Context, deviceID string, msg *protocol.Message) error {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		return h.handleHeartbeat(ctx, deviceID, msg)
	case protocol.TypeTaskResult:
		return h.handleTaskResult(ctx, deviceID, msg)
	case protocol.TypeTaskOutput:
		return h.handleTaskOutput(ctx, deviceID, msg)
	case protocol.TypeLog:
		return h.handleLog(ctx, deviceID, msg)
	case protocol.TypeDiskScan:
		return h.handleDiskScan(ctx, deviceID, msg)
	case protocol.TypeHardwareReport:
		return h.handleHardwareReport(ctx, deviceID, msg)
	default:
		return fmt.Errorf("server: unknown inbound message type %q", msg.Type)
	}
}

func (h *messageHandler) handleHeartbeat(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var payload protocol.HeartbeatPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return fmt.Errorf("decode heartbeat: %w", err)
	}
	return h.store.UpdateTelemetry(ctx, deviceID, payload.BatteryLevel, payload.BatteryCharging,
		payload.CPUPercent, payload.RAMPercent, payload.DiskPercent)
}

// timedOutMarker is the stderr suffix internal/agent/executor.go appends on
// a subprocess timeout (spec §4.10/§7: exit_code=-1, stderr appended with
// "timed out"); its presence alongside exit_code=-1 is how the server tells
// a timeout apart from an ordinary failing exit code.
const timedOutMarker = "timed out"

func (h *messageHandler) handleTaskResult(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var payload protocol.TaskResultPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return fmt.Errorf("decode task_result: %w", err)
	}
	status := protocol.ResultStatusCompleted
	switch {
	case payload.ExitCode == -1 && strings.Contains(payload.Stderr, timedOutMarker):
		status = protocol.ResultStatusTimeout
	case payload.ExitCode != 0:
		status = protocol.ResultStatusFailed
	}
	exitCode := payload.ExitCode
	return h.store.CompleteTaskResultByTaskDevice(ctx, payload.TaskID, deviceID, status, &exitCode, payload.Stdout, payload.Stderr)
}

func (h *messageHandler) handleTaskOutput(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var payload protocol.TaskOutputPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return fmt.Errorf("decode task_output: %w", err)
	}
	return h.store.AppendTaskOutput(ctx, payload.TaskID, deviceID, payload.Output, payload.Progress)
}

func (h *messageHandler) handleLog(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var payload protocol.LogPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return fmt.Errorf("decode log: %w", err)
	}
	return h.store.AppendLog(ctx, deviceID, payload.Level, payload.Message)
}

func (h *messageHandler) handleDiskScan(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var payload protocol.DiskScanPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return fmt.Errorf("decode disk_scan: %w", err)
	}
	details, err := json.Marshal(payload.Details)
	if err != nil {
		return fmt.Errorf("encode disk_scan details: %w", err)
	}
	return h.store.AppendLog(ctx, deviceID, "disk_scan", string(details))
}

func (h *messageHandler) handleHardwareReport(ctx context.Context, deviceID string, msg *protocol.Message) error {
	var payload protocol.HardwareReportPayload
	if err := msg.ParsePayload(&payload); err != nil {
		return fmt.Errorf("decode hardware_report: %w", err)
	}
	details, err := json.Marshal(payload.Details)
	if err != nil {
		return fmt.Errorf("encode hardware_report details: %w", err)
	}
	return h.store.AppendLog(ctx, deviceID, "hardware_report", string(details))
}
