// Package dispatcher is the Dispatch & Scheduling Engine (C5): it resolves a
// Task's targets, stubs a TaskResult row per target, and hands off delivery
// to the Push Bus. Grounded on the teacher's (v1) internal/ops/pipeline.go
// and internal/ops/executor.go "resolve targets, stub a record per target,
// hand off to execution" shape, and internal/store/store.go's
// CreateCommand/GetPendingCommands stub-row lifecycle.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/protocol"
	"github.com/fleetguard/control-plane/internal/pushbus"
)

func marshalMessage(msg *protocol.Message) ([]byte, error) {
	return json.Marshal(msg)
}

// Dispatcher turns Tasks into Push Bus envelopes and TaskResult stub rows.
type Dispatcher struct {
	store *devicestore.Store
	bus   pushbus.Bus
	log   zerolog.Logger
}

// New builds a Dispatcher.
func New(store *devicestore.Store, bus pushbus.Bus, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{store: store, bus: bus, log: log.With().Str("component", "dispatcher").Logger()}
}

// Dispatch resolves task's targets, creates a TaskResult stub for each, and
// publishes the appropriate envelope (run_task for an immediate "now"
// trigger, schedule_task otherwise) to the Push Bus.
func (d *Dispatcher) Dispatch(ctx context.Context, task *devicestore.Task) error {
	targets, err := d.resolveTargets(ctx, task)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve targets for task %s: %w", task.ID, err)
	}

	for _, deviceID := range targets {
		result := &devicestore.TaskResult{
			ID:        uuid.NewString(),
			TaskID:    task.ID,
			DeviceID:  deviceID,
			Status:    protocol.ResultStatusRunning,
			StartedAt: time.Now(),
		}
		if err := d.store.InsertTaskResult(ctx, result); err != nil {
			return fmt.Errorf("dispatcher: stub task result for %s/%s: %w", task.ID, deviceID, err)
		}

		payload, msgType, err := buildEnvelope(task)
		if err != nil {
			return fmt.Errorf("dispatcher: build envelope for task %s: %w", task.ID, err)
		}
		msg, err := protocol.NewMessage(msgType, payload)
		if err != nil {
			return fmt.Errorf("dispatcher: encode envelope for task %s: %w", task.ID, err)
		}
		wire, err := marshalMessage(msg)
		if err != nil {
			return fmt.Errorf("dispatcher: marshal message for task %s: %w", task.ID, err)
		}

		if err := d.bus.Publish(ctx, pushbus.Envelope{Target: deviceID, Payload: wire}); err != nil {
			d.log.Warn().Err(err).Str("task_id", task.ID).Str("device_id", deviceID).Msg("publish failed")
		}
	}

	if err := d.store.UpdateTaskStatus(ctx, task.ID, protocol.TaskStatusDispatched); err != nil {
		return fmt.Errorf("dispatcher: mark task %s dispatched: %w", task.ID, err)
	}
	return nil
}

// Cancel marks a task cancelled and publishes a cancel_task envelope to
// every resolved target, so a connected agent drops it immediately and an
// offline agent sees it cancelled when it next consults the server (via the
// Pre-run Confirmer, C11).
func (d *Dispatcher) Cancel(ctx context.Context, taskID string) error {
	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("dispatcher: load task %s: %w", taskID, err)
	}
	if err := d.store.UpdateTaskStatus(ctx, taskID, protocol.TaskStatusCancelled); err != nil {
		return fmt.Errorf("dispatcher: mark task %s cancelled: %w", taskID, err)
	}

	targets, err := d.resolveTargets(ctx, task)
	if err != nil {
		return fmt.Errorf("dispatcher: resolve targets for cancel %s: %w", taskID, err)
	}

	msg, err := protocol.NewMessage(protocol.TypeCancelTask, protocol.CancelTaskPayload{TaskID: taskID})
	if err != nil {
		return fmt.Errorf("dispatcher: encode cancel envelope: %w", err)
	}
	wire, err := marshalMessage(msg)
	if err != nil {
		return fmt.Errorf("dispatcher: marshal cancel envelope: %w", err)
	}

	for _, deviceID := range targets {
		if err := d.bus.Publish(ctx, pushbus.Envelope{Target: deviceID, Payload: wire}); err != nil {
			d.log.Warn().Err(err).Str("task_id", taskID).Str("device_id", deviceID).Msg("publish cancel failed")
		}
	}
	return nil
}

// resolveTargets expands a task's Target ("all" or a single device id) into
// the concrete device ids it applies to, honoring an optional platform
// filter (original_source: backend/routes/tasks.py).
func (d *Dispatcher) resolveTargets(ctx context.Context, task *devicestore.Task) ([]string, error) {
	if task.Target != "all" {
		if task.Platform != nil {
			dev, err := d.store.GetDevice(ctx, task.Target)
			if err != nil {
				return nil, err
			}
			if dev.Platform != *task.Platform {
				return nil, nil
			}
		}
		return []string{task.Target}, nil
	}

	devices, err := d.store.ListOnline(ctx, task.Platform)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(devices))
	for _, dev := range devices {
		if dev.Locked {
			continue
		}
		ids = append(ids, dev.ID)
	}
	return ids, nil
}

func buildEnvelope(task *devicestore.Task) (any, string, error) {
	if task.TriggerType == protocol.TriggerNow {
		return protocol.RunTaskPayload{
			TaskID:     task.ID,
			Name:       task.Name,
			ScriptType: task.ScriptType,
			ScriptBody: task.ScriptBody,
		}, protocol.TypeRunTask, nil
	}

	payload := protocol.CachedTaskPayload{
		TaskID:      task.ID,
		Name:        task.Name,
		ScriptType:  task.ScriptType,
		ScriptBody:  task.ScriptBody,
		TriggerType: task.TriggerType,
	}
	if task.ScheduledAt != nil {
		payload.ScheduledAt = task.ScheduledAt.Format(time.RFC3339)
	}
	if task.IntervalSeconds != nil {
		payload.IntervalSeconds = *task.IntervalSeconds
	}
	if task.CronExpression != nil {
		payload.CronExpression = *task.CronExpression
	}
	if task.EventKind != nil {
		payload.EventKind = *task.EventKind
	}
	return payload, protocol.TypeScheduleTask, nil
}
