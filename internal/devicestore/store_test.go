package devicestore

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnsureDefaultPolicyInsertsOnlyOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	seed := &Policy{PluggedSeconds: 60, Battery90Seconds: 1800}
	if err := store.EnsureDefaultPolicy(ctx, seed); err != nil {
		t.Fatalf("ensure default policy: %v", err)
	}

	// A second call with a different seed must not insert a second default.
	if err := store.EnsureDefaultPolicy(ctx, &Policy{PluggedSeconds: 999}); err != nil {
		t.Fatalf("ensure default policy (second call): %v", err)
	}

	got, err := store.getDefaultPolicy(ctx)
	if err != nil {
		t.Fatalf("get default policy: %v", err)
	}
	if got.PluggedSeconds != 60 {
		t.Fatalf("expected the first seed to win, got plugged_seconds=%d", got.PluggedSeconds)
	}
}

func TestGetPolicyForDeviceFallsBackToDefault(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureDefaultPolicy(ctx, &Policy{PluggedSeconds: 60}); err != nil {
		t.Fatalf("ensure default policy: %v", err)
	}
	if err := store.UpsertDevice(ctx, &Device{ID: "dev-1", Hostname: "h", Platform: "linux", MAC: "00:00:00:00:00:01"}); err != nil {
		t.Fatalf("upsert device: %v", err)
	}

	policy, err := store.GetPolicyForDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get policy for device: %v", err)
	}
	if !policy.IsDefault {
		t.Fatalf("expected a device with no bound policy to fall back to the default")
	}
}

func TestUpsertDeviceUpdatesOnConflict(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.UpsertDevice(ctx, &Device{ID: "dev-1", Hostname: "original", Platform: "linux", MAC: "00:00:00:00:00:01"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := store.UpsertDevice(ctx, &Device{ID: "dev-1", Hostname: "renamed", Platform: "linux", MAC: "00:00:00:00:00:01"}); err != nil {
		t.Fatalf("upsert (update): %v", err)
	}

	dev, err := store.GetDevice(ctx, "dev-1")
	if err != nil {
		t.Fatalf("get device: %v", err)
	}
	if dev.Hostname != "renamed" {
		t.Fatalf("expected hostname to be updated on conflict, got %q", dev.Hostname)
	}
}

func TestRunStalenessSweepFlagsQuietDevices(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.EnsureDefaultPolicy(ctx, &Policy{PluggedSeconds: 60}); err != nil {
		t.Fatalf("ensure default policy: %v", err)
	}
	if err := store.UpsertDevice(ctx, &Device{ID: "dev-stale", Hostname: "h", Platform: "linux", MAC: "00:00:00:00:00:01"}); err != nil {
		t.Fatalf("upsert device: %v", err)
	}

	oldTime := time.Now().Add(-time.Hour)
	_, err := store.db.ExecContext(ctx, `UPDATE devices SET last_seen = ? WHERE id = ?`, oldTime, "dev-stale")
	if err != nil {
		t.Fatalf("backdate last_seen: %v", err)
	}

	var stale []string
	threshold := func(policyHeartbeat time.Duration) time.Duration { return time.Minute }
	err = RunStalenessSweep(ctx, store, threshold, func(deviceID string) {
		stale = append(stale, deviceID)
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("run staleness sweep: %v", err)
	}

	if len(stale) != 1 || stale[0] != "dev-stale" {
		t.Fatalf("expected dev-stale to be flagged, got %v", stale)
	}
}

func TestTaskLifecycle(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	task := &Task{
		ID:          "task-1",
		Name:        "test",
		ScriptType:  "bash",
		ScriptBody:  "echo hi",
		Target:      "dev-1",
		TriggerType: "now",
		Status:      "pending",
	}
	if err := store.CreateTask(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	if err := store.UpdateTaskStatus(ctx, task.ID, "dispatched"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	got, err := store.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != "dispatched" {
		t.Fatalf("expected dispatched status, got %q", got.Status)
	}

	if err := store.UpdateTaskStatus(ctx, task.ID, "cancelled"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	cancelled, err := store.GetTaskCancelled(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task cancelled: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected task to report cancelled")
	}
}
