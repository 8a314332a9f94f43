package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/protocol"
	"github.com/fleetguard/control-plane/internal/pushbus"
)

func newTestStore(t *testing.T) *devicestore.Store {
	t.Helper()
	store, err := devicestore.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func seedDevice(t *testing.T, store *devicestore.Store, id, platform string) {
	t.Helper()
	err := store.UpsertDevice(context.Background(), &devicestore.Device{
		ID:       id,
		Hostname: id + "-host",
		Platform: platform,
		MAC:      "00:00:00:00:00:00",
	})
	if err != nil {
		t.Fatalf("seed device %s: %v", id, err)
	}
	// "all" target resolution only considers status=online devices (spec
	// §4.4 step 1); seeded devices default to online like a freshly
	// connected agent.
	if err := store.SetOnline(context.Background(), id); err != nil {
		t.Fatalf("mark device %s online: %v", id, err)
	}
}

func TestDispatchSingleTargetPublishesRunTask(t *testing.T) {
	store := newTestStore(t)
	seedDevice(t, store, "dev-1", protocol.PlatformLinux)

	task := &devicestore.Task{
		ID:          "task-1",
		Name:        "uptime",
		ScriptType:  "bash",
		ScriptBody:  "uptime",
		Target:      "dev-1",
		TriggerType: protocol.TriggerNow,
		Status:      protocol.TaskStatusPending,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	bus := pushbus.NewInProcessBus(8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	envelopes, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d := New(store, bus, zerolog.Nop())
	if err := d.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	select {
	case env := <-envelopes:
		if env.Target != "dev-1" {
			t.Fatalf("expected envelope targeted at dev-1, got %q", env.Target)
		}
		var msg protocol.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if msg.Type != protocol.TypeRunTask {
			t.Fatalf("expected run_task envelope, got %q", msg.Type)
		}
	default:
		t.Fatalf("expected an envelope to be published")
	}

	results, err := store.ListResultsForTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 || results[0].DeviceID != "dev-1" {
		t.Fatalf("expected one stubbed result for dev-1, got %+v", results)
	}

	got, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != protocol.TaskStatusDispatched {
		t.Fatalf("expected task status dispatched, got %q", got.Status)
	}
}

func TestDispatchAllSkipsLockedDevices(t *testing.T) {
	store := newTestStore(t)
	seedDevice(t, store, "dev-1", protocol.PlatformLinux)
	seedDevice(t, store, "dev-2", protocol.PlatformLinux)
	if err := store.SetLocked(context.Background(), "dev-2", true); err != nil {
		t.Fatalf("lock dev-2: %v", err)
	}

	task := &devicestore.Task{
		ID:          "task-all",
		Name:        "uptime",
		ScriptType:  "bash",
		ScriptBody:  "uptime",
		Target:      "all",
		TriggerType: protocol.TriggerNow,
		Status:      protocol.TaskStatusPending,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	bus := pushbus.NewInProcessBus(8, zerolog.Nop())
	d := New(store, bus, zerolog.Nop())
	if err := d.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	results, err := store.ListResultsForTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 1 || results[0].DeviceID != "dev-1" {
		t.Fatalf("expected only the unlocked device to receive a stub, got %+v", results)
	}
}

func TestDispatchPlatformFilterExcludesMismatch(t *testing.T) {
	store := newTestStore(t)
	seedDevice(t, store, "dev-win", protocol.PlatformWindows)

	platform := protocol.PlatformLinux
	task := &devicestore.Task{
		ID:          "task-filtered",
		Name:        "uptime",
		ScriptType:  "bash",
		ScriptBody:  "uptime",
		Target:      "dev-win",
		Platform:    &platform,
		TriggerType: protocol.TriggerNow,
		Status:      protocol.TaskStatusPending,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	bus := pushbus.NewInProcessBus(8, zerolog.Nop())
	d := New(store, bus, zerolog.Nop())
	if err := d.Dispatch(context.Background(), task); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	results, err := store.ListResultsForTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list results: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no results for a platform-mismatched target, got %+v", results)
	}
}

func TestCancelPublishesCancelEnvelope(t *testing.T) {
	store := newTestStore(t)
	seedDevice(t, store, "dev-1", protocol.PlatformLinux)

	task := &devicestore.Task{
		ID:          "task-cancel",
		Name:        "uptime",
		ScriptType:  "bash",
		ScriptBody:  "uptime",
		Target:      "dev-1",
		TriggerType: protocol.TriggerNow,
		Status:      protocol.TaskStatusPending,
	}
	if err := store.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("create task: %v", err)
	}

	bus := pushbus.NewInProcessBus(8, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	envelopes, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	d := New(store, bus, zerolog.Nop())
	if err := d.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	select {
	case env := <-envelopes:
		var msg protocol.Message
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			t.Fatalf("unmarshal envelope: %v", err)
		}
		if msg.Type != protocol.TypeCancelTask {
			t.Fatalf("expected cancel_task envelope, got %q", msg.Type)
		}
	default:
		t.Fatalf("expected a cancel envelope to be published")
	}

	cancelled, err := store.GetTaskCancelled(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task cancelled: %v", err)
	}
	if !cancelled {
		t.Fatalf("expected task to be marked cancelled")
	}
}
