package agent

import (
	"path/filepath"
	"testing"

	"github.com/fleetguard/control-plane/internal/protocol"
)

func TestCacheUpsertPersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")

	c := NewCache(path)
	if err := c.Upsert(protocol.CachedTaskPayload{TaskID: "t-1", Name: "ping", TriggerType: protocol.TriggerNow}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := c.Upsert(protocol.CachedTaskPayload{TaskID: "t-2", Name: "pong", TriggerType: protocol.TriggerInterval, IntervalSeconds: 30}); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	reloaded := NewCache(path)
	all := reloaded.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks after reload, got %d", len(all))
	}
	if all[0].TaskID != "t-1" || all[1].TaskID != "t-2" {
		t.Fatalf("expected insertion order preserved across reload, got %+v", all)
	}
}

func TestCacheUpsertReplacesExistingInPlace(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "tasks.json"))
	_ = c.Upsert(protocol.CachedTaskPayload{TaskID: "t-1", Name: "v1", TriggerType: protocol.TriggerNow})
	_ = c.Upsert(protocol.CachedTaskPayload{TaskID: "t-2", Name: "other", TriggerType: protocol.TriggerNow})
	_ = c.Upsert(protocol.CachedTaskPayload{TaskID: "t-1", Name: "v2", TriggerType: protocol.TriggerNow})

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("expected upsert of an existing id not to grow the cache, got %d entries", len(all))
	}
	if all[0].Name != "v2" {
		t.Fatalf("expected t-1 to be updated in its original slot, got %+v", all[0])
	}
}

func TestCacheMarkCancelledAndRemove(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "tasks.json"))
	_ = c.Upsert(protocol.CachedTaskPayload{TaskID: "t-1", TriggerType: protocol.TriggerNow})

	if err := c.MarkCancelled("t-1"); err != nil {
		t.Fatalf("mark cancelled: %v", err)
	}
	task, ok := c.Get("t-1")
	if !ok || !task.Cancelled {
		t.Fatalf("expected t-1 to be marked cancelled")
	}

	if err := c.Remove("t-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := c.Get("t-1"); ok {
		t.Fatalf("expected t-1 to be gone after Remove")
	}
}

func TestCacheSeedMergesAndPreservesOrder(t *testing.T) {
	c := NewCache(filepath.Join(t.TempDir(), "tasks.json"))
	_ = c.Upsert(protocol.CachedTaskPayload{TaskID: "t-1", Name: "first", TriggerType: protocol.TriggerNow})

	err := c.Seed([]protocol.CachedTaskPayload{
		{TaskID: "t-1", Name: "first-updated", TriggerType: protocol.TriggerNow},
		{TaskID: "t-2", Name: "second", TriggerType: protocol.TriggerNow},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	all := c.All()
	if len(all) != 2 {
		t.Fatalf("expected 2 tasks after seed, got %d", len(all))
	}
	if all[0].TaskID != "t-1" || all[0].Name != "first-updated" {
		t.Fatalf("expected t-1 to be updated in place, got %+v", all[0])
	}
	if all[1].TaskID != "t-2" {
		t.Fatalf("expected t-2 to be appended, got %+v", all[1])
	}
}
