package agent

import (
	"bytes"
	"encoding/json"
	"os"
	"sync"

	"github.com/natefinch/atomic"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// CachedTask is the agent's local record of a scheduled or queued task,
// mirroring protocol.CachedTaskPayload plus the bookkeeping the Trigger
// Evaluator needs (spec §4.7).
type CachedTask struct {
	protocol.CachedTaskPayload

	// seq preserves insertion order for trigger tie-breaking (spec §4.8).
	seq int
}

// cacheFile is the on-disk shape of the cache file (scheduled_tasks.json by
// default): a plain slice preserves
// insertion order across a save/load round trip without needing a
// separate sequence field on disk.
type cacheFile struct {
	Tasks []protocol.CachedTaskPayload `json:"tasks"`
}

// Cache is the Local Task Cache (C7): the agent's durable queue of tasks to
// evaluate and run even while disconnected from the server. Every mutation
// is followed by an atomic rewrite of the cache file, so a crash mid-write
// never corrupts the queue (spec §4.7, §9).
type Cache struct {
	path string

	mu      sync.Mutex
	tasks   []*CachedTask
	nextSeq int
}

// NewCache loads the cache from path, or starts empty if the file is
// missing or unreadable.
func NewCache(path string) *Cache {
	c := &Cache{path: path}
	c.load()
	return c
}

func (c *Cache) load() {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return
	}
	var f cacheFile
	if err := json.Unmarshal(data, &f); err != nil {
		return
	}
	for _, p := range f.Tasks {
		c.tasks = append(c.tasks, &CachedTask{CachedTaskPayload: p, seq: c.nextSeq})
		c.nextSeq++
	}
}

func (c *Cache) saveLocked() error {
	f := cacheFile{Tasks: make([]protocol.CachedTaskPayload, 0, len(c.tasks))}
	for _, t := range c.tasks {
		f.Tasks = append(f.Tasks, t.CachedTaskPayload)
	}
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(c.path, bytes.NewReader(data))
}

// Seed replaces the whole cache with the server's authoritative
// pending-task list, sent on every checkin (spec §4.7): local entries not
// in that list are dropped. Tasks already known locally keep their
// insertion sequence; genuinely new tasks get the next sequence numbers in
// the order given.
func (c *Cache) Seed(tasks []protocol.CachedTaskPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	byID := make(map[string]*CachedTask, len(c.tasks))
	for _, t := range c.tasks {
		byID[t.TaskID] = t
	}

	merged := make([]*CachedTask, 0, len(tasks))
	for _, p := range tasks {
		if existing, ok := byID[p.TaskID]; ok {
			existing.CachedTaskPayload = p
			merged = append(merged, existing)
			delete(byID, p.TaskID)
			continue
		}
		merged = append(merged, &CachedTask{CachedTaskPayload: p, seq: c.nextSeq})
		c.nextSeq++
	}
	c.tasks = merged
	return c.saveLocked()
}

// Upsert inserts a new task or replaces an existing one by task id,
// preserving the original insertion slot on update.
func (c *Cache) Upsert(p protocol.CachedTaskPayload) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tasks {
		if t.TaskID == p.TaskID {
			t.CachedTaskPayload = p
			return c.saveLocked()
		}
	}
	c.tasks = append(c.tasks, &CachedTask{CachedTaskPayload: p, seq: c.nextSeq})
	c.nextSeq++
	return c.saveLocked()
}

// MarkCancelled flags a task cancelled in place rather than removing it;
// the Trigger Evaluator skips cancelled tasks, and the entry stays until a
// later Seed or Remove drops it. An execution already running is not
// affected by the flag.
func (c *Cache) MarkCancelled(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tasks {
		if t.TaskID == taskID {
			t.Cancelled = true
			return c.saveLocked()
		}
	}
	return nil
}

// Remove drops a task entirely, used once a `once`/`now` task has fired and
// reported its result.
func (c *Cache) Remove(taskID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := c.tasks[:0]
	for _, t := range c.tasks {
		if t.TaskID != taskID {
			out = append(out, t)
		}
	}
	c.tasks = out
	return c.saveLocked()
}

// All returns the cached tasks in insertion order. Callers must not mutate
// the returned slice's elements' CachedTaskPayload directly; use Upsert.
func (c *Cache) All() []*CachedTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*CachedTask, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Get looks up a single cached task by id.
func (c *Cache) Get(taskID string) (*CachedTask, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tasks {
		if t.TaskID == taskID {
			return t, true
		}
	}
	return nil, false
}
