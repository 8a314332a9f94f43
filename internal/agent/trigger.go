package agent

import (
	"sort"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// cronParser accepts the standard 5-field crontab subset (minute hour
// day-of-month month day-of-week), matching the fields spec §3/§4.8 allow
// on a CachedTask's cron_expression.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// dueRecord is what Tick returns for each task that should fire this pass.
type dueRecord struct {
	Task *CachedTask
}

// Evaluator is the Trigger Evaluator (C8): it walks the Local Task Cache on
// every tick and decides which tasks are due, in the order they should
// run. Grounded on zkoranges-go-claw's internal/cron/scheduler.go for the
// cron-dueness computation (ParseStandard + Schedule.Next), generalized
// here to also cover the now/once/interval/event trigger kinds spec §4.8
// requires.
type Evaluator struct {
	cache *Cache

	// fired tracks once/now tasks that have already dispatched, so a
	// re-seed from the server (which does not know local firing state)
	// cannot cause a duplicate run.
	fired map[string]bool

	// lastInterval tracks the last fire time of each interval task across
	// ticks, since CachedTaskPayload itself carries no mutable "last run"
	// field.
	lastInterval map[string]time.Time
}

// NewEvaluator builds an Evaluator over cache.
func NewEvaluator(cache *Cache) *Evaluator {
	return &Evaluator{
		cache:        cache,
		fired:        make(map[string]bool),
		lastInterval: make(map[string]time.Time),
	}
}

// Tick returns the tasks due to run at now, in fire order: earlier
// insertion order wins ties (spec §4.8's deterministic ordering
// requirement), except that `now` trigger tasks always sort first since
// they represent an explicit immediate dispatch.
func (e *Evaluator) Tick(now time.Time) []*CachedTask {
	var due []*CachedTask

	for _, t := range e.cache.All() {
		if t.Cancelled {
			continue
		}
		if e.isDue(t, now) {
			due = append(due, t)
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		pi, pj := due[i].TriggerType == protocol.TriggerNow, due[j].TriggerType == protocol.TriggerNow
		if pi != pj {
			return pi
		}
		return due[i].seq < due[j].seq
	})
	return due
}

func (e *Evaluator) isDue(t *CachedTask, now time.Time) bool {
	switch t.TriggerType {
	case protocol.TriggerNow:
		return !e.fired[t.TaskID]

	case protocol.TriggerOnce:
		if e.fired[t.TaskID] {
			return false
		}
		at, err := time.Parse(time.RFC3339, t.ScheduledAt)
		if err != nil {
			return false
		}
		// A once-trigger whose time has already passed (agent was offline,
		// clock drift) fires on the next tick rather than being skipped.
		return !now.Before(at)

	case protocol.TriggerInterval:
		if t.IntervalSeconds <= 0 {
			return false
		}
		last, ok := e.lastInterval[t.TaskID]
		if !ok {
			return true
		}
		return now.Sub(last) >= time.Duration(t.IntervalSeconds)*time.Second

	case protocol.TriggerCron:
		sched, err := cronParser.Parse(t.CronExpression)
		if err != nil {
			return false
		}
		last, ok := e.lastInterval[t.TaskID]
		if !ok {
			// First observation: only due if the schedule's previous
			// firing point already passed, found by probing a minute back.
			last = now.Add(-time.Minute)
		}
		next := sched.Next(last)
		return !next.After(now)

	case protocol.TriggerEvent:
		// Event-triggered tasks fire only via EventFired, never by tick.
		return false

	default:
		return false
	}
}

// MarkFired records that a task has dispatched at t, so Tick will not
// return it again until its next legitimate occurrence.
func (e *Evaluator) MarkFired(taskID string, t time.Time) {
	e.fired[taskID] = true
	e.lastInterval[taskID] = t
}

// EventFired returns every cached, non-cancelled event task whose
// event_kind matches eventKind, in insertion order, for the caller to run
// immediately when that event occurs (spec §4.8's event trigger).
func (e *Evaluator) EventFired(eventKind string) []*CachedTask {
	var due []*CachedTask
	for _, t := range e.cache.All() {
		if t.Cancelled || t.TriggerType != protocol.TriggerEvent {
			continue
		}
		if t.EventKind == eventKind {
			due = append(due, t)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	return due
}

// Forget clears firing state for a task, used when a `once` task is
// resubmitted with a new scheduled_at under the same id.
func (e *Evaluator) Forget(taskID string) {
	delete(e.fired, taskID)
	delete(e.lastInterval, taskID)
}
