package agent

import "sync/atomic"

// LockState tracks whether this device is currently locked down
// (original_source: lockdown.py's device-lock concept). While locked, the
// agent rejects incoming run/schedule commands instead of executing them,
// mirroring the busy-state rejection the teacher uses for concurrent
// commands (internal/agent/commands.go) but gated on an operator-set flag
// rather than "already running something".
type LockState struct {
	locked atomic.Bool
}

// Set updates the lock flag, applied by the checkin response and by any
// later command_rejected push whose reason is "lockdown" or "unlock".
func (l *LockState) Set(locked bool) {
	l.locked.Store(locked)
}

// Locked reports the current lock flag.
func (l *LockState) Locked() bool {
	return l.locked.Load()
}
