package agent

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/agentconfig"
	"github.com/fleetguard/control-plane/internal/protocol"
)

// Version is the agent version string carried in checkin.
const Version = "1.0.0"

// triggerTick is how often the Trigger Evaluator walks the Local Task
// Cache (spec §4.8).
const triggerTick = 30 * time.Second

// Agent is the top-level device-side process: it wires the Reachability
// Selector, Local Task Cache, Trigger Evaluator, Task Executor, Adaptive
// Heartbeat and Pre-run Confirmer together around a WebSocket session.
// Grounded on the teacher's internal/agent/agent.go Run/goroutine-fan-out
// shape, generalized from a single-purpose NixOS agent to this repo's
// multi-platform task runner.
type Agent struct {
	cfg *agentconfig.Config
	log zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	selector  *Selector
	cache     *Cache
	evaluator *Evaluator
	executor  *Executor
	heartbeat *Heartbeat
	confirmer *Confirmer
	lock      LockState

	ws *WSClient

	mu       sync.Mutex
	deviceID string
}

// New builds an Agent from cfg. stateFile and cacheFile are the on-disk
// paths for state.json and scheduled_tasks.json (spec §6).
func New(cfg *agentconfig.Config, stateFile, cacheFile string, log zerolog.Logger) *Agent {
	ctx, cancel := context.WithCancel(context.Background())

	selector := NewSelector(cfg.PrimaryAddr, cfg.FallbackAddr, stateFile, log)
	cache := NewCache(cacheFile)

	a := &Agent{
		cfg:       cfg,
		log:       log.With().Str("component", "agent").Logger(),
		ctx:       ctx,
		cancel:    cancel,
		selector:  selector,
		cache:     cache,
		evaluator: NewEvaluator(cache),
		executor:  NewExecutor(log),
		heartbeat: NewHeartbeat(policyFromConfig(cfg.DefaultPolicy)),
		deviceID:  selector.DeviceID(),
	}
	if a.deviceID == "" {
		a.deviceID = uuid.NewString()
		selector.SetDeviceID(a.deviceID)
	}

	a.ws = NewWSClient(selector.Resolve, a.deviceID, cfg.AgentToken, log, a)
	return a
}

// Run performs the initial checkin, then blocks running the heartbeat
// loop, trigger-evaluator loop, and WebSocket session loop until Shutdown
// is called.
func (a *Agent) Run() error {
	a.log.Info().Str("device_id", a.deviceID).Msg("starting agent")

	a.selector.WatchNetwork(a.ctx)

	resp, err := CheckinUntilSuccess(a.ctx, a.selector.Resolve(a.ctx), checkinRequest{
		DeviceID: a.deviceID,
		Hostname: hostname(),
		Platform: currentPlatform(),
	}, a.cfg.AgentToken, a.log)
	if err != nil {
		// Context was cancelled before a checkin ever succeeded.
		return err
	}

	a.heartbeat.SetPolicy(resp.Policy)
	a.lock.Set(resp.Locked)
	a.confirmer = NewConfirmer(a.selector.Resolve(a.ctx), a.cfg.AgentToken)
	if err := a.cache.Seed(resp.PendingTasks); err != nil {
		a.log.Warn().Err(err).Msg("failed to seed local task cache")
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		a.heartbeatLoop()
	}()
	go func() {
		defer wg.Done()
		a.triggerLoop()
	}()
	go func() {
		defer wg.Done()
		a.messageLoop()
	}()

	a.ws.Run(a.ctx)
	wg.Wait()

	a.log.Info().Msg("agent stopped")
	return nil
}

// Shutdown cancels the agent's context and closes the WebSocket.
func (a *Agent) Shutdown() {
	a.cancel()
	a.selector.Close()
	a.ws.Close()
}

// OnConnected is the ConnectionHandler hook fired once the WebSocket
// handshake completes.
func (a *Agent) OnConnected() {
	a.log.Info().Msg("connected to control plane")
}

// OnDisconnected invalidates the reachability cache so the next connect
// attempt re-probes rather than retrying a now-possibly-stale endpoint
// choice (spec §4.6's explicit post-disconnect invalidation hook).
func (a *Agent) OnDisconnected() {
	a.log.Warn().Msg("disconnected from control plane")
	a.selector.Invalidate()
}

func (a *Agent) heartbeatLoop() {
	interval := a.heartbeat.seconds(a.cfg.DefaultPolicy.PluggedSeconds)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-timer.C:
			telemetry := Snapshot()
			if a.ws.IsConnected() {
				a.sendHeartbeat(telemetry)
			}

			plugged := telemetry.BatteryLevel == nil || telemetry.BatteryCharging
			level := 100
			if telemetry.BatteryLevel != nil {
				level = *telemetry.BatteryLevel
			}
			interval = a.heartbeat.NextInterval(plugged, level)
			timer.Reset(interval)
		}
	}
}

func (a *Agent) sendHeartbeat(t protocol.Telemetry) {
	if err := a.ws.Send(protocol.TypeHeartbeat, protocol.HeartbeatPayload{Telemetry: t}); err != nil {
		a.log.Debug().Err(err).Msg("failed to send heartbeat")
	}
}

func (a *Agent) triggerLoop() {
	ticker := time.NewTicker(triggerTick)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.runDueTasks()
		}
	}
}

func (a *Agent) runDueTasks() {
	now := time.Now()
	for _, task := range a.evaluator.Tick(now) {
		a.runTask(task, now)
	}
}

func (a *Agent) runTask(task *CachedTask, firedAt time.Time) {
	if a.lock.Locked() {
		a.rejectCommand("device locked", task.TaskID)
		return
	}

	if a.confirmer != nil && !a.confirmer.ShouldRun(a.ctx, task.TaskID) {
		_ = a.cache.MarkCancelled(task.TaskID)
		a.evaluator.MarkFired(task.TaskID, firedAt)
		return
	}

	go a.execute(task, firedAt)
}

func (a *Agent) execute(task *CachedTask, startedAt time.Time) {
	a.evaluator.MarkFired(task.TaskID, startedAt)

	result := a.executor.Run(a.ctx, task.ScriptType, task.ScriptBody, func(line string, progress int) {
		_ = a.ws.Send(protocol.TypeTaskOutput, protocol.TaskOutputPayload{
			TaskID:   task.TaskID,
			Output:   line,
			Progress: progress,
		})
	})

	_ = a.ws.Send(protocol.TypeTaskResult, result.TaskResultPayload(task.TaskID, startedAt))

	switch task.TriggerType {
	case protocol.TriggerNow, protocol.TriggerOnce:
		_ = a.cache.Remove(task.TaskID)
	}
}

func (a *Agent) rejectCommand(reason, taskID string) {
	_ = a.ws.Send(protocol.TypeCommandRejected, protocol.CommandRejectedPayload{Reason: reason, TaskID: taskID})
}

// OnMessage dispatches one inbound server->agent message (spec §4.3's
// outbound-message catalogue, from the agent's point of view).
func (a *Agent) OnMessage(msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeRunTask:
		var p protocol.RunTaskPayload
		if err := msg.ParsePayload(&p); err != nil {
			a.log.Warn().Err(err).Msg("malformed run_task payload")
			return
		}
		a.handleRunTask(p)

	case protocol.TypeScheduleTask:
		var p protocol.CachedTaskPayload
		if err := msg.ParsePayload(&p); err != nil {
			a.log.Warn().Err(err).Msg("malformed schedule_task payload")
			return
		}
		a.evaluator.Forget(p.TaskID)
		if err := a.cache.Upsert(p); err != nil {
			a.log.Warn().Err(err).Msg("failed to persist scheduled task")
		}

	case protocol.TypeCancelTask:
		var p protocol.CancelTaskPayload
		if err := msg.ParsePayload(&p); err != nil {
			a.log.Warn().Err(err).Msg("malformed cancel_task payload")
			return
		}
		if err := a.cache.MarkCancelled(p.TaskID); err != nil {
			a.log.Warn().Err(err).Msg("failed to mark task cancelled")
		}

	case protocol.TypeUpdatePolicy:
		var p protocol.PolicyPayload
		if err := msg.ParsePayload(&p); err != nil {
			a.log.Warn().Err(err).Msg("malformed update_policy payload")
			return
		}
		a.heartbeat.SetPolicy(p)

	case protocol.TypeDiskScanRequest:
		go a.runDiskScan()

	case protocol.TypeCommandRejected:
		var p protocol.CommandRejectedPayload
		if err := msg.ParsePayload(&p); err != nil {
			return
		}
		switch p.Reason {
		case "lockdown":
			a.lock.Set(true)
		case "unlock":
			a.lock.Set(false)
		}

	default:
		a.log.Debug().Str("type", msg.Type).Msg("unhandled message type")
	}
}

func (a *Agent) handleRunTask(p protocol.RunTaskPayload) {
	if a.lock.Locked() {
		a.rejectCommand("device locked", p.TaskID)
		return
	}
	task := &CachedTask{CachedTaskPayload: protocol.CachedTaskPayload{
		TaskID:      p.TaskID,
		Name:        p.Name,
		ScriptType:  p.ScriptType,
		ScriptBody:  p.ScriptBody,
		TriggerType: protocol.TriggerNow,
	}}
	go a.execute(task, time.Now())
}

func (a *Agent) runDiskScan() {
	details := diskInventory()
	_ = a.ws.Send(protocol.TypeDiskScan, protocol.DiskScanPayload{Details: details})
}

// messageLoop pumps OnMessage from the WebSocket's inbound channel.
func (a *Agent) messageLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.ws.Messages():
			if msg != nil {
				a.OnMessage(msg)
			}
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}

func currentPlatform() string {
	switch runtime.GOOS {
	case "windows":
		return protocol.PlatformWindows
	case "android":
		return protocol.PlatformAndroid
	default:
		return protocol.PlatformLinux
	}
}

// policyFromConfig converts the build-time default policy (which
// agentconfig keeps dependency-free of the protocol package) into the wire
// type used everywhere a policy is pushed or consulted after the first
// update_policy message arrives.
func policyFromConfig(p agentconfig.Policy) protocol.PolicyPayload {
	return protocol.PolicyPayload{
		PluggedSeconds:      p.PluggedSeconds,
		Battery10080Seconds: p.Battery10080Seconds,
		Battery7950Seconds:  p.Battery7950Seconds,
		Battery4920Seconds:  p.Battery4920Seconds,
		Battery1910Seconds:  p.Battery1910Seconds,
		Battery90Seconds:    p.Battery90Seconds,
		LowBatteryAlertPct:  p.LowBatteryAlertPct,
		DiskScanSeconds:     p.DiskScanSeconds,
		HardwareScanSeconds: p.HardwareScanSeconds,
	}
}
