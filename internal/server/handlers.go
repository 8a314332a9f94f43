package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/fleetguard/control-plane/internal/devicestore"
	"github.com/fleetguard/control-plane/internal/protocol"
	"github.com/fleetguard/control-plane/internal/session"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// checkinRequest is what an agent POSTs on startup and on every
// reconnect, confirming its identity and pulling its current policy plus
// anything the server has queued while it was offline (spec §4.7's Local
// Task Cache seeding).
type checkinRequest struct {
	DeviceID string `json:"device_id" validate:"required"`
	Hostname string `json:"hostname" validate:"required"`
	Platform string `json:"platform" validate:"required,oneof=windows linux android"`
	MAC      string `json:"mac"`
}

type checkinResponse struct {
	Policy       protocol.PolicyPayload       `json:"policy"`
	Locked       bool                         `json:"locked"`
	PendingTasks []protocol.CachedTaskPayload `json:"pending_tasks"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	var req checkinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "invalid checkin: "+err.Error(), http.StatusBadRequest)
		return
	}

	token := r.Header.Get("X-Agent-Token")
	if !session.ValidateToken(token, s.cfg.AgentToken) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx := r.Context()
	if err := s.store.UpsertDevice(ctx, &devicestore.Device{
		ID:       req.DeviceID,
		Hostname: req.Hostname,
		Platform: req.Platform,
		MAC:      req.MAC,
	}); err != nil {
		s.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("checkin upsert failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	policy, err := s.store.GetPolicyForDevice(ctx, req.DeviceID)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("checkin policy lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	device, err := s.store.GetDevice(ctx, req.DeviceID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	pending, err := s.store.ListPendingTasksForDevice(ctx, req.DeviceID, req.Platform)
	if err != nil {
		s.log.Error().Err(err).Str("device_id", req.DeviceID).Msg("checkin pending task lookup failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	pendingPayloads := make([]protocol.CachedTaskPayload, 0, len(pending))
	for _, t := range pending {
		p := protocol.CachedTaskPayload{
			TaskID:      t.ID,
			Name:        t.Name,
			ScriptType:  t.ScriptType,
			ScriptBody:  t.ScriptBody,
			TriggerType: t.TriggerType,
			Cancelled:   t.Status == protocol.TaskStatusCancelled,
		}
		if t.ScheduledAt != nil {
			p.ScheduledAt = t.ScheduledAt.Format(time.RFC3339)
		}
		if t.IntervalSeconds != nil {
			p.IntervalSeconds = *t.IntervalSeconds
		}
		if t.CronExpression != nil {
			p.CronExpression = *t.CronExpression
		}
		if t.EventKind != nil {
			p.EventKind = *t.EventKind
		}
		pendingPayloads = append(pendingPayloads, p)
	}

	resp := checkinResponse{
		Policy: protocol.PolicyPayload{
			PluggedSeconds:      policy.PluggedSeconds,
			Battery10080Seconds: policy.Battery10080Seconds,
			Battery7950Seconds:  policy.Battery7950Seconds,
			Battery4920Seconds:  policy.Battery4920Seconds,
			Battery1910Seconds:  policy.Battery1910Seconds,
			Battery90Seconds:    policy.Battery90Seconds,
			LowBatteryAlertPct:  policy.LowBatteryAlertPct,
			DiskScanSeconds:     policy.DiskScanSeconds,
			HardwareScanSeconds: policy.HardwareScanSeconds,
		},
		Locked:       device.Locked,
		PendingTasks: pendingPayloads,
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleAgentWebSocket(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device_id")

	token := r.Header.Get("X-Agent-Token")
	if token == "" {
		token = r.URL.Query().Get("token")
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	if !session.ValidateToken(token, s.cfg.AgentToken) {
		session.RejectUnauthorized(conn)
		return
	}

	go s.startSession(deviceID, conn)
}

// createTaskRequest is the dashboard's task-creation payload (spec §4.4).
type createTaskRequest struct {
	Name            string  `json:"name" validate:"required"`
	ScriptType      string  `json:"script_type" validate:"required,oneof=powershell cmd python bash shell adb"`
	ScriptBody      string  `json:"script_body" validate:"required"`
	Target          string  `json:"target" validate:"required"`
	Platform        *string `json:"target_platform,omitempty" validate:"omitempty,oneof=windows linux android"`
	TriggerType     string  `json:"trigger_type" validate:"required,oneof=now once interval cron event"`
	ScheduledAt     *string `json:"scheduled_at,omitempty"`
	IntervalSeconds *int    `json:"interval_seconds,omitempty"`
	CronExpression  *string `json:"cron_expression,omitempty"`
	EventKind       *string `json:"event_kind,omitempty"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		http.Error(w, "invalid task: "+err.Error(), http.StatusBadRequest)
		return
	}

	task := &devicestore.Task{
		ID:              uuid.NewString(),
		Name:            req.Name,
		ScriptType:      req.ScriptType,
		ScriptBody:      req.ScriptBody,
		Target:          req.Target,
		Platform:        req.Platform,
		TriggerType:     req.TriggerType,
		IntervalSeconds: req.IntervalSeconds,
		CronExpression:  req.CronExpression,
		EventKind:       req.EventKind,
		Status:          protocol.TaskStatusPending,
	}
	if req.ScheduledAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			http.Error(w, "invalid scheduled_at", http.StatusBadRequest)
			return
		}
		task.ScheduledAt = &t
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		s.log.Error().Err(err).Msg("create task failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(map[string]string{"id": task.ID})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	results, err := s.store.ListResultsForTask(r.Context(), id)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"task": task, "results": results})
}

func (s *Server) handleDispatchTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	task, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		http.Error(w, "task not found", http.StatusNotFound)
		return
	}
	if err := s.dispatcher.Dispatch(r.Context(), task); err != nil {
		s.log.Error().Err(err).Str("task_id", id).Msg("dispatch failed")
		http.Error(w, "dispatch failed", http.StatusInternalServerError)
		return
	}
	if s.metrics != nil {
		s.metrics.DispatchTotal.WithLabelValues("ok").Inc()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "dispatched"})
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.dispatcher.Cancel(r.Context(), id); err != nil {
		s.log.Error().Err(err).Str("task_id", id).Msg("cancel failed")
		http.Error(w, "cancel failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	var platform *string
	if p := r.URL.Query().Get("platform"); p != "" {
		platform = &p
	}

	onlineOnly := r.URL.Query().Get("online") == "true"
	var (
		devices []*devicestore.Device
		err     error
	)
	if onlineOnly {
		devices, err = s.store.ListOnline(r.Context(), platform)
	} else {
		devices, err = s.store.ListAllDevices(r.Context(), platform)
	}
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"devices": devices})
}

func (s *Server) handleLockDevice(w http.ResponseWriter, r *http.Request) {
	s.setLock(w, r, true)
}

func (s *Server) handleUnlockDevice(w http.ResponseWriter, r *http.Request) {
	s.setLock(w, r, false)
}

func (s *Server) setLock(w http.ResponseWriter, r *http.Request, locked bool) {
	id := chi.URLParam(r, "id")
	if err := s.store.SetLocked(r.Context(), id, locked); err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if handle, ok := s.registry.Get(id); ok {
		reason := "unlock"
		if locked {
			reason = "lockdown"
		}
		msg, err := protocol.NewMessage(protocol.TypeCommandRejected, protocol.CommandRejectedPayload{Reason: reason})
		if err == nil {
			if data, err := json.Marshal(msg); err == nil {
				_ = handle.Send(data)
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]bool{"locked": locked})
}
