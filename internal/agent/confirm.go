package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// confirmTimeout bounds the pre-run confirmation request (spec §4.11).
const confirmTimeout = 10 * time.Second

// taskStatusResponse mirrors the shape handleGetTask returns: devicestore.
// Task has no json tags, so its fields serialize under their capitalized
// Go names.
type taskStatusResponse struct {
	Task struct {
		Status string `json:"Status"`
	} `json:"task"`
}

// Confirmer is the Pre-run Confirmer (C11): immediately before running a
// cached task, it asks the dashboard whether the task is still pending,
// so a task cancelled server-side while the agent was offline is not run
// anyway. Grounded on the teacher's checkin HTTP client shape
// (internal/agent/agent.go's use of net/http with a short timeout).
type Confirmer struct {
	client    *http.Client
	baseURL   string
	authToken string
}

// NewConfirmer builds a Confirmer that queries baseURL for task status.
func NewConfirmer(baseURL, authToken string) *Confirmer {
	return &Confirmer{
		client:    &http.Client{Timeout: confirmTimeout},
		baseURL:   baseURL,
		authToken: authToken,
	}
}

// ShouldRun reports whether taskID should still execute: it returns false
// if the dashboard reports the task cancelled, and true both when the
// task is confirmed pending/dispatched and when the dashboard cannot be
// reached at all (spec §4.11: unreachable fails open, since a cached task
// was already explicitly scheduled and offline execution is the point of
// the Local Task Cache).
func (c *Confirmer) ShouldRun(ctx context.Context, taskID string) bool {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/api/dashboard/tasks/%s", c.baseURL, taskID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return true
	}
	if c.authToken != "" {
		req.Header.Set("X-Agent-Token", c.authToken)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return true
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return true
	}

	var status taskStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return true
	}

	return status.Task.Status != protocol.TaskStatusCancelled
}
