package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// checkinTimeout bounds a single checkin HTTP call (spec §4.7, §5).
const checkinTimeout = 15 * time.Second

// checkinRetryInterval is how long to wait between failed checkin
// attempts before retrying indefinitely (spec §4.7).
const checkinRetryInterval = 30 * time.Second

type checkinRequest struct {
	DeviceID string `json:"device_id"`
	Hostname string `json:"hostname"`
	Platform string `json:"platform"`
	MAC      string `json:"mac"`
}

type checkinResponse struct {
	Policy       protocol.PolicyPayload       `json:"policy"`
	Locked       bool                         `json:"locked"`
	PendingTasks []protocol.CachedTaskPayload `json:"pending_tasks"`
}

// Checkin performs the agent's startup/reconnect handshake with the
// dashboard: identify, pull the current policy and lock state, and seed
// the Local Task Cache with anything queued while offline (spec §4.7).
// Grounded on the teacher's HTTP client usage pattern; retried
// indefinitely on failure at a fixed interval, matching reconnectBackoff's
// "be patient" posture (spec §5).
func Checkin(ctx context.Context, baseURL string, req checkinRequest, authToken string, log zerolog.Logger) (*checkinResponse, error) {
	client := &http.Client{Timeout: checkinTimeout}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("http://%s/api/agent/checkin", baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Agent-Token", authToken)

	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("checkin rejected: status %d", resp.StatusCode)
	}

	var out checkinResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckinUntilSuccess retries Checkin at checkinRetryInterval until it
// succeeds or ctx is cancelled.
func CheckinUntilSuccess(ctx context.Context, baseURL string, req checkinRequest, authToken string, log zerolog.Logger) (*checkinResponse, error) {
	for {
		resp, err := Checkin(ctx, baseURL, req, authToken, log)
		if err == nil {
			return resp, nil
		}
		log.Warn().Err(err).Msg("checkin failed, retrying")

		timer := time.NewTimer(checkinRetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}
