package devicestore

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// StaleThresholdFunc computes the absolute staleness deadline for a policy's
// heartbeat interval. internal/serverconfig.Config.StaleThreshold satisfies
// this signature.
type StaleThresholdFunc func(policyHeartbeat time.Duration) time.Duration

// OnStaleFunc is called once per device found stale by a sweep. The core
// only detects the condition (original_source: alerts.py); alerting is an
// external collaborator per spec §1.
type OnStaleFunc func(deviceID string)

// RunStalenessSweep performs one pass over all devices, comparing each
// device's last_seen against its bound policy's heartbeat interval scaled by
// threshold, and invokes onStale for every device that has gone quiet.
//
// The "heartbeat interval" used is the plugged-in cadence (PluggedSeconds),
// the most conservative (shortest) of the six bands, matching the teacher's
// StaleCommandTimeout's single-interval assumption.
func RunStalenessSweep(ctx context.Context, store *Store, threshold StaleThresholdFunc, onStale OnStaleFunc, log zerolog.Logger) error {
	rows, err := store.db.QueryContext(ctx, `
		SELECT d.id, COALESCE(d.policy_id, ''), d.last_seen
		FROM devices d WHERE d.last_seen IS NOT NULL
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type candidate struct {
		id       string
		policyID string
		lastSeen time.Time
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.policyID, &c.lastSeen); err != nil {
			return err
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, c := range candidates {
		var policy *Policy
		var err error
		if c.policyID != "" {
			policy, err = store.getPolicy(ctx, c.policyID)
		} else {
			policy, err = store.getDefaultPolicy(ctx)
		}
		if err != nil {
			log.Warn().Err(err).Str("device_id", c.id).Msg("staleness sweep: no policy for device, skipping")
			continue
		}

		heartbeat := time.Duration(policy.PluggedSeconds) * time.Second
		deadline := threshold(heartbeat)
		if time.Since(c.lastSeen) > deadline {
			onStale(c.id)
		}
	}
	return nil
}
