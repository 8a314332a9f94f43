package agent

import (
	"testing"
	"time"

	"github.com/fleetguard/control-plane/internal/protocol"
)

func testPolicy() protocol.PolicyPayload {
	return protocol.PolicyPayload{
		PluggedSeconds:      60,
		Battery10080Seconds: 120,
		Battery7950Seconds:  300,
		Battery4920Seconds:  600,
		Battery1910Seconds:  900,
		Battery90Seconds:    1800,
		LowBatteryAlertPct:  15,
	}
}

func TestNextIntervalPluggedIgnoresBattery(t *testing.T) {
	h := NewHeartbeat(testPolicy())
	if got := h.NextInterval(true, 5); got != 60*time.Second {
		t.Fatalf("expected plugged interval regardless of battery level, got %v", got)
	}
}

func TestNextIntervalBatteryBandBoundaries(t *testing.T) {
	h := NewHeartbeat(testPolicy())

	cases := []struct {
		pct  int
		want time.Duration
	}{
		{100, 120 * time.Second},
		{80, 120 * time.Second}, // inclusive lower bound of the top band
		{79, 300 * time.Second},
		{50, 300 * time.Second}, // inclusive lower bound
		{49, 600 * time.Second},
		{20, 600 * time.Second}, // inclusive lower bound
		{19, 900 * time.Second},
		{10, 900 * time.Second}, // inclusive lower bound
		{9, 1800 * time.Second},
		{0, 1800 * time.Second},
	}
	for _, c := range cases {
		if got := h.NextInterval(false, c.pct); got != c.want {
			t.Errorf("NextInterval(false, %d) = %v, want %v", c.pct, got, c.want)
		}
	}
}

func TestNextIntervalZeroBandFallsBackToDefault(t *testing.T) {
	h := NewHeartbeat(protocol.PolicyPayload{})
	if got := h.NextInterval(true, 0); got != 60*time.Second {
		t.Fatalf("expected a zero-valued band to fall back to 60s, got %v", got)
	}
}

func TestSetPolicyTakesEffectImmediately(t *testing.T) {
	h := NewHeartbeat(testPolicy())
	h.SetPolicy(protocol.PolicyPayload{PluggedSeconds: 10})
	if got := h.NextInterval(true, 0); got != 10*time.Second {
		t.Fatalf("expected SetPolicy to replace the band table immediately, got %v", got)
	}
}

func TestLowBatteryAlert(t *testing.T) {
	h := NewHeartbeat(testPolicy())

	if h.LowBatteryAlert(true, 5) {
		t.Fatalf("expected no alert while plugged in")
	}
	if !h.LowBatteryAlert(false, 15) {
		t.Fatalf("expected alert at the threshold boundary")
	}
	if h.LowBatteryAlert(false, 16) {
		t.Fatalf("expected no alert just above the threshold")
	}
}
