//go:build windows

package agent

import "github.com/fleetguard/control-plane/internal/protocol"

// gatherTelemetry returns an empty snapshot on Windows. Battery and
// performance counters there live behind WMI/PDH, and no library in the
// retrieval pack wraps them; this is a deliberate stdlib-only gap
// documented rather than worked around with a hand-rolled WMI client.
func gatherTelemetry() protocol.Telemetry {
	return protocol.Telemetry{}
}

// diskInventory returns no entries on Windows; volume enumeration needs
// the Win32 API and no ecosystem wrapper for it is available in the
// retrieval pack.
func diskInventory() []map[string]any {
	return nil
}
