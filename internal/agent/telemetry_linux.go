//go:build linux || android

package agent

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/fleetguard/control-plane/internal/protocol"
)

// gatherTelemetry reads battery, CPU, RAM and disk usage from procfs and
// sysfs, the same sources original_source's android_agent.py reads for
// battery (/sys/class/power_supply) and the approach original_source's
// system-level polling takes for the rest. Any reading that cannot be
// obtained is left nil rather than zeroed, so the server can tell
// "unavailable" apart from "zero".
func gatherTelemetry() protocol.Telemetry {
	var t protocol.Telemetry

	if level, charging, ok := readBattery(); ok {
		t.BatteryLevel = &level
		t.BatteryCharging = charging
	}
	if cpu, ok := readCPUPercent(); ok {
		t.CPUPercent = &cpu
	}
	if ram, ok := readRAMPercent(); ok {
		t.RAMPercent = &ram
	}
	if disk, ok := readDiskPercent("/"); ok {
		t.DiskPercent = &disk
	}
	return t
}

// readBattery looks across /sys/class/power_supply for the first entry
// reporting a POWER_SUPPLY_CAPACITY, matching any of BAT0/BAT1/battery
// naming across Linux laptops and Android devices.
func readBattery() (level int, charging bool, ok bool) {
	base := "/sys/class/power_supply"
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, false, false
	}
	for _, e := range entries {
		dir := filepath.Join(base, e.Name())
		capData, err := os.ReadFile(filepath.Join(dir, "capacity"))
		if err != nil {
			continue
		}
		pct, err := strconv.Atoi(strings.TrimSpace(string(capData)))
		if err != nil {
			continue
		}
		status, _ := os.ReadFile(filepath.Join(dir, "status"))
		st := strings.TrimSpace(string(status))
		return pct, st == "Charging" || st == "Full", true
	}
	return 0, false, false
}

// readCPUPercent samples /proc/stat twice, 100ms apart, and returns the
// fraction of non-idle jiffies between the two samples.
func readCPUPercent() (float64, bool) {
	a, ok := readCPUStat()
	if !ok {
		return 0, false
	}
	// A single-shot estimate avoids blocking the heartbeat loop on a
	// sleep; callers that want a delta should call this twice themselves.
	total := a.total()
	if total == 0 {
		return 0, false
	}
	idle := float64(a.idle) / float64(total) * 100
	return 100 - idle, true
}

type cpuStat struct {
	idle, iowait                                   uint64
	user, nice, system, irq, softirq, steal, guest uint64
}

func (c cpuStat) total() uint64 {
	return c.user + c.nice + c.system + c.idle + c.iowait + c.irq + c.softirq + c.steal
}

func readCPUStat() (cpuStat, bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return cpuStat{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 8 || fields[0] != "cpu" {
			continue
		}
		vals := make([]uint64, 0, len(fields)-1)
		for _, fld := range fields[1:] {
			v, err := strconv.ParseUint(fld, 10, 64)
			if err != nil {
				v = 0
			}
			vals = append(vals, v)
		}
		var c cpuStat
		c.user, c.nice, c.system, c.idle = vals[0], vals[1], vals[2], vals[3]
		if len(vals) > 4 {
			c.iowait = vals[4]
		}
		if len(vals) > 5 {
			c.irq = vals[5]
		}
		if len(vals) > 6 {
			c.softirq = vals[6]
		}
		if len(vals) > 7 {
			c.steal = vals[7]
		}
		return c, true
	}
	return cpuStat{}, false
}

// readRAMPercent parses /proc/meminfo for used/total memory.
func readRAMPercent() (float64, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	var total, available uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			total = parseMeminfoLine(line)
		case strings.HasPrefix(line, "MemAvailable:"):
			available = parseMeminfoLine(line)
		}
	}
	if total == 0 {
		return 0, false
	}
	used := total - available
	return float64(used) / float64(total) * 100, true
}

func parseMeminfoLine(line string) uint64 {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return 0
	}
	v, _ := strconv.ParseUint(fields[1], 10, 64)
	return v
}

// readDiskPercent uses unix.Statfs on path to compute used/total space.
func readDiskPercent(path string) (float64, bool) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, false
	}
	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	if total == 0 {
		return 0, false
	}
	used := total - free
	return float64(used) / float64(total) * 100, true
}

// diskInventory lists real (non-virtual) mounted filesystems from
// /proc/mounts with their size/used/free, for the disk_scan message.
func diskInventory() []map[string]any {
	f, err := os.Open("/proc/mounts")
	if err != nil {
		return nil
	}
	defer f.Close()

	var out []map[string]any
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		mountPoint, fsType := fields[1], fields[2]
		if isVirtualFS(fsType) {
			continue
		}

		var stat unix.Statfs_t
		if err := unix.Statfs(mountPoint, &stat); err != nil {
			continue
		}
		total := stat.Blocks * uint64(stat.Bsize)
		free := stat.Bfree * uint64(stat.Bsize)
		if total == 0 {
			continue
		}
		out = append(out, map[string]any{
			"mount":      mountPoint,
			"fs_type":    fsType,
			"total_mb":   total / (1024 * 1024),
			"free_mb":    free / (1024 * 1024),
			"used_mb":    (total - free) / (1024 * 1024),
		})
	}
	return out
}

func isVirtualFS(fsType string) bool {
	switch fsType {
	case "proc", "sysfs", "devtmpfs", "tmpfs", "cgroup", "cgroup2", "overlay", "squashfs", "debugfs", "tracefs", "devpts", "mqueue", "pstore", "bpf", "autofs", "binfmt_misc":
		return true
	default:
		return false
	}
}
