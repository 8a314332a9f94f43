package devicestore

import (
	"context"
	"database/sql"
	"fmt"
)

// ListAllDevices lists every enrolled device, online or not, optionally
// filtered by platform — used by the dashboard's device listing. The
// Dispatcher does not use this for target == "all": spec §4.4 step 1 is
// explicit that "all" resolves only to devices with status=online, so it
// uses ListOnline instead. An offline device targeted individually (not via
// "all") still gets its TaskResult stub and schedule_task envelope; it picks
// the task up from the Local Task Cache on its next check-in.
func (s *Store) ListAllDevices(ctx context.Context, platform *string) ([]*Device, error) {
	var rows *sql.Rows
	var err error
	if platform != nil {
		rows, err = s.db.QueryContext(ctx, deviceSelect+` WHERE platform = ?`, *platform)
	} else {
		rows, err = s.db.QueryContext(ctx, deviceSelect)
	}
	if err != nil {
		return nil, fmt.Errorf("devicestore: list all devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// ListPendingTasksForDevice lists tasks targeting a specific device (or
// "all", respecting an optional platform filter) that have not been
// cancelled — used to reseed the Local Task Cache on check-in (spec §4.7).
func (s *Store) ListPendingTasksForDevice(ctx context.Context, deviceID, platform string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+`
		WHERE status != 'cancelled'
		  AND (target = ? OR target = 'all')
		  AND (platform IS NULL OR platform = ?)
	`, deviceID, platform)
	if err != nil {
		return nil, fmt.Errorf("devicestore: list pending tasks for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}
