// Package scheduler runs the periodic billing maintenance tasks.
//
// A task arrives as a MaintenancePayload, either from an EventBridge rule
// (cmd/maintenance), from the in-process cron of the API server, or from
// billingctl. Every run takes an hourly job lock and leaves a job_history
// row, so the three triggers never overlap on the same hour.
package scheduler

import (
	"fmt"
	"time"
)

// TaskType identifies a maintenance task.
type TaskType string

const (
	// TaskSyncSubscriptions re-reads stale entitlements from the payment
	// provider and repairs drift.
	TaskSyncSubscriptions TaskType = "sync_subscriptions"
	// TaskPurgeEventLedger drops webhook ledger rows past the provider's
	// redelivery window.
	TaskPurgeEventLedger TaskType = "purge_event_ledger"
	// TaskPurgeSessions deletes expired bearer sessions.
	TaskPurgeSessions TaskType = "purge_sessions"
)

// Tasks lists every task in a stable order.
func Tasks() []TaskType {
	return []TaskType{TaskSyncSubscriptions, TaskPurgeEventLedger, TaskPurgeSessions}
}

// ParseTask maps a task name to its TaskType.
func ParseTask(name string) (TaskType, error) {
	for _, t := range Tasks() {
		if string(t) == name {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown task type: %q", name)
}

// MaintenancePayload is the JSON body an EventBridge rule sends to the
// maintenance function:
//
//	{
//	  "task": "sync_subscriptions",
//	  "reference_time": "2026-10-01T03:00:00Z"
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime overrides "now" for manual runs and backfills.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}
